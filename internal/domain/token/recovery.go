package token

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"postkeeper/internal/domain/credential"
	"postkeeper/internal/domain/credential/store"
	pkerrors "postkeeper/internal/platform/errors"
)

type RecoveryAction int

// Declaration order is execution order: clearing before refreshing before
// asking the user.
const (
	ClearCorruptedAccessToken RecoveryAction = iota
	ClearCorruptedRefreshToken
	ClearBothTokens
	RefreshExpiredToken
	RequestReAuthentication
)

func (a RecoveryAction) String() string {
	switch a {
	case ClearCorruptedAccessToken:
		return "clear_corrupted_access_token"
	case ClearCorruptedRefreshToken:
		return "clear_corrupted_refresh_token"
	case ClearBothTokens:
		return "clear_both_tokens"
	case RefreshExpiredToken:
		return "refresh_expired_token"
	case RequestReAuthentication:
		return "request_reauthentication"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

func (a RecoveryAction) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

type RecoveryReport struct {
	HasValidTokens           bool             `json:"has_valid_tokens"`
	RequiresReAuthentication bool             `json:"requires_reauthentication"`
	Actions                  []RecoveryAction `json:"actions"`
	Issues                   []string         `json:"issues,omitempty"`
	// Denied means the store refused to read; only the user can fix that.
	Denied bool         `json:"denied"`
	Advice store.Advice `json:"-"`
}

// ValidateAndRecover inspects the stored credential and proposes the
// actions that repair it. Nothing is changed.
func (m *Manager) ValidateAndRecover(ctx context.Context) RecoveryReport {
	var report RecoveryReport
	snap, err := m.repo.Snapshot(ctx)
	if err != nil {
		report.Denied = true
		report.RequiresReAuthentication = true
		report.Actions = []RecoveryAction{RequestReAuthentication}
		report.Advice = store.AdviceFor(err)
		report.Issues = append(report.Issues, err.Error())
		return report
	}

	accessPresent, refreshPresent := snap.AccessToken != "", snap.RefreshToken != ""
	accessErr := tokenProblem(snap.AccessToken, snap.AccessErr)
	refreshErr := tokenProblem(snap.RefreshToken, snap.RefreshErr)
	if accessErr != nil && accessPresent {
		report.Issues = append(report.Issues, "access token: "+accessErr.Error())
	}
	if refreshErr != nil && refreshPresent {
		report.Issues = append(report.Issues, "refresh token: "+refreshErr.Error())
	}

	switch {
	case !accessPresent && !refreshPresent && snap.AccessErr == nil && snap.RefreshErr == nil:
		report.Actions = []RecoveryAction{RequestReAuthentication}
		report.Advice = store.AdviceRetryAuthentication

	case accessPresent && refreshPresent && snap.AccessToken == snap.RefreshToken:
		report.Issues = append(report.Issues, credential.ErrIdenticalTokens.Error())
		report.Actions = []RecoveryAction{ClearBothTokens, RequestReAuthentication}

	case accessErr != nil && refreshErr != nil:
		report.Actions = []RecoveryAction{ClearBothTokens, RequestReAuthentication}

	case refreshErr != nil:
		if refreshPresent || snap.RefreshErr != nil {
			report.Actions = []RecoveryAction{ClearCorruptedRefreshToken, RequestReAuthentication}
		} else {
			report.Issues = append(report.Issues, "refresh token missing")
			report.Actions = []RecoveryAction{RequestReAuthentication}
		}

	case accessErr != nil:
		if accessPresent || snap.AccessErr != nil {
			report.Actions = []RecoveryAction{ClearCorruptedAccessToken}
		} else {
			report.Issues = append(report.Issues, "access token missing")
			report.Actions = []RecoveryAction{RefreshExpiredToken}
		}

	case snap.ExpiryErr != nil || !snap.HasExpiry:
		report.Issues = append(report.Issues, "expiry missing or unreadable")
		report.Actions = []RecoveryAction{RefreshExpiredToken}

	case snap.Credential().Expired(m.now()):
		report.Issues = append(report.Issues, "access token expired")
		report.Actions = []RecoveryAction{RefreshExpiredToken}

	default:
		report.HasValidTokens = true
	}

	for _, a := range report.Actions {
		if a == RequestReAuthentication {
			report.RequiresReAuthentication = true
			if report.Advice == store.AdviceNone {
				report.Advice = store.AdviceRetryAuthentication
			}
		}
	}
	return report
}

// tokenProblem returns why a stored token is unusable, or nil.
func tokenProblem(token string, readErr error) error {
	if readErr != nil {
		return readErr
	}
	if token == "" {
		return credential.ErrPartialCredential
	}
	return credential.CheckTokenFormat(token)
}

// ExecuteRecovery applies actions in their canonical order. Running the same
// list twice has the same effect as running it once.
func (m *Manager) ExecuteRecovery(ctx context.Context, actions []RecoveryAction) error {
	ordered := append([]RecoveryAction(nil), actions...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var errs []error
	for i, a := range ordered {
		if i > 0 && ordered[i-1] == a {
			continue
		}
		m.logger.Info("recovery: %s", a)
		if err := m.execute(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
		}
	}
	if len(errs) > 0 {
		return pkerrors.Wrap(pkerrors.KindRecovery, "token.recover", "recovery failed", errors.Join(errs...))
	}
	return nil
}

func (m *Manager) execute(ctx context.Context, a RecoveryAction) error {
	switch a {
	case ClearCorruptedAccessToken:
		if err := m.repo.ClearAccess(ctx); err != nil {
			return err
		}
		return m.adoptStoredRefreshToken(ctx)

	case ClearCorruptedRefreshToken:
		if err := m.repo.ClearRefresh(ctx); err != nil {
			return err
		}
		m.cred.Store(nil)
		return nil

	case ClearBothTokens:
		if err := m.repo.Clear(ctx); err != nil {
			return err
		}
		m.cred.Store(nil)
		m.setState(Disconnected{})
		return nil

	case RefreshExpiredToken:
		if c := m.cred.Load(); c == nil || c.RefreshToken == "" {
			if err := m.adoptStoredRefreshToken(ctx); err != nil {
				return err
			}
		}
		_, err := m.refresh(ctx)
		return err

	case RequestReAuthentication:
		m.cred.Store(nil)
		m.setState(Disconnected{})
		return nil
	}
	return fmt.Errorf("unknown recovery action %d", int(a))
}

// adoptStoredRefreshToken holds a refresh-only credential so the next
// EnsureFreshToken refreshes immediately. The session stays authenticated.
func (m *Manager) adoptStoredRefreshToken(ctx context.Context) error {
	snap, err := m.repo.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.RefreshErr != nil || credential.CheckTokenFormat(snap.RefreshToken) != nil {
		m.cred.Store(nil)
		return ErrNoValidRefreshToken
	}
	m.cred.Store(&credential.Credential{RefreshToken: snap.RefreshToken, Profile: snap.Profile})
	m.setState(Authenticated{})
	return nil
}
