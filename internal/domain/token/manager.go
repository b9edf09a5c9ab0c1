// Package token owns the OAuth2 credential lifecycle: authentication,
// single-flight refresh, deferral under in-flight posts, recovery of corrupt
// stored state and backup/restore.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"postkeeper/internal/domain/connectivity"
	"postkeeper/internal/domain/credential"
	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/domain/retry"
	pkerrors "postkeeper/internal/platform/errors"
	"postkeeper/internal/platform/logging"
	"postkeeper/internal/platform/metrics"
	"postkeeper/internal/util/task"
)

const (
	DefaultRefreshMargin = 15 * time.Minute
	DefaultPollInterval  = time.Minute

	refreshKey = "refresh"
)

// Options encapsulates the dependencies required to construct a Manager.
type Options struct {
	Repository    *credential.Repository
	Exchanger     Exchanger
	Retry         *retry.Engine
	Bus           eventbus.Bus
	Logger        logging.Interface
	Metrics       *metrics.Metrics
	RefreshMargin time.Duration
	PollInterval  time.Duration
	Now           func() time.Time
}

// Handle identifies a registered in-flight post.
type Handle struct{ id uuid.UUID }

func (h Handle) String() string { return h.id.String() }

// Manager is the only writer of the credential. Readers get a lock-free
// snapshot.
type Manager struct {
	repo    *credential.Repository
	exch    Exchanger
	retry   *retry.Engine
	bus     eventbus.Bus
	logger  logging.Interface
	metrics *metrics.Metrics
	margin  time.Duration
	now     func() time.Time

	cred         atomic.Pointer[credential.Credential]
	group        singleflight.Group
	refreshCalls atomic.Int64

	stateMu sync.Mutex
	state   *eventbus.Feed[AuthenticationState]

	mu       sync.Mutex
	inflight map[Handle]struct{}
	deferred bool
	bgCtx    context.Context

	poll *task.Periodic
}

// NewManager wires a Manager using the supplied options.
func NewManager(opts Options) (*Manager, error) {
	if opts.Repository == nil {
		return nil, errors.New("token manager requires a credential repository")
	}
	if opts.Exchanger == nil {
		return nil, errors.New("token manager requires an exchanger")
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewEngine(nil, retry.WithLogger(opts.Logger))
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		repo:     opts.Repository,
		exch:     opts.Exchanger,
		retry:    opts.Retry,
		bus:      opts.Bus,
		logger:   logging.OrDiscard(opts.Logger),
		metrics:  opts.Metrics,
		margin:   opts.RefreshMargin,
		now:      opts.Now,
		state:    eventbus.NewFeedWith[AuthenticationState](Disconnected{}),
		inflight: make(map[Handle]struct{}),
		bgCtx:    context.Background(),
	}
	m.poll = task.NewPeriodic("token-refresh-poll", opts.PollInterval, m.check)
	return m, nil
}

// Load reads the stored credential. Corrupt state is repaired through
// ValidateAndRecover; only a store that denies access is an error.
func (m *Manager) Load(ctx context.Context) error {
	c, err := m.repo.Load(ctx)
	switch {
	case err == nil:
		m.cred.Store(&c)
		m.setState(Authenticated{})
		m.logger.Info("loaded credential, expires at %s", c.ExpiresAt.Format(time.RFC3339))
		return nil
	case errors.Is(err, credential.ErrNoCredential):
		m.setState(Disconnected{})
		return nil
	}

	report := m.ValidateAndRecover(ctx)
	m.logger.Warn("stored credential failed validation (%v), recovery actions: %v", err, report.Actions)
	if report.Denied {
		return err
	}
	if execErr := m.ExecuteRecovery(ctx, report.Actions); execErr != nil {
		m.logger.Warn("credential recovery incomplete: %v", execErr)
	}
	return nil
}

// Start launches the refresh polling task. Deferred refreshes fired after
// the last post unregisters also run under ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.bgCtx = ctx
	m.mu.Unlock()
	return m.poll.Start(ctx)
}

func (m *Manager) Stop()   { m.poll.Stop() }
func (m *Manager) Pause()  { m.poll.Pause() }
func (m *Manager) Resume() { m.poll.Resume() }

func (m *Manager) State() AuthenticationState {
	s, _ := m.state.Last()
	return s
}

// Subscribe streams state transitions, starting with the current state.
func (m *Manager) Subscribe(ctx context.Context) <-chan AuthenticationState {
	return m.state.Subscribe(ctx)
}

// Credential returns the current snapshot without locking.
func (m *Manager) Credential() (credential.Credential, bool) {
	c := m.cred.Load()
	if c == nil {
		return credential.Credential{}, false
	}
	return *c, true
}

// IsAuthenticated reports whether a refresh token is held.
func (m *Manager) IsAuthenticated() bool {
	c := m.cred.Load()
	return c != nil && c.RefreshToken != ""
}

// RefreshCalls is the number of underlying refresh exchanges started.
func (m *Manager) RefreshCalls() int64 { return m.refreshCalls.Load() }

// EnsureFreshToken returns a credential whose access token is usable for op,
// refreshing first when it expires within the refresh margin. While posts are
// in flight a due refresh is deferred unless the token has already expired.
func (m *Manager) EnsureFreshToken(ctx context.Context, op connectivity.OperationType) (credential.Credential, error) {
	c := m.cred.Load()
	if c == nil {
		return credential.Credential{}, pkerrors.Wrap(pkerrors.KindAuth, "token.ensure", "no credential", ErrNotAuthenticated)
	}
	now := m.now()
	if c.AccessToken != "" && !c.ExpiresWithin(now, m.margin) {
		return *c, nil
	}
	if c.AccessToken != "" && m.deferIfBusy(*c, now) {
		return *c, nil
	}
	m.logger.Debug("token due for refresh before %s", op)
	return m.refresh(ctx)
}

// ForceRefresh refreshes regardless of expiry or in-flight posts, joining a
// refresh already underway.
func (m *Manager) ForceRefresh(ctx context.Context) bool {
	if _, err := m.refresh(ctx); err != nil {
		m.logger.Warn("forced refresh failed: %v", err)
		return false
	}
	return true
}

// RegisterInFlightPost marks a post as being sent.
func (m *Manager) RegisterInFlightPost() Handle {
	h := Handle{id: uuid.New()}
	m.mu.Lock()
	m.inflight[h] = struct{}{}
	m.mu.Unlock()
	return h
}

// Unregister ends a post. When it was the last one and a refresh was
// deferred, the refresh check runs now.
func (m *Manager) Unregister(h Handle) {
	m.mu.Lock()
	delete(m.inflight, h)
	fire := len(m.inflight) == 0 && m.deferred
	if fire {
		m.deferred = false
	}
	ctx := m.bgCtx
	m.mu.Unlock()

	if fire {
		m.logger.Debug("last in-flight post finished, running deferred refresh")
		go m.check(ctx)
	}
}

func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// deferIfBusy records a deferred refresh and returns true when posts are in
// flight and c has not expired yet.
func (m *Manager) deferIfBusy(c credential.Credential, now time.Time) bool {
	if c.Expired(now) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inflight) == 0 {
		return false
	}
	if !m.deferred {
		m.logger.Info("refresh due but %d posts in flight, deferring", len(m.inflight))
	}
	m.deferred = true
	return true
}

// check is the polling body.
func (m *Manager) check(ctx context.Context) {
	c := m.cred.Load()
	if c == nil {
		return
	}
	now := m.now()
	if c.AccessToken != "" && !c.ExpiresWithin(now, m.margin) {
		return
	}
	if c.AccessToken != "" && m.deferIfBusy(*c, now) {
		return
	}
	if _, err := m.refresh(ctx); err != nil {
		m.logger.Warn("scheduled refresh failed: %v", err)
	}
}

// refresh collapses concurrent callers into one exchange. The exchange runs
// detached from any single caller; a cancelled caller only stops waiting.
func (m *Manager) refresh(ctx context.Context) (credential.Credential, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return credential.Credential{}, res.Err
		}
		return res.Val.(credential.Credential), nil
	case <-ctx.Done():
		return credential.Credential{}, retry.Cancelled("refresh", ctx.Err())
	}
}

func (m *Manager) doRefresh(ctx context.Context) (credential.Credential, error) {
	current := m.cred.Load()
	if current == nil || current.RefreshToken == "" {
		return credential.Credential{}, pkerrors.Wrap(pkerrors.KindAuth, "token.refresh", "no refresh token", ErrNotAuthenticated)
	}

	m.refreshCalls.Add(1)
	m.setState(Refreshing{})

	set, err := retry.Run(ctx, m.retry, connectivity.OpRefresh, func(ctx context.Context) (TokenSet, error) {
		return m.exch.Refresh(ctx, current.RefreshToken)
	})
	if err != nil {
		if errors.Is(err, ErrRefreshPermanent) {
			m.metrics.ObserveRefresh("permanent")
			m.logger.Error("refresh token rejected, signing out: %v", err)
			if clearErr := m.repo.Clear(ctx); clearErr != nil {
				m.logger.Error("clearing rejected credential failed: %v", clearErr)
			}
			m.cred.Store(nil)
			m.setState(Disconnected{})
			return credential.Credential{}, pkerrors.Wrap(pkerrors.KindAuth, "token.refresh", "refresh token rejected",
				fmt.Errorf("%w: %w", ErrNotAuthenticated, err))
		}
		m.metrics.ObserveRefresh("transient")
		m.logger.Warn("refresh failed, keeping credential: %v", err)
		m.setState(Errored{Reason: ReasonTransient})
		return credential.Credential{}, pkerrors.Wrap(pkerrors.KindAuth, "token.refresh", "refresh failed",
			fmt.Errorf("%w: %w", ErrRefreshTransient, err))
	}

	now := m.now()
	next := credentialFrom(set, current, now)
	if err := m.WithBackup(ctx, func() error { return m.repo.Save(ctx, next, now) }); err != nil {
		m.metrics.ObserveRefresh("storage")
		m.setState(Errored{Reason: ReasonStorage})
		return credential.Credential{}, pkerrors.Wrap(pkerrors.KindStorage, "token.refresh", "persist refreshed credential", err)
	}

	m.cred.Store(&next)
	m.metrics.ObserveRefresh("success")
	m.setState(Authenticated{})
	m.logger.Info("token refreshed, expires at %s", next.ExpiresAt.Format(time.RFC3339))
	return next, nil
}

// Authenticate completes the authorization-code flow and stores the
// resulting credential.
func (m *Manager) Authenticate(ctx context.Context, r AuthorizationResult) error {
	if r.State != r.ExpectedState {
		return pkerrors.Wrap(pkerrors.KindAuth, "token.authenticate", "state parameter does not match", ErrStateMismatch)
	}
	if r.Verifier == "" {
		return pkerrors.Wrap(pkerrors.KindAuth, "token.authenticate", "verifier required", ErrMissingVerifier)
	}

	previous := m.State()
	m.setState(Authenticating{})
	set, err := retry.Run(ctx, m.retry, connectivity.OpAuthentication, func(ctx context.Context) (TokenSet, error) {
		return m.exch.ExchangeCode(ctx, r.Code, r.Verifier)
	})
	if err != nil {
		if retry.Classify(err) == retry.ClassCancelled {
			m.setState(previous)
			return err
		}
		m.setState(Errored{Reason: ReasonExchangeFailed})
		return pkerrors.Wrap(pkerrors.KindAuth, "token.authenticate", "code exchange failed",
			fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err))
	}

	now := m.now()
	c := credentialFrom(set, nil, now)
	if err := m.repo.Save(ctx, c, now); err != nil {
		m.setState(Errored{Reason: ReasonStorage})
		return err
	}
	m.cred.Store(&c)
	m.setState(Authenticated{})
	m.logger.Info("authenticated")
	return nil
}

// SignOut deletes the credential.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.repo.Clear(ctx); err != nil {
		return err
	}
	m.cred.Store(nil)
	m.setState(Disconnected{})
	m.logger.Info("signed out")
	return nil
}

func (m *Manager) setState(s AuthenticationState) {
	m.stateMu.Lock()
	prev, _ := m.state.Last()
	if prev == s {
		m.stateMu.Unlock()
		return
	}
	m.state.Publish(s)
	m.stateMu.Unlock()

	if m.bus != nil {
		evt := eventbus.AuthStateEvent{State: StateName(s), At: m.now()}
		if e, ok := s.(Errored); ok {
			evt.Reason = e.Reason
		}
		m.bus.Publish(eventbus.TopicAuthStateChanged, evt)
	}
}
