package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"postkeeper/internal/domain/credential/store"
	pkerrors "postkeeper/internal/platform/errors"
	"postkeeper/internal/platform/logging"
)

// Snapshot is the raw, unvalidated view of what the store holds. Read
// failures other than not-found are kept per field so recovery can decide
// which half is unusable.
type Snapshot struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	HasExpiry    bool
	Profile      *UserProfile

	AccessErr  error
	RefreshErr error
	ExpiryErr  error
}

// Denied reports whether any read was refused by the store.
func (s Snapshot) Denied() bool {
	for _, err := range []error{s.AccessErr, s.RefreshErr, s.ExpiryErr} {
		if errors.Is(err, store.ErrAccessDenied) {
			return true
		}
	}
	return false
}

// Credential assembles the snapshot into a Credential without validation.
func (s Snapshot) Credential() Credential {
	return Credential{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
		Profile:      s.Profile,
	}
}

// Repository maps a Credential onto the four store keys. Writes are
// serialised and roll back already-written keys when a later key fails, so a
// successful write never leaves a partial pair behind.
type Repository struct {
	store  store.Store
	logger logging.Interface
	mu     sync.Mutex
}

func NewRepository(s store.Store, logger logging.Interface) *Repository {
	return &Repository{store: s, logger: logging.OrDiscard(logger)}
}

// Snapshot reads every key. The returned error is non-nil only when the
// store denied access.
func (r *Repository) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	snap.AccessToken, snap.AccessErr = r.read(ctx, KeyAccessToken)
	snap.RefreshToken, snap.RefreshErr = r.read(ctx, KeyRefreshToken)

	if raw, err := r.read(ctx, KeyExpiresAt); err != nil {
		snap.ExpiryErr = err
	} else if raw != "" {
		t, perr := time.Parse(time.RFC3339Nano, raw)
		if perr != nil {
			snap.ExpiryErr = fmt.Errorf("%w: expiry %q", ErrCorruptCredential, raw)
		} else {
			snap.ExpiresAt, snap.HasExpiry = t, true
		}
	}

	if raw, err := r.read(ctx, KeyProfile); err == nil && raw != "" {
		var p UserProfile
		if err := sonic.UnmarshalString(raw, &p); err != nil {
			r.logger.Warn("discarding unreadable user profile: %v", err)
		} else {
			snap.Profile = &p
		}
	}

	if snap.Denied() {
		return snap, pkerrors.Wrap(pkerrors.KindStorage, "credential.snapshot", "credential store denied access", store.ErrAccessDenied)
	}
	return snap, nil
}

// read returns "" with a nil error for missing keys.
func (r *Repository) read(ctx context.Context, key string) (string, error) {
	v, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Load returns the stored credential. ErrNoCredential means nothing is
// stored; any other error means the stored data violates an invariant, in
// which case the partially decoded credential is still returned.
func (r *Repository) Load(ctx context.Context) (Credential, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return Credential{}, err
	}
	for _, ferr := range []error{snap.AccessErr, snap.RefreshErr, snap.ExpiryErr} {
		if ferr != nil {
			return snap.Credential(), fmt.Errorf("%w: %v", ErrCorruptCredential, ferr)
		}
	}
	c := snap.Credential()
	if c.IsZero() {
		return Credential{}, ErrNoCredential
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	if !snap.HasExpiry {
		return c, fmt.Errorf("%w: missing expiry", ErrCorruptCredential)
	}
	return c, nil
}

// Save validates c against now and writes it.
func (r *Repository) Save(ctx context.Context, c Credential, now time.Time) error {
	if err := c.ValidateAt(now); err != nil {
		return pkerrors.Wrap(pkerrors.KindStorage, "credential.save", "refusing to persist invalid credential", err)
	}
	return r.write(ctx, c)
}

// Restore writes a previously persisted credential. The expiry window is not
// re-checked because the backup was valid when it was taken.
func (r *Repository) Restore(ctx context.Context, c Credential) error {
	if err := c.Validate(); err != nil {
		return pkerrors.Wrap(pkerrors.KindStorage, "credential.restore", "refusing to restore invalid credential", err)
	}
	return r.write(ctx, c)
}

func (r *Repository) write(ctx context.Context, c Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := map[string]string{
		KeyRefreshToken: c.RefreshToken,
		KeyAccessToken:  c.AccessToken,
		KeyExpiresAt:    c.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if c.Profile != nil {
		raw, err := sonic.MarshalString(c.Profile)
		if err != nil {
			return pkerrors.Wrap(pkerrors.KindStorage, "credential.save", "encode profile", err)
		}
		values[KeyProfile] = raw
	}
	order := []string{KeyRefreshToken, KeyAccessToken, KeyExpiresAt, KeyProfile}

	previous := make(map[string]*string, len(order))
	for _, key := range order {
		v, err := r.store.Get(ctx, key)
		switch {
		case err == nil:
			previous[key] = &v
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCorrupt):
			previous[key] = nil
		default:
			return pkerrors.Wrap(pkerrors.KindStorage, "credential.save", "read previous value", err)
		}
	}

	written := make([]string, 0, len(order))
	for _, key := range order {
		var err error
		if v, ok := values[key]; ok {
			err = r.store.Set(ctx, key, v)
		} else {
			err = r.store.Delete(ctx, key)
		}
		if err != nil {
			r.rollback(ctx, written, previous)
			return pkerrors.Wrap(pkerrors.KindStorage, "credential.save", "write "+key, err)
		}
		written = append(written, key)
	}
	return nil
}

func (r *Repository) rollback(ctx context.Context, keys []string, previous map[string]*string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		var err error
		if prev := previous[key]; prev != nil {
			err = r.store.Set(ctx, key, *prev)
		} else {
			err = r.store.Delete(ctx, key)
		}
		if err != nil {
			r.logger.Error("rollback of %s failed: %v", key, err)
		}
	}
}

// Clear removes every credential key.
func (r *Repository) Clear(ctx context.Context) error {
	return r.delete(ctx, KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyProfile)
}

// ClearAccess removes the access token and its expiry.
func (r *Repository) ClearAccess(ctx context.Context) error {
	return r.delete(ctx, KeyAccessToken, KeyExpiresAt)
}

// ClearRefresh removes the refresh token.
func (r *Repository) ClearRefresh(ctx context.Context) error {
	return r.delete(ctx, KeyRefreshToken)
}

func (r *Repository) delete(ctx context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if err := r.store.Delete(ctx, key); err != nil {
			return pkerrors.Wrap(pkerrors.KindStorage, "credential.clear", "delete "+key, err)
		}
	}
	return nil
}
