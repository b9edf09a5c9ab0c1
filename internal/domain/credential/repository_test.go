package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postkeeper/internal/domain/credential/store"
)

type flakyStore struct {
	store.Store
	failSet map[string]error
	failGet map[string]error
}

func (f *flakyStore) Set(ctx context.Context, key, value string) error {
	if err := f.failSet[key]; err != nil {
		return err
	}
	return f.Store.Set(ctx, key, value)
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if err := f.failGet[key]; err != nil {
		return "", err
	}
	return f.Store.Get(ctx, key)
}

func TestRepository_SaveLoad(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewRepository(store.NewMemory(), nil)

	_, err := repo.Load(ctx)
	require.ErrorIs(t, err, ErrNoCredential)

	want := Credential{
		AccessToken:  testAccess,
		RefreshToken: testRefresh,
		ExpiresAt:    now.Add(2 * time.Hour).UTC().Truncate(time.Second),
		Profile:      &UserProfile{ID: "42", Username: "ada"},
	}
	require.NoError(t, repo.Save(ctx, want, now))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, want.Profile, got.Profile)

	require.NoError(t, repo.Clear(ctx))
	_, err = repo.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestRepository_SaveRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewRepository(store.NewMemory(), nil)

	err := repo.Save(ctx, Credential{AccessToken: testAccess, RefreshToken: testAccess, ExpiresAt: now.Add(2 * time.Hour)}, now)
	assert.ErrorIs(t, err, ErrIdenticalTokens)

	err = repo.Save(ctx, Credential{AccessToken: testAccess, RefreshToken: testRefresh, ExpiresAt: now.Add(30 * time.Minute)}, now)
	assert.ErrorIs(t, err, ErrExpiryOutOfRange)

	_, err = repo.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredential, "rejected writes must not persist anything")
}

func TestRepository_RollbackOnPartialWrite(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	inner := store.NewMemory()
	flaky := &flakyStore{Store: inner}
	repo := NewRepository(flaky, nil)

	original := Credential{AccessToken: testAccess, RefreshToken: testRefresh, ExpiresAt: now.Add(2 * time.Hour)}
	require.NoError(t, repo.Save(ctx, original, now))

	flaky.failSet = map[string]error{KeyExpiresAt: errors.New("disk full")}
	next := Credential{AccessToken: "acc_fedcba9876543210", RefreshToken: "ref_abcdef0123456789", ExpiresAt: now.Add(3 * time.Hour)}
	require.Error(t, repo.Save(ctx, next, now))

	flaky.failSet = nil
	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, original.AccessToken, got.AccessToken)
	assert.Equal(t, original.RefreshToken, got.RefreshToken)
}

func TestRepository_SnapshotCorruptAndDenied(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemory()
	require.NoError(t, inner.Set(ctx, KeyAccessToken, "bad token!"))
	require.NoError(t, inner.Set(ctx, KeyRefreshToken, testRefresh))
	require.NoError(t, inner.Set(ctx, KeyExpiresAt, "yesterday"))
	repo := NewRepository(inner, nil)

	snap, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bad token!", snap.AccessToken)
	assert.False(t, snap.HasExpiry)
	assert.ErrorIs(t, snap.ExpiryErr, ErrCorruptCredential)

	_, err = repo.Load(ctx)
	assert.ErrorIs(t, err, ErrCorruptCredential)

	denied := NewRepository(&flakyStore{Store: inner, failGet: map[string]error{KeyRefreshToken: store.ErrAccessDenied}}, nil)
	snap, err = denied.Snapshot(ctx)
	assert.ErrorIs(t, err, store.ErrAccessDenied)
	assert.True(t, snap.Denied())
}

func TestRepository_ClearHalves(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewRepository(store.NewMemory(), nil)
	require.NoError(t, repo.Save(ctx, Credential{AccessToken: testAccess, RefreshToken: testRefresh, ExpiresAt: now.Add(2 * time.Hour)}, now))

	require.NoError(t, repo.ClearAccess(ctx))
	require.NoError(t, repo.ClearAccess(ctx))
	snap, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.AccessToken)
	assert.False(t, snap.HasExpiry)
	assert.Equal(t, testRefresh, snap.RefreshToken)

	require.NoError(t, repo.ClearRefresh(ctx))
	_, err = repo.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredential)
}
