package token

import "errors"

var (
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrStateMismatch       = errors.New("authorization state mismatch")
	ErrMissingVerifier     = errors.New("missing PKCE verifier")
	// ErrRefreshTransient marks a refresh that may succeed later; the
	// credential is kept.
	ErrRefreshTransient = errors.New("refresh failed (transient)")
	// ErrRefreshPermanent marks a rejected refresh token. Exchangers wrap it
	// for invalid or revoked grants.
	ErrRefreshPermanent = errors.New("refresh failed (permanent)")

	ErrNoValidRefreshToken = errors.New("no valid refresh token")
	ErrBackupTooOld        = errors.New("credential backup too old")
)
