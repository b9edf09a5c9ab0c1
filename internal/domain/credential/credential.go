// Package credential holds the OAuth2 credential model, its write-time
// invariants and the repository that maps it onto a key/value store.
package credential

import (
	"errors"
	"time"
)

// Store keys. The credential is spread across four independent entries.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresAt    = "token_expires_at"
	KeyProfile      = "user_profile"
)

// Expiry bounds enforced at write time.
const (
	MinLifetime = time.Hour
	MaxLifetime = 365 * 24 * time.Hour
)

var (
	ErrNoCredential      = errors.New("credential: none stored")
	ErrPartialCredential = errors.New("credential: access and refresh token must be stored together")
	ErrIdenticalTokens   = errors.New("credential: access token equals refresh token")
	ErrExpiryOutOfRange  = errors.New("credential: expiry outside accepted window")
	ErrMalformedToken    = errors.New("credential: malformed token")
	ErrCorruptCredential = errors.New("credential: stored value is corrupt")
)

// UserProfile is the optional identity attached to a credential.
type UserProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// Credential is one OAuth2 token pair.
type Credential struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Profile      *UserProfile `json:"profile,omitempty"`
}

// IsZero reports whether neither token is present.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// ExpiresWithin reports whether the credential expires at or before now+margin.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(margin))
}

// Expired reports whether the access token is no longer valid at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Validate enforces the structural invariants: both tokens or neither,
// distinct tokens, well-formed tokens.
func (c Credential) Validate() error {
	if (c.AccessToken == "") != (c.RefreshToken == "") {
		return ErrPartialCredential
	}
	if c.IsZero() {
		return ErrNoCredential
	}
	if c.AccessToken == c.RefreshToken {
		return ErrIdenticalTokens
	}
	if err := CheckTokenFormat(c.AccessToken); err != nil {
		return err
	}
	return CheckTokenFormat(c.RefreshToken)
}

// ValidateAt adds the expiry window check relative to now.
func (c Credential) ValidateAt(now time.Time) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ExpiresAt.Before(now.Add(MinLifetime)) || c.ExpiresAt.After(now.Add(MaxLifetime)) {
		return ErrExpiryOutOfRange
	}
	return nil
}
