package token

import (
	"context"
	"time"

	"postkeeper/internal/domain/credential"
)

// TokenSet is what the authorization server hands back for a code or
// refresh exchange. ExpiresIn of zero means the server did not say.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Profile      *credential.UserProfile
}

// Exchanger talks to the OAuth2 token endpoint. Refresh must wrap
// ErrRefreshPermanent when the grant itself was rejected.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code, verifier string) (TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// AuthorizationResult is the outcome of the browser half of the PKCE flow.
type AuthorizationResult struct {
	Code          string
	State         string
	ExpectedState string
	Verifier      string
}

const defaultLifetime = 2 * time.Hour

func credentialFrom(set TokenSet, previous *credential.Credential, now time.Time) credential.Credential {
	c := credential.Credential{
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		Profile:      set.Profile,
	}
	if previous != nil {
		if c.RefreshToken == "" {
			c.RefreshToken = previous.RefreshToken
		}
		if c.Profile == nil {
			c.Profile = previous.Profile
		}
	}
	switch {
	case set.ExpiresIn > 0:
		c.ExpiresAt = now.Add(set.ExpiresIn)
	default:
		if exp, ok := credential.ExpiryFromJWT(set.AccessToken); ok {
			c.ExpiresAt = exp
		} else {
			c.ExpiresAt = now.Add(defaultLifetime)
		}
	}
	return c
}
