package credential

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	minTokenLength  = 16
	maxTokenLength  = 4096
	minDistinctRune = 6
)

// CheckTokenFormat rejects tokens that are too short, contain characters
// outside the OAuth2 token alphabet, carry too little entropy or claim to be
// a JWT without parsing as one.
func CheckTokenFormat(token string) error {
	if len(token) < minTokenLength || len(token) > maxTokenLength {
		return fmt.Errorf("%w: length %d", ErrMalformedToken, len(token))
	}

	distinct := make(map[rune]struct{}, 32)
	for _, r := range token {
		if !isTokenRune(r) {
			return fmt.Errorf("%w: invalid character %q", ErrMalformedToken, r)
		}
		distinct[r] = struct{}{}
	}
	if len(distinct) < minDistinctRune {
		return fmt.Errorf("%w: low entropy", ErrMalformedToken)
	}

	if looksLikeJWT(token) {
		if _, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{}); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}
	return nil
}

// isTokenRune matches the RFC 6750 b64token alphabet.
func isTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-._~+/=", r)
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2 && strings.HasPrefix(token, "eyJ")
}

// ExpiryFromJWT returns the exp claim of a JWT access token, if any.
func ExpiryFromJWT(token string) (time.Time, bool) {
	if !looksLikeJWT(token) {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
