package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports a key with no stored value.
	ErrNotFound = errors.New("credential store: not found")
	// ErrAccessDenied reports that the backend refused the operation.
	ErrAccessDenied = errors.New("credential store: access denied")
	// ErrCorrupt reports a stored value that can no longer be decoded.
	ErrCorrupt = errors.New("credential store: corrupt value")
)

// Store is an opaque secure key/value store. Every operation is atomic per key.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (map[string]any, error)
	Close(ctx context.Context) error
}

// Config describes the high level store selection parameters.
type Config struct {
	Driver         string
	Namespace      string
	EncryptionKey  string
	Redis          *RedisConfig
	SecretsManager *SecretsManagerConfig
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// SecretsManagerConfig names the secret holding all credential keys as one JSON object.
type SecretsManagerConfig struct {
	Region     string
	SecretName string
}

// Advice tells the caller how to react to a store failure.
type Advice int

const (
	AdviceNone Advice = iota
	// AdviceRetryAuthentication: nothing usable is stored, a fresh login can proceed.
	AdviceRetryAuthentication
	// AdviceRequireUserAuthentication: the store itself refused access, the user must intervene.
	AdviceRequireUserAuthentication
)

func (a Advice) String() string {
	switch a {
	case AdviceRetryAuthentication:
		return "retry_authentication"
	case AdviceRequireUserAuthentication:
		return "require_user_authentication"
	default:
		return "none"
	}
}

// AdviceFor maps a store error onto recovery advice.
func AdviceFor(err error) Advice {
	switch {
	case err == nil:
		return AdviceNone
	case errors.Is(err, ErrAccessDenied):
		return AdviceRequireUserAuthentication
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt):
		return AdviceRetryAuthentication
	default:
		return AdviceRetryAuthentication
	}
}
