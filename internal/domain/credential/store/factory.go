package store

import (
	"fmt"

	"gorm.io/gorm"
)

// Driver identifiers supported by the credential domain.
const (
	DriverMemory         = "memory"
	DriverSQLite         = "sqlite"
	DriverRedis          = "redis"
	DriverSecretsManager = "secretsmanager"
)

// Dependencies captures external handles required by certain drivers.
type Dependencies struct {
	SQLiteDB *gorm.DB
	Secrets  SecretsClient
}

// New creates a credential store based on the provided configuration. A
// non-empty EncryptionKey wraps the selected driver with at-rest encryption.
func New(cfg Config, deps Dependencies) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	var (
		s   Store
		err error
	)
	switch driver {
	case DriverMemory:
		s = NewMemory()
	case DriverSQLite:
		if deps.SQLiteDB == nil {
			return nil, fmt.Errorf("sqlite driver requires database handle")
		}
		s, err = NewSQLite(deps.SQLiteDB, cfg)
	case DriverRedis:
		s, err = NewRedis(cfg)
	case DriverSecretsManager:
		if deps.Secrets == nil {
			return nil, fmt.Errorf("secretsmanager driver requires a client")
		}
		s, err = NewSecretsManager(deps.Secrets, cfg)
	default:
		return nil, fmt.Errorf("unsupported credential store driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.EncryptionKey != "" {
		return NewEncrypted(s, cfg.EncryptionKey, cfg.Namespace)
	}
	return s, nil
}
