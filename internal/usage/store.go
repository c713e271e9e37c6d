package usage

import (
	"context"
	"fmt"
)

// StoreConfig selects and configures a counter store.
type StoreConfig struct {
	Driver        string
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// OpenStore builds the store named by cfg.Driver.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case DialectPostgres, DialectSQLite:
		return NewSQLStoreFromDSN(cfg.Driver, cfg.DSN, nil)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	default:
		return nil, fmt.Errorf("unsupported usage store %q", cfg.Driver)
	}
}
