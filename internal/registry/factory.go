package registry

import (
	"fmt"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/pkg/config"
)

// NewFromConfig creates the configured SessionRegistry backend
func NewFromConfig(cfg *config.Config) (SessionRegistry, error) {
	switch cfg.Registry.Backend {
	case "memory":
		return NewMemoryRegistry(), nil
	case "sqlite":
		db, err := common.NewSQLiteDatabase(cfg.Registry.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewGormRegistry(db)
	case "postgres":
		db, err := common.NewPostgresDatabase(&cfg.Database)
		if err != nil {
			return nil, err
		}
		return NewGormRegistry(db)
	case "redis":
		cache, err := common.NewCache(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisRegistry(cache), nil
	default:
		return nil, fmt.Errorf("unsupported registry backend: %s", cfg.Registry.Backend)
	}
}
