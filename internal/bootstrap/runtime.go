// Package bootstrap centralizes process startup: the configuration-driven
// database and Redis connections shared by the server binary and the dev
// CLIs.
package bootstrap

import (
	"fmt"
	"log"

	"parley/internal/cache"
	"parley/internal/config"
	"parley/internal/database"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// SkipRedis leaves the Redis client nil. CLIs that only touch the
	// database set this.
	SkipRedis bool
}

// InitRuntime connects to the database and Redis per the configuration.
// The Redis client may be nil when the instance is unreachable; callers
// decide whether a dark Redis surface is fatal.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := database.ConnectReadReplica(cfg); err != nil {
		log.Printf("read replica unavailable, using primary: %v", err)
	}

	if opts.SkipRedis {
		return db, nil, nil
	}

	cache.InitRedis(cfg.RedisURL)
	return db, cache.GetClient(), nil
}
