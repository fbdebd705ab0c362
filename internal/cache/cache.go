// Package cache provides the shared hot-path store implementations.
package cache

import (
	"fmt"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// New creates a cache store based on configuration.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(cfg.LocalMaxSize), nil

	case "redis":
		return NewRedisStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
