// Package mediacache remembers the most recent media attachment per chat and
// sender so that later messages can reference it.
package mediacache

import (
	"context"
	"fmt"

	"msgline/internal/domain"
	"msgline/internal/infra/config"
)

// Cache is a recent-media cache with both sides of the contract plus
// maintenance hooks.
type Cache interface {
	domain.RecentMediaCache
	domain.RecentMediaRecorder
	// Sweep removes expired entries and reports how many were dropped.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// New builds the cache selected by cfg.Backend.
func New(ctx context.Context, cfg config.MediaCacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(cfg.TTL, cfg.MaxEntries), nil
	case "redis":
		client, err := DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisCache(client, cfg.KeyPrefix, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("mediacache: unknown backend %q", cfg.Backend)
	}
}

func entryKey(chatID, senderJID string) string {
	return chatID + "|" + senderJID
}
