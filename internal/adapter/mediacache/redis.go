package mediacache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"msgline/internal/domain"
)

// RedisClient abstracts the Redis operations needed by RedisCache.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// Get returns the value stored at key. ok is false when the key is missing.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value at key. A zero expiration keeps the key forever.
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Close() error
}

// RedisCache stores recent media in Redis so several processes share it.
// Expiry is left to Redis.
type RedisCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache. Keys are prefix + chatID + "|" + senderJID.
func NewRedisCache(client RedisClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Lookup implements domain.RecentMediaCache.
func (c *RedisCache) Lookup(ctx context.Context, chatID, senderJID string) (domain.RecentMedia, bool, error) {
	raw, ok, err := c.client.Get(ctx, c.prefix+entryKey(chatID, senderJID))
	if err != nil {
		return domain.RecentMedia{}, false, domain.NewSubSystemError("redis", "MediaCache.Lookup", domain.ErrMediaCache, err.Error())
	}
	if !ok {
		return domain.RecentMedia{}, false, nil
	}
	var m domain.RecentMedia
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return domain.RecentMedia{}, false, domain.NewSubSystemError("redis", "MediaCache.Lookup", domain.ErrMediaCache, "decode entry: "+err.Error())
	}
	return m, true, nil
}

// Record implements domain.RecentMediaRecorder.
func (c *RedisCache) Record(ctx context.Context, chatID, senderJID string, m domain.RecentMedia) error {
	data, err := json.Marshal(m)
	if err != nil {
		return domain.NewDomainError("MediaCache.Record", domain.ErrMediaCache, err.Error())
	}
	if err := c.client.Set(ctx, c.prefix+entryKey(chatID, senderJID), string(data), c.ttl); err != nil {
		return domain.NewSubSystemError("redis", "MediaCache.Record", domain.ErrMediaCache, err.Error())
	}
	return nil
}

// Sweep is a no-op; Redis expires keys itself.
func (c *RedisCache) Sweep(context.Context) (int, error) { return 0, nil }

// Close closes the underlying client.
func (c *RedisCache) Close() error { return c.client.Close() }

var _ Cache = (*RedisCache)(nil)

// goRedisClient wraps a go-redis client to implement RedisClient.
type goRedisClient struct {
	client *goredis.Client
}

// DialRedis parses url, connects and pings the server.
func DialRedis(ctx context.Context, url string) (RedisClient, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, domain.NewDomainError("mediacache.DialRedis", domain.ErrInvalidInput, "parse redis url: "+err.Error())
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, domain.NewSubSystemError("redis", "mediacache.DialRedis", domain.ErrProviderError, "ping: "+err.Error())
	}
	return &goRedisClient{client: rdb}, nil
}

func (r *goRedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *goRedisClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *goRedisClient) Close() error {
	return r.client.Close()
}
