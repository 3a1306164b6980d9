package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "btcrisk:"

// Deduplicator remembers which alerts were delivered so scheduled reruns
// and parallel instances do not notify twice.
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a Deduplicator backed by Redis. Keys expire after ttl.
func New(redisURL, password string, ttl time.Duration) (*Deduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &Deduplicator{rdb: rdb, ttl: ttl}, nil
}

// Close shuts down the Redis connection.
func (d *Deduplicator) Close() error {
	return d.rdb.Close()
}

// Claim atomically records key and reports whether this caller is the first.
// A Redis failure returns the error and claimed=true: delivering a duplicate
// beats dropping a band flip.
func (d *Deduplicator) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return true, err
	}
	return ok, nil
}

// Clear removes a key so the alert can fire again.
func (d *Deduplicator) Clear(ctx context.Context, key string) {
	d.rdb.Del(ctx, keyPrefix+key) //nolint:errcheck
}

// ClearByPattern removes every key matching a glob pattern.
func (d *Deduplicator) ClearByPattern(ctx context.Context, pattern string) {
	iter := d.rdb.Scan(ctx, 0, keyPrefix+pattern, 100).Iterator()
	for iter.Next(ctx) {
		d.rdb.Del(ctx, iter.Val()) //nolint:errcheck
	}
}
