package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/whooprelay/internal/storage"
)

const (
	DefaultDedupTTL     = 24 * time.Hour
	DefaultDedupEntries = 100_000

	redisDedupPrefix = "whooprelay:trace:"
)

// Dedup remembers trace ids for a bounded window.
type Dedup interface {
	// MarkSeen records traceID and reports whether this is its first
	// sighting inside the window.
	MarkSeen(ctx context.Context, traceID string) (bool, error)
	Forget(ctx context.Context, traceID string) error
	Close() error
}

type memoryDedup struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewMemoryDedup keeps at most size trace ids, each for ttl. When full the
// least recently seen id is evicted first.
func NewMemoryDedup(size int, ttl time.Duration) Dedup {
	if size <= 0 {
		size = DefaultDedupEntries
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &memoryDedup{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (d *memoryDedup) MarkSeen(_ context.Context, traceID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Get(traceID); ok {
		return false, nil
	}
	d.cache.Add(traceID, struct{}{})
	return true, nil
}

func (d *memoryDedup) Forget(_ context.Context, traceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(traceID)
	return nil
}

func (d *memoryDedup) Close() error {
	return nil
}

type redisDedup struct {
	client redis.UniversalClient
	ttl    time.Duration
	owned  bool
}

// NewRedisDedup stores trace ids as keys with SET NX and an expiry, so the
// window is shared by every process using the same Redis.
func NewRedisDedup(client redis.UniversalClient, ttl time.Duration) Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &redisDedup{client: client, ttl: ttl}
}

func (d *redisDedup) MarkSeen(ctx context.Context, traceID string) (bool, error) {
	first, err := d.client.SetNX(ctx, redisDedupPrefix+traceID, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup: %w", err)
	}
	return first, nil
}

func (d *redisDedup) Forget(ctx context.Context, traceID string) error {
	return d.client.Del(ctx, redisDedupPrefix+traceID).Err()
}

func (d *redisDedup) Close() error {
	if !d.owned {
		return nil
	}
	return d.client.Close()
}

// BuildDedupFromDSN selects the dedup cache: memory:// (or empty) or
// redis[s]://host:port/db.
func BuildDedupFromDSN(dsn string, size int, ttl time.Duration) (Dedup, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryDedup(size, ttl), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryDedup(size, ttl), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		d := NewRedisDedup(redis.NewClient(opts), ttl).(*redisDedup)
		d.owned = true
		return d, nil
	case "postgres", "postgresql":
		return nil, fmt.Errorf("%w: dedup backend %s", storage.ErrNotImplemented, parsed.Scheme)
	default:
		return nil, fmt.Errorf("unsupported dedup scheme: %s", parsed.Scheme)
	}
}
