// Package kvstore provides a tenant-scoped key-value store used for
// incremental-sync watermarks. Keys are always namespaced by tenant id;
// an empty tenant id reads nothing and writes nothing.
package kvstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNoTenant is returned when a write is attempted without a tenant id.
var ErrNoTenant = errors.New("kvstore: empty tenant id")

// Store is a tenant-scoped key-value interface.
type Store interface {
	Get(ctx context.Context, tenantID, key string) (string, bool, error)
	Set(ctx context.Context, tenantID, key, value string) error
}

// Redis implements Store on a redis client.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a redis-backed Store. A zero ttl means keys do not expire.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func redisKey(tenantID, key string) string {
	return "vanguard:" + tenantID + ":" + key
}

// Get reads a tenant-scoped key. Empty tenant id returns not found.
func (r *Redis) Get(ctx context.Context, tenantID, key string) (string, bool, error) {
	if tenantID == "" {
		return "", false, nil
	}
	v, err := r.client.Get(ctx, redisKey(tenantID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set writes a tenant-scoped key.
func (r *Redis) Set(ctx context.Context, tenantID, key, value string) error {
	if tenantID == "" {
		return ErrNoTenant
	}
	return r.client.Set(ctx, redisKey(tenantID, key), value, r.ttl).Err()
}

// Memory implements Store in memory. Suitable for dev/testing.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get reads a tenant-scoped key. Empty tenant id returns not found.
func (m *Memory) Get(_ context.Context, tenantID, key string) (string, bool, error) {
	if tenantID == "" {
		return "", false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[redisKey(tenantID, key)]
	return v, ok, nil
}

// Set writes a tenant-scoped key.
func (m *Memory) Set(_ context.Context, tenantID, key, value string) error {
	if tenantID == "" {
		return ErrNoTenant
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[redisKey(tenantID, key)] = value
	return nil
}
