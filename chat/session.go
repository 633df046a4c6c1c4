// chat/session.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("session cache miss")

// SessionCache holds per-session state such as resolved peers. Entries
// belong to a session and live until Drop is called for it (or, for
// caches that support it, until they expire).
type SessionCache interface {
	Get(ctx context.Context, session, key string) ([]byte, error)
	Put(ctx context.Context, session, key string, value []byte) error
	Drop(ctx context.Context, session string) error
}

// MemoryCache is a SessionCache for a single process.
type MemoryCache struct {
	mu       sync.Mutex
	sessions map[string]map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{sessions: make(map[string]map[string][]byte)}
}

func (c *MemoryCache) Get(ctx context.Context, session, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.sessions[session][key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%s/%s: %w", session, key, ErrCacheMiss)
}

func (c *MemoryCache) Put(ctx context.Context, session, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sessions[session]
	if !ok {
		m = make(map[string][]byte)
		c.sessions[session] = m
	}
	m[key] = append([]byte(nil), value...)
	return nil
}

func (c *MemoryCache) Drop(ctx context.Context, session string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, session)
	return nil
}

// RedisCache keeps each session's entries in a Redis hash that expires
// ttl after its last write.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(session string) string {
	return c.prefix + "session:" + session
}

func (c *RedisCache) Get(ctx context.Context, session, key string) ([]byte, error) {
	v, err := c.client.HGet(ctx, c.key(session), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", session, key, ErrCacheMiss)
	} else if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	return v, nil
}

func (c *RedisCache) Put(ctx context.Context, session, key string, value []byte) error {
	k := c.key(session)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, k, key, value)
	if c.ttl > 0 {
		pipe.Expire(ctx, k, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Drop(ctx context.Context, session string) error {
	if err := c.client.Del(ctx, c.key(session)).Err(); err != nil {
		return fmt.Errorf("session cache: %w", err)
	}
	return nil
}
