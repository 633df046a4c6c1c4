// ledger/ledger.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package ledger keeps each user's reward points for the storage their
// backups contribute.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Memory is a ledger for a single process.
type Memory struct {
	mu     sync.Mutex
	points map[string]float64
}

func NewMemory() *Memory {
	return &Memory{points: make(map[string]float64)}
}

func (m *Memory) AddPoints(ctx context.Context, user string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[user] += amount
	return nil
}

func (m *Memory) Points(ctx context.Context, user string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points[user], nil
}

// Redis keeps all users' points in one Redis hash.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, key: prefix + "points"}
}

func (r *Redis) AddPoints(ctx context.Context, user string, amount float64) error {
	if err := r.client.HIncrByFloat(ctx, r.key, user, amount).Err(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

func (r *Redis) Points(ctx context.Context, user string) (float64, error) {
	s, err := r.client.HGet(ctx, r.key, user).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("ledger: %w", err)
	}
	return strconv.ParseFloat(s, 64)
}

// Postgres keeps points in the user_points table, which is created if
// needed.
type Postgres struct {
	pool *pgxpool.Pool
}

const createTable = `CREATE TABLE IF NOT EXISTS user_points (
	user_id    TEXT PRIMARY KEY,
	points     DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgres connects to the database at url.
func NewPostgres(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create user_points: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) AddPoints(ctx context.Context, user string, amount float64) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO user_points (user_id, points) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET points = user_points.points + EXCLUDED.points, updated_at = now()`, user, amount)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

func (p *Postgres) Points(ctx context.Context, user string) (float64, error) {
	var points float64
	err := p.pool.QueryRow(ctx, `SELECT points FROM user_points WHERE user_id = $1`, user).Scan(&points)
	if err == pgx.ErrNoRows {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("ledger: %w", err)
	}
	return points, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
