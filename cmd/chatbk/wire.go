// cmd/chatbk/wire.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mmp/chatbk/backup"
	"github.com/mmp/chatbk/chat"
	"github.com/mmp/chatbk/chat/export"
	"github.com/mmp/chatbk/config"
	"github.com/mmp/chatbk/coordinator"
	"github.com/mmp/chatbk/dispatch"
	"github.com/mmp/chatbk/jobs"
	"github.com/mmp/chatbk/ledger"
	"github.com/mmp/chatbk/objstore"
	"github.com/mmp/chatbk/pointer"
	"github.com/mmp/chatbk/server"
	"github.com/mmp/chatbk/storage"
	"github.com/redis/go-redis/v9"
)

// pointsLedger is a ledger that can also report balances.
type pointsLedger interface {
	jobs.Ledger
	server.Points
}

// app holds the components of a running server or worker.
type app struct {
	cfg     *config.Config
	redis   *redis.Client
	store   *objstore.Store[jobs.Table]
	handler *jobs.Handler
	points  pointsLedger
	queue   dispatch.Queue
	coord   *coordinator.Coordinator
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// redisClient returns the shared Redis client, connecting on first use.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	c := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.redis = c
	a.closers = append(a.closers, func() { c.Close() })
	return c, nil
}

// openStore opens the job table.
func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg
	table, err := storage.OpenEncrypted(ctx, cfg.Store.Space, cfg.Store.Password, storage.Options{})
	if err != nil {
		return fmt.Errorf("job table: %w", err)
	}
	a.closers = append(a.closers, func() { table.Close() })
	ptr, err := a.pointerService(ctx, table)
	if err != nil {
		return err
	}
	key, err := signingKey(cfg)
	if err != nil {
		return err
	}
	a.store = objstore.New[jobs.Table](table, ptr, key, cfg.Store.Table,
		log.With("component", "objstore"))
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	storage.InitBandwidthLimit(int(cfg.Store.UploadLimit), 0)

	if cfg.UsesRedis() {
		if _, err := a.redisClient(ctx); err != nil {
			return err
		}
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}

	var cache chat.SessionCache = chat.NewMemoryCache()
	if cfg.Chat.SessionCache == "redis" {
		cache = chat.NewRedisCache(a.redis, cfg.Redis.Prefix, cfg.Chat.SessionTTL)
	}

	var err error
	if a.points, err = a.openLedger(ctx); err != nil {
		return err
	}

	switch cfg.Queue.Type {
	case "redis":
		worker := cfg.Queue.WorkerID
		if worker == "" {
			if worker, err = os.Hostname(); err != nil {
				return fmt.Errorf("worker id: %w", err)
			}
		}
		a.queue = dispatch.NewRedis(a.redis, cfg.Redis.Prefix, worker)
	default:
		a.queue = dispatch.NewLocal(cfg.Queue.Size)
	}

	a.handler = &jobs.Handler{
		Store: a.store,
		Runner: &backup.Runner{
			Open:         backup.EncryptedOpener(cfg.Store.BackupPassword),
			MediaCeiling: cfg.Chat.MediaCeiling,
			Attempts:     cfg.Chat.Attempts,
			Delay:        cfg.Chat.RetryDelay,
			Log:          log.With("component", "backup"),
		},
		Dialer: &export.Dialer{
			Root:  cfg.Chat.ExportRoot,
			Cache: cache,
			Log:   log.With("component", "chat"),
		},
		Ledger:        a.points,
		Dispatcher:    a.queue,
		PointsPerByte: cfg.Ledger.PointsPerByte,
		Log:           log.With("component", "jobs"),
	}
	a.coord = coordinator.New(a.handler, a.queue, cfg.Queue.ParallelJobs,
		log.With("component", "coordinator"))
	a.handler.Sessions = a.coord

	return a.handler.Init(ctx)
}

func (a *app) pointerService(ctx context.Context, table storage.Backend) (pointer.Service, error) {
	switch a.cfg.Store.Pointer {
	case "memory":
		log.Warning("job table pointer is in memory; jobs won't survive a restart")
		return pointer.NewMemory(), nil
	case "metadata":
		return pointer.NewMetadata(table), nil
	case "redis":
		c, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return pointer.NewRedis(c, a.cfg.Redis.Prefix, log.With("component", "pointer")), nil
	default:
		return nil, fmt.Errorf("%s: unknown pointer service", a.cfg.Store.Pointer)
	}
}

func signingKey(cfg *config.Config) (*pointer.Key, error) {
	seed, err := cfg.Seed()
	if err != nil {
		return nil, err
	}
	if seed == nil {
		log.Warning("no store.key_seed; using a random signing key")
		return pointer.GenerateKey(nil)
	}
	return pointer.NewKey(seed)
}

func (a *app) openLedger(ctx context.Context) (pointsLedger, error) {
	switch a.cfg.Ledger.Type {
	case "redis":
		return ledger.NewRedis(a.redis, a.cfg.Redis.Prefix), nil
	case "postgres":
		p, err := ledger.NewPostgres(ctx, a.cfg.Postgres.URL, a.cfg.Postgres.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		return p, nil
	default:
		return ledger.NewMemory(), nil
	}
}
