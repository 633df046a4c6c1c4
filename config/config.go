// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads chatbk's configuration from a YAML file, with
// environment variables taking precedence over the file.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Chat     ChatConfig     `yaml:"chat"`
	Queue    QueueConfig    `yaml:"queue"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LogConfig struct {
	// "console" (colored), "text" or "json".
	Format  string `yaml:"format"`
	Verbose bool   `yaml:"verbose"`
	Debug   bool   `yaml:"debug"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Raw storage space served read-only under /blocks and /metadata;
	// empty disables the retrieval gateway.
	GatewaySpace string `yaml:"gateway_space"`
}

type StoreConfig struct {
	// Space holding the job table.
	Space    string `yaml:"space"`
	Password string `yaml:"password"`
	// Where the job table's name pointer lives: "memory", "metadata" (in
	// Space itself) or "redis".
	Pointer string `yaml:"pointer"`
	// Hex-encoded 32-byte ed25519 seed for signing pointer revisions.
	KeySeed string `yaml:"key_seed"`
	Table   string `yaml:"table"`
	// Password for the backups that jobs write.
	BackupPassword string `yaml:"backup_password"`
	// Upload bandwidth limit in bytes per second; zero for none.
	UploadLimit int64 `yaml:"upload_limit"`
}

type ChatConfig struct {
	// Directory with one export per session (user).
	ExportRoot string `yaml:"export_root"`
	// "memory" or "redis".
	SessionCache string        `yaml:"session_cache"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	MediaCeiling int64         `yaml:"media_ceiling"`
	Attempts     int           `yaml:"attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type QueueConfig struct {
	// "local" or "redis".
	Type string `yaml:"type"`
	// Capacity of the local queue.
	Size         int `yaml:"size"`
	Workers      int `yaml:"workers"`
	ParallelJobs int `yaml:"parallel_jobs"`
	// Names this worker's list of requests in progress in Redis; it must
	// be stable across restarts. Empty means the host name.
	WorkerID string `yaml:"worker_id"`
}

type LedgerConfig struct {
	// "memory", "redis" or "postgres".
	Type          string  `yaml:"type"`
	PointsPerByte float64 `yaml:"points_per_byte"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used for anything a file and the
// environment leave unset.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Format: "console"},
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 30 * time.Second},
		Store: StoreConfig{
			Space:   "mem://jobs",
			Pointer: "memory",
			Table:   "jobs",
		},
		Chat: ChatConfig{
			SessionCache: "memory",
			SessionTTL:   24 * time.Hour,
			MediaCeiling: 20 << 20,
			Attempts:     5,
			RetryDelay:   time.Second,
		},
		Queue:    QueueConfig{Type: "local", Size: 1024, Workers: 3, ParallelJobs: 3},
		Ledger:   LedgerConfig{Type: "memory", PointsPerByte: 1.0 / (1 << 20)},
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "chatbk:"},
		Postgres: PostgresConfig{MaxConns: 4},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads the configuration at path, if it's non-empty, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Read is Load without validation, for tools that only need part of the
// configuration.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Format = getEnv("CHATBK_LOG_FORMAT", c.Log.Format)
	c.Log.Verbose = getEnvBool("CHATBK_VERBOSE", c.Log.Verbose)
	c.Log.Debug = getEnvBool("CHATBK_DEBUG", c.Log.Debug)

	c.Server.Addr = getEnv("CHATBK_ADDR", c.Server.Addr)
	c.Server.ShutdownTimeout = getEnvDuration("CHATBK_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.GatewaySpace = getEnv("CHATBK_GATEWAY_SPACE", c.Server.GatewaySpace)

	c.Store.Space = getEnv("CHATBK_STORE_SPACE", c.Store.Space)
	c.Store.Password = getEnv("CHATBK_STORE_PASSWORD", c.Store.Password)
	c.Store.Pointer = getEnv("CHATBK_POINTER", c.Store.Pointer)
	c.Store.KeySeed = getEnv("CHATBK_KEY_SEED", c.Store.KeySeed)
	c.Store.BackupPassword = getEnv("CHATBK_BACKUP_PASSWORD", c.Store.BackupPassword)
	c.Store.UploadLimit = getEnvInt64("CHATBK_UPLOAD_LIMIT", c.Store.UploadLimit)

	c.Chat.ExportRoot = getEnv("CHATBK_EXPORT_ROOT", c.Chat.ExportRoot)
	c.Chat.SessionCache = getEnv("CHATBK_SESSION_CACHE", c.Chat.SessionCache)
	c.Chat.MediaCeiling = getEnvInt64("CHATBK_MEDIA_CEILING", c.Chat.MediaCeiling)

	c.Queue.Type = getEnv("CHATBK_QUEUE", c.Queue.Type)
	c.Queue.Workers = getEnvInt("CHATBK_WORKERS", c.Queue.Workers)
	c.Queue.ParallelJobs = getEnvInt("PARALLEL_JOBS", c.Queue.ParallelJobs)
	c.Queue.WorkerID = getEnv("CHATBK_WORKER_ID", c.Queue.WorkerID)

	c.Ledger.Type = getEnv("CHATBK_LEDGER", c.Ledger.Type)

	c.Redis.Addr = getEnv("CHATBK_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("CHATBK_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("CHATBK_REDIS_DB", c.Redis.DB)
	c.Postgres.URL = getEnv("CHATBK_POSTGRES_URL", c.Postgres.URL)

	c.Metrics.Enabled = getEnvBool("CHATBK_METRICS", c.Metrics.Enabled)
}

func oneOf(what, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %q", what, v, allowed)
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	if err := oneOf("log.format", c.Log.Format, "console", "text", "json"); err != nil {
		return err
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if c.Store.Space == "" {
		return fmt.Errorf("store.space is required")
	}
	if c.Store.Password == "" {
		return fmt.Errorf("store.password is required")
	}
	if c.Store.BackupPassword == "" {
		return fmt.Errorf("store.backup_password is required")
	}
	if c.Store.Table == "" {
		return fmt.Errorf("store.table is required")
	}
	if err := oneOf("store.pointer", c.Store.Pointer, "memory", "metadata", "redis"); err != nil {
		return err
	}
	if _, err := c.Seed(); err != nil {
		return err
	}

	if c.Chat.ExportRoot == "" {
		return fmt.Errorf("chat.export_root is required")
	}
	if err := oneOf("chat.session_cache", c.Chat.SessionCache, "memory", "redis"); err != nil {
		return err
	}
	if c.Chat.Attempts < 1 {
		return fmt.Errorf("chat.attempts must be at least 1")
	}
	if c.Chat.MediaCeiling <= 0 {
		return fmt.Errorf("chat.media_ceiling must be positive")
	}

	if err := oneOf("queue.type", c.Queue.Type, "local", "redis"); err != nil {
		return err
	}
	if c.Queue.Workers < 1 || c.Queue.ParallelJobs < 1 {
		return fmt.Errorf("queue.workers and queue.parallel_jobs must be at least 1")
	}
	if c.Queue.Type == "local" && c.Queue.Size < 1 {
		return fmt.Errorf("queue.size must be at least 1")
	}

	if err := oneOf("ledger.type", c.Ledger.Type, "memory", "redis", "postgres"); err != nil {
		return err
	}
	if c.Ledger.PointsPerByte < 0 {
		return fmt.Errorf("ledger.points_per_byte must not be negative")
	}
	if c.Ledger.Type == "postgres" && c.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required for the postgres ledger")
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}

// UsesRedis reports whether any component is configured to use Redis.
func (c *Config) UsesRedis() bool {
	return c.Store.Pointer == "redis" || c.Chat.SessionCache == "redis" ||
		c.Queue.Type == "redis" || c.Ledger.Type == "redis"
}

// Seed returns the decoded pointer signing key seed, or nil if none is
// set; a random key is used then.
func (c *Config) Seed() ([]byte, error) {
	if c.Store.KeySeed == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.Store.KeySeed)
	if err != nil {
		return nil, fmt.Errorf("store.key_seed: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("store.key_seed: got %d bytes, want 32", len(b))
	}
	return b, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
