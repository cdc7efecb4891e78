// Package config loads gateway configuration from an optional YAML file with
// environment variable overrides. Defaults are good enough for a single-node
// development run against a local Redis.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	InstanceID string `yaml:"instance_id"`
	ListenAddr string `yaml:"listen_addr"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Queue    QueueConfig    `yaml:"queue"`
	Workers  WorkerConfig   `yaml:"workers"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	// DSN is optional; without it the cost engine runs on built-in rates only.
	DSN string `yaml:"dsn"`
}

type QueueConfig struct {
	ClaimTTL          time.Duration `yaml:"claim_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RetryAfter        time.Duration `yaml:"retry_after"`
	OrphanSweep       time.Duration `yaml:"orphan_sweep"`
}

type WorkerConfig struct {
	PoolSize       int           `yaml:"pool_size"`
	MaxTaskRuntime time.Duration `yaml:"max_task_runtime"`
}

type WebhookConfig struct {
	SigningSecret string        `yaml:"signing_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

// Default returns the baseline configuration before file/env overrides.
func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		InstanceID: hostname,
		ListenAddr: ":8080",
		Redis:      RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			ClaimTTL:          5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			RetryAfter:        30 * time.Second,
			OrphanSweep:       time.Minute,
		},
		Workers: WorkerConfig{
			PoolSize:       4,
			MaxTaskRuntime: 15 * time.Minute,
		},
		Webhook: WebhookConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 5,
		},
	}
}

// Load reads the config file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Workers.PoolSize <= 0 {
		cfg.Workers.PoolSize = 1
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CONDUIT_INSTANCE_ID"); v != "" {
		c.InstanceID = v
	}
	if v := os.Getenv("CONDUIT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CONDUIT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CONDUIT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CONDUIT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("CONDUIT_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("CONDUIT_WEBHOOK_SECRET"); v != "" {
		c.Webhook.SigningSecret = v
	}
	if v := os.Getenv("CONDUIT_WORKER_POOL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.PoolSize = n
		}
	}
}
