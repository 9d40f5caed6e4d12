// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// IndexBackend selects the repository index implementation.
type IndexBackend string

const (
	IndexBackendBadger IndexBackend = "badger"
	IndexBackendRedis  IndexBackend = "redis"
)

// BlobBackend selects the blob store implementation.
type BlobBackend string

const (
	BlobBackendFS   BlobBackend = "fs"
	BlobBackendBolt BlobBackend = "bolt"
	BlobBackendOCI  BlobBackend = "oci"
)

type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Index   IndexConfig   `yaml:"index"`
	Blobs   BlobConfig    `yaml:"blobs"`
	Metrics MetricsConfig `yaml:"metrics"`

	Environment string `yaml:"environment"` // development, production
	LogLevel    string `yaml:"log_level"`   // debug, info, warn, error
}

type IndexConfig struct {
	Backend IndexBackend `yaml:"backend"`
	Badger  struct {
		Path     string `yaml:"path"`
		InMemory bool   `yaml:"in_memory"`
	} `yaml:"badger"`
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Database   int    `yaml:"database"`
	KeyPrefix  string `yaml:"key_prefix"`
	MaxRetries int    `yaml:"max_retries"`
}

type BlobConfig struct {
	Backend BlobBackend `yaml:"backend"`
	FS      struct {
		Path string `yaml:"path"`
	} `yaml:"fs"`
	Bolt struct {
		Path string `yaml:"path"`
	} `yaml:"bolt"`
	OCI OCIConfig `yaml:"oci"`

	Compression struct {
		Enabled bool `yaml:"enabled"`
		Level   int  `yaml:"level"`
		MinSize int  `yaml:"min_size"`
	} `yaml:"compression"`
	Chunking struct {
		Enabled   bool `yaml:"enabled"`
		Threshold int  `yaml:"threshold"`
	} `yaml:"chunking"`
	CacheSize int `yaml:"cache_size"`
}

type OCIConfig struct {
	Repository string        `yaml:"repository"` // e.g. registry.example.com/keel/blobs
	PlainHTTP  bool          `yaml:"plain_http"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second, 0 disables
	Burst      int           `yaml:"burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration for a single-node server storing
// everything under ./data.
func Default() *Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8420
	cfg.Environment = "development"
	cfg.LogLevel = "info"

	cfg.Index.Backend = IndexBackendBadger
	cfg.Index.Badger.Path = "data/index"
	cfg.Index.Redis.Addr = "localhost:6379"
	cfg.Index.Redis.KeyPrefix = "keel"
	cfg.Index.Redis.MaxRetries = 8

	cfg.Blobs.Backend = BlobBackendFS
	cfg.Blobs.FS.Path = "data/blobs"
	cfg.Blobs.Bolt.Path = "data/blobs.db"
	cfg.Blobs.OCI.Burst = 10
	cfg.Blobs.OCI.Timeout = 30 * time.Second
	cfg.Blobs.Compression.Enabled = true
	cfg.Blobs.Compression.Level = 2
	cfg.Blobs.Compression.MinSize = 1024
	cfg.Blobs.Chunking.Threshold = 4 * 1024 * 1024
	cfg.Blobs.CacheSize = 1000

	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"
	return &cfg
}

func getConfigPath() string {
	env := os.Getenv("KEEL_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

// Load reads the YAML file at path on top of the defaults, then applies
// KEEL_* environment overrides. An empty path selects
// config/config.<KEEL_ENV>.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = getConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Index.Backend {
	case IndexBackendBadger:
		if c.Index.Badger.Path == "" && !c.Index.Badger.InMemory {
			return fmt.Errorf("index.badger.path is required")
		}
	case IndexBackendRedis:
		if c.Index.Redis.Addr == "" {
			return fmt.Errorf("index.redis.addr is required")
		}
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}

	switch c.Blobs.Backend {
	case BlobBackendFS:
		if c.Blobs.FS.Path == "" {
			return fmt.Errorf("blobs.fs.path is required")
		}
	case BlobBackendBolt:
		if c.Blobs.Bolt.Path == "" {
			return fmt.Errorf("blobs.bolt.path is required")
		}
	case BlobBackendOCI:
		if c.Blobs.OCI.Repository == "" {
			return fmt.Errorf("blobs.oci.repository is required")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blobs.Backend)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = envDefault("KEEL_HOST", cfg.Server.Host)
	cfg.Server.Port = envInt("KEEL_PORT", cfg.Server.Port)
	cfg.LogLevel = envDefault("KEEL_LOG_LEVEL", cfg.LogLevel)
	cfg.Environment = envDefault("KEEL_ENV", cfg.Environment)

	cfg.Index.Backend = IndexBackend(strings.ToLower(envDefault("KEEL_INDEX_BACKEND", string(cfg.Index.Backend))))
	cfg.Index.Badger.Path = envDefault("KEEL_BADGER_PATH", cfg.Index.Badger.Path)
	cfg.Index.Redis.Addr = envDefault("KEEL_REDIS_ADDR", cfg.Index.Redis.Addr)
	cfg.Index.Redis.Username = envDefault("KEEL_REDIS_USERNAME", cfg.Index.Redis.Username)
	cfg.Index.Redis.Password = envDefault("KEEL_REDIS_PASSWORD", cfg.Index.Redis.Password)
	cfg.Index.Redis.Database = envInt("KEEL_REDIS_DB", cfg.Index.Redis.Database)

	cfg.Blobs.Backend = BlobBackend(strings.ToLower(envDefault("KEEL_BLOB_BACKEND", string(cfg.Blobs.Backend))))
	cfg.Blobs.FS.Path = envDefault("KEEL_BLOB_PATH", cfg.Blobs.FS.Path)
	cfg.Blobs.OCI.Repository = envDefault("KEEL_OCI_REPOSITORY", cfg.Blobs.OCI.Repository)
	cfg.Blobs.OCI.Username = envDefault("KEEL_OCI_USERNAME", cfg.Blobs.OCI.Username)
	cfg.Blobs.OCI.Password = envDefault("KEEL_OCI_PASSWORD", cfg.Blobs.OCI.Password)
	cfg.Blobs.OCI.Timeout = envDuration("KEEL_OCI_TIMEOUT", cfg.Blobs.OCI.Timeout)
}

func envDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}
