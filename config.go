package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/richardartoul/blobcache/pkg/transfer"
	"github.com/richardartoul/blobcache/transports"
)

// Config is the program configuration. It is read from an optional YAML
// file and then overridden by command-line flags.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MaxAge is the idle time after which the janitor evicts an entry.
	// Zero disables the janitor.
	MaxAge          time.Duration `yaml:"max_age"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`

	ChunkSize   int64  `yaml:"chunk_size"`
	Concurrency int    `yaml:"concurrency"`
	Transport   string `yaml:"transport"`
	Dir         string `yaml:"dir"`
	Compress    bool   `yaml:"compress"`
	Debug       bool   `yaml:"debug"`

	// Resumable keeps the partial object of a failed upload so the upload
	// command can resume it by session id.
	Resumable bool `yaml:"resumable"`

	S3 transports.S3Config `yaml:"s3"`

	// Journal is the SQLite file recording finished transfers. Empty
	// disables the journal.
	Journal string `yaml:"journal"`
	// JournalRetention is how long journal records are kept. Zero keeps
	// them forever.
	JournalRetention time.Duration `yaml:"journal_retention"`

	// SessionRetention is how long a finished session stays visible to
	// status queries before it is forgotten.
	SessionRetention time.Duration `yaml:"session_retention"`
	// IdleTimeout fails inbound transfers that receive no chunk for this
	// long. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Locking selects how deliveries to one inbound session are
	// serialized: "memory" (in-process mutexes), "file" (file locks in
	// LockDir, shared between processes) or "none" when the caller
	// already serializes them.
	Locking string `yaml:"locking"`
	LockDir string `yaml:"lock_dir"`

	// HTTPAddr enables the inbound transfer endpoint.
	HTTPAddr string `yaml:"http_addr"`
}

const (
	transportMemory = "memory"
	transportDir    = "dir"
	transportS3     = "s3"

	lockingMemory = "memory"
	lockingFile   = "file"
	lockingNone   = "none"
)

func defaultConfig() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		JanitorInterval: time.Minute,
		ChunkSize:       transfer.DefaultChunkSize,
		Concurrency:     1,
		Transport:       transportMemory,
		Locking:         lockingMemory,

		JournalRetention: 7 * 24 * time.Hour,
		SessionRetention: transfer.DefaultRetention,
		IdleTimeout:      10 * time.Minute,
	}
}

// loadConfig reads filename over the defaults. An empty filename returns
// the defaults.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename == "" {
		return config, nil
	}
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("failed to parse config %s: %w", filename, err)
	}
	return config, nil
}

// Validate checks the configuration for inconsistent values.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("max_age must not be negative, got %s", c.MaxAge)
	}
	for name, d := range map[string]time.Duration{
		"journal_retention": c.JournalRetention,
		"session_retention": c.SessionRetention,
		"idle_timeout":      c.IdleTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.JanitorInterval <= 0 && (c.MaxAge > 0 || c.IdleTimeout > 0 || (c.JournalRetention > 0 && c.Journal != "")) {
		return fmt.Errorf("janitor_interval must be positive when max_age, idle_timeout or journal_retention is set")
	}
	switch c.Transport {
	case transportMemory:
	case transportDir:
		if c.Dir == "" {
			return fmt.Errorf("transport %q requires dir", c.Transport)
		}
	case transportS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("transport %q requires s3.bucket", c.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Locking {
	case lockingMemory, lockingNone:
	case lockingFile:
		if c.LockDir == "" {
			return fmt.Errorf("locking %q requires lock_dir", c.Locking)
		}
	default:
		return fmt.Errorf("unknown locking %q", c.Locking)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return level, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return level, nil
}
