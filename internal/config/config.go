// Package config provides configuration management for ClassPod.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/api/resource"
)

// minSecretLen is the shortest accepted token signing secret.
const minSecretLen = 16

// Config holds all configuration for the ClassPod server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// JWTSecret signs identity tokens.
	JWTSecret string

	// TokenTTL is how long an issued identity token stays valid. Default: 24h.
	TokenTTL time.Duration

	// Sandbox settings applied to every student pod.
	SandboxImage  string
	SandboxCPU    string
	SandboxMemory string
	SandboxShell  string

	// Kubeconfig is used when not running in-cluster.
	Kubeconfig string

	// K8sTimeout bounds each orchestration API call. Default: 30s.
	K8sTimeout time.Duration

	// ReapInterval is how often orphan sandboxes are collected. 0 disables. Default: 5m.
	ReapInterval time.Duration

	// OrphanGrace is the minimum age of an unregistered sandbox before it is reaped. Default: 10m.
	OrphanGrace time.Duration

	// JoinRate is how many join-code attempts a caller may make per minute.
	// 0 disables the limit. Default: 10.
	JoinRate int

	LogLevel  string
	LogFormat string

	// MetricsEnabled exposes /metrics. Default: true.
	MetricsEnabled bool
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(FilePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", FilePath(), err)
	}

	dataDir := envOr("CLASSPOD_DATA_DIR", DefaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:     envOr("CLASSPOD_ADDR", ":7080"),
		DataDir:        dataDir,
		DatabasePath:   filepath.Join(dataDir, "classpod.db"),
		JWTSecret:      os.Getenv("CLASSPOD_JWT_SECRET"),
		TokenTTL:       envOrDuration("CLASSPOD_TOKEN_TTL", 24*time.Hour),
		SandboxImage:   envOr("CLASSPOD_SANDBOX_IMAGE", "ubuntu:22.04"),
		SandboxCPU:     envOr("CLASSPOD_SANDBOX_CPU", "500m"),
		SandboxMemory:  envOr("CLASSPOD_SANDBOX_MEMORY", "512Mi"),
		SandboxShell:   envOr("CLASSPOD_SANDBOX_SHELL", "/bin/bash"),
		Kubeconfig:     os.Getenv("KUBECONFIG"),
		K8sTimeout:     envOrDuration("CLASSPOD_K8S_TIMEOUT", 30*time.Second),
		ReapInterval:   envOrDuration("CLASSPOD_REAP_INTERVAL", 5*time.Minute),
		OrphanGrace:    envOrDuration("CLASSPOD_ORPHAN_GRACE", 10*time.Minute),
		JoinRate:       envOrInt("CLASSPOD_JOIN_RATE", 10),
		LogLevel:       envOr("CLASSPOD_LOG_LEVEL", "info"),
		LogFormat:      envOr("CLASSPOD_LOG_FORMAT", "text"),
		MetricsEnabled: envOrBool("CLASSPOD_METRICS", true),
	}

	return cfg, nil
}

// FilePath returns ~/.classpod/config.env.
func FilePath() string {
	return filepath.Join(DefaultDataDir(), "config.env")
}

// ReadFile returns the values stored in the config file. A missing file
// reads as empty.
func ReadFile() (map[string]string, error) {
	values, err := godotenv.Read(FilePath())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FilePath(), err)
	}
	return values, nil
}

// WriteFile replaces the config file with values, skipping empty ones.
// The file is created with mode 0600.
func WriteFile(values map[string]string) error {
	path := FilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	kept := make(map[string]string, len(values))
	for k, v := range values {
		if v != "" {
			kept[k] = v
		}
	}
	body, err := godotenv.Marshal(kept)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	header := "# ClassPod configuration, written by `classpod config`.\n" +
		"# Environment variables take precedence over these values.\n\n"
	if err := os.WriteFile(path, []byte(header+body+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("CLASSPOD_JWT_SECRET is required")
	}
	if len(c.JWTSecret) < minSecretLen {
		return fmt.Errorf("CLASSPOD_JWT_SECRET must be at least %d bytes", minSecretLen)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("CLASSPOD_TOKEN_TTL must be positive")
	}
	if c.SandboxImage == "" {
		return fmt.Errorf("CLASSPOD_SANDBOX_IMAGE is required")
	}
	if c.JoinRate < 0 {
		return fmt.Errorf("CLASSPOD_JOIN_RATE must not be negative")
	}
	if _, err := resource.ParseQuantity(c.SandboxCPU); err != nil {
		return fmt.Errorf("CLASSPOD_SANDBOX_CPU %q: %w", c.SandboxCPU, err)
	}
	if _, err := resource.ParseQuantity(c.SandboxMemory); err != nil {
		return fmt.Errorf("CLASSPOD_SANDBOX_MEMORY %q: %w", c.SandboxMemory, err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("CLASSPOD_LOG_LEVEL: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("CLASSPOD_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// DefaultDataDir returns ~/.classpod.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".classpod"
	}
	return filepath.Join(home, ".classpod")
}
