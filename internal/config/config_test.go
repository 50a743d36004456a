package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jxucoder/ClassPod/internal/config"
)

// clearConfigEnv unsets all environment variables that Load reads so each
// sub-test starts from a clean slate. HOME points at a temp dir so a real
// ~/.classpod/config.env never leaks in.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CLASSPOD_ADDR",
		"CLASSPOD_DATA_DIR",
		"CLASSPOD_JWT_SECRET",
		"CLASSPOD_TOKEN_TTL",
		"CLASSPOD_SANDBOX_IMAGE",
		"CLASSPOD_SANDBOX_CPU",
		"CLASSPOD_SANDBOX_MEMORY",
		"CLASSPOD_SANDBOX_SHELL",
		"KUBECONFIG",
		"CLASSPOD_K8S_TIMEOUT",
		"CLASSPOD_REAP_INTERVAL",
		"CLASSPOD_ORPHAN_GRACE",
		"CLASSPOD_JOIN_RATE",
		"CLASSPOD_LOG_LEVEL",
		"CLASSPOD_LOG_FORMAT",
		"CLASSPOD_METRICS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("HOME", t.TempDir())
}

func validConfig() *config.Config {
	return &config.Config{
		JWTSecret:     "0123456789abcdef",
		TokenTTL:      time.Hour,
		SandboxImage:  "ubuntu:22.04",
		SandboxCPU:    "500m",
		SandboxMemory: "512Mi",
		JoinRate:      10,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	t.Setenv("CLASSPOD_DATA_DIR", tmpDir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"ServerAddr", cfg.ServerAddr, ":7080"},
		{"DataDir", cfg.DataDir, tmpDir},
		{"DatabasePath", cfg.DatabasePath, filepath.Join(tmpDir, "classpod.db")},
		{"JWTSecret", cfg.JWTSecret, ""},
		{"SandboxImage", cfg.SandboxImage, "ubuntu:22.04"},
		{"SandboxCPU", cfg.SandboxCPU, "500m"},
		{"SandboxMemory", cfg.SandboxMemory, "512Mi"},
		{"SandboxShell", cfg.SandboxShell, "/bin/bash"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}

	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %v, want 24h", cfg.TokenTTL)
	}
	if cfg.K8sTimeout != 30*time.Second {
		t.Errorf("K8sTimeout = %v, want 30s", cfg.K8sTimeout)
	}
	if cfg.ReapInterval != 5*time.Minute {
		t.Errorf("ReapInterval = %v, want 5m", cfg.ReapInterval)
	}
	if cfg.OrphanGrace != 10*time.Minute {
		t.Errorf("OrphanGrace = %v, want 10m", cfg.OrphanGrace)
	}
	if cfg.JoinRate != 10 {
		t.Errorf("JoinRate = %d, want 10", cfg.JoinRate)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled = false, want true")
	}
}

func TestLoad_CustomEnvVars(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	t.Setenv("CLASSPOD_ADDR", ":9090")
	t.Setenv("CLASSPOD_DATA_DIR", tmpDir)
	t.Setenv("CLASSPOD_JWT_SECRET", "super-secret-signing-key")
	t.Setenv("CLASSPOD_TOKEN_TTL", "2h")
	t.Setenv("CLASSPOD_SANDBOX_IMAGE", "classpod/shell:1.2")
	t.Setenv("CLASSPOD_SANDBOX_CPU", "1")
	t.Setenv("CLASSPOD_SANDBOX_MEMORY", "1Gi")
	t.Setenv("KUBECONFIG", "/etc/kube/config")
	t.Setenv("CLASSPOD_K8S_TIMEOUT", "5s")
	t.Setenv("CLASSPOD_REAP_INTERVAL", "0s")
	t.Setenv("CLASSPOD_JOIN_RATE", "3")
	t.Setenv("CLASSPOD_LOG_FORMAT", "json")
	t.Setenv("CLASSPOD_METRICS", "false")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"ServerAddr", cfg.ServerAddr, ":9090"},
		{"JWTSecret", cfg.JWTSecret, "super-secret-signing-key"},
		{"SandboxImage", cfg.SandboxImage, "classpod/shell:1.2"},
		{"SandboxCPU", cfg.SandboxCPU, "1"},
		{"SandboxMemory", cfg.SandboxMemory, "1Gi"},
		{"Kubeconfig", cfg.Kubeconfig, "/etc/kube/config"},
		{"LogFormat", cfg.LogFormat, "json"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
	if cfg.TokenTTL != 2*time.Hour {
		t.Errorf("TokenTTL = %v, want 2h", cfg.TokenTTL)
	}
	if cfg.K8sTimeout != 5*time.Second {
		t.Errorf("K8sTimeout = %v, want 5s", cfg.K8sTimeout)
	}
	if cfg.ReapInterval != 0 {
		t.Errorf("ReapInterval = %v, want 0", cfg.ReapInterval)
	}
	if cfg.JoinRate != 3 {
		t.Errorf("JoinRate = %d, want 3", cfg.JoinRate)
	}
	if cfg.MetricsEnabled {
		t.Error("MetricsEnabled = true, want false")
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CLASSPOD_DATA_DIR", t.TempDir())
	t.Setenv("CLASSPOD_TOKEN_TTL", "forever")
	t.Setenv("CLASSPOD_JOIN_RATE", "lots")
	t.Setenv("CLASSPOD_METRICS", "maybe")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.TokenTTL != 24*time.Hour || cfg.JoinRate != 10 || !cfg.MetricsEnabled {
		t.Fatalf("expected defaults for unparsable values, got ttl=%v rate=%d metrics=%v",
			cfg.TokenTTL, cfg.JoinRate, cfg.MetricsEnabled)
	}
}

func TestLoad_ConfigFileFillsUnsetVars(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CLASSPOD_DATA_DIR", t.TempDir())

	path := config.FilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "# comment\nCLASSPOD_JWT_SECRET=from-file-secret-0000\nCLASSPOD_ADDR=:1111\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CLASSPOD_ADDR", ":2222")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.JWTSecret != "from-file-secret-0000" {
		t.Errorf("JWTSecret = %q, want value from config file", cfg.JWTSecret)
	}
	if cfg.ServerAddr != ":2222" {
		t.Errorf("ServerAddr = %q, env var should win over config file", cfg.ServerAddr)
	}
	os.Unsetenv("CLASSPOD_JWT_SECRET")
}

func TestLoad_CreatesDataDir(t *testing.T) {
	clearConfigEnv(t)

	nested := filepath.Join(t.TempDir(), "a", "b", "c")
	t.Setenv("CLASSPOD_DATA_DIR", nested)

	if _, err := config.Load(); err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	info, statErr := os.Stat(nested)
	if statErr != nil {
		t.Fatalf("data dir was not created: %v", statErr)
	}
	if !info.IsDir() {
		t.Fatal("data dir path exists but is not a directory")
	}
}

func TestReadWriteFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	values, err := config.ReadFile()
	if err != nil {
		t.Fatalf("ReadFile() on a missing file: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("ReadFile() = %v, want empty", values)
	}

	want := map[string]string{
		"CLASSPOD_JWT_SECRET":    "s3cret with spaces",
		"CLASSPOD_SANDBOX_IMAGE": "ubuntu:22.04",
		"CLASSPOD_JOIN_RATE":     "10",
	}
	in := map[string]string{"CLASSPOD_LOG_LEVEL": ""}
	for k, v := range want {
		in[k] = v
	}
	if err := config.WriteFile(in); err != nil {
		t.Fatalf("WriteFile() returned unexpected error: %v", err)
	}

	info, err := os.Stat(config.FilePath())
	if err != nil {
		t.Fatalf("stat config file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}

	got, err := config.ReadFile()
	if err != nil {
		t.Fatalf("ReadFile() returned unexpected error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ReadFile() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "missing secret", mutate: func(c *config.Config) { c.JWTSecret = "" }, wantErr: "CLASSPOD_JWT_SECRET"},
		{name: "short secret", mutate: func(c *config.Config) { c.JWTSecret = "short" }, wantErr: "at least 16"},
		{name: "zero ttl", mutate: func(c *config.Config) { c.TokenTTL = 0 }, wantErr: "CLASSPOD_TOKEN_TTL"},
		{name: "missing image", mutate: func(c *config.Config) { c.SandboxImage = "" }, wantErr: "CLASSPOD_SANDBOX_IMAGE"},
		{name: "join limit disabled", mutate: func(c *config.Config) { c.JoinRate = 0 }},
		{name: "negative join rate", mutate: func(c *config.Config) { c.JoinRate = -1 }, wantErr: "CLASSPOD_JOIN_RATE"},
		{name: "bad cpu", mutate: func(c *config.Config) { c.SandboxCPU = "half" }, wantErr: "CLASSPOD_SANDBOX_CPU"},
		{name: "bad memory", mutate: func(c *config.Config) { c.SandboxMemory = "512 megs" }, wantErr: "CLASSPOD_SANDBOX_MEMORY"},
		{name: "bad level", mutate: func(c *config.Config) { c.LogLevel = "loud" }, wantErr: "CLASSPOD_LOG_LEVEL"},
		{name: "bad format", mutate: func(c *config.Config) { c.LogFormat = "xml" }, wantErr: "CLASSPOD_LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() returned unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() should fail with %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error message %q should mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// NewLogger
// ---------------------------------------------------------------------------

func TestNewLogger(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"

	log := cfg.NewLogger()
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T, want *logrus.JSONFormatter", log.Formatter)
	}
}
