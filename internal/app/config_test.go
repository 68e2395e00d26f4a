package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(viper.New())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.DBDriver != "sqlite" || cfg.BlobDriver != "fs" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AccessTTL() != 15*time.Minute || cfg.SessionTTL() != 24*time.Hour {
		t.Fatalf("unexpected ttl %v / %v", cfg.AccessTTL(), cfg.SessionTTL())
	}
	if cfg.DefaultValidDays != 7 {
		t.Fatalf("expected 7 valid days, got %d", cfg.DefaultValidDays)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("DB_MAX_OPEN_CONNS", "-3")
	t.Setenv("CSRF_ENFORCED", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("BLOB_DRIVER", "MINIO")

	cfg, err := loadConfig(viper.New())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || !cfg.CSRFEnforced || cfg.BlobDriver != "minio" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.DBMaxOpenConns != 25 {
		t.Fatalf("non-positive pool size must fall back, got %d", cfg.DBMaxOpenConns)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cogtest.yaml")
	if err := os.WriteFile(path, []byte("http_addr: \":7070\"\nlog_level: debug\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := loadConfig(viper.New())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("expected file value, got %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env must win over file, got %q", cfg.LogLevel)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "blob driver", env: map[string]string{"BLOB_DRIVER": "s3"}},
		{name: "production without secret", env: map[string]string{"APP_ENV": "production"}},
		{name: "missing config file", env: map[string]string{"CONFIG_FILE": "/nonexistent/cogtest.yaml"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(viper.New()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
