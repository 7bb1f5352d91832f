package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Addr)
	}
	if cfg.GracePeriod != 30*time.Second {
		t.Errorf("expected 30s grace period, got %v", cfg.GracePeriod)
	}
	if cfg.DeliveryTimeout != 2*time.Second {
		t.Errorf("expected 2s delivery timeout, got %v", cfg.DeliveryTimeout)
	}
	if cfg.SessionMode != ModeFallback || cfg.Bus != BusRedis || !cfg.EncryptionEnabled {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadPrecedence(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADDR", ":9000")
	t.Setenv("GRACE_PERIOD", "5s")
	t.Setenv("BUS", "local")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" || cfg.GracePeriod != 5*time.Second || cfg.Bus != BusLocal {
		t.Errorf("environment not applied: %+v", cfg)
	}

	cfg, err = Load([]string{"--addr", ":7000"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7000" {
		t.Errorf("flag should override the environment, got %s", cfg.Addr)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "server.env")
	if err := os.WriteFile(path, []byte("SESSION_STORE=memory\nTENANT_SEED=t1=Acme\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SessionStore != StoreMemory || cfg.TenantSeed != "t1=Acme" {
		t.Errorf("config file not applied: %+v", cfg)
	}

	if _, err := Load([]string{"--config", filepath.Join(dir, "missing.env")}); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad store", map[string]string{"SESSION_STORE": "disk"}, "SESSION_STORE"},
		{"bad mode", map[string]string{"SESSION_MODE": "lenient"}, "SESSION_MODE"},
		{"bad bus", map[string]string{"BUS": "kafka"}, "BUS"},
		{"bad driver", map[string]string{"TENANT_DB_DSN": "x", "TENANT_DB_DRIVER": "mysql"}, "TENANT_DB_DRIVER"},
		{"zero grace", map[string]string{"GRACE_PERIOD": "0s"}, "GRACE_PERIOD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error naming %s, got %v", tt.want, err)
			}
		})
	}
}

func TestOrigins(t *testing.T) {
	cfg := &Config{AllowedOrigins: "https://a.example, ,https://b.example"}
	got := cfg.Origins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", got)
	}
	if (&Config{}).Origins() != nil {
		t.Error("empty list expected")
	}
}
