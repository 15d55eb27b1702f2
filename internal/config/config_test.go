package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":3026" {
		t.Errorf("ListenAddr = %q, want :3026", cfg.ListenAddr)
	}
	if cfg.MaxUpdateSize != 7*1024*1024 {
		t.Errorf("MaxUpdateSize = %d, want 7MiB", cfg.MaxUpdateSize)
	}
	if cfg.FlushIfEmptyDelay.Std() != 500*time.Millisecond {
		t.Errorf("FlushIfEmptyDelay = %v, want 500ms", cfg.FlushIfEmptyDelay)
	}
	if cfg.PresenceRedisAddr != "localhost:6379" {
		t.Errorf("PresenceRedisAddr = %q, want first redis addr", cfg.PresenceRedisAddr)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	data := `
listen_addr: ":9000"
redis_addrs: ["redis-1:6379", "redis-2:6379"]
web_api_url: "http://web:3000"
max_update_size: 1024
flush_if_empty_delay: 250ms
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.ListenAddr)
	}
	if len(cfg.RedisAddrs) != 2 {
		t.Errorf("RedisAddrs = %v, want two addrs", cfg.RedisAddrs)
	}
	if cfg.PresenceRedisAddr != "redis-1:6379" {
		t.Errorf("PresenceRedisAddr = %q, want first backplane addr", cfg.PresenceRedisAddr)
	}
	if cfg.MaxUpdateSize != 1024 {
		t.Errorf("MaxUpdateSize = %d, want 1024", cfg.MaxUpdateSize)
	}
	if cfg.FlushIfEmptyDelay.Std() != 250*time.Millisecond {
		t.Errorf("FlushIfEmptyDelay = %v, want 250ms", cfg.FlushIfEmptyDelay)
	}
	// Unset fields keep their defaults.
	if cfg.ClientRefreshDelay.Std() != time.Second {
		t.Errorf("ClientRefreshDelay = %v, want default 1s", cfg.ClientRefreshDelay)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_LISTEN_ADDR", ":8088")
	t.Setenv("SCRIBE_REDIS_ADDR", "redis-env:6379")
	t.Setenv("SCRIBE_MAX_UPDATE_SIZE", "2048")
	t.Setenv("SCRIBE_PER_ENTITY_CHANNELS", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8088" {
		t.Errorf("ListenAddr = %q, want env override", cfg.ListenAddr)
	}
	if len(cfg.RedisAddrs) != 1 || cfg.RedisAddrs[0] != "redis-env:6379" {
		t.Errorf("RedisAddrs = %v, want env override", cfg.RedisAddrs)
	}
	if cfg.PresenceRedisAddr != "redis-env:6379" {
		t.Errorf("PresenceRedisAddr = %q, want env backplane addr", cfg.PresenceRedisAddr)
	}
	if cfg.MaxUpdateSize != 2048 {
		t.Errorf("MaxUpdateSize = %d, want 2048", cfg.MaxUpdateSize)
	}
	if cfg.PerEntityChannels {
		t.Error("PerEntityChannels should be disabled by env")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
