package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Expected an error for an explicitly named missing file")
	}

	// No file at all: defaults apply.
	cwd, _ := os.Getwd()
	os.Chdir(t.TempDir())
	defer os.Chdir(cwd)

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load with defaults failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Expected default listen addr :8080, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Worker.PollInterval != 2*time.Second {
		t.Errorf("Expected default poll interval 2s, got %s", cfg.Worker.PollInterval)
	}
	if cfg.Worker.FFmpegPath != "ffmpeg" {
		t.Errorf("Expected default ffmpeg path, got %s", cfg.Worker.FFmpegPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "renderq.yaml")
	content := `
server:
  listen_addr: ":9999"
store:
  path: /data/jobs.db
worker:
  poll_interval: 500ms
  job_timeout: 1m
  ffmpeg_path: /usr/local/bin/ffmpeg
log:
  level: DEBUG
  json: true
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("listen_addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.Store.Path != "/data/jobs.db" {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
	if cfg.Worker.PollInterval != 500*time.Millisecond {
		t.Errorf("poll_interval = %s", cfg.Worker.PollInterval)
	}
	if cfg.Worker.JobTimeout != time.Minute {
		t.Errorf("job_timeout = %s", cfg.Worker.JobTimeout)
	}
	if !cfg.Log.JSON || cfg.Log.Level != "DEBUG" {
		t.Errorf("log config = %+v", cfg.Log)
	}
	// Unset keys keep their defaults.
	if cfg.Worker.WatchdogTick != 5*time.Second {
		t.Errorf("watchdog_tick default lost: %s", cfg.Worker.WatchdogTick)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	good := &Config{
		Store:  StoreConfig{Path: "jobs.db"},
		Worker: WorkerConfig{PollInterval: time.Second, JobTimeout: time.Minute, WatchdogTick: time.Second, FFmpegPath: "ffmpeg"},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	bad := *good
	bad.Worker.JobTimeout = 0
	if err := bad.Validate(); err == nil {
		t.Error("Expected zero job_timeout to be rejected")
	}

	bad = *good
	bad.Store.Path = ""
	if err := bad.Validate(); err == nil {
		t.Error("Expected empty store path to be rejected")
	}
}
