package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stream.SampleRate != 16000 || cfg.Stream.Channels != 1 {
		t.Fatalf("expected 16k mono default, got %d/%d", cfg.Stream.SampleRate, cfg.Stream.Channels)
	}
	if !cfg.Sinks.File.Enabled {
		t.Fatal("expected file sink enabled by default")
	}
	if cfg.Sinks.RemoteDoc.Enabled {
		t.Fatal("expected remote doc sink disabled by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcriber.yaml")
	data := []byte(`stream:
  url: https://example.org/live/playlist.m3u8
segmenter:
  window_ms: 3000
stt:
  mode: exec
  command: "python3 helper.py --beam 5"
  workers: 4
sinks:
  remote_doc:
    enabled: true
    document_id: doc-123
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream.URL != "https://example.org/live/playlist.m3u8" {
		t.Fatalf("unexpected url %q", cfg.Stream.URL)
	}
	if cfg.Segmenter.WindowMS != 3000 {
		t.Fatalf("expected window override, got %d", cfg.Segmenter.WindowMS)
	}
	if cfg.STT.Workers != 4 || cfg.STT.Mode != "exec" {
		t.Fatalf("unexpected stt config %+v", cfg.STT)
	}
	if !cfg.Sinks.RemoteDoc.Enabled || cfg.Sinks.RemoteDoc.DocumentID != "doc-123" {
		t.Fatalf("unexpected remote doc config %+v", cfg.Sinks.RemoteDoc)
	}
	if cfg.Sinks.RemoteDoc.MaxRetries != 5 {
		t.Fatalf("expected default max retries kept, got %d", cfg.Sinks.RemoteDoc.MaxRetries)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRANSCRIBER_STREAM_URL", "https://example.org/a.m3u8")
	t.Setenv("TRANSCRIBER_STT_WORKERS", "6")
	t.Setenv("TRANSCRIBER_ROUTER_DEGRADE_AFTER", "5")
	t.Setenv("TRANSCRIBER_BUS_ENABLED", "true")
	t.Setenv("TRANSCRIBER_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("TRANSCRIBER_BUS_EMBEDDED", "false")
	t.Setenv("TRANSCRIBER_SINKS_BUS_ENABLED", "true")
	t.Setenv("TRANSCRIBER_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("TRANSCRIBER_EVENT_STORE_MAX_RUNS", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stream.URL != "https://example.org/a.m3u8" {
		t.Fatalf("expected url override, got %q", cfg.Stream.URL)
	}
	if cfg.STT.Workers != 6 {
		t.Fatalf("expected workers override, got %d", cfg.STT.Workers)
	}
	if cfg.Router.DegradeAfter != 5 {
		t.Fatalf("expected degrade override, got %d", cfg.Router.DegradeAfter)
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Embedded {
		t.Fatalf("expected external bus servers, got %v embedded=%v", cfg.Bus.Servers, cfg.Bus.Embedded)
	}
	if !cfg.Sinks.Bus.Enabled {
		t.Fatal("expected bus sink override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxRuns != 12 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"no sinks": func(c *Config) { c.Sinks.File.Enabled = false },
		"bad mode": func(c *Config) { c.STT.Mode = "cloud" },
		"exec without command": func(c *Config) {
			c.STT.Mode = "exec"
			c.STT.Command = ""
		},
		"zero workers":         func(c *Config) { c.STT.Workers = 0 },
		"bus sink without bus": func(c *Config) { c.Sinks.Bus.Enabled = true },
		"retry max below base": func(c *Config) { c.Stream.RetryMaxMS = 10 },
		"bad retention":        func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"bad log level":        func(c *Config) { c.Telemetry.LogLevel = "loud" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "transcriber.yaml"))
	if err != nil {
		t.Fatalf("sample config: %v", err)
	}
	if cfg.STT.Mode != "whisper-server" || cfg.Sinks.Bus.Stream != "TRANSCRIPTS" {
		t.Fatalf("unexpected sample values %+v %+v", cfg.STT, cfg.Sinks.Bus)
	}
}
