package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceName != "voiced" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Pipeline.MinChunkBytes != 5*1024 {
		t.Fatalf("expected 5KB chunk floor, got %d", cfg.Pipeline.MinChunkBytes)
	}
	if cfg.Pipeline.FlushThresholdBytes != 40*1024 {
		t.Fatalf("expected 40KB flush threshold, got %d", cfg.Pipeline.FlushThresholdBytes)
	}
	if cfg.Pipeline.MaxBufferBytes != 200*1024 {
		t.Fatalf("expected 200KB buffer ceiling, got %d", cfg.Pipeline.MaxBufferBytes)
	}
	if cfg.Session.IdleTimeoutMS != 300000 {
		t.Fatalf("expected 5 minute idle timeout, got %d", cfg.Session.IdleTimeoutMS)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voiced.yaml")
	body := strings.Join([]string{
		"service_name: voiced-staging",
		"http:",
		"  port: 9090",
		"pipeline:",
		"  cooldown_ms: 1500",
		"llm:",
		"  mode: ollama",
		"  endpoint: http://llm:11434",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceName != "voiced-staging" {
		t.Fatalf("expected yaml service name, got %q", cfg.ServiceName)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected yaml port override, got %d", cfg.HTTP.Port)
	}
	if cfg.Pipeline.CooldownMS != 1500 {
		t.Fatalf("expected yaml cooldown override, got %d", cfg.Pipeline.CooldownMS)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Endpoint != "http://llm:11434" {
		t.Fatalf("expected yaml llm override, got %+v", cfg.LLM)
	}
	// Untouched sections keep their defaults.
	if cfg.Pipeline.MinChunkBytes != 5*1024 {
		t.Fatalf("expected default chunk floor, got %d", cfg.Pipeline.MinChunkBytes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOICED_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOICED_BUS_USERNAME", "alice")
	t.Setenv("VOICED_BUS_PASSWORD", "secret")
	t.Setenv("VOICED_BUS_TLS_INSECURE", "true")
	t.Setenv("VOICED_STORE_PATH", "./tmp.db")
	t.Setenv("VOICED_STORE_RETENTION_MODE", "persistent")
	t.Setenv("VOICED_PIPELINE_STT_TIMEOUT_MS", "12000")
	t.Setenv("VOICED_PIPELINE_ZERO_BYTE_RATIO", "0.8")
	t.Setenv("VOICED_SESSION_IDLE_TIMEOUT_MS", "60000")
	t.Setenv("VOICED_TTS_VOICE", "en-GB")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatal("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Store.Path != "./tmp.db" || cfg.Store.RetentionMode != "persistent" {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if cfg.Pipeline.STTTimeoutMS != 12000 {
		t.Fatalf("expected stt timeout override, got %d", cfg.Pipeline.STTTimeoutMS)
	}
	if cfg.Pipeline.ZeroByteRatio != 0.8 {
		t.Fatalf("expected zero byte ratio override, got %f", cfg.Pipeline.ZeroByteRatio)
	}
	if cfg.Session.IdleTimeoutMS != 60000 {
		t.Fatalf("expected idle timeout override, got %d", cfg.Session.IdleTimeoutMS)
	}
	if cfg.TTS.Voice != "en-GB" {
		t.Fatalf("expected voice override, got %q", cfg.TTS.Voice)
	}
}

func TestValidateRejectsBadPipelineBounds(t *testing.T) {
	t.Setenv("VOICED_PIPELINE_FLUSH_THRESHOLD_BYTES", "1024")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when flush threshold is below the chunk floor")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("VOICED_STT_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when exec mode has no command")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
