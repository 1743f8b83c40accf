package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Session     SessionConfig   `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type LLMConfig struct {
	Mode             string  `yaml:"mode"` // mock, ollama, exec
	Endpoint         string  `yaml:"endpoint"`
	Command          string  `yaml:"command"`
	Model            string  `yaml:"model"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	SystemPrompt     string  `yaml:"system_prompt"`
	CompletionMarker string  `yaml:"completion_marker"`
	FallbackMode     string  `yaml:"fallback_mode"`
	FallbackEndpoint string  `yaml:"fallback_endpoint"`
	FallbackCommand  string  `yaml:"fallback_command"`
	FallbackModel    string  `yaml:"fallback_model"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// PipelineConfig carries the buffering and turn-processing policy.
type PipelineConfig struct {
	MinChunkBytes       int     `yaml:"min_chunk_bytes"`
	FlushThresholdBytes int     `yaml:"flush_threshold_bytes"`
	MaxBufferBytes      int     `yaml:"max_buffer_bytes"`
	MaxQueuedChunks     int     `yaml:"max_queued_chunks"`
	MaxQueuedBytes      int     `yaml:"max_queued_bytes"`
	ZeroByteRatio       float64 `yaml:"zero_byte_ratio"`
	MinTranscriptChars  int     `yaml:"min_transcript_chars"`
	STTTimeoutMS        int     `yaml:"stt_timeout_ms"`
	LLMTimeoutMS        int     `yaml:"llm_timeout_ms"`
	TTSTimeoutMS        int     `yaml:"tts_timeout_ms"`
	TTSRetryAttempts    int     `yaml:"tts_retry_attempts"`
	TTSRetryInitialMS   int     `yaml:"tts_retry_initial_ms"`
	CacheSize           int     `yaml:"cache_size"`
	CacheTTLMS          int     `yaml:"cache_ttl_ms"`
	CooldownMS          int     `yaml:"cooldown_ms"`
}

type SessionConfig struct {
	IdleTimeoutMS   int `yaml:"idle_timeout_ms"`
	SweepIntervalMS int `yaml:"sweep_interval_ms"`
	OutboundBuffer  int `yaml:"outbound_buffer"`
	InboxBuffer     int `yaml:"inbox_buffer"`
	GreetingRetries int `yaml:"greeting_retries"`
	GreetingDelayMS int `yaml:"greeting_delay_ms"`
}

func Default() Config {
	return Config{
		ServiceName: "voiced",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/voiced.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
		},
		LLM: LLMConfig{
			Mode:             "mock",
			Endpoint:         "http://localhost:11434",
			Model:            "llama3.2:latest",
			MaxTokens:        256,
			Temperature:      0.7,
			CompletionMarker: "[done]",
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
		},
		Pipeline: PipelineConfig{
			MinChunkBytes:       5 * 1024,
			FlushThresholdBytes: 40 * 1024,
			MaxBufferBytes:      200 * 1024,
			MaxQueuedChunks:     5,
			MaxQueuedBytes:      500 * 1024,
			ZeroByteRatio:       0.9,
			MinTranscriptChars:  2,
			STTTimeoutMS:        30000,
			LLMTimeoutMS:        8000,
			TTSTimeoutMS:        15000,
			TTSRetryAttempts:    3,
			TTSRetryInitialMS:   250,
			CacheSize:           256,
			CacheTTLMS:          300000,
			CooldownMS:          3000,
		},
		Session: SessionConfig{
			IdleTimeoutMS:   300000,
			SweepIntervalMS: 30000,
			OutboundBuffer:  16,
			InboxBuffer:     32,
			GreetingRetries: 3,
			GreetingDelayMS: 500,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "VOICED_SERVICE_NAME")
	overrideString(&cfg.Environment, "VOICED_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICED_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICED_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICED_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICED_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICED_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "VOICED_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICED_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICED_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICED_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICED_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICED_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICED_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICED_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICED_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICED_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "VOICED_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "VOICED_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "VOICED_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "VOICED_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "VOICED_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "VOICED_STT_MODE")
	overrideString(&cfg.STT.Command, "VOICED_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VOICED_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "VOICED_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "VOICED_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "VOICED_STT_CHANNELS")
	overrideString(&cfg.LLM.Mode, "VOICED_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "VOICED_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "VOICED_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "VOICED_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "VOICED_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "VOICED_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.SystemPrompt, "VOICED_LLM_SYSTEM_PROMPT")
	overrideString(&cfg.LLM.CompletionMarker, "VOICED_LLM_COMPLETION_MARKER")
	overrideString(&cfg.LLM.FallbackMode, "VOICED_LLM_FALLBACK_MODE")
	overrideString(&cfg.LLM.FallbackEndpoint, "VOICED_LLM_FALLBACK_ENDPOINT")
	overrideString(&cfg.LLM.FallbackCommand, "VOICED_LLM_FALLBACK_COMMAND")
	overrideString(&cfg.LLM.FallbackModel, "VOICED_LLM_FALLBACK_MODEL")
	overrideString(&cfg.TTS.Mode, "VOICED_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOICED_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "VOICED_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "VOICED_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "VOICED_TTS_CHANNELS")
	overrideInt(&cfg.Pipeline.MinChunkBytes, "VOICED_PIPELINE_MIN_CHUNK_BYTES")
	overrideInt(&cfg.Pipeline.FlushThresholdBytes, "VOICED_PIPELINE_FLUSH_THRESHOLD_BYTES")
	overrideInt(&cfg.Pipeline.MaxBufferBytes, "VOICED_PIPELINE_MAX_BUFFER_BYTES")
	overrideInt(&cfg.Pipeline.MaxQueuedChunks, "VOICED_PIPELINE_MAX_QUEUED_CHUNKS")
	overrideInt(&cfg.Pipeline.MaxQueuedBytes, "VOICED_PIPELINE_MAX_QUEUED_BYTES")
	overrideFloat(&cfg.Pipeline.ZeroByteRatio, "VOICED_PIPELINE_ZERO_BYTE_RATIO")
	overrideInt(&cfg.Pipeline.MinTranscriptChars, "VOICED_PIPELINE_MIN_TRANSCRIPT_CHARS")
	overrideInt(&cfg.Pipeline.STTTimeoutMS, "VOICED_PIPELINE_STT_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.LLMTimeoutMS, "VOICED_PIPELINE_LLM_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.TTSTimeoutMS, "VOICED_PIPELINE_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.TTSRetryAttempts, "VOICED_PIPELINE_TTS_RETRY_ATTEMPTS")
	overrideInt(&cfg.Pipeline.TTSRetryInitialMS, "VOICED_PIPELINE_TTS_RETRY_INITIAL_MS")
	overrideInt(&cfg.Pipeline.CacheSize, "VOICED_PIPELINE_CACHE_SIZE")
	overrideInt(&cfg.Pipeline.CacheTTLMS, "VOICED_PIPELINE_CACHE_TTL_MS")
	overrideInt(&cfg.Pipeline.CooldownMS, "VOICED_PIPELINE_COOLDOWN_MS")
	overrideInt(&cfg.Session.IdleTimeoutMS, "VOICED_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.SweepIntervalMS, "VOICED_SESSION_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Session.OutboundBuffer, "VOICED_SESSION_OUTBOUND_BUFFER")
	overrideInt(&cfg.Session.InboxBuffer, "VOICED_SESSION_INBOX_BUFFER")
	overrideInt(&cfg.Session.GreetingRetries, "VOICED_SESSION_GREETING_RETRIES")
	overrideInt(&cfg.Session.GreetingDelayMS, "VOICED_SESSION_GREETING_DELAY_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" && cfg.Store.RetentionMode != "ephemeral" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	switch cfg.LLM.FallbackMode {
	case "", "mock", "ollama", "exec":
	default:
		return errors.New("llm.fallback_mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.FallbackMode == "ollama" && cfg.LLM.FallbackEndpoint == "" {
		return errors.New("llm.fallback_endpoint must be set when fallback_mode=ollama")
	}
	if cfg.LLM.FallbackMode == "exec" && cfg.LLM.FallbackCommand == "" {
		return errors.New("llm.fallback_command must be set when fallback_mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	p := cfg.Pipeline
	if p.MinChunkBytes <= 0 {
		return errors.New("pipeline.min_chunk_bytes must be positive")
	}
	if p.FlushThresholdBytes <= p.MinChunkBytes {
		return errors.New("pipeline.flush_threshold_bytes must be greater than min_chunk_bytes")
	}
	if p.MaxBufferBytes <= p.FlushThresholdBytes {
		return errors.New("pipeline.max_buffer_bytes must be greater than flush_threshold_bytes")
	}
	if p.MaxQueuedChunks <= 0 {
		return errors.New("pipeline.max_queued_chunks must be positive")
	}
	if p.MaxQueuedBytes <= 0 {
		return errors.New("pipeline.max_queued_bytes must be positive")
	}
	if p.ZeroByteRatio <= 0 || p.ZeroByteRatio > 1 {
		return errors.New("pipeline.zero_byte_ratio must be in (0, 1]")
	}
	if p.STTTimeoutMS <= 0 || p.LLMTimeoutMS <= 0 || p.TTSTimeoutMS <= 0 {
		return errors.New("pipeline timeouts must be positive")
	}
	if p.TTSRetryAttempts <= 0 {
		return errors.New("pipeline.tts_retry_attempts must be positive")
	}
	if p.CooldownMS < 0 {
		return errors.New("pipeline.cooldown_ms must be >= 0")
	}
	s := cfg.Session
	if s.IdleTimeoutMS <= 0 {
		return errors.New("session.idle_timeout_ms must be positive")
	}
	if s.SweepIntervalMS <= 0 {
		return errors.New("session.sweep_interval_ms must be positive")
	}
	if s.OutboundBuffer <= 0 || s.InboxBuffer <= 0 {
		return errors.New("session buffers must be positive")
	}
	if s.GreetingRetries < 0 {
		return errors.New("session.greeting_retries must be >= 0")
	}
	return nil
}
