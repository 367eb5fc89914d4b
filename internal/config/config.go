package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// StdoutTraces pretty-prints spans when no OTLP endpoint is set.
	StdoutTraces bool `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Bind        string   `yaml:"bind"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Stream      StreamConfig     `yaml:"stream"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	STT         STTConfig        `yaml:"stt"`
	Router      RouterConfig     `yaml:"router"`
	Sinks       SinksConfig      `yaml:"sinks"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

type StreamConfig struct {
	URL         string `yaml:"url"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFmpegArgs  string `yaml:"ffmpeg_args"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	ReadSize    int    `yaml:"read_size"`
	RetryBaseMS int    `yaml:"retry_base_ms"`
	RetryMaxMS  int    `yaml:"retry_max_ms"`
	MaxRetries  int    `yaml:"max_retries"`
}

type SegmenterConfig struct {
	WindowMS       int `yaml:"window_ms"`
	MaxBufferMS    int `yaml:"max_buffer_ms"`
	QueueSize      int `yaml:"queue_size"`
	BlockTimeoutMS int `yaml:"block_timeout_ms"`
}

type STTConfig struct {
	Mode             string  `yaml:"mode"` // mock, exec, whisper-server
	Command          string  `yaml:"command"`
	Endpoint         string  `yaml:"endpoint"`
	ModelPath        string  `yaml:"model_path"`
	Language         string  `yaml:"language"`
	Workers          int     `yaml:"workers"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	ReorderTimeoutMS int     `yaml:"reorder_timeout_ms"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

type RouterConfig struct {
	InboxSize       int `yaml:"inbox_size"`
	RetryAttempts   int `yaml:"retry_attempts"`
	RetryBaseMS     int `yaml:"retry_base_ms"`
	RetryMaxMS      int `yaml:"retry_max_ms"`
	DegradeAfter    int `yaml:"degrade_after"`
	ProbeIntervalMS int `yaml:"probe_interval_ms"`
}

type SinksConfig struct {
	File      FileSinkConfig      `yaml:"file"`
	RemoteDoc RemoteDocSinkConfig `yaml:"remote_doc"`
	Bus       BusSinkConfig       `yaml:"bus"`
	WebSocket WebSocketSinkConfig `yaml:"websocket"`
}

type FileSinkConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	Prefix    string `yaml:"prefix"`
	SRTPath   string `yaml:"srt_path"`
	TXTPath   string `yaml:"txt_path"`
}

type RemoteDocSinkConfig struct {
	Enabled            bool    `yaml:"enabled"`
	CredentialsPath    string  `yaml:"credentials_path"`
	TokenPath          string  `yaml:"token_path"`
	DocumentID         string  `yaml:"document_id"`
	Title              string  `yaml:"title"`
	TabID              string  `yaml:"tab_id"`
	Endpoint           string  `yaml:"endpoint"`
	MaxRetries         int     `yaml:"max_retries"`
	RateLimitBackoffMS int     `yaml:"rate_limit_backoff_ms"`
	RequestsPerMinute  float64 `yaml:"requests_per_minute"`
	Banner             bool    `yaml:"banner"`
}

type BusSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
	Stream  string `yaml:"stream"`
}

type WebSocketSinkConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
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

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PipelineConfig struct {
	DrainTimeoutMS int `yaml:"drain_timeout_ms"`
}

// Millis converts a *_ms configuration value to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "un-webtv-transcriber",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled:     true,
			Bind:        "127.0.0.1",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Stream: StreamConfig{
			FFmpegPath:  "ffmpeg",
			SampleRate:  16000,
			Channels:    1,
			ReadSize:    3200,
			RetryBaseMS: 1000,
			RetryMaxMS:  30000,
			MaxRetries:  10,
		},
		Segmenter: SegmenterConfig{
			WindowMS:       15000,
			MaxBufferMS:    20000,
			QueueSize:      8,
			BlockTimeoutMS: 30000,
		},
		STT: STTConfig{
			Mode:             "mock",
			Endpoint:         "http://127.0.0.1:8178",
			Workers:          2,
			RequestTimeoutMS: 120000,
			ReorderTimeoutMS: 150000,
			SilenceThreshold: 500,
		},
		Router: RouterConfig{
			InboxSize:       64,
			RetryAttempts:   3,
			RetryBaseMS:     500,
			RetryMaxMS:      10000,
			DegradeAfter:    3,
			ProbeIntervalMS: 30000,
		},
		Sinks: SinksConfig{
			File: FileSinkConfig{
				Enabled:   true,
				Directory: "./transcripts",
				Prefix:    "transcript",
			},
			RemoteDoc: RemoteDocSinkConfig{
				Enabled:            false,
				CredentialsPath:    "credentials.json",
				TokenPath:          "token.json",
				Title:              "UN WebTV Live Transcription",
				MaxRetries:         5,
				RateLimitBackoffMS: 2000,
				RequestsPerMinute:  55,
				Banner:             true,
			},
			Bus: BusSinkConfig{
				Enabled: false,
				Subject: "transcript.segment",
			},
			WebSocket: WebSocketSinkConfig{
				Enabled:   false,
				Path:      "/ws",
				QueueSize: 32,
			},
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "transcriber-1",
			HeartbeatInterval: 5000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/transcriber-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		Pipeline: PipelineConfig{
			DrainTimeoutMS: 60000,
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
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "TRANSCRIBER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TRANSCRIBER_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "TRANSCRIBER_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "TRANSCRIBER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TRANSCRIBER_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.CORSOrigins, "TRANSCRIBER_HTTP_CORS_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "TRANSCRIBER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TRANSCRIBER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TRANSCRIBER_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "TRANSCRIBER_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Stream.URL, "TRANSCRIBER_STREAM_URL")
	overrideString(&cfg.Stream.FFmpegPath, "TRANSCRIBER_STREAM_FFMPEG_PATH")
	overrideString(&cfg.Stream.FFmpegArgs, "TRANSCRIBER_STREAM_FFMPEG_ARGS")
	overrideInt(&cfg.Stream.SampleRate, "TRANSCRIBER_STREAM_SAMPLE_RATE")
	overrideInt(&cfg.Stream.Channels, "TRANSCRIBER_STREAM_CHANNELS")
	overrideInt(&cfg.Stream.MaxRetries, "TRANSCRIBER_STREAM_MAX_RETRIES")
	overrideInt(&cfg.Stream.RetryBaseMS, "TRANSCRIBER_STREAM_RETRY_BASE_MS")
	overrideInt(&cfg.Stream.RetryMaxMS, "TRANSCRIBER_STREAM_RETRY_MAX_MS")
	overrideInt(&cfg.Segmenter.WindowMS, "TRANSCRIBER_SEGMENTER_WINDOW_MS")
	overrideInt(&cfg.Segmenter.MaxBufferMS, "TRANSCRIBER_SEGMENTER_MAX_BUFFER_MS")
	overrideInt(&cfg.Segmenter.QueueSize, "TRANSCRIBER_SEGMENTER_QUEUE_SIZE")
	overrideString(&cfg.STT.Mode, "TRANSCRIBER_STT_MODE")
	overrideString(&cfg.STT.Command, "TRANSCRIBER_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "TRANSCRIBER_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "TRANSCRIBER_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "TRANSCRIBER_STT_LANGUAGE")
	overrideInt(&cfg.STT.Workers, "TRANSCRIBER_STT_WORKERS")
	overrideInt(&cfg.STT.RequestTimeoutMS, "TRANSCRIBER_STT_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.STT.ReorderTimeoutMS, "TRANSCRIBER_STT_REORDER_TIMEOUT_MS")
	overrideInt(&cfg.Router.RetryAttempts, "TRANSCRIBER_ROUTER_RETRY_ATTEMPTS")
	overrideInt(&cfg.Router.DegradeAfter, "TRANSCRIBER_ROUTER_DEGRADE_AFTER")
	overrideInt(&cfg.Router.ProbeIntervalMS, "TRANSCRIBER_ROUTER_PROBE_INTERVAL_MS")
	overrideBool(&cfg.Sinks.File.Enabled, "TRANSCRIBER_SINKS_FILE_ENABLED")
	overrideString(&cfg.Sinks.File.Directory, "TRANSCRIBER_SINKS_FILE_DIRECTORY")
	overrideString(&cfg.Sinks.File.Prefix, "TRANSCRIBER_SINKS_FILE_PREFIX")
	overrideBool(&cfg.Sinks.RemoteDoc.Enabled, "TRANSCRIBER_SINKS_REMOTE_DOC_ENABLED")
	overrideString(&cfg.Sinks.RemoteDoc.CredentialsPath, "TRANSCRIBER_SINKS_REMOTE_DOC_CREDENTIALS_PATH")
	overrideString(&cfg.Sinks.RemoteDoc.TokenPath, "TRANSCRIBER_SINKS_REMOTE_DOC_TOKEN_PATH")
	overrideString(&cfg.Sinks.RemoteDoc.DocumentID, "TRANSCRIBER_SINKS_REMOTE_DOC_DOCUMENT_ID")
	overrideString(&cfg.Sinks.RemoteDoc.Title, "TRANSCRIBER_SINKS_REMOTE_DOC_TITLE")
	overrideBool(&cfg.Sinks.Bus.Enabled, "TRANSCRIBER_SINKS_BUS_ENABLED")
	overrideString(&cfg.Sinks.Bus.Subject, "TRANSCRIBER_SINKS_BUS_SUBJECT")
	overrideBool(&cfg.Sinks.WebSocket.Enabled, "TRANSCRIBER_SINKS_WEBSOCKET_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "TRANSCRIBER_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "TRANSCRIBER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TRANSCRIBER_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TRANSCRIBER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TRANSCRIBER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TRANSCRIBER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TRANSCRIBER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TRANSCRIBER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TRANSCRIBER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "TRANSCRIBER_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "TRANSCRIBER_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "TRANSCRIBER_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "TRANSCRIBER_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "TRANSCRIBER_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "TRANSCRIBER_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "TRANSCRIBER_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Pipeline.DrainTimeoutMS, "TRANSCRIBER_PIPELINE_DRAIN_TIMEOUT_MS")
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

// Validate checks the configuration for values the pipeline cannot run with.
// The stream URL is not required here; it may be supplied on the command line.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Stream.SampleRate <= 0 {
		return errors.New("stream.sample_rate must be positive")
	}
	if cfg.Stream.Channels <= 0 {
		return errors.New("stream.channels must be positive")
	}
	if cfg.Stream.ReadSize <= 0 {
		return errors.New("stream.read_size must be positive")
	}
	if cfg.Stream.RetryBaseMS <= 0 || cfg.Stream.RetryMaxMS < cfg.Stream.RetryBaseMS {
		return errors.New("stream.retry_max_ms must be >= stream.retry_base_ms > 0")
	}
	if cfg.Stream.MaxRetries < 0 {
		return errors.New("stream.max_retries must be >= 0")
	}
	if cfg.Segmenter.WindowMS <= 0 {
		return errors.New("segmenter.window_ms must be positive")
	}
	if cfg.Segmenter.MaxBufferMS <= 0 {
		return errors.New("segmenter.max_buffer_ms must be positive")
	}
	if cfg.Segmenter.QueueSize <= 0 {
		return errors.New("segmenter.queue_size must be >= 1")
	}
	if cfg.Segmenter.BlockTimeoutMS < 0 {
		return errors.New("segmenter.block_timeout_ms must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "whisper-server":
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper-server")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "whisper-server" && cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must be set when mode=whisper-server")
	}
	if cfg.STT.Workers <= 0 {
		return errors.New("stt.workers must be >= 1")
	}
	if cfg.STT.RequestTimeoutMS <= 0 || cfg.STT.ReorderTimeoutMS <= 0 {
		return errors.New("stt.request_timeout_ms and stt.reorder_timeout_ms must be positive")
	}
	if cfg.Router.InboxSize <= 0 {
		return errors.New("router.inbox_size must be >= 1")
	}
	if cfg.Router.RetryAttempts <= 0 {
		return errors.New("router.retry_attempts must be >= 1")
	}
	if cfg.Router.DegradeAfter <= 0 {
		return errors.New("router.degrade_after must be >= 1")
	}
	if cfg.Router.ProbeIntervalMS < 0 {
		return errors.New("router.probe_interval_ms must be >= 0")
	}
	if !cfg.Sinks.File.Enabled && !cfg.Sinks.RemoteDoc.Enabled && !cfg.Sinks.Bus.Enabled && !cfg.Sinks.WebSocket.Enabled {
		return errors.New("at least one sink must be enabled")
	}
	if cfg.Sinks.File.Enabled && cfg.Sinks.File.Directory == "" {
		return errors.New("sinks.file.directory must not be empty when the file sink is enabled")
	}
	if cfg.Sinks.RemoteDoc.Enabled {
		if cfg.Sinks.RemoteDoc.MaxRetries < 0 {
			return errors.New("sinks.remote_doc.max_retries must be >= 0")
		}
		if cfg.Sinks.RemoteDoc.RequestsPerMinute < 0 {
			return errors.New("sinks.remote_doc.requests_per_minute must be >= 0")
		}
	}
	if cfg.Sinks.Bus.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when the bus sink is enabled")
		}
		if cfg.Sinks.Bus.Subject == "" {
			return errors.New("sinks.bus.subject must not be empty")
		}
	}
	if cfg.Sinks.WebSocket.Enabled && !cfg.HTTP.Enabled {
		return errors.New("http.enabled must be true when the websocket sink is enabled")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Pipeline.DrainTimeoutMS <= 0 {
		return errors.New("pipeline.drain_timeout_ms must be positive")
	}
	return nil
}
