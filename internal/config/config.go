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
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Streaming   StreamingConfig  `yaml:"streaming"`
	STT         STTConfig        `yaml:"stt"`
	Wake        WakeConfig       `yaml:"wake"`
}

// NodeConfig identifies this listener to other nodes on the bus. An empty ID
// is derived from the host name at startup.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Stream         string   `yaml:"stream"` // JetStream stream for finals and commands; empty disables
	StreamMaxAge   int      `yaml:"stream_max_age_hours"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the input device and tunes the energy VAD. Values are
// read once when the capture session opens; changing them requires a restart.
type CaptureConfig struct {
	Device            string  `yaml:"device"`
	SpeechThreshold   float64 `yaml:"speech_threshold"`
	SilenceDurationMS int     `yaml:"silence_duration_ms"`
	FramesPerBuffer   int     `yaml:"frames_per_buffer"`
	QueueCapacity     int     `yaml:"queue_capacity"`
}

type StreamingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	WindowMS      int    `yaml:"window_ms"`
	BufferMS      int    `yaml:"buffer_ms"`
	InitialPrompt string `yaml:"initial_prompt"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
}

type WakeConfig struct {
	Enabled bool     `yaml:"enabled"`
	Phrases []string `yaml:"phrases"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listener",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Node: NodeConfig{
			Role:                "listener",
			HeartbeatIntervalMS: 2000,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Stream:         "LISTEN",
			StreamMaxAge:   24,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/listener-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			SpeechThreshold:   0.006,
			SilenceDurationMS: 1000,
			QueueCapacity:     100,
		},
		Streaming: StreamingConfig{
			Enabled:  true,
			WindowMS: 5000,
			BufferMS: 15000,
		},
		STT: STTConfig{
			Mode:     "mock",
			Language: "auto",
		},
		Wake: WakeConfig{
			Enabled: true,
			Phrases: []string{"ok robert", "okay robert", "hey robert", "robert,"},
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
	overrideString(&cfg.RuntimeName, "LISTEN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LISTEN_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LISTEN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LISTEN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LISTEN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LISTEN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LISTEN_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LISTEN_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Node.ID, "LISTEN_NODE_ID")
	overrideString(&cfg.Node.Role, "LISTEN_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LISTEN_NODE_HEARTBEAT_INTERVAL_MS")
	overrideBool(&cfg.Bus.Enabled, "LISTEN_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LISTEN_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LISTEN_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LISTEN_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LISTEN_BUS_STORE_DIR")
	overrideString(&cfg.Bus.Stream, "LISTEN_BUS_STREAM")
	overrideInt(&cfg.Bus.StreamMaxAge, "LISTEN_BUS_STREAM_MAX_AGE_HOURS")
	overrideStringSlice(&cfg.Bus.Servers, "LISTEN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LISTEN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LISTEN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LISTEN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LISTEN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LISTEN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LISTEN_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LISTEN_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LISTEN_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LISTEN_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LISTEN_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "LISTEN_CAPTURE_DEVICE")
	overrideFloat(&cfg.Capture.SpeechThreshold, "LISTEN_CAPTURE_SPEECH_THRESHOLD")
	overrideInt(&cfg.Capture.SilenceDurationMS, "LISTEN_CAPTURE_SILENCE_DURATION_MS")
	overrideInt(&cfg.Capture.FramesPerBuffer, "LISTEN_CAPTURE_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Capture.QueueCapacity, "LISTEN_CAPTURE_QUEUE_CAPACITY")
	overrideBool(&cfg.Streaming.Enabled, "LISTEN_STREAMING_ENABLED")
	overrideInt(&cfg.Streaming.WindowMS, "LISTEN_STREAMING_WINDOW_MS")
	overrideInt(&cfg.Streaming.BufferMS, "LISTEN_STREAMING_BUFFER_MS")
	overrideString(&cfg.Streaming.InitialPrompt, "LISTEN_STREAMING_INITIAL_PROMPT")
	overrideString(&cfg.STT.Mode, "LISTEN_STT_MODE")
	overrideString(&cfg.STT.Command, "LISTEN_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LISTEN_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LISTEN_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "LISTEN_STT_THREADS")
	overrideBool(&cfg.Wake.Enabled, "LISTEN_WAKE_ENABLED")
	overrideStringSlice(&cfg.Wake.Phrases, "LISTEN_WAKE_PHRASES")
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			// -1 asks the embedded server for a random port.
			if cfg.Bus.Port == 0 || cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 (or -1) when embedded mode is enabled")
			}
			if cfg.Bus.StoreDir == "" {
				return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.StreamMaxAge < 0 {
		return errors.New("bus.stream_max_age_hours must be >= 0")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Capture.SpeechThreshold <= 0 {
		return errors.New("capture.speech_threshold must be positive")
	}
	if cfg.Capture.SilenceDurationMS <= 0 {
		return errors.New("capture.silence_duration_ms must be positive")
	}
	if cfg.Capture.FramesPerBuffer < 0 {
		return errors.New("capture.frames_per_buffer must be >= 0")
	}
	if cfg.Capture.QueueCapacity <= 0 {
		return errors.New("capture.queue_capacity must be >= 1")
	}
	if cfg.Streaming.Enabled {
		if cfg.Streaming.WindowMS <= 0 {
			return errors.New("streaming.window_ms must be positive")
		}
		if cfg.Streaming.BufferMS < cfg.Streaming.WindowMS {
			return errors.New("streaming.buffer_ms must be >= streaming.window_ms")
		}
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=whisper")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}
	if cfg.STT.Threads < 0 {
		return errors.New("stt.threads must be >= 0")
	}
	if cfg.Wake.Enabled && len(cfg.Wake.Phrases) == 0 {
		return errors.New("wake.phrases must not be empty when wake detection is enabled")
	}
	return nil
}
