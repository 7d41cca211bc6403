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
	// TraceStderr pretty-prints spans to stderr when no OTLP endpoint is set.
	TraceStderr  bool   `yaml:"trace_stderr"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Backend     BackendConfig    `yaml:"backend"`
	Interview   InterviewConfig  `yaml:"interview"`
	Capture     CaptureConfig    `yaml:"capture"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Session     SessionConfig    `yaml:"session"`
	Console     ConsoleConfig    `yaml:"console"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// BackendConfig points at the dialogue service.
type BackendConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type InterviewConfig struct {
	Role            string `yaml:"role"`
	ExperienceLevel string `yaml:"experience_level"`
	ResumePath      string `yaml:"resume_path"`
}

type CaptureConfig struct {
	Mode                string   `yaml:"mode"` // mock, exec
	Command             string   `yaml:"command"`
	Language            string   `yaml:"language"`
	SilenceTimeoutMS    int      `yaml:"silence_timeout_ms"`
	RestartDelayMS      int      `yaml:"restart_delay_ms"`
	NetworkRetryDelayMS int      `yaml:"network_retry_delay_ms"`
	MaxNetworkRetries   int      `yaml:"max_network_retries"`
	DisplayLimit        int      `yaml:"display_limit"`
	MockScript          []string `yaml:"mock_script"`
	MockIntervalMS      int      `yaml:"mock_interval_ms"`
}

type PlaybackConfig struct {
	Mode          string `yaml:"mode"` // mock, exec, synth
	Command       string `yaml:"command"`
	PlayerCommand string `yaml:"player_command"`
	Voice         string `yaml:"voice"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	MockWordMS    int    `yaml:"mock_word_ms"`
}

type SessionConfig struct {
	EndDelayMS      int  `yaml:"end_delay_ms"`
	RequestFeedback bool `yaml:"request_feedback"`
}

type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-interview",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8090,
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
		EventStore: EventStoreConfig{
			Path:          "./data/interviews.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Backend: BackendConfig{
			BaseURL:   "http://localhost:8000",
			TimeoutMS: 60000,
		},
		Interview: InterviewConfig{
			Role:            "Software Engineer",
			ExperienceLevel: "Junior",
		},
		Capture: CaptureConfig{
			Mode:                "mock",
			Language:            "en-US",
			SilenceTimeoutMS:    15000,
			RestartDelayMS:      100,
			NetworkRetryDelayMS: 100,
			MaxNetworkRetries:   20,
			DisplayLimit:        120,
			MockIntervalMS:      1500,
		},
		Playback: PlaybackConfig{
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
			MockWordMS: 250,
		},
		Session: SessionConfig{
			EndDelayMS:      5000,
			RequestFeedback: true,
		},
		Console: ConsoleConfig{
			Enabled: true,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStderr, "LOQA_TELEMETRY_TRACE_STDERR")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Backend.BaseURL, "LOQA_BACKEND_BASE_URL")
	overrideInt(&cfg.Backend.TimeoutMS, "LOQA_BACKEND_TIMEOUT_MS")
	overrideString(&cfg.Interview.Role, "LOQA_INTERVIEW_ROLE")
	overrideString(&cfg.Interview.ExperienceLevel, "LOQA_INTERVIEW_EXPERIENCE_LEVEL")
	overrideString(&cfg.Interview.ResumePath, "LOQA_INTERVIEW_RESUME_PATH")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Language, "LOQA_CAPTURE_LANGUAGE")
	overrideInt(&cfg.Capture.SilenceTimeoutMS, "LOQA_CAPTURE_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Capture.RestartDelayMS, "LOQA_CAPTURE_RESTART_DELAY_MS")
	overrideInt(&cfg.Capture.NetworkRetryDelayMS, "LOQA_CAPTURE_NETWORK_RETRY_DELAY_MS")
	overrideInt(&cfg.Capture.MaxNetworkRetries, "LOQA_CAPTURE_MAX_NETWORK_RETRIES")
	overrideInt(&cfg.Capture.DisplayLimit, "LOQA_CAPTURE_DISPLAY_LIMIT")
	overrideString(&cfg.Playback.Mode, "LOQA_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.PlayerCommand, "LOQA_PLAYBACK_PLAYER_COMMAND")
	overrideString(&cfg.Playback.Voice, "LOQA_PLAYBACK_VOICE")
	overrideInt(&cfg.Playback.SampleRate, "LOQA_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.Channels, "LOQA_PLAYBACK_CHANNELS")
	overrideInt(&cfg.Session.EndDelayMS, "LOQA_SESSION_END_DELAY_MS")
	overrideBool(&cfg.Session.RequestFeedback, "LOQA_SESSION_REQUEST_FEEDBACK")
	overrideBool(&cfg.Console.Enabled, "LOQA_CONSOLE_ENABLED")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
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
	if cfg.Backend.BaseURL == "" {
		return errors.New("backend.base_url must not be empty")
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return errors.New("backend.timeout_ms must be positive")
	}
	if cfg.Interview.Role == "" {
		return errors.New("interview.role must not be empty")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec":
	default:
		return errors.New("capture.mode must be one of mock|exec")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.SilenceTimeoutMS <= 0 {
		return errors.New("capture.silence_timeout_ms must be positive")
	}
	if cfg.Capture.RestartDelayMS < 0 || cfg.Capture.NetworkRetryDelayMS < 0 {
		return errors.New("capture restart delays must be >= 0")
	}
	if cfg.Capture.MaxNetworkRetries < 0 {
		return errors.New("capture.max_network_retries must be >= 0")
	}
	switch cfg.Playback.Mode {
	case "mock", "exec", "synth":
	default:
		return errors.New("playback.mode must be one of mock|exec|synth")
	}
	if cfg.Playback.Mode != "mock" && cfg.Playback.Command == "" {
		return fmt.Errorf("playback.command must be set when mode=%s", cfg.Playback.Mode)
	}
	if cfg.Playback.Mode == "synth" {
		if cfg.Playback.PlayerCommand == "" {
			return errors.New("playback.player_command must be set when mode=synth")
		}
		if cfg.Playback.SampleRate <= 0 {
			return errors.New("playback.sample_rate must be positive")
		}
		if cfg.Playback.Channels <= 0 {
			return errors.New("playback.channels must be positive")
		}
	}
	if cfg.Session.EndDelayMS < 0 {
		return errors.New("session.end_delay_ms must be >= 0")
	}
	return nil
}
