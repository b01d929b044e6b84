package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no -config flag is given. A missing default file is not an error.
const DefaultPath = "voskrelay.yaml"

const envPrefix = "VOSKRELAY_"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind          string `yaml:"bind"`
	Port          int    `yaml:"port"`
	TLSCert       string `yaml:"tls_cert"`
	TLSKey        string `yaml:"tls_key"`
	AudioPath     string `yaml:"audio_path"`
	MaxFrameBytes int    `yaml:"max_frame_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Bus         BusConfig        `yaml:"bus"`
	Journal     JournalConfig    `yaml:"journal"`
}

// RecognizerConfig selects and tunes the speech recognition backend.
type RecognizerConfig struct {
	Mode            string `yaml:"mode"` // vosk, vosk-server, exec, mock
	ModelPath       string `yaml:"model_path"`
	ServerURL       string `yaml:"server_url"`
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	MaxAlternatives int    `yaml:"max_alternatives"`
	Words           bool   `yaml:"words"`
	EngineLogLevel  int    `yaml:"engine_log_level"`
	DialTimeoutMS   int    `yaml:"dial_timeout_ms"`
	MockUtteranceMS int    `yaml:"mock_utterance_ms"`
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

// JournalConfig controls the optional SQLite session journal.
type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "voskrelay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:          "0.0.0.0",
			Port:          5000,
			TLSCert:       "cert.pem",
			TLSKey:        "key.pem",
			AudioPath:     "/audio",
			MaxFrameBytes: 65536,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Recognizer: RecognizerConfig{
			Mode:            "vosk",
			ModelPath:       "model",
			ServerURL:       "ws://localhost:2700",
			SampleRate:      16000,
			Channels:        1,
			EngineLogLevel:  -1,
			DialTimeoutMS:   2000,
			MockUtteranceMS: 2000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/voskrelay-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path, an optional .env file
// and VOSKRELAY_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err) && path == DefaultPath:
		case os.IsNotExist(err):
			return cfg, fmt.Errorf("config file not found: %w", err)
		default:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to load .env file: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "RUNTIME_NAME")
	overrideString(&cfg.Environment, "ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HTTP_PORT")
	overrideString(&cfg.HTTP.TLSCert, "HTTP_TLS_CERT")
	overrideString(&cfg.HTTP.TLSKey, "HTTP_TLS_KEY")
	overrideString(&cfg.HTTP.AudioPath, "HTTP_AUDIO_PATH")
	overrideInt(&cfg.HTTP.MaxFrameBytes, "HTTP_MAX_FRAME_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Recognizer.Mode, "RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.ModelPath, "RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.ServerURL, "RECOGNIZER_SERVER_URL")
	overrideString(&cfg.Recognizer.Command, "RECOGNIZER_COMMAND")
	overrideInt(&cfg.Recognizer.SampleRate, "RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.Channels, "RECOGNIZER_CHANNELS")
	overrideInt(&cfg.Recognizer.MaxAlternatives, "RECOGNIZER_MAX_ALTERNATIVES")
	overrideBool(&cfg.Recognizer.Words, "RECOGNIZER_WORDS")
	overrideInt(&cfg.Recognizer.EngineLogLevel, "RECOGNIZER_ENGINE_LOG_LEVEL")
	overrideInt(&cfg.Recognizer.DialTimeoutMS, "RECOGNIZER_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Recognizer.MockUtteranceMS, "RECOGNIZER_MOCK_UTTERANCE_MS")
	overrideBool(&cfg.Bus.Enabled, "BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "JOURNAL_VACUUM_ON_START")
}

func lookup(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

func overrideString(target *string, key string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, key string) {
	if value, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if value, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, key string) {
	if value, ok := lookup(key); ok {
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.HTTP.AudioPath, "/") {
		return errors.New("http.audio_path must start with /")
	}
	if cfg.HTTP.MaxFrameBytes <= 0 {
		return errors.New("http.max_frame_bytes must be positive")
	}
	if cfg.Recognizer.SampleRate <= 0 {
		return errors.New("recognizer.sample_rate must be positive")
	}
	if cfg.Recognizer.Channels != 1 {
		return errors.New("recognizer.channels must be 1 (mono PCM16)")
	}
	switch cfg.Recognizer.Mode {
	case "vosk":
		if cfg.Recognizer.ModelPath == "" {
			return errors.New("recognizer.model_path must be set when mode=vosk")
		}
	case "vosk-server":
		if cfg.Recognizer.ServerURL == "" {
			return errors.New("recognizer.server_url must be set when mode=vosk-server")
		}
	case "exec":
		if cfg.Recognizer.Command == "" {
			return errors.New("recognizer.command must be set when mode=exec")
		}
	case "mock":
		if cfg.Recognizer.MockUtteranceMS <= 0 {
			return errors.New("recognizer.mock_utterance_ms must be positive when mode=mock")
		}
	default:
		return errors.New("recognizer.mode must be one of vosk|vosk-server|exec|mock")
	}
	if cfg.Recognizer.MaxAlternatives < 0 {
		return errors.New("recognizer.max_alternatives must be >= 0")
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
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}
