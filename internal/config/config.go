// Package config provides configuration loading for taskbridge.
//
// Values come from built-in defaults, an optional YAML or TOML file, and
// TASKBRIDGE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Transport modes.
const (
	TransportLocal = "local"
	TransportHTTP  = "http"
)

// Config holds the complete taskbridge configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Dispatch     DispatchConfig     `koanf:"dispatch"`
	Transport    TransportConfig    `koanf:"transport"`
	Engine       EngineConfig       `koanf:"engine"`
	Telegram     TelegramConfig     `koanf:"telegram"`
	NATS         NATSConfig         `koanf:"nats"`
	Secrets      SecretsConfig      `koanf:"secrets"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// ServerConfig holds the operational HTTP server (health, metrics).
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// OrchestratorConfig bounds the evaluate/work loop.
type OrchestratorConfig struct {
	MaxIterations int      `koanf:"max_iterations"`
	CallTimeout   Duration `koanf:"call_timeout"`
}

// DispatchConfig controls outbound dedup and throttling.
type DispatchConfig struct {
	DedupMaxIDs      int      `koanf:"dedup_max_ids"`
	DedupMaxAge      Duration `koanf:"dedup_max_age"`
	ThrottleInterval Duration `koanf:"throttle_interval"`
}

// TransportConfig selects and configures the engine transport.
type TransportConfig struct {
	Mode string `koanf:"mode"`
	// ListenHost/ListenPort are where this node accepts transport traffic:
	// callbacks on the communication node, tasks on the execution node.
	ListenHost      string   `koanf:"listen_host"`
	ListenPort      int      `koanf:"listen_port"`
	ExecutionURL    string   `koanf:"execution_url"`
	CallbackBaseURL string   `koanf:"callback_base_url"`
	AuthToken       Secret   `koanf:"auth_token"`
	Timeout         Duration `koanf:"timeout"`
	CallbackRetries int      `koanf:"callback_retries"`
}

// EngineConfig configures the Claude Code CLI engine adapter.
type EngineConfig struct {
	Command        string `koanf:"command"`
	WorkDir        string `koanf:"work_dir"`
	Model          string `koanf:"model"`
	PermissionMode string `koanf:"permission_mode"`
}

// TelegramConfig configures the chat platform client.
type TelegramConfig struct {
	Token        Secret   `koanf:"token"`
	APIBase      string   `koanf:"api_base"`
	PollTimeout  Duration `koanf:"poll_timeout"`
	AllowedChats []string `koanf:"allowed_chats"`
}

// NATSConfig configures the optional task event publisher.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SecretsConfig controls redaction of outbound event text.
type SecretsConfig struct {
	Enabled   bool     `koanf:"enabled"`
	Gitleaks  bool     `koanf:"gitleaks"`
	Redaction string   `koanf:"redaction"`
	AllowList []string `koanf:"allow_list"`
}

// LoggingConfig is the subset of logging options exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry options exposed to operators.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// NewDefaultConfig returns a configuration suitable for a single-process
// deployment.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations: 10,
			CallTimeout:   Duration(35 * time.Minute),
		},
		Dispatch: DispatchConfig{
			DedupMaxIDs:      1000,
			DedupMaxAge:      Duration(time.Hour),
			ThrottleInterval: Duration(2 * time.Second),
		},
		Transport: TransportConfig{
			Mode:            TransportLocal,
			ListenHost:      "127.0.0.1",
			ListenPort:      9292,
			ExecutionURL:    "http://127.0.0.1:9393",
			CallbackBaseURL: "http://127.0.0.1:9292",
			Timeout:         Duration(30 * time.Minute),
			CallbackRetries: 3,
		},
		Engine: EngineConfig{
			Command:        "claude",
			PermissionMode: "acceptEdits",
		},
		Telegram: TelegramConfig{
			APIBase:     "https://api.telegram.org",
			PollTimeout: Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "taskbridge",
		},
		Secrets: SecretsConfig{
			Enabled:   true,
			Redaction: "[REDACTED]",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "taskbridge",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server shutdown_timeout must be positive")
	}

	if c.Orchestrator.MaxIterations < 1 {
		return fmt.Errorf("orchestrator max_iterations must be >= 1, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.CallTimeout.Duration() <= 0 {
		return errors.New("orchestrator call_timeout must be positive")
	}

	if c.Dispatch.DedupMaxIDs < 1 {
		return fmt.Errorf("dispatch dedup_max_ids must be >= 1, got %d", c.Dispatch.DedupMaxIDs)
	}
	if c.Dispatch.DedupMaxAge.Duration() <= 0 {
		return errors.New("dispatch dedup_max_age must be positive")
	}
	if c.Dispatch.ThrottleInterval.Duration() <= 0 {
		return errors.New("dispatch throttle_interval must be positive")
	}

	switch c.Transport.Mode {
	case TransportLocal:
	case TransportHTTP:
		if !c.Transport.AuthToken.IsSet() {
			return errors.New("transport auth_token is required in http mode")
		}
		if c.Transport.ListenPort < 1 || c.Transport.ListenPort > 65535 {
			return fmt.Errorf("invalid transport listen_port: %d", c.Transport.ListenPort)
		}
		if c.Transport.Timeout.Duration() <= 0 {
			return errors.New("transport timeout must be positive")
		}
		if c.Transport.CallbackRetries < 0 {
			return errors.New("transport callback_retries cannot be negative")
		}
	default:
		return fmt.Errorf("transport mode must be %q or %q, got %q", TransportLocal, TransportHTTP, c.Transport.Mode)
	}
	// The orchestrator window wraps the transport window; a larger transport
	// timeout would never fire.
	if c.Transport.Timeout.Duration() > c.Orchestrator.CallTimeout.Duration() {
		return fmt.Errorf("transport timeout (%s) must not exceed orchestrator call_timeout (%s)",
			c.Transport.Timeout.Duration(), c.Orchestrator.CallTimeout.Duration())
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("telemetry service_name required when telemetry is enabled")
	}
	if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		return fmt.Errorf("telemetry protocol must be 'grpc' or 'http', got %q", c.Telemetry.Protocol)
	}

	return nil
}
