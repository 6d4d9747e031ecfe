// Package config provides the configuration schema and loader for the
// binsentry relay server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for binsentry.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Detection DetectionConfig `yaml:"detection"`
	Session   SessionConfig   `yaml:"session"`
	Actuator  ActuatorConfig  `yaml:"actuator"`
	Sink      SinkConfig      `yaml:"sink"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxPayloadBytes caps a single inbound WebSocket message. Oversize
	// messages close the connection with a protocol error. Default: 10 MiB.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig holds downstream client authentication settings.
type AuthConfig struct {
	// Token is the shared secret clients present on connect, either as the
	// "token" query parameter or an Authorization Bearer header. Falls back
	// to the BINSENTRY_AUTH_TOKEN environment variable when empty.
	Token string `yaml:"token"`
}

// UpstreamConfig configures the realtime AI session.
type UpstreamConfig struct {
	// APIKey authenticates against the upstream API. Falls back to the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model selects the realtime model. Leave empty for the default.
	Model string `yaml:"model"`

	// Voice selects the synthesized speech voice. Leave empty for the default.
	Voice string `yaml:"voice"`

	// BaseURL overrides the upstream WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Instructions overrides the built-in system instructions.
	Instructions string `yaml:"instructions"`

	// ReconnectMaxAttempts caps consecutive reconnection attempts.
	// Zero selects the default.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
}

// DetectionConfig tunes the frame change detector.
type DetectionConfig struct {
	// Threshold is the mean absolute luma difference above which a frame is
	// considered changed. Zero selects the default (30.0).
	Threshold float64 `yaml:"threshold"`
}

// SessionConfig tunes the hub session behaviour.
type SessionConfig struct {
	// SubjectID identifies this deployment in stored decision records.
	SubjectID string `yaml:"subject_id"`

	// AudioOutputRole names the client role that receives synthesized
	// speech. Default: "secondary-audio".
	AudioOutputRole string `yaml:"audio_output_role"`

	// WatchdogTimeout bounds a single upstream speech turn. Zero selects
	// the default (30s).
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`

	// DedupCapacity bounds the recent decision call-id set. Zero selects
	// the default (100).
	DedupCapacity int `yaml:"dedup_capacity"`

	// DedupTTL expires call ids from the dedup set. Zero means no expiry.
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// ActuatorConfig configures the sorting chute bridge.
type ActuatorConfig struct {
	// BridgeURL is the HTTP endpoint of the servo bridge. When empty the
	// actuator runs in no-op mode and motions are only logged.
	BridgeURL string `yaml:"bridge_url"`

	// ResetDelay is how long the chute holds an accept/reject position
	// before returning to neutral. Zero selects the default (3s).
	ResetDelay time.Duration `yaml:"reset_delay"`
}

// SinkConfig configures decision record storage.
type SinkConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the decision
	// store. Falls back to the BINSENTRY_POSTGRES_DSN environment variable
	// when empty; when both are empty, records are kept in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MemoryCapacity bounds the in-memory record ring used when no
	// database is configured. Zero selects the default (256).
	MemoryCapacity int `yaml:"memory_capacity"`
}
