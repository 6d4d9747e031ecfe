package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Environment variable fallbacks for secrets that should not live in the
// config file.
const (
	EnvAuthToken   = "BINSENTRY_AUTH_TOKEN"
	EnvUpstreamKey = "OPENAI_API_KEY"
	EnvPostgresDSN = "BINSENTRY_POSTGRES_DSN"
)

// validAudioOutputRoles mirrors the roles the gateway accepts.
var validAudioOutputRoles = []string{"primary-capture", "secondary-audio"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// fallbacks, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills secret fields from the environment when the file left them
// empty.
func applyEnv(cfg *Config) {
	if cfg.Auth.Token == "" {
		cfg.Auth.Token = os.Getenv(EnvAuthToken)
	}
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = os.Getenv(EnvUpstreamKey)
	}
	if cfg.Sink.PostgresDSN == "" {
		cfg.Sink.PostgresDSN = os.Getenv(EnvPostgresDSN)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxPayloadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_payload_bytes %d must not be negative", cfg.Server.MaxPayloadBytes))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if cfg.Auth.Token == "" {
		errs = append(errs, fmt.Errorf("auth.token is required (or set %s)", EnvAuthToken))
	}
	if cfg.Upstream.APIKey == "" {
		errs = append(errs, fmt.Errorf("upstream.api_key is required (or set %s)", EnvUpstreamKey))
	}
	if cfg.Upstream.ReconnectMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("upstream.reconnect_max_attempts %d must not be negative", cfg.Upstream.ReconnectMaxAttempts))
	}

	if cfg.Detection.Threshold < 0 {
		errs = append(errs, fmt.Errorf("detection.threshold %.2f must not be negative", cfg.Detection.Threshold))
	}

	if cfg.Session.SubjectID == "" {
		errs = append(errs, errors.New("session.subject_id is required"))
	}
	if r := cfg.Session.AudioOutputRole; r != "" && !slices.Contains(validAudioOutputRoles, r) {
		errs = append(errs, fmt.Errorf("session.audio_output_role %q is invalid; valid values: %v", r, validAudioOutputRoles))
	}
	if cfg.Session.WatchdogTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.watchdog_timeout %s must not be negative", cfg.Session.WatchdogTimeout))
	}
	if cfg.Session.DedupCapacity < 0 {
		errs = append(errs, fmt.Errorf("session.dedup_capacity %d must not be negative", cfg.Session.DedupCapacity))
	}

	if cfg.Actuator.ResetDelay < 0 {
		errs = append(errs, fmt.Errorf("actuator.reset_delay %s must not be negative", cfg.Actuator.ResetDelay))
	}
	if cfg.Sink.MemoryCapacity < 0 {
		errs = append(errs, fmt.Errorf("sink.memory_capacity %d must not be negative", cfg.Sink.MemoryCapacity))
	}

	return errors.Join(errs...)
}
