package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies the PARLEY_*
// environment overlay, and validates the result. A missing file is not an
// error: the defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := decodeInto(cfg, f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Environment-only configuration.
	default:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates it. Useful in tests where configs are string literals. The
// environment overlay is not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays PARLEY_* environment variables onto cfg. Unset
// variables leave the corresponding field untouched; malformed numeric
// values are ignored.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "PARLEY_LISTEN_ADDR")
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString(&cfg.Services.TranscribeURL, "PARLEY_TRANSCRIBE_URL")
	setString(&cfg.Services.ReasonURL, "PARLEY_REASON_URL")
	setString(&cfg.Services.SynthesizeURL, "PARLEY_SYNTHESIZE_URL")
	setString(&cfg.Store.PostgresDSN, "PARLEY_POSTGRES_DSN")

	setFloat(&cfg.VAD.Threshold, "PARLEY_VAD_THRESHOLD")
	setInt(&cfg.VAD.SilenceWindowMs, "PARLEY_VAD_SILENCE_WINDOW_MS")

	setInt(&cfg.Sessions.IdleTimeoutMs, "PARLEY_SESSION_IDLE_TIMEOUT_MS")
	setInt(&cfg.Sessions.CleanupIntervalMs, "PARLEY_CLEANUP_INTERVAL_MS")
	setInt(&cfg.Sessions.ReconnectGraceMs, "PARLEY_RECONNECT_GRACE_MS")
	setInt(&cfg.Sessions.MaxBufferBytes, "PARLEY_MAX_BUFFER_BYTES")
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.4f is out of range (0, 1)", cfg.VAD.Threshold))
	}
	if cfg.VAD.SilenceWindowMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_window_ms %d must be positive", cfg.VAD.SilenceWindowMs))
	}

	if cfg.Sessions.IdleTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_timeout_ms %d must be positive", cfg.Sessions.IdleTimeoutMs))
	}
	if cfg.Sessions.CleanupIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("sessions.cleanup_interval_ms %d must be positive", cfg.Sessions.CleanupIntervalMs))
	}
	if cfg.Sessions.ReconnectGraceMs < 0 {
		errs = append(errs, fmt.Errorf("sessions.reconnect_grace_ms %d must not be negative", cfg.Sessions.ReconnectGraceMs))
	}
	if cfg.Sessions.MaxBufferBytes < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_buffer_bytes %d must not be negative", cfg.Sessions.MaxBufferBytes))
	}

	return errors.Join(errs...)
}

// ---- env helpers ------------------------------------------------------------

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
