package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" && !strings.Contains(cfg.Server.ListenAddr, ":") {
		errs = append(errs, fmt.Errorf("server.listen_addr %q must be host:port", cfg.Server.ListenAddr))
	}

	// Stream
	if err := validateEndpoint(cfg.Stream.Endpoint); err != nil {
		errs = append(errs, err)
	}
	if cfg.Stream.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("stream.dial_timeout %s must not be negative", cfg.Stream.DialTimeout))
	}
	if cfg.Stream.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("stream.send_queue %d must be at least 1", cfg.Stream.SendQueue))
	}

	// Capture
	switch cfg.Capture.Backend {
	case BackendPortAudio, BackendNone:
	default:
		errs = append(errs, fmt.Errorf("capture.backend %q is invalid; valid values: %s, %s", cfg.Capture.Backend, BackendPortAudio, BackendNone))
	}
	if cfg.Capture.FramesPerBuffer < 1 {
		errs = append(errs, fmt.Errorf("capture.frames_per_buffer %d must be positive", cfg.Capture.FramesPerBuffer))
	}
	if cfg.Capture.Backend == BackendNone && cfg.Capture.PreferredDevice != "" && cfg.Capture.PreferredDevice != DefaultPreferredDevice {
		slog.Warn("capture.preferred_device has no effect with the none backend", "device", cfg.Capture.PreferredDevice)
	}

	return errors.Join(errs...)
}

// validateEndpoint requires an absolute ws or wss URL with a host.
func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return errors.New("stream.endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("stream.endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream.endpoint %q must use ws or wss", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("stream.endpoint %q has no host", endpoint)
	}
	return nil
}
