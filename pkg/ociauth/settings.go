package ociauth

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the deployment configuration for the credential core.
type Settings struct {
	// ConfigPath is the credential file location.
	ConfigPath string `yaml:"config_path"`

	// RESTEnabled toggles the signed-REST path. When false every call
	// goes straight to the CLI.
	RESTEnabled bool `yaml:"rest_enabled"`

	// CLIPath is the external tool binary.
	CLIPath string `yaml:"cli_path"`

	// CLITimeout bounds one CLI invocation.
	CLITimeout time.Duration `yaml:"cli_timeout"`

	// HTTPTimeout bounds one signed REST call.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// ProbeTimeout bounds the instance metadata probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// LogLevel is the slog level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// UnmarshalYAML decodes settings, accepting "30s" style duration values.
// Fields absent from the document keep whatever the struct already holds,
// so decoding over the defaults acts as an overlay.
func (s *Settings) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		ConfigPath   *string `yaml:"config_path"`
		RESTEnabled  *bool   `yaml:"rest_enabled"`
		CLIPath      *string `yaml:"cli_path"`
		CLITimeout   *string `yaml:"cli_timeout"`
		HTTPTimeout  *string `yaml:"http_timeout"`
		ProbeTimeout *string `yaml:"probe_timeout"`
		LogLevel     *string `yaml:"log_level"`
	}
	var in raw
	if err := node.Decode(&in); err != nil {
		return err
	}

	if in.ConfigPath != nil {
		s.ConfigPath = *in.ConfigPath
	}
	if in.RESTEnabled != nil {
		s.RESTEnabled = *in.RESTEnabled
	}
	if in.CLIPath != nil {
		s.CLIPath = *in.CLIPath
	}
	if in.LogLevel != nil {
		s.LogLevel = *in.LogLevel
	}
	for _, f := range []struct {
		value *string
		dst   *time.Duration
		name  string
	}{
		{in.CLITimeout, &s.CLITimeout, "cli_timeout"},
		{in.HTTPTimeout, &s.HTTPTimeout, "http_timeout"},
		{in.ProbeTimeout, &s.ProbeTimeout, "probe_timeout"},
	} {
		if f.value == nil {
			continue
		}
		d, err := time.ParseDuration(*f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultSettings returns sensible defaults, with environment overrides.
func DefaultSettings() *Settings {
	s := &Settings{
		ConfigPath:   DefaultConfigPath(),
		RESTEnabled:  true,
		CLIPath:      defaultCLIBinary,
		CLITimeout:   DefaultCLITimeout,
		HTTPTimeout:  DefaultHTTPTimeout,
		ProbeTimeout: DefaultProbeTimeout,
		LogLevel:     "info",
	}
	s.applyEnv()
	return s
}

// applyEnv overrides settings from OCI_AUTH_* environment variables.
func (s *Settings) applyEnv() {
	if v := os.Getenv("OCI_AUTH_CONFIG_PATH"); v != "" {
		s.ConfigPath = v
	}
	if v := os.Getenv("OCI_AUTH_CLI_PATH"); v != "" {
		s.CLIPath = v
	}
	if v := os.Getenv("OCI_AUTH_REST_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			s.RESTEnabled = enabled
		}
	}
	if v := os.Getenv("OCI_AUTH_CLI_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.CLITimeout = d
		}
	}
	if v := os.Getenv("OCI_AUTH_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
}

// DefaultSettingsPath returns the conventional settings file location.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".oci-auth", "config.yaml")
}

// LoadSettings reads a YAML settings file over the defaults. A missing
// file yields the defaults and no error; environment overrides apply
// last either way.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{
		ConfigPath:   DefaultConfigPath(),
		RESTEnabled:  true,
		CLIPath:      defaultCLIBinary,
		CLITimeout:   DefaultCLITimeout,
		HTTPTimeout:  DefaultHTTPTimeout,
		ProbeTimeout: DefaultProbeTimeout,
		LogLevel:     "info",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.applyEnv()
			return s, nil
		}
		return nil, ErrConfigUnreadable("cannot read settings file").
			WithCause(err).WithDetail("path", path)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, ErrConfigUnreadable("invalid settings file").
			WithCause(err).WithDetail("path", path)
	}

	s.applyEnv()
	return s, nil
}
