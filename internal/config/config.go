// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/onlinelab/internal/log"
	olerrors "github.com/tombee/onlinelab/pkg/errors"
)

// SettingsFileName is the name of the settings file inside the home directory.
const SettingsFileName = "settings.yaml"

// DefaultPort is the port the service listens on unless configured otherwise.
const DefaultPort = 9001

// Tracing exporters.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the runtime configuration of one service invocation.
type Config struct {
	// Home is the service home directory. It is never read from the settings file.
	Home string `yaml:"-"`

	// ConfigFile is the settings file this configuration was loaded from.
	ConfigFile string `yaml:"-"`

	// PIDFile is the path to the lock file.
	// Default: <home>/service.pid
	PIDFile string `yaml:"pid_file,omitempty"`

	Port int `yaml:"port"`

	// ServiceURL is the address announced to the core.
	// Default: http://localhost:<port>
	ServiceURL string `yaml:"service_url,omitempty"`

	// CoreURL is the core server to register with. Empty skips registration.
	CoreURL string `yaml:"core_url,omitempty"`

	Provider    string `yaml:"provider,omitempty"`
	Description string `yaml:"description,omitempty"`

	// Daemon runs the service in the background.
	Daemon bool `yaml:"daemon"`

	Log          LogConfig          `yaml:"log"`
	Engine       EngineConfig       `yaml:"engine"`
	HTTP         HTTPConfig         `yaml:"http"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Registration RegistrationConfig `yaml:"registration"`
}

// LogConfig configures service logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error, none.
	Level string `yaml:"level"`

	// Format is one of auto, json, text.
	Format string `yaml:"format"`

	// File receives rotated logs. Default: <home>/logs/service.log
	File string `yaml:"file,omitempty"`

	// MaxSize is the rotation threshold in megabytes.
	MaxSize int `yaml:"max_size"`

	// NumBackups is the number of rotated files kept.
	NumBackups int `yaml:"num_backups"`
}

// EngineConfig configures engine worker processes.
type EngineConfig struct {
	// Command is the argv used to start an engine. Empty disables engine init.
	Command []string `yaml:"command,omitempty"`

	// KillTimeout is how long workers get between SIGTERM and SIGKILL.
	KillTimeout time.Duration `yaml:"kill_timeout"`
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	// RateLimit is the sustained requests per second accepted. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the number of requests allowed above RateLimit.
	Burst int `yaml:"burst"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Exporter is one of none, stdout, otlp-http, otlp-grpc.
	Exporter string `yaml:"exporter"`

	// Endpoint is the collector address for the OTLP exporters.
	Endpoint string `yaml:"endpoint,omitempty"`

	// SampleRatio is the fraction of traces recorded. Default: 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// RegistrationConfig configures the announcement to the core.
type RegistrationConfig struct {
	// Timeout bounds the register call.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a Config with default values for the given home.
func Default(home string) *Config {
	return &Config{
		Home: home,
		Port: DefaultPort,
		Log: LogConfig{
			Level:      "info",
			Format:     string(log.FormatAuto),
			MaxSize:    10,
			NumBackups: 3,
		},
		Engine: EngineConfig{
			KillTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			RateLimit:       100,
			Burst:           200,
			ShutdownTimeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:    ExporterNone,
			SampleRatio: 1,
		},
		Registration: RegistrationConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration for home, reading configFile (or the settings
// file in home) if it exists and then applying ONLINELAB_* environment
// variables. An empty home falls back to ONLINELAB_HOME and then DefaultHome.
//
// A missing settings file is not an error; commands decide whether the home
// directory must already exist.
func Load(home, configFile string) (*Config, error) {
	cfg, err := Locate(home, configFile)
	if err != nil {
		return nil, err
	}
	configFile = cfg.ConfigFile

	if err := cfg.loadFromFile(configFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &olerrors.ConfigError{
			Key:    "config_file",
			Reason: fmt.Sprintf("failed to load from %s", configFile),
			Cause:  err,
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Locate resolves the home directory and settings file path without reading
// anything, returning defaults for that home.
func Locate(home, configFile string) (*Config, error) {
	if home == "" {
		home = os.Getenv("ONLINELAB_HOME")
	}
	if home == "" {
		var err error
		if home, err = DefaultHome(); err != nil {
			return nil, &olerrors.ConfigError{Key: "home", Reason: "cannot determine home directory", Cause: err}
		}
	}
	home, err := expandPath(home)
	if err != nil {
		return nil, &olerrors.ConfigError{Key: "home", Reason: "invalid home directory", Cause: err}
	}

	cfg := Default(home)

	if configFile == "" {
		configFile = filepath.Join(home, SettingsFileName)
	} else if configFile, err = expandPath(configFile); err != nil {
		return nil, &olerrors.ConfigError{Key: "config_file", Reason: "invalid path", Cause: err}
	}
	cfg.ConfigFile = configFile
	return cfg, nil
}

// loadFromFile merges a YAML settings file into c.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a partial settings file.
func (c *Config) applyDefaults() {
	defaults := Default(c.Home)

	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = defaults.Log.MaxSize
	}
	if c.Engine.KillTimeout == 0 {
		c.Engine.KillTimeout = defaults.Engine.KillTimeout
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = defaults.HTTP.ShutdownTimeout
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = defaults.Tracing.SampleRatio
	}
	if c.Registration.Timeout == 0 {
		c.Registration.Timeout = defaults.Registration.Timeout
	}
}

// loadFromEnv applies ONLINELAB_* environment overrides.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("ONLINELAB_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return &olerrors.ConfigError{Key: "ONLINELAB_PORT", Reason: fmt.Sprintf("not a number: %q", val)}
		}
		c.Port = port
	}
	if val := os.Getenv("ONLINELAB_PID_FILE"); val != "" {
		c.PIDFile = val
	}
	if val := os.Getenv("ONLINELAB_CORE_URL"); val != "" {
		c.CoreURL = val
	}
	if val := os.Getenv("ONLINELAB_SERVICE_URL"); val != "" {
		c.ServiceURL = val
	}
	if val := os.Getenv("ONLINELAB_PROVIDER"); val != "" {
		c.Provider = val
	}
	if val := os.Getenv("ONLINELAB_DESCRIPTION"); val != "" {
		c.Description = val
	}
	if val := os.Getenv("ONLINELAB_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("ONLINELAB_LOG_FILE"); val != "" {
		c.Log.File = val
	}
	if val := os.Getenv("ONLINELAB_ENGINE_COMMAND"); val != "" {
		c.Engine.Command = strings.Fields(val)
	}
	if val := os.Getenv("ONLINELAB_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" && c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = val
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.Home == "" {
		errs = append(errs, "home must be set")
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.CoreURL != "" {
		if err := validateHTTPURL(c.CoreURL); err != nil {
			errs = append(errs, fmt.Sprintf("core_url: %v", err))
		}
	}
	if c.ServiceURL != "" {
		if err := validateHTTPURL(c.ServiceURL); err != nil {
			errs = append(errs, fmt.Sprintf("service_url: %v", err))
		}
	}

	if err := log.ValidateLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	switch log.Format(c.Log.Format) {
	case log.FormatAuto, log.FormatJSON, log.FormatText:
	default:
		errs = append(errs, fmt.Sprintf("log.format must be one of [auto, json, text], got %q", c.Log.Format))
	}
	if c.Log.MaxSize < 0 || c.Log.NumBackups < 0 {
		errs = append(errs, "log.max_size and log.num_backups must be non-negative")
	}

	if c.Engine.KillTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("engine.kill_timeout must be positive, got %v", c.Engine.KillTimeout))
	}

	if c.HTTP.RateLimit < 0 {
		errs = append(errs, fmt.Sprintf("http.rate_limit must be non-negative, got %v", c.HTTP.RateLimit))
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.Burst < 1 {
		errs = append(errs, fmt.Sprintf("http.burst must be at least 1 when rate limiting, got %d", c.HTTP.Burst))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("http.shutdown_timeout must be positive, got %v", c.HTTP.ShutdownTimeout))
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLPHTTP, ExporterOTLPGRPC:
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [none, stdout, otlp-http, otlp-grpc], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio))
	}

	if c.Registration.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("registration.timeout must be positive, got %v", c.Registration.Timeout))
	}

	if len(errs) > 0 {
		return &olerrors.ConfigError{
			Key:    "validation",
			Reason: strings.Join(errs, "; "),
			Cause:  ErrInvalidConfig,
		}
	}
	return nil
}

// LogsDir returns <home>/logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Home, "logs")
}

// DataDir returns <home>/data.
func (c *Config) DataDir() string {
	return filepath.Join(c.Home, "data")
}

// LockPath returns the PID lock file path.
func (c *Config) LockPath() string {
	if c.PIDFile != "" {
		return c.PIDFile
	}
	return filepath.Join(c.Home, "service.pid")
}

// LogFile returns the rotated service log path.
func (c *Config) LogFile() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.LogsDir(), "service.log")
}

// DaemonOutput returns the file receiving a daemon's stdout and stderr.
func (c *Config) DaemonOutput() string {
	return filepath.Join(c.LogsDir(), "daemon.out")
}

// JournalPath returns the lifecycle journal path.
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "lifecycle.log")
}

// AdvertisedURL returns the URL announced to the core.
func (c *Config) AdvertisedURL() string {
	if c.ServiceURL != "" {
		return c.ServiceURL
	}
	return fmt.Sprintf("http://localhost:%d", c.Port)
}

// LoggerConfig translates the log settings into an internal/log Config.
// File logging is only enabled when withFile is set.
func (c *Config) LoggerConfig(withFile bool) *log.Config {
	lc := log.FromEnv()
	if d := os.Getenv("ONLINELAB_DEBUG"); d != "true" && d != "1" {
		lc.Level = c.Log.Level
	}
	if os.Getenv("LOG_FORMAT") == "" {
		lc.Format = log.Format(c.Log.Format)
	}
	if withFile {
		lc.File = c.LogFile()
		lc.MaxSizeMB = c.Log.MaxSize
		lc.MaxBackups = c.Log.NumBackups
	}
	return lc
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
