// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "BUREAU_WARDEN_CONFIG"

// Config is the bureau-warden agent configuration.
type Config struct {
	// InstanceID distinguishes agents sharing a run directory. Same
	// character rules as worker ids.
	InstanceID string `yaml:"instance_id"`

	// RunDir is the root for channel sockets. Each instance gets
	// RunDir/InstanceID.
	RunDir string `yaml:"run_dir"`

	// AdminPrincipal is granted access to every channel and to the
	// admin socket. Default: root
	AdminPrincipal string `yaml:"admin_principal"`

	// AdminSocket is where bureau-warden-ctl reaches the agent.
	// Default: ${RUN_DIR}/admin.sock
	AdminSocket string `yaml:"admin_socket"`

	// Retry paces listener rebinds after failures.
	Retry RetryConfig `yaml:"retry"`

	// Heartbeat configures agent-side liveness checking.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// WriteTimeout bounds a single frame write to a worker.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// OutputHistoryBytes is the per-worker output retained for the
	// admin "output" action. 0 disables history.
	OutputHistoryBytes int `yaml:"output_history_bytes"`

	// WorkersFile is an optional JSONC manifest of workers to register
	// at startup.
	WorkersFile string `yaml:"workers_file"`

	// LogLevel is one of debug, info, warn, error. Default: info
	LogLevel string `yaml:"log_level"`
}

// RetryConfig holds listener retry backoffs.
type RetryConfig struct {
	// IOError is the wait after a socket-level failure. Default: 1s
	IOError time.Duration `yaml:"io_error"`

	// UnexpectedError is the wait after any other failure. Default: 5s
	UnexpectedError time.Duration `yaml:"unexpected_error"`
}

// HeartbeatConfig configures the agent's heartbeat loop.
type HeartbeatConfig struct {
	// Interval between heartbeats to each connected worker. 0 disables
	// heartbeats and liveness checking. Default: 10s
	Interval time.Duration `yaml:"interval"`

	// LivenessTimeout drops a worker that has sent nothing for this
	// long. 0 disables the check. Default: 30s
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
}

// Default returns the configuration a file is overlaid on.
func Default() *Config {
	return &Config{
		InstanceID:     "default",
		RunDir:         "/run/bureau-warden",
		AdminPrincipal: "root",
		AdminSocket:    "${RUN_DIR}/admin.sock",
		Retry: RetryConfig{
			IOError:         time.Second,
			UnexpectedError: 5 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:        10 * time.Second,
			LivenessTimeout: 30 * time.Second,
		},
		WriteTimeout:       10 * time.Second,
		OutputHistoryBytes: 64 * 1024,
		LogLevel:           "info",
	}
}

// Load loads the file named by BUREAU_WARDEN_CONFIG. There is no
// fallback: if the variable is unset, Load fails.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your warden.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile overlays the YAML file at path on Default and expands
// ${VAR} references in path fields. Unknown keys are an error, so a
// typo does not silently leave a default in place.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.expandVariables(filepath.Dir(path))
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// ${RUN_DIR} refers to the configured run directory. A relative
// workers_file is resolved against the config file's directory.
func (c *Config) expandVariables(configDir string) {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.RunDir = expandVars(c.RunDir, vars)
	vars["RUN_DIR"] = c.RunDir

	c.AdminSocket = expandVars(c.AdminSocket, vars)
	c.WorkersFile = expandVars(c.WorkersFile, vars)
	if c.WorkersFile != "" && !filepath.IsAbs(c.WorkersFile) {
		c.WorkersFile = filepath.Join(configDir, c.WorkersFile)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Provided vars first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if !validID.MatchString(c.InstanceID) {
		errs = append(errs, fmt.Errorf("instance_id %q must be 1-64 characters of [A-Za-z0-9_-]", c.InstanceID))
	}
	if c.RunDir == "" {
		errs = append(errs, errors.New("run_dir is required"))
	} else if !filepath.IsAbs(c.RunDir) {
		errs = append(errs, fmt.Errorf("run_dir %q must be absolute", c.RunDir))
	}
	if c.AdminPrincipal == "" {
		errs = append(errs, errors.New("admin_principal is required"))
	}
	if c.AdminSocket == "" {
		errs = append(errs, errors.New("admin_socket is required"))
	}
	if c.Retry.IOError <= 0 {
		errs = append(errs, errors.New("retry.io_error must be positive"))
	}
	if c.Retry.UnexpectedError <= 0 {
		errs = append(errs, errors.New("retry.unexpected_error must be positive"))
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.LivenessTimeout < 0 {
		errs = append(errs, errors.New("heartbeat durations must not be negative"))
	}
	if c.Heartbeat.Interval > 0 && c.Heartbeat.LivenessTimeout > 0 && c.Heartbeat.LivenessTimeout <= c.Heartbeat.Interval {
		errs = append(errs, fmt.Errorf("heartbeat.liveness_timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.LivenessTimeout, c.Heartbeat.Interval))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, errors.New("write_timeout must not be negative"))
	}
	if c.OutputHistoryBytes < 0 {
		errs = append(errs, errors.New("output_history_bytes must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Level returns LogLevel as a slog level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	return level, nil
}
