// Package config loads the controller configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ServerConfig points the controller at the coordination server.
type ServerConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
	// APIKeyEnv names an environment variable holding the API key; it takes
	// precedence over APIKey so secrets can stay out of the file.
	APIKeyEnv           string `toml:"api_key_env"`
	RequestTimeout      string `toml:"request_timeout"`
	HeartbeatInterval   string `toml:"heartbeat_interval"`
	MaxRegisterAttempts int    `toml:"max_register_attempts"`
	MissedThreshold     int    `toml:"missed_heartbeat_threshold"`
}

// SupervisorConfig bounds instance restarts and concurrency.
type SupervisorConfig struct {
	MaxRestarts        int    `toml:"max_restarts"`
	CrashLoopThreshold int    `toml:"crash_loop_threshold"`
	CrashLoopWindow    string `toml:"crash_loop_window"`
	MaxConcurrent      int64  `toml:"max_concurrent"`
	StopTimeout        string `toml:"stop_timeout"`
}

// SSHConfig targets a remote Docker engine over SSH.
type SSHConfig struct {
	Host                        string `toml:"host"`
	Port                        string `toml:"port"`
	User                        string `toml:"user"`
	KeyPath                     string `toml:"key_path"`
	KnownHostsPath              string `toml:"known_hosts_path"`
	InsecureSkipHostKeyChecking bool   `toml:"insecure_skip_host_key_checking"`
	Timeout                     string `toml:"timeout"`
}

// DockerConfig selects where builds and containers run.
type DockerConfig struct {
	// Mode is "local" (default) or "ssh".
	Mode string    `toml:"mode"`
	SSH  SSHConfig `toml:"ssh"`
}

// ControllerConfig is the root configuration shape.
type ControllerConfig struct {
	Name          string           `toml:"name"`
	RegistryPath  string           `toml:"registry"`
	WorkspaceRoot string           `toml:"workspace_root"`
	EnvFiles      []string         `toml:"env_files"`
	JournalPath   string           `toml:"journal"`
	AdminAddr     string           `toml:"admin_addr"`
	CorsOrigins   []string         `toml:"cors_origins"`
	Server        ServerConfig     `toml:"server"`
	Supervisor    SupervisorConfig `toml:"supervisor"`
	Docker        DockerConfig     `toml:"docker"`
}

// Load reads, defaults, and validates a controller config file.
func Load(path string) (ControllerConfig, error) {
	var cfg ControllerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return ControllerConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ControllerConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return ControllerConfig{}, err
	}
	return cfg, nil
}

// Default returns a usable configuration without a file.
func Default() ControllerConfig {
	var cfg ControllerConfig
	cfg.applyDefaults()
	return cfg
}

func (c *ControllerConfig) applyDefaults() {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "coralctl"
	}
	if strings.TrimSpace(c.RegistryPath) == "" {
		c.RegistryPath = "agents.toml"
	}
	if strings.TrimSpace(c.JournalPath) == "" {
		c.JournalPath = "coralctl.db"
	}
	if strings.TrimSpace(c.AdminAddr) == "" {
		c.AdminAddr = ":9300"
	}
	if strings.TrimSpace(c.Docker.Mode) == "" {
		c.Docker.Mode = "local"
	}
}

// Validate rejects configurations the controller cannot run with.
func Validate(cfg ControllerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("config missing name")
	}
	if strings.TrimSpace(cfg.RegistryPath) == "" {
		return fmt.Errorf("config missing registry path")
	}
	switch strings.TrimSpace(cfg.Docker.Mode) {
	case "local":
	case "ssh":
		if strings.TrimSpace(cfg.Docker.SSH.Host) == "" {
			return fmt.Errorf("docker.ssh.host required when docker.mode is ssh")
		}
		if strings.TrimSpace(cfg.Docker.SSH.User) == "" {
			return fmt.Errorf("docker.ssh.user required when docker.mode is ssh")
		}
	default:
		return fmt.Errorf("docker.mode must be local or ssh, got %q", cfg.Docker.Mode)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"server.heartbeat_interval", cfg.Server.HeartbeatInterval},
		{"supervisor.crash_loop_window", cfg.Supervisor.CrashLoopWindow},
		{"supervisor.stop_timeout", cfg.Supervisor.StopTimeout},
		{"docker.ssh.timeout", cfg.Docker.SSH.Timeout},
	} {
		if _, err := ParseDuration(field.value, 0); err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
	}
	return nil
}

// APIKey resolves the coordination-server API key, preferring the named
// environment variable over the inline value.
func (c ServerConfig) ResolveAPIKey() string {
	if env := strings.TrimSpace(c.APIKeyEnv); env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return c.APIKey
}

// ParseDuration parses an optional duration string, returning fallback when
// the value is empty.
func ParseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return d, nil
}
