package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/runbox/internal/logging"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	StaticDir string `mapstructure:"static_dir"`
}

type DockerConfig struct {
	Host  string `mapstructure:"host"`
	Shell string `mapstructure:"shell"`
}

type SandboxConfig struct {
	MemoryMB     int64    `mapstructure:"memory_mb"`
	CPUPercent   float64  `mapstructure:"cpu_percent"`
	MaxProcesses int64    `mapstructure:"max_processes"`
	Network      bool     `mapstructure:"network"`
	GVisor       bool     `mapstructure:"gvisor"`
	Images       []string `mapstructure:"images"`
}

type LimitsConfig struct {
	MaxSessions int           `mapstructure:"max_sessions"`
	MaxRunTime  time.Duration `mapstructure:"max_run_time"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type Config struct {
	Server        ServerConfig   `mapstructure:"server"`
	Docker        DockerConfig   `mapstructure:"docker"`
	Sandbox       SandboxConfig  `mapstructure:"sandbox"`
	Limits        LimitsConfig   `mapstructure:"limits"`
	LanguagesFile string         `mapstructure:"languages_file"`
	Storage       StorageConfig  `mapstructure:"storage"`
	Log           logging.Config `mapstructure:"log"`
}

// Load reads runbox.yaml from path, or from "." and $HOME/.runbox when path
// is empty. A missing file is not an error: defaults and RUNBOX_*
// environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runbox")
	}

	setDefaults(v)

	v.SetEnvPrefix("runbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Hosting platforms hand out the listen port as PORT.
	if err := v.BindEnv("server.port", "RUNBOX_SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Storage.DBPath = expandHome(cfg.Storage.DBPath)
	cfg.LanguagesFile = expandHome(cfg.LanguagesFile)
	cfg.Server.StaticDir = expandHome(cfg.Server.StaticDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := sandbox.DefaultPolicy()
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.static_dir", "")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.shell", sandbox.DefaultShell)
	v.SetDefault("sandbox.memory_mb", def.MemoryMB)
	v.SetDefault("sandbox.cpu_percent", def.CPUPercent)
	v.SetDefault("sandbox.max_processes", def.MaxProcesses)
	v.SetDefault("sandbox.network", def.Network)
	v.SetDefault("sandbox.gvisor", false)
	v.SetDefault("sandbox.images", []string{})
	v.SetDefault("limits.max_sessions", 0)
	v.SetDefault("limits.max_run_time", "0s")
	v.SetDefault("languages_file", "")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".runbox", "runbox.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Sandbox.CPUPercent < 0:
		return fmt.Errorf("sandbox.cpu_percent must not be negative")
	case c.Limits.MaxSessions < 0:
		return fmt.Errorf("limits.max_sessions must not be negative")
	case c.Limits.MaxRunTime < 0:
		return fmt.Errorf("limits.max_run_time must not be negative")
	}
	return nil
}

// Policy converts the sandbox section into a sandbox policy.
func (c *Config) Policy() sandbox.Policy {
	return sandbox.Policy{
		MemoryMB:     c.Sandbox.MemoryMB,
		CPUPercent:   c.Sandbox.CPUPercent,
		MaxProcesses: c.Sandbox.MaxProcesses,
		Network:      c.Sandbox.Network,
		GVisor:       c.Sandbox.GVisor,
		Images:       c.Sandbox.Images,
	}
}

// DockerRuntime returns the Docker runtime settings.
func (c *Config) DockerRuntime() sandbox.DockerConfig {
	return sandbox.DockerConfig{
		Host:   c.Docker.Host,
		Shell:  c.Docker.Shell,
		Policy: c.Policy(),
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
