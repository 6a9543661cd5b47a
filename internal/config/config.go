package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "HENGLINE_CONFIG"

const defaultConfigFile = "hengline.yaml"

// Config is the full runtime configuration, loaded once at startup.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	ConcurrencyCap    int `yaml:"concurrency_cap"`
	CheckIntervalSec  int `yaml:"check_interval_sec"`
	MaxExecutionCount int `yaml:"max_execution_count"`
	MaxRuntimeHours   int `yaml:"max_runtime_hours"`

	DataDir     string `yaml:"data_dir"`
	OutputDir   string `yaml:"output_dir"`
	WorkflowDir string `yaml:"workflow_dir"`
	MetricsDB   string `yaml:"metrics_db"`

	Backend BackendConfig `yaml:"backend"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// BackendConfig points at the generation backend and selects how a dead one
// gets launched: a local subprocess, a Docker container, or not at all.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`

	// LocalSpawn is the path of a launch script or binary; when set, a dead
	// backend is started as a child process.
	LocalSpawn string   `yaml:"local_spawn"`
	SpawnArgs  []string `yaml:"spawn_args"`

	// ContainerImage selects the Docker launcher instead. Ignored when
	// LocalSpawn is set.
	ContainerImage string `yaml:"container_image"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
}

type NotifyConfig struct {
	ToEmail string `yaml:"to_email"`
	ToName  string `yaml:"to_name"`
}

// Default returns the built-in configuration rooted at dir.
func Default(dir string) Config {
	return Config{
		ListenAddr:        "127.0.0.1:8360",
		ConcurrencyCap:    2,
		CheckIntervalSec:  30,
		MaxExecutionCount: 3,
		MaxRuntimeHours:   2,
		DataDir:           filepath.Join(dir, "data"),
		OutputDir:         filepath.Join(dir, "outputs"),
		WorkflowDir:       filepath.Join(dir, "workflows"),
		MetricsDB:         filepath.Join(dir, "data", "metrics.duckdb"),
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8188",
		},
		SMTP: SMTPConfig{Port: 587},
	}
}

// Load reads the YAML config file and overlays it on the defaults. The path
// comes from HENGLINE_CONFIG or falls back to hengline.yaml in the working
// directory; a missing file yields pure defaults.
func Load() (Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("resolve working directory: %w", err)
	}
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = filepath.Join(wd, defaultConfigFile)
	}
	return LoadFile(path, wd)
}

// LoadFile reads one YAML file over the defaults rooted at dir.
func LoadFile(path, dir string) (Config, error) {
	cfg := Default(dir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ConcurrencyCap < 1 {
		return fmt.Errorf("concurrency_cap must be at least 1, got %d", c.ConcurrencyCap)
	}
	if c.CheckIntervalSec < 1 {
		return fmt.Errorf("check_interval_sec must be at least 1, got %d", c.CheckIntervalSec)
	}
	if c.MaxExecutionCount < 1 {
		return fmt.Errorf("max_execution_count must be at least 1, got %d", c.MaxExecutionCount)
	}
	if c.MaxRuntimeHours < 1 {
		return fmt.Errorf("max_runtime_hours must be at least 1, got %d", c.MaxRuntimeHours)
	}
	return nil
}

// CheckInterval is CheckIntervalSec as a duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// MaxRuntime is MaxRuntimeHours as a duration.
func (c *Config) MaxRuntime() time.Duration {
	return time.Duration(c.MaxRuntimeHours) * time.Hour
}

// EnsureDirs creates the writable directories the services expect.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
