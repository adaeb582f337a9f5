package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig tunes one category: its synchronous pool, its job lane,
// and the shared default timeout.
type PoolConfig struct {
	Workers     int `yaml:"workers"`
	Capacity    int `yaml:"capacity"`
	JobWorkers  int `yaml:"job_workers"`
	JobCapacity int `yaml:"job_capacity"`
	TimeoutMs   int `yaml:"timeout_ms"`
	GraceMs     int `yaml:"grace_ms"`
}

func (p PoolConfig) Timeout() time.Duration { return time.Duration(p.TimeoutMs) * time.Millisecond }

// Grace defaults to min(2x timeout, timeout+5s) when unset.
func (p PoolConfig) Grace() time.Duration {
	if p.GraceMs > 0 {
		return time.Duration(p.GraceMs) * time.Millisecond
	}
	t := p.Timeout()
	g := 2 * t
	if ceiling := t + 5*time.Second; g > ceiling {
		g = ceiling
	}
	return g
}

// Config is the complete server configuration, loaded from YAML with
// flag overrides applied on top.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
		DataDir string `yaml:"data_dir"`
	} `yaml:"server"`

	Pools struct {
		Basic PoolConfig `yaml:"basic"`
		CPU   PoolConfig `yaml:"cpu"`
		IO    PoolConfig `yaml:"io"`
	} `yaml:"pools"`

	Jobs struct {
		StorePath        string `yaml:"store_path"`
		AgingEnabled     bool   `yaml:"aging_enabled"`
		AgingThresholdMs int    `yaml:"aging_threshold_ms"`
		CleanupAgeSecs   int    `yaml:"cleanup_age_secs"`
	} `yaml:"jobs"`

	Backpressure struct {
		RetryAfterSecs int `yaml:"retry_after_secs"`
	} `yaml:"backpressure"`
}

// DefaultConfig mirrors the shipped configs/default.yaml.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8080
	cfg.Server.DataDir = "./data"

	cfg.Pools.Basic = PoolConfig{Workers: 2, Capacity: 500, JobWorkers: 2, JobCapacity: 500, TimeoutMs: 30_000}
	cfg.Pools.CPU = PoolConfig{Workers: 4, Capacity: 1000, JobWorkers: 4, JobCapacity: 1000, TimeoutMs: 60_000}
	cfg.Pools.IO = PoolConfig{Workers: 4, Capacity: 1000, JobWorkers: 4, JobCapacity: 1000, TimeoutMs: 120_000}

	cfg.Jobs.StorePath = "./data/jobs.json"
	cfg.Jobs.AgingEnabled = true
	cfg.Jobs.AgingThresholdMs = 30_000
	cfg.Jobs.CleanupAgeSecs = 3600

	cfg.Backpressure.RetryAfterSecs = 5
	return cfg
}

// LoadConfig reads a YAML file over the defaults. A missing file at the
// default path is fine; an explicit path must exist.
func LoadConfig(path string, mustExist bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	for name, p := range map[string]PoolConfig{
		"basic": c.Pools.Basic,
		"cpu":   c.Pools.CPU,
		"io":    c.Pools.IO,
	} {
		if p.Workers < 1 {
			return fmt.Errorf("%s pool: workers must be >= 1", name)
		}
		if p.Capacity < 1 {
			return fmt.Errorf("%s pool: capacity must be >= 1", name)
		}
		if p.JobWorkers < 1 {
			return fmt.Errorf("%s pool: job_workers must be >= 1", name)
		}
		if p.JobCapacity < 1 {
			return fmt.Errorf("%s pool: job_capacity must be >= 1", name)
		}
		if p.TimeoutMs < 1 {
			return fmt.Errorf("%s pool: timeout_ms must be >= 1", name)
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535")
	}
	if c.Backpressure.RetryAfterSecs < 1 {
		return fmt.Errorf("retry_after_secs must be >= 1")
	}
	return nil
}

// Address returns the host:port bind address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
