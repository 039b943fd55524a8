package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable for the streaming service. Secrets come
// from the environment; env vars always win over the file.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		WSURL           string `yaml:"ws_url"`
		Token           string `yaml:"token"`
		ClientCode      string `yaml:"client_code"`
		ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
		PingIntervalSec int    `yaml:"ping_interval_sec"`
	} `yaml:"feed"`

	Instruments struct {
		MasterURL          string `yaml:"master_url"`
		CachePath          string `yaml:"cache_path"`
		RefreshIntervalMin int    `yaml:"refresh_interval_min"`
	} `yaml:"instruments"`

	Chain struct {
		CoverageStrikes  int `yaml:"coverage_strikes"`
		WarmupTimeoutSec int `yaml:"warmup_timeout_sec"`
	} `yaml:"chain"`

	Analytics struct {
		SampleIntervalMS int `yaml:"sample_interval_ms"`
	} `yaml:"analytics"`

	Broadcast struct {
		ListenAddr    string  `yaml:"listen_addr"`
		QueueSize     int     `yaml:"queue_size"`
		PushPerSecond float64 `yaml:"push_per_second"`
		PushBurst     int     `yaml:"push_burst"`
	} `yaml:"broadcast"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads and parses a config file, applies env overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
		return fmt.Errorf("invalid feed WS URL: %s", c.Feed.WSURL)
	}
	if c.Instruments.MasterURL == "" {
		return fmt.Errorf("instrument master URL is required")
	}
	if c.Broadcast.ListenAddr == "" {
		return fmt.Errorf("broadcast listen address is required")
	}
	if c.Chain.CoverageStrikes < 0 {
		return fmt.Errorf("coverage strikes must be non-negative")
	}
	if c.Analytics.SampleIntervalMS < 0 {
		return fmt.Errorf("sample interval must be non-negative")
	}
	return nil
}

// ReadTimeout is the feed socket read deadline, defaulted when unset.
func (c *Config) ReadTimeout() time.Duration {
	if c.Feed.ReadTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Feed.ReadTimeoutSec) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	if c.Feed.PingIntervalSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Feed.PingIntervalSec) * time.Second
}

func (c *Config) WarmupTimeout() time.Duration {
	if c.Chain.WarmupTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Chain.WarmupTimeoutSec) * time.Second
}

func (c *Config) SampleInterval() time.Duration {
	if c.Analytics.SampleIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Analytics.SampleIntervalMS) * time.Millisecond
}

func (c *Config) RefreshInterval() time.Duration {
	if c.Instruments.RefreshIntervalMin <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.Instruments.RefreshIntervalMin) * time.Minute
}

// overrideWithEnv applies environment overrides. Env vars beat the
// file so secrets never need to live on disk.
func overrideWithEnv(cfg *Config) {
	if cfg.Feed.Token != "" {
		fmt.Println("WARNING: feed token found in config file; prefer STRIKEIQ_FEED_TOKEN")
	}

	if v := os.Getenv("STRIKEIQ_FEED_TOKEN"); v != "" {
		cfg.Feed.Token = v
	}
	if v := os.Getenv("STRIKEIQ_FEED_CLIENT_CODE"); v != "" {
		cfg.Feed.ClientCode = v
	}
	if v := os.Getenv("STRIKEIQ_FEED_WS_URL"); v != "" {
		cfg.Feed.WSURL = v
	}
	if v := os.Getenv("STRIKEIQ_MASTER_URL"); v != "" {
		cfg.Instruments.MasterURL = v
	}
	if v := os.Getenv("STRIKEIQ_LISTEN_ADDR"); v != "" {
		cfg.Broadcast.ListenAddr = v
	}
	if v := os.Getenv("STRIKEIQ_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
