package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/broker/pkg/engine"
	"github.com/cuemby/broker/pkg/filter"
	"github.com/cuemby/broker/pkg/log"
	"github.com/cuemby/broker/pkg/muxer"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation error
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the broker configuration file
type Config struct {
	// Name identifies this broker; the engine cache file is named after it
	Name string `yaml:"name"`
	// CacheDir holds the engine cache file and the muxer queue files
	CacheDir string `yaml:"cache_dir"`
	// EventQueueMaxSize is the in-memory cap of every muxer before spilling
	EventQueueMaxSize int `yaml:"event_queue_max_size"`
	// StopTimeout bounds the drain performed when multiplexing stops
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// CacheCommitInterval is the number of cached events per transaction
	CacheCommitInterval int `yaml:"cache_commit_interval"`
	// MetricsAddr is the listen address of the metrics and health endpoints;
	// empty disables them
	MetricsAddr string `yaml:"metrics_addr"`
	// StatsInterval is how often muxer statistics are exported
	StatsInterval time.Duration `yaml:"stats_interval"`

	Log    LogConfig     `yaml:"log"`
	Muxers []MuxerConfig `yaml:"muxers"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MuxerConfig declares one muxer and the log sink it feeds
type MuxerConfig struct {
	Name         string `yaml:"name"`
	ReadFilters  string `yaml:"read_filters"`
	WriteFilters string `yaml:"write_filters"`
	Persistent   bool   `yaml:"persistent"`
	// BatchSize is the number of events the sink acknowledges at once
	BatchSize int `yaml:"batch_size"`
}

// Filters parses the muxer's filter strings. An omitted filter allows
// every event.
func (m MuxerConfig) Filters() (read, write *filter.Filter, err error) {
	read, write = filter.All(), filter.All()
	if m.ReadFilters != "" {
		if read, err = filter.Parse(m.ReadFilters); err != nil {
			return nil, nil, fmt.Errorf("read_filters: %w", err)
		}
	}
	if m.WriteFilters != "" {
		if write, err = filter.Parse(m.WriteFilters); err != nil {
			return nil, nil, fmt.Errorf("write_filters: %w", err)
		}
	}
	return read, write, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Name:                "broker",
		CacheDir:            "/var/lib/broker",
		EventQueueMaxSize:   engine.DefaultEventQueueMaxSize,
		StopTimeout:         engine.DefaultStopTimeout,
		CacheCommitInterval: engine.DefaultCacheCommitInterval,
		MetricsAddr:         ":9090",
		StatsInterval:       15 * time.Second,
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
	}
}

// Load reads a YAML configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem found
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	if c.Name == "" {
		invalid("name is required")
	}
	if c.CacheDir == "" {
		invalid("cache_dir is required")
	}
	if c.EventQueueMaxSize < 0 {
		invalid("event_queue_max_size must not be negative, got %d", c.EventQueueMaxSize)
	}
	if c.StopTimeout < 0 {
		invalid("stop_timeout must not be negative, got %s", c.StopTimeout)
	}
	if c.CacheCommitInterval < 0 {
		invalid("cache_commit_interval must not be negative, got %d", c.CacheCommitInterval)
	}
	if !log.Level(c.Log.Level).Valid() {
		invalid("unknown log level %q", c.Log.Level)
	}

	seen := make(map[string]bool)
	for i, m := range c.Muxers {
		if m.Name == "" {
			invalid("muxers[%d]: name is required", i)
		} else if seen[m.Name] {
			invalid("muxers[%d]: duplicate name %q", i, m.Name)
		}
		seen[m.Name] = true

		if _, _, err := m.Filters(); err != nil {
			invalid("muxers[%d]: %v", i, err)
		}
		if m.BatchSize < 0 {
			invalid("muxers[%d]: batch_size must not be negative, got %d", i, m.BatchSize)
		}
	}

	return errors.Join(errs...)
}

// EngineConfig returns the engine settings
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		CacheDir:            c.CacheDir,
		Name:                c.Name,
		EventQueueMaxSize:   c.EventQueueMaxSize,
		StopTimeout:         c.StopTimeout,
		CacheCommitInterval: c.CacheCommitInterval,
	}
}

// RegistryConfig returns the muxer registry settings
func (c *Config) RegistryConfig() muxer.RegistryConfig {
	return muxer.RegistryConfig{Dir: c.CacheDir}
}

// LoggerConfig returns the logger settings
func (c *Config) LoggerConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
