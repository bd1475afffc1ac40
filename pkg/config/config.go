// Package config loads tracebuf settings from a file, TRACEBUF_* environment
// variables and flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jayanthvn/pure-tracebuf/pkg/clock"
	"github.com/jayanthvn/pure-tracebuf/pkg/cpuinfo"
	"github.com/jayanthvn/pure-tracebuf/pkg/pagealloc"
	"github.com/jayanthvn/pure-tracebuf/pkg/tracebuf"
	"github.com/spf13/viper"
)

const EnvPrefix = "TRACEBUF"

const (
	AllocatorHeap = "heap"
	AllocatorMmap = "mmap"

	ClockMonotonic = "monotonic"
	ClockTicker    = "ticker"
)

// Config is the effective configuration. The mapstructure tags double as the
// keys accepted in config files and, upper-cased with dots turned into
// underscores, as environment variables.
type Config struct {
	Buffer  BufferConfig  `mapstructure:"buffer" json:"buffer"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
	Log     LogConfig     `mapstructure:"log" json:"log"`
}

// BufferConfig sizes the ring buffer. Size is per CPU in bytes. CPUs is a
// kernel style cpu list such as "0-3,8"; empty means every possible cpu.
// HeapLimit caps live heap allocator pages, 0 for no limit.
type BufferConfig struct {
	Size      int    `mapstructure:"size" json:"size"`
	Overwrite bool   `mapstructure:"overwrite" json:"overwrite"`
	CPUs      string `mapstructure:"cpus" json:"cpus"`
	Allocator string `mapstructure:"allocator" json:"allocator"`
	HeapLimit int64  `mapstructure:"heap_limit" json:"heap_limit"`
	Clock     string `mapstructure:"clock" json:"clock"`
}

type MetricsConfig struct {
	Addr      string `mapstructure:"addr" json:"addr"`
	Namespace string `mapstructure:"namespace" json:"namespace"`
}

type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
}

// SetDefaults registers every key on v so that environment overrides work
// without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("buffer.size", tracebuf.DefaultSize)
	v.SetDefault("buffer.overwrite", true)
	v.SetDefault("buffer.cpus", "")
	v.SetDefault("buffer.allocator", AllocatorHeap)
	v.SetDefault("buffer.heap_limit", 0)
	v.SetDefault("buffer.clock", ClockMonotonic)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.namespace", "tracebuf")
	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if set, on top of the defaults and environment.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Buffer.Size <= 0 {
		errs = append(errs, fmt.Errorf("buffer.size must be positive, got %d", c.Buffer.Size))
	}
	switch c.Buffer.Allocator {
	case AllocatorHeap, AllocatorMmap:
	default:
		errs = append(errs, fmt.Errorf("unknown buffer.allocator %q", c.Buffer.Allocator))
	}
	switch c.Buffer.Clock {
	case ClockMonotonic, ClockTicker:
	default:
		errs = append(errs, fmt.Errorf("unknown buffer.clock %q", c.Buffer.Clock))
	}
	if c.Buffer.HeapLimit < 0 {
		errs = append(errs, fmt.Errorf("buffer.heap_limit must not be negative"))
	}
	if _, err := c.cpus(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) cpus() ([]int, error) {
	if strings.TrimSpace(c.Buffer.CPUs) == "" {
		return nil, nil
	}
	cpus, err := cpuinfo.ParseList(c.Buffer.CPUs)
	if err != nil {
		return nil, fmt.Errorf("buffer.cpus: %w", err)
	}
	return cpus, nil
}

// RingBuffer converts the buffer section into a tracebuf.Config. Hooks and
// Waker are left for the caller.
func (c *Config) RingBuffer() (tracebuf.Config, error) {
	cpus, err := c.cpus()
	if err != nil {
		return tracebuf.Config{}, err
	}
	cfg := tracebuf.Config{
		Size:      c.Buffer.Size,
		Overwrite: c.Buffer.Overwrite,
		CPUs:      cpus,
	}
	switch c.Buffer.Allocator {
	case AllocatorMmap:
		cfg.Allocator = pagealloc.NewMmap()
	default:
		heap := pagealloc.NewHeap()
		heap.Limit = c.Buffer.HeapLimit
		cfg.Allocator = heap
	}
	switch c.Buffer.Clock {
	case ClockTicker:
		cfg.Clock = &clock.Ticker{Step: 1}
	default:
		cfg.Clock = clock.Monotonic{}
	}
	return cfg, nil
}
