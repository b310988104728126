// Package config loads the fibctl daemon configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"fibtrie/internal/bpfmap"
	"fibtrie/internal/ecmp"
	"fibtrie/internal/fib"
)

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the configuration of fibctl.
type Config struct {
	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`
	// RouteFiles are loaded at startup, in order.
	RouteFiles []string `toml:"route_files"`

	FIB     FIB     `toml:"fib"`
	Cache   Cache   `toml:"cache"`
	ECMP    ECMP    `toml:"ecmp"`
	Metrics Metrics `toml:"metrics"`
	Kernel  Kernel  `toml:"kernel"`
	BPF     BPF     `toml:"bpf"`
}

type FIB struct {
	// ReaderSlots bounds the number of concurrent lookups per table.
	ReaderSlots int `toml:"reader_slots"`
	// MaxNodes caps trie nodes per table; 0 means unlimited.
	MaxNodes        int      `toml:"max_nodes"`
	SlabSize        int      `toml:"slab_size"`
	ReclaimInterval Duration `toml:"reclaim_interval"`
}

type Cache struct {
	Enabled bool `toml:"enabled"`
	Size    int  `toml:"size"`
}

type ECMP struct {
	Mode string `toml:"mode"`
	Seed uint64 `toml:"seed"`
}

type Metrics struct {
	// Address is the listen address of the Prometheus endpoint; empty
	// disables it.
	Address string `toml:"address"`
}

type Kernel struct {
	// Sync copies the kernel tables into the FIB at startup.
	Sync bool `toml:"sync"`
	// Watch keeps following kernel route changes.
	Watch  bool     `toml:"watch"`
	Tables []uint32 `toml:"tables"`
}

type BPF struct {
	Export     bool     `toml:"export"`
	PinPath    string   `toml:"pin_path"`
	Table      uint32   `toml:"table"`
	MaxEntries uint32   `toml:"max_entries"`
	Interval   Duration `toml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		FIB: FIB{
			ReaderSlots:     fib.DefaultReaderSlots,
			ReclaimInterval: Duration{100 * time.Millisecond},
		},
		Cache: Cache{Size: fib.DefaultCacheSize},
		ECMP:  ECMP{Mode: ecmp.ModeModulo.String()},
		Kernel: Kernel{
			Tables: []uint32{uint32(fib.MainTable)},
		},
		BPF: BPF{
			PinPath:    "/sys/fs/bpf/fibctl",
			Table:      uint32(fib.MainTable),
			MaxEntries: bpfmap.DefaultMaxEntries,
			Interval:   Duration{time.Second},
		},
	}
}

// Load reads path on top of the defaults. Keys unknown to Config are an
// error so typos do not go unnoticed.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.FIB.ReaderSlots <= 0 {
		errs = append(errs, fmt.Errorf("fib.reader_slots must be positive, got %d", c.FIB.ReaderSlots))
	}
	if c.FIB.MaxNodes < 0 || c.FIB.SlabSize < 0 {
		errs = append(errs, errors.New("fib.max_nodes and fib.slab_size must not be negative"))
	}
	if c.FIB.ReclaimInterval.Duration <= 0 {
		errs = append(errs, errors.New("fib.reclaim_interval must be positive"))
	}
	if c.Cache.Size <= 0 {
		errs = append(errs, fmt.Errorf("cache.size must be positive, got %d", c.Cache.Size))
	}
	if _, err := ecmp.ParseMode(c.ECMP.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.BPF.Export {
		if c.BPF.PinPath == "" {
			errs = append(errs, errors.New("bpf.pin_path is required for export"))
		}
		if c.BPF.Interval.Duration <= 0 {
			errs = append(errs, errors.New("bpf.interval must be positive"))
		}
	}
	return errors.Join(errs...)
}

// FIBOptions returns the manager options described by c.
func (c *Config) FIBOptions() fib.Options {
	return fib.Options{
		ReaderSlots:  c.FIB.ReaderSlots,
		MaxNodes:     c.FIB.MaxNodes,
		SlabSize:     c.FIB.SlabSize,
		CacheSize:    c.Cache.Size,
		CacheEnabled: c.Cache.Enabled,
	}
}

// Resolver returns the ECMP resolver described by c. Validate must have
// accepted c.
func (c *Config) Resolver() ecmp.Resolver {
	mode, _ := ecmp.ParseMode(c.ECMP.Mode)
	return ecmp.Resolver{Mode: mode, Seed: c.ECMP.Seed}
}

// KernelTables returns the kernel tables to mirror.
func (c *Config) KernelTables() []fib.TableID {
	out := make([]fib.TableID, len(c.Kernel.Tables))
	for i, t := range c.Kernel.Tables {
		out[i] = fib.TableID(t)
	}
	return out
}
