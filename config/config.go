// Package config handles oopjit.toml server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
)

// FileName is the configuration file looked for by FindAndLoad.
const FileName = "oopjit.toml"

// Config represents an oopjit.toml file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Alloc   AllocConfig   `toml:"alloc"`
	Runtime RuntimeConfig `toml:"runtime"`
	Log     LogConfig     `toml:"log"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-"`
}

// ServerConfig configures the RPC server.
type ServerConfig struct {
	Addr                string   `toml:"addr"`
	MaintenanceInterval Duration `toml:"maintenance-interval"`
	CompressMinBytes    Size     `toml:"compress-min-bytes"`
	MaxDepth            int      `toml:"max-depth"`
	InProcess           bool     `toml:"in-process"`
	Workers             int      `toml:"workers"`
}

// AllocConfig sizes the simulated host memory and the heap living in it.
type AllocConfig struct {
	PageSize        Size `toml:"page-size"`
	BlockSize       Size `toml:"block-size"`
	SegmentPages    int  `toml:"segment-pages"`
	BlockLimit      int  `toml:"block-limit"`
	CodeRegionPages int  `toml:"code-region-pages"`
	HostLimit       Size `toml:"host-limit"`
}

// RuntimeConfig gives the load addresses of the runtime modules in this
// process, which host addresses are translated against.
type RuntimeConfig struct {
	RuntimeBase uint64 `toml:"runtime-base"`
	CRTBase     uint64 `toml:"crt-base"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Size is a byte count written as a human size such as "64KiB".
type Size uint64

func (s *Size) UnmarshalText(b []byte) error {
	n, err := units.RAMInBytes(string(b))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", b, err)
	}
	if n < 0 {
		return fmt.Errorf("invalid size %q: negative", b)
	}
	*s = Size(n)
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Duration is a time.Duration written as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.fillDefaults()
	return c
}

func (c *Config) fillDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:7420"
	}
	if c.Server.MaintenanceInterval.Duration == 0 {
		c.Server.MaintenanceInterval.Duration = 100 * time.Millisecond
	}
	if c.Server.CompressMinBytes == 0 {
		c.Server.CompressMinBytes = 4 * units.KiB
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 4
	}
	if c.Alloc.PageSize == 0 {
		c.Alloc.PageSize = 4 * units.KiB
	}
	if c.Alloc.BlockSize == 0 {
		c.Alloc.BlockSize = c.Alloc.PageSize
	}
	if c.Alloc.SegmentPages == 0 {
		c.Alloc.SegmentPages = 16
	}
	if c.Alloc.CodeRegionPages == 0 {
		c.Alloc.CodeRegionPages = 16
	}
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	ps := uint64(c.Alloc.PageSize)
	if ps&(ps-1) != 0 {
		return fmt.Errorf("alloc.page-size %s is not a power of two", c.Alloc.PageSize)
	}
	if uint64(c.Alloc.BlockSize)%ps != 0 {
		return fmt.Errorf("alloc.block-size %s is not a multiple of the page size", c.Alloc.BlockSize)
	}
	if uint64(c.Alloc.SegmentPages)*ps < uint64(c.Alloc.BlockSize) {
		return fmt.Errorf("alloc.segment-pages %d holds less than one block", c.Alloc.SegmentPages)
	}
	if uint64(c.Alloc.SegmentPages)*ps%uint64(c.Alloc.BlockSize) != 0 {
		return fmt.Errorf("alloc.segment-pages %d is not a whole number of %s blocks", c.Alloc.SegmentPages, c.Alloc.BlockSize)
	}
	if c.Server.MaintenanceInterval.Duration < 0 {
		return fmt.Errorf("server.maintenance-interval must not be negative")
	}
	return nil
}

// LoadFile parses the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// Load parses the oopjit.toml file in dir.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// FindAndLoad walks up from startDir to find an oopjit.toml file and
// loads it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}
