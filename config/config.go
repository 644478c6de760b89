// Package config holds the platform configuration loaded from YAML.
package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const pageMask = 0xfff

// Config describes a simulated platform.
type Config struct {
	// Harts is the number of harts sharing memory. Default: 1.
	Harts int `yaml:"harts"`

	Memory MemoryConfig `yaml:"memory"`
	MMU    MMUConfig    `yaml:"mmu"`
	UART   UARTConfig   `yaml:"uart"`
	Log    LogConfig    `yaml:"log"`
}

// MemoryConfig configures guest memory and the per-hart memory model.
type MemoryConfig struct {
	// CheckAlignment splits misaligned accesses into byte accesses.
	CheckAlignment bool `yaml:"check_alignment"`

	// CacheBits sizes each translation cache to 1<<CacheBits entries.
	// Default: 10.
	CacheBits int `yaml:"cache_bits"`

	// PageLimit caps the host pages backing guest RAM. 0 means no limit.
	PageLimit int `yaml:"page_limit"`

	// RAM lists the physical RAM regions.
	RAM []RegionConfig `yaml:"ram"`
}

// RegionConfig is one physical RAM region.
type RegionConfig struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// MMUConfig selects the translation scheme.
type MMUConfig struct {
	// XLEN is 32 or 64. Default: 64.
	XLEN int `yaml:"xlen"`

	// Mode is bare, sv32, sv39 or sv48. Default: sv39.
	Mode string `yaml:"mode"`
}

// UARTConfig places the SiFive UART.
type UARTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Base    uint64 `yaml:"base"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.Level))
	return l, errors.Wrapf(err, "log.level %q", c.Level)
}

// Default returns the configuration of a single-hart RV64 Sv39 platform
// with 128 MiB of RAM at 0x80000000 and a UART at 0x10000000.
func Default() *Config {
	return &Config{
		Harts: 1,
		Memory: MemoryConfig{
			CacheBits: 10,
			RAM: []RegionConfig{
				{Name: "ram", Base: 0x8000_0000, Size: 128 << 20},
			},
		},
		MMU: MMUConfig{
			XLEN: 64,
			Mode: "sv39",
		},
		UART: UARTConfig{
			Enabled: true,
			Base:    0x1000_0000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a configuration from a YAML file. Fields missing from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	return c, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to serialize config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// Validate checks the configuration for values the platform cannot
// build.
func (c *Config) Validate() error {
	if c.Harts < 1 {
		return errors.New("harts must be >= 1")
	}
	if c.Memory.CacheBits < 1 || c.Memory.CacheBits > 20 {
		return errors.New("memory.cache_bits must be in [1, 20]")
	}
	if c.Memory.PageLimit < 0 {
		return errors.New("memory.page_limit must be >= 0")
	}

	for i, r := range c.Memory.RAM {
		if r.Size == 0 || r.Base&pageMask != 0 || r.Size&pageMask != 0 {
			return errors.Errorf("memory.ram[%d] must be page aligned and non-empty", i)
		}
		for _, o := range c.Memory.RAM[:i] {
			if r.Base < o.Base+o.Size && o.Base < r.Base+r.Size {
				return errors.Errorf("memory.ram[%d] overlaps %q", i, o.Name)
			}
		}
	}

	switch c.MMU.XLEN {
	case 32, 64:
	default:
		return errors.New("mmu.xlen must be 32 or 64")
	}

	switch mode := strings.ToLower(c.MMU.Mode); mode {
	case "bare":
	case "sv32":
		if c.MMU.XLEN != 32 {
			return errors.New("mmu.mode sv32 requires xlen 32")
		}
	case "sv39", "sv48":
		if c.MMU.XLEN != 64 {
			return errors.Errorf("mmu.mode %s requires xlen 64", mode)
		}
	default:
		return errors.Errorf("mmu.mode %q is not one of bare, sv32, sv39, sv48", c.MMU.Mode)
	}

	if c.UART.Enabled {
		if c.UART.Base&pageMask != 0 {
			return errors.New("uart.base must be page aligned")
		}
		for _, r := range c.Memory.RAM {
			if c.UART.Base >= r.Base && c.UART.Base < r.Base+r.Size {
				return errors.Errorf("uart.base lies inside RAM region %q", r.Name)
			}
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Memory.RAM = append([]RegionConfig(nil), c.Memory.RAM...)
	return &clone
}
