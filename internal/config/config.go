// Package config loads the server's TOML configuration: the configured
// metadata and data directory lists, and the TCP bind address. A
// test-harness environment override takes precedence over a config file
// path, which in turn takes precedence over an inline TOML string.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// System holds the directory lists the storage engine is configured with.
type System struct {
	MetaDirs []string `toml:"meta_dirs"`
	DataDirs []string `toml:"data_dirs"`
}

// ServerAddr holds the TCP listener's bind address.
type ServerAddr struct {
	IPAddr string `toml:"ip_addr"`
	Port   int    `toml:"port"`
}

// Config is the full parsed TOML configuration document.
type Config struct {
	System System     `toml:"system"`
	Server ServerAddr `toml:"server"`
}

// EnvOverride is the environment variable that, when set, names a config
// file path taking precedence over both -c and -s; it exists so test
// harnesses can pin a server's configuration without touching argv.
const EnvOverride = "BASE_DBG_CONF_OVERRIDE"

// Load resolves a Config from, in precedence order: the EnvOverride
// environment variable (a file path), filePath (-c), or inline (-s). Extra
// validation beyond TOML decoding (non-empty directory lists) happens
// here since a config with zero data directories can decode successfully
// but is not usable.
func Load(filePath, inline string) (*Config, error) {
	if override := os.Getenv(EnvOverride); override != "" {
		return LoadFile(override)
	}
	if filePath != "" {
		return LoadFile(filePath)
	}
	if strings.TrimSpace(inline) != "" {
		return LoadString(inline)
	}
	return nil, fmt.Errorf("config: no configuration provided (use -c, -s, or %s)", EnvOverride)
}

// LoadFile decodes the TOML document at path.
func LoadFile(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return validate(&c)
}

// LoadString decodes text as an inline TOML document.
func LoadString(text string) (*Config, error) {
	var c Config
	if _, err := toml.Decode(text, &c); err != nil {
		return nil, fmt.Errorf("config: decode inline config: %w", err)
	}
	return validate(&c)
}

func validate(c *Config) (*Config, error) {
	if len(c.System.MetaDirs) == 0 {
		return nil, fmt.Errorf("config: [system].meta_dirs must list at least one directory")
	}
	if len(c.System.DataDirs) == 0 {
		return nil, fmt.Errorf("config: [system].data_dirs must list at least one directory")
	}
	if c.Server.IPAddr == "" {
		c.Server.IPAddr = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		return nil, fmt.Errorf("config: [server].port must be set")
	}
	return c, nil
}
