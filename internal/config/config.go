package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDynamicPortMin = 32768
	DefaultDynamicPortMax = 65535

	defaultPort          = "8080"
	defaultDataDir       = "./data"
	defaultNFTBin        = "nft"
	defaultNFTTimeout    = 10 * time.Second
	defaultSweepInterval = 60 * time.Second
	defaultRulesFile     = "/etc/nftables/xctf-rules.conf"
)

// Config holds the controller configuration. Values come from an optional
// YAML file; environment variables override file values.
type Config struct {
	// Port is the port the API server listens on.
	Port string `yaml:"port"`
	// DataDir is the directory holding the SQLite mapping store.
	DataDir string `yaml:"data_dir"`

	// NFTBin is the nft binary to execute.
	NFTBin string `yaml:"nft_bin"`
	// NFTSudo prefixes every nft invocation with sudo.
	NFTSudo bool `yaml:"nft_sudo"`
	// NFTTimeout bounds a single nft invocation.
	NFTTimeout time.Duration `yaml:"nft_timeout"`
	// RulesFile is where SaveRules snapshots the live ruleset.
	RulesFile string `yaml:"rules_file"`

	// DynamicPortMin/Max bound the dynamic allocation range.
	DynamicPortMin int `yaml:"dynamic_port_min"`
	DynamicPortMax int `yaml:"dynamic_port_max"`
	// StaticPorts are pre-declared at startup and never handed out dynamically.
	StaticPorts []int `yaml:"static_ports"`

	// SweepInterval is how often the drift sweeper runs. Zero disables it.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// AdminTokenHash is a bcrypt hash of the API bearer token. When empty,
	// the API is open (development mode).
	AdminTokenHash string `yaml:"admin_token_hash"`

	// ShutdownTimeout is the timeout for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads configuration from the file named by SANDBOXNET_CONFIG (if set)
// and applies environment overrides and defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("SANDBOXNET_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("NFT_BIN"); v != "" {
		c.NFTBin = v
	}
	if v := os.Getenv("NFT_SUDO"); v != "" {
		c.NFTSudo = v == "true" || v == "1"
	}
	if v := os.Getenv("NFT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.NFTTimeout = d
		}
	}
	if v := os.Getenv("RULES_FILE"); v != "" {
		c.RulesFile = v
	}
	if v := os.Getenv("DYNAMIC_PORT_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DynamicPortMin = n
		}
	}
	if v := os.Getenv("DYNAMIC_PORT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DynamicPortMax = n
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SweepInterval = d
		}
	}
	if v := os.Getenv("ADMIN_TOKEN_HASH"); v != "" {
		c.AdminTokenHash = v
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ShutdownTimeout = d
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.NFTBin == "" {
		c.NFTBin = defaultNFTBin
	}
	if c.NFTTimeout <= 0 {
		c.NFTTimeout = defaultNFTTimeout
	}
	if c.RulesFile == "" {
		c.RulesFile = defaultRulesFile
	}
	if c.DynamicPortMin == 0 {
		c.DynamicPortMin = DefaultDynamicPortMin
	}
	if c.DynamicPortMax == 0 {
		c.DynamicPortMax = DefaultDynamicPortMax
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.DynamicPortMin < 1 || c.DynamicPortMax > 65535 || c.DynamicPortMin > c.DynamicPortMax {
		return fmt.Errorf("invalid dynamic port range %d-%d", c.DynamicPortMin, c.DynamicPortMax)
	}
	for _, p := range c.StaticPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid static port %d", p)
		}
	}
	return nil
}
