package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dalnet/nickrelay/internal/server"
)

const (
	DefaultListen   = "127.0.0.1:16667"
	DefaultDataDir  = "./data"
	DefaultInterval = 30 * time.Second
)

var (
	ErrNoNick    = errors.New("no nick configured")
	ErrNoServers = errors.New("no servers configured")
)

// Config holds all relay configuration
type Config struct {
	Nick          string   `yaml:"nick"`
	Username      string   `yaml:"username"`
	RealName      string   `yaml:"real_name"`
	Servers       []string `yaml:"servers"`
	Proxy         string   `yaml:"proxy"`
	TLSInsecure   bool     `yaml:"tls_insecure"`
	Listen        string   `yaml:"listen"`
	ListenPass    string   `yaml:"listen_pass"`
	MetricsListen string   `yaml:"metrics_listen"`
	DataDir       string   `yaml:"data_dir"`
	LogLevel      string   `yaml:"log_level"`
	KeepNick      KeepNick `yaml:"keepnick"`

	// ServerList holds Servers parsed by Load, in configured order
	ServerList []server.Server `yaml:"-"`
}

// KeepNick configures the primary nick policy
type KeepNick struct {
	Enabled  *bool    `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// On reports whether the policy should be loaded; it defaults to true
func (k KeepNick) On() bool {
	return k.Enabled == nil || *k.Enabled
}

// Duration is a time.Duration written as a Go duration string ("30s")
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("line %d: duration must be positive, got %s", value.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Nick
	}
	if cfg.RealName == "" {
		cfg.RealName = cfg.Nick
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.KeepNick.Interval == 0 {
		cfg.KeepNick.Interval = Duration(DefaultInterval)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Nick == "" {
		return ErrNoNick
	}
	if len(c.Servers) == 0 {
		return ErrNoServers
	}

	c.ServerList = make([]server.Server, 0, len(c.Servers))
	for i, line := range c.Servers {
		s, err := server.Parse(line)
		if err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		c.ServerList = append(c.ServerList, s)
	}
	return nil
}
