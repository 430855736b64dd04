// Package config provides configuration loading for Constellation.
// Values come from defaults, then an optional YAML file, then the environment
// (a .env file is read first when present).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CONSTELLATION_"

// Config represents the complete Constellation configuration
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Find   FindConfig   `yaml:"find"`
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Neo4j  Neo4jConfig  `yaml:"neo4j"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// FindConfig configures the query engine
type FindConfig struct {
	// Workers caps quick-query workers; 0 uses NumCPU-1
	Workers int `yaml:"workers"`
	// MaxThreshold is the element count one worker is sized for
	MaxThreshold int `yaml:"max_threshold"`
	// QueryTimeout bounds each query; 0 disables it
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// ServerConfig configures the gRPC, HTTP gateway and observability listeners
type ServerConfig struct {
	Port        int `yaml:"port"`
	MetricsPort int `yaml:"metrics_port"`
	// HTTPPort serves the JSON gateway; 0 disables it
	HTTPPort int `yaml:"http_port"`
}

// StoreConfig configures persistence
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Neo4jConfig configures the optional Neo4j importer
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Find: FindConfig{
			MaxThreshold: 10000,
		},
		Server: ServerConfig{
			Port:        50051,
			MetricsPort: 9090,
			HTTPPort:    8080,
		},
		Store: StoreConfig{
			Path: "./data/constellation.db",
		},
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			User:     "neo4j",
			Database: "neo4j",
		},
	}
}

// Load builds the configuration from path (optional) and the environment
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CONSTELLATION_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LOG_LEVEL":      &c.Log.Level,
		"STORE_PATH":     &c.Store.Path,
		"NEO4J_URI":      &c.Neo4j.URI,
		"NEO4J_USER":     &c.Neo4j.User,
		"NEO4J_PASSWORD": &c.Neo4j.Password,
		"NEO4J_DATABASE": &c.Neo4j.Database,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"FIND_WORKERS":       &c.Find.Workers,
		"FIND_MAX_THRESHOLD": &c.Find.MaxThreshold,
		"SERVER_PORT":        &c.Server.Port,
		"METRICS_PORT":       &c.Server.MetricsPort,
		"HTTP_PORT":          &c.Server.HTTPPort,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup(EnvPrefix + "LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_PRETTY: %w", EnvPrefix, err)
		}
		c.Log.Pretty = b
	}

	if v, ok := lookup(EnvPrefix + "FIND_QUERY_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sFIND_QUERY_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Find.QueryTimeout = d
	}

	return nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if c.Find.Workers < 0 {
		return fmt.Errorf("find.workers must not be negative")
	}
	if c.Find.MaxThreshold <= 0 {
		return fmt.Errorf("find.max_threshold must be positive")
	}
	if c.Find.QueryTimeout < 0 {
		return fmt.Errorf("find.query_timeout must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range")
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port out of range")
	}
	if c.Server.Port == c.Server.MetricsPort {
		return fmt.Errorf("server.port and server.metrics_port must differ")
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range")
	}
	if c.Server.HTTPPort != 0 && (c.Server.HTTPPort == c.Server.Port || c.Server.HTTPPort == c.Server.MetricsPort) {
		return fmt.Errorf("server.http_port must differ from the other ports")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

// SaveToFile writes the configuration as YAML
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
