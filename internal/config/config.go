// Package config loads the server configuration from wallflower_config.json
// and the ATTO_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/wallflowercc/wallflower-atto/internal/schema"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "wallflower_config.json"

	DatabaseDuckDB     = "duckdb"
	DatabasePostgreSQL = "postgresql"
)

const (
	EnvNetworkID    = "ATTO_NETWORK_ID"
	EnvHTTPPort     = "ATTO_HTTP_PORT"
	EnvDatabaseType = "ATTO_DATABASE_TYPE"
	EnvDatabaseURL  = "ATTO_DATABASE_URL"
	EnvKafkaBrokers = "ATTO_KAFKA_BROKERS"
)

var ErrInvalidConfig = errors.New("invalid config")

type Database struct {
	Type     string `yaml:"type"`
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	URL      string `yaml:"url"`
}

// DuckDBPath is the database file used by the duckdb engine.
func (d Database) DuckDBPath() string {
	return d.Name + ".duckdb"
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Config struct {
	NetworkID   string   `yaml:"network-id"`
	NetworkName string   `yaml:"network-name"`
	HTTPPort    int      `yaml:"http_port"`
	EnableWS    bool     `yaml:"enable_ws"`
	WSPort      int      `yaml:"ws_port"`
	Database    Database `yaml:"database"`
	Kafka       Kafka    `yaml:"kafka"`
}

func Default() *Config {
	return &Config{
		NetworkID:   "local",
		NetworkName: "Local Wallflower.cc Network",
		HTTPPort:    5000,
		WSPort:      5050,
		Database: Database{
			Type:     DatabaseDuckDB,
			Name:     "wallflower_db",
			Host:     "localhost",
			Port:     5432,
			User:     "wallflower",
			Password: "wallflower",
			Database: "wallflower",
		},
		Kafka: Kafka{Topic: "wallflower-events"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// The file may be JSON or YAML.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv applies the ATTO_* overrides found by lookup, usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvNetworkID); ok {
		c.NetworkID = v
	}
	if v, ok := lookup(EnvHTTPPort); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s must be a number: %q", ErrInvalidConfig, EnvHTTPPort, v)
		}
		c.HTTPPort = port
	}
	if v, ok := lookup(EnvDatabaseType); ok {
		c.Database.Type = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvDatabaseURL); ok {
		c.Database.URL = v
	}
	if v, ok := lookup(EnvKafkaBrokers); ok {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if !schema.ValidID(c.NetworkID) {
		return fmt.Errorf("%w: network-id %q is not a valid id", ErrInvalidConfig, c.NetworkID)
	}
	switch c.Database.Type {
	case DatabaseDuckDB, DatabasePostgreSQL:
	default:
		return fmt.Errorf("%w: unknown database type %q", ErrInvalidConfig, c.Database.Type)
	}
	for name, port := range map[string]int{
		"http_port":     c.HTTPPort,
		"ws_port":       c.WSPort,
		"database.port": c.Database.Port,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s %d is out of range", ErrInvalidConfig, name, port)
		}
	}
	if c.Database.Type == DatabaseDuckDB && c.Database.Name == "" {
		return fmt.Errorf("%w: database.name is required for duckdb", ErrInvalidConfig)
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = Default().Kafka.Topic
	}
	return nil
}
