// Package config loads the YAML configuration of a connect deployment and
// assembles a Manager from it.
//
// Config file locations (priority order):
//  1. the explicit path (e.g. --config)
//  2. $CONNECT_CONFIG
//  3. ./connect.yaml
//
// Without a file the defaults apply: an SQLite database in ./connect.db.
package config

import (
	"fmt"
	"os"

	"github.com/fgrzl/connect"
	"gopkg.in/yaml.v3"
)

const EnvConfigPath = "CONNECT_CONFIG"

// Backend names.
const (
	BackendMemory       = "memory"
	BackendSQLite       = "sqlite"
	BackendPebble       = "pebble"
	BackendRedis        = "redis"
	BackendDynamoDB     = "dynamodb"
	BackendTableStorage = "tablestorage"
)

type Config struct {
	Backend      string             `yaml:"backend"`
	SQLite       SQLiteConfig       `yaml:"sqlite"`
	Pebble       PebbleConfig       `yaml:"pebble"`
	Redis        RedisConfig        `yaml:"redis"`
	DynamoDB     DynamoDBConfig     `yaml:"dynamodb"`
	TableStorage TableStorageConfig `yaml:"tablestorage"`
	Filters      FiltersConfig      `yaml:"filters"`
	Locking      LockingConfig      `yaml:"locking"`
	Events       EventsConfig       `yaml:"events"`
	Log          LogConfig          `yaml:"log"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PebbleConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address string `yaml:"address"`
}

type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"` // e.g. DynamoDB Local
	CreateTable bool   `yaml:"create_table,omitempty"`
}

type TableStorageConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Table            string `yaml:"table"`
}

// FiltersConfig selects the filter keys queries may use. An empty key list
// allows every recognized key; "param." allows every param.<name> key.
type FiltersConfig struct {
	Keys       []string `yaml:"keys,omitempty"`
	Permissive bool     `yaml:"permissive,omitempty"` // skip validation entirely
}

type LockingConfig struct {
	Stripes int `yaml:"stripes"`
}

// EventsConfig selects where lifecycle events go. Sinks are fed through a
// buffered asynchronous publisher.
type EventsConfig struct {
	Buffer       int    `yaml:"buffer"`
	Log          bool   `yaml:"log,omitempty"`
	Metrics      bool   `yaml:"metrics,omitempty"`
	RedisChannel string `yaml:"redis_channel,omitempty"`
	RedisAddress string `yaml:"redis_address,omitempty"` // defaults to redis.address
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
}

// Load finds and loads the config file, or returns defaults if none found
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigPath()
	}
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadFromPath(path)
}

// FindConfigPath returns the first existing config file, or "".
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	if _, err := os.Stat("connect.yaml"); err == nil {
		return "connect.yaml"
	}
	return ""
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used without a config file.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "./connect.db"
	}
	if c.Pebble.Path == "" {
		c.Pebble.Path = "./connect.pebble"
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.DynamoDB.Table == "" {
		c.DynamoDB.Table = "connections"
	}
	if c.TableStorage.Table == "" {
		c.TableStorage.Table = "connections"
	}
	if c.Locking.Stripes <= 0 {
		c.Locking.Stripes = 64
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.RedisAddress == "" {
		c.Events.RedisAddress = c.Redis.Address
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the fields a backend cannot start without.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendPebble, BackendRedis, BackendDynamoDB:
	case BackendTableStorage:
		if c.TableStorage.ConnectionString == "" {
			return fmt.Errorf("tablestorage.connection_string is required")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if !c.Filters.Permissive {
		if _, err := filterKeys(c.Filters.Keys); err != nil {
			return err
		}
	}
	return nil
}

func filterKeys(names []string) ([]connect.FilterKey, error) {
	known := map[connect.FilterKey]bool{connect.FilterParamPrefix: true}
	for _, key := range connect.FilterKeys {
		known[key] = true
	}
	keys := make([]connect.FilterKey, 0, len(names))
	for _, name := range names {
		key := connect.FilterKey(name)
		if !known[key] {
			return nil, fmt.Errorf("filters.keys: unknown key %q", name)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
