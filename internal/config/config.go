package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads YAML strings like "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config models execstore.yml.
type Config struct {
	Partition   string      `yaml:"partition"`
	Database    Database    `yaml:"database"`
	ReadPool    *Database   `yaml:"read_pool,omitempty"`
	Compression Compression `yaml:"compression"`
	Retry       Retry       `yaml:"retry"`
	ReadRetry   Retry       `yaml:"read_retry"`
	Ledger      Ledger      `yaml:"ledger"`
	Interlink   Interlink   `yaml:"interlink"`
	Tombstones  Tombstones  `yaml:"tombstones"`
	Server      Server      `yaml:"server"`
	Log         struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type Database struct {
	Dialect      string   `yaml:"dialect"`
	DSN          string   `yaml:"dsn"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

type Compression struct {
	Enabled        bool   `yaml:"enabled"`
	ThresholdBytes int    `yaml:"threshold_bytes"`
	Algorithm      string `yaml:"algorithm"`
}

type Retry struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
}

type Ledger struct {
	Backend     string   `yaml:"backend"`
	Endpoints   []string `yaml:"endpoints,omitempty"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type Interlink struct {
	Backend string            `yaml:"backend"`
	Peers   map[string]string `yaml:"peers,omitempty"`
	Secret  string            `yaml:"secret"`
	Kafka   struct {
		Brokers     []string `yaml:"brokers,omitempty"`
		TopicPrefix string   `yaml:"topic_prefix"`
		GroupID     string   `yaml:"group_id"`
	} `yaml:"kafka"`
	Outbox struct {
		DeliverVia string   `yaml:"deliver_via"`
		Interval   Duration `yaml:"interval"`
		Batch      int      `yaml:"batch"`
	} `yaml:"outbox"`
}

type Tombstones struct {
	Retention     Duration `yaml:"retention"`
	SweepInterval Duration `yaml:"sweep_interval"`
	Batch         int      `yaml:"batch"`
	RatePerSecond float64  `yaml:"rate_per_second"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads and validates config from path. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration: a local SQLite store that owns
// every partition, with no replica, ledger or forwarding.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	dialects          = []string{"sqlite", "postgres", "postgresql", "mysql"}
	algorithms        = []string{"gzip", "zstd", "lz4"}
	ledgerBackends    = []string{"", "none", "memory", "sql", "etcd"}
	interlinkBackends = []string{"", "none", "http", "kafka", "outbox"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// Validate ensures the config is coherent.
func (c *Config) Validate() error {
	if !oneOf(c.Database.Dialect, dialects) {
		return fmt.Errorf("config.database.dialect must be one of %s", strings.Join(dialects, ", "))
	}
	if c.ReadPool != nil {
		if c.ReadPool.DSN == "" {
			return fmt.Errorf("config.read_pool.dsn is required when read_pool is set")
		}
		if c.ReadPool.Dialect == "" {
			c.ReadPool.Dialect = c.Database.Dialect
		}
		if !strings.EqualFold(c.ReadPool.Dialect, c.Database.Dialect) {
			return fmt.Errorf("config.read_pool.dialect must match config.database.dialect")
		}
	}
	if c.Compression.Enabled {
		if c.Compression.ThresholdBytes <= 0 {
			return fmt.Errorf("config.compression.threshold_bytes must be positive")
		}
		if !oneOf(c.Compression.Algorithm, algorithms) {
			return fmt.Errorf("config.compression.algorithm must be one of %s", strings.Join(algorithms, ", "))
		}
	}
	for name, r := range map[string]Retry{"retry": c.Retry, "read_retry": c.ReadRetry} {
		if r.MaxAttempts < 1 {
			return fmt.Errorf("config.%s.max_attempts must be at least 1", name)
		}
		if r.MaxInterval > 0 && r.MaxInterval < r.InitialInterval {
			return fmt.Errorf("config.%s.max_interval must not be below initial_interval", name)
		}
	}
	if !oneOf(c.Ledger.Backend, ledgerBackends) {
		return fmt.Errorf("config.ledger.backend must be one of none, memory, sql, etcd")
	}
	if strings.EqualFold(c.Ledger.Backend, "etcd") && len(c.Ledger.Endpoints) == 0 {
		return fmt.Errorf("config.ledger.endpoints is required for the etcd backend")
	}
	if !oneOf(c.Interlink.Backend, interlinkBackends) {
		return fmt.Errorf("config.interlink.backend must be one of none, http, kafka, outbox")
	}
	switch strings.ToLower(c.Interlink.Backend) {
	case "http":
		if len(c.Interlink.Peers) == 0 {
			return fmt.Errorf("config.interlink.peers is required for the http backend")
		}
	case "kafka":
		if len(c.Interlink.Kafka.Brokers) == 0 {
			return fmt.Errorf("config.interlink.kafka.brokers is required for the kafka backend")
		}
	case "outbox":
		switch strings.ToLower(c.Interlink.Outbox.DeliverVia) {
		case "http":
			if len(c.Interlink.Peers) == 0 {
				return fmt.Errorf("config.interlink.peers is required to deliver the outbox over http")
			}
		case "kafka":
			if len(c.Interlink.Kafka.Brokers) == 0 {
				return fmt.Errorf("config.interlink.kafka.brokers is required to deliver the outbox over kafka")
			}
		default:
			return fmt.Errorf("config.interlink.outbox.deliver_via must be http or kafka")
		}
	}
	if c.Tombstones.Retention < 0 || c.Tombstones.SweepInterval < 0 {
		return fmt.Errorf("config.tombstones durations must not be negative")
	}
	return nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `partition: ""

database:
  dialect: sqlite
  dsn: .execstore/execstore.db
  query_timeout: 30s

compression:
  enabled: false
  threshold_bytes: 2048
  algorithm: gzip

retry:
  max_attempts: 5
  initial_interval: 50ms
  max_interval: 2s

read_retry:
  max_attempts: 5
  initial_interval: 20ms
  max_interval: 500ms

ledger:
  backend: none
  prefix: /execstore/ledger
  dial_timeout: 5s

interlink:
  backend: none
  kafka:
    topic_prefix: execstore.intents.
    group_id: execstore
  outbox:
    deliver_via: http
    interval: 1s
    batch: 100

tombstones:
  retention: 72h
  sweep_interval: 10m
  batch: 500
  rate_per_second: 20

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
`
