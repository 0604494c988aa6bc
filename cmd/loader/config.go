package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration validation errors.
var (
	ErrNoKafkaHost    = errors.New("kafka host cannot be empty")
	ErrNoKafkaTopic   = errors.New("kafka topic cannot be empty")
	ErrNoPostgresHost = errors.New("postgres host cannot be empty")
	ErrNoPostgresDB   = errors.New("postgres dbname cannot be empty")
)

type (
	// Config is the loader's file configuration. Values resolve with
	// flags > config file > defaults precedence; the file is YAML.
	Config struct {
		Kafka    KafkaConfig    `yaml:"kafka"`
		Postgres PostgresConfig `yaml:"postgres"`
		Consumer ConsumerConfig `yaml:"consumer"`
		Verbose  bool           `yaml:"verbose"`
	}

	// KafkaConfig locates the clickstream topic.
	KafkaConfig struct {
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
		Topic   string `yaml:"topic"`
		GroupID string `yaml:"group_id"`
	}

	// PostgresConfig locates the warehouse database.
	PostgresConfig struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		SSLMode  string `yaml:"sslmode"`
	}

	// ConsumerConfig carries the batching tunables.
	ConsumerConfig struct {
		BatchSize           int      `yaml:"batch_size"`
		BatchTimeout        duration `yaml:"batch_timeout"`
		ReadTimeout         duration `yaml:"read_timeout"`
		Backoff             duration `yaml:"backoff"`
		DrainTimeout        duration `yaml:"drain_timeout"`
		MaxBatchesPerSecond float64  `yaml:"max_batches_per_second"`
	}

	// duration parses YAML scalars like "5s" with time.ParseDuration.
	duration time.Duration
)

// UnmarshalYAML decodes a Go duration string ("500ms", "5s", "1m").
func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = duration(parsed)

	return nil
}

// Std returns the duration as a time.Duration.
func (d duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns the configuration used when neither the config file
// nor a flag sets a value.
func DefaultConfig() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Host:    "localhost",
			Port:    9092,
			Topic:   "clickstream",
			GroupID: "clickstream-loader",
		},
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			DBName:  "clickstream",
			SSLMode: "disable",
		},
		Consumer: ConsumerConfig{
			BatchSize:    1000,
			BatchTimeout: duration(5 * time.Second),
			ReadTimeout:  duration(time.Second),
			Backoff:      duration(time.Second),
			DrainTimeout: duration(30 * time.Second),
		},
	}
}

// LoadConfig builds the configuration from defaults overlaid with the YAML
// file at path. An empty path means "./config.yaml if present"; a missing
// optional file is not an error, a missing explicit one is.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator's own flag
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}

		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Kafka.Host == "" {
		return ErrNoKafkaHost
	}

	if c.Kafka.Topic == "" {
		return ErrNoKafkaTopic
	}

	if c.Postgres.Host == "" {
		return ErrNoPostgresHost
	}

	if c.Postgres.DBName == "" {
		return ErrNoPostgresDB
	}

	return nil
}

// BrokerAddr returns the Kafka bootstrap address.
func (c *Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)
}

// DatabaseURL assembles the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Postgres.Host, c.Postgres.Port),
		Path:   "/" + c.Postgres.DBName,
	}

	if c.Postgres.User != "" {
		if c.Postgres.Password != "" {
			u.User = url.UserPassword(c.Postgres.User, c.Postgres.Password)
		} else {
			u.User = url.User(c.Postgres.User)
		}
	}

	if c.Postgres.SSLMode != "" {
		q := url.Values{}
		q.Set("sslmode", c.Postgres.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String()
}

// String returns a representation safe for logging: the database password
// is never included.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Kafka: %s/%s (group %s), Postgres: %s:%d/%s, BatchSize: %d, BatchTimeout: %s, Verbose: %t}",
		c.BrokerAddr(), c.Kafka.Topic, c.Kafka.GroupID,
		c.Postgres.Host, c.Postgres.Port, c.Postgres.DBName,
		c.Consumer.BatchSize, c.Consumer.BatchTimeout.Std(), c.Verbose,
	)
}
