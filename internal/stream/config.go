// Package stream provides the Kafka consumer side of the ingestion pipeline:
// bounded batch pulls with manual, post-commit offset checkpointing.
package stream

import (
	"errors"
	"time"
)

const (
	defaultGroupID     = "clickstream-loader"
	defaultReadTimeout = time.Second
	defaultMaxRecords  = 1000
	defaultMinBytes    = 1
	defaultMaxBytes    = 10 << 20 // 10 MiB
)

// Configuration validation errors.
var (
	// ErrNoBrokers is returned when no broker address is configured.
	ErrNoBrokers = errors.New("at least one broker address is required")

	// ErrNoTopic is returned when the topic is empty.
	ErrNoTopic = errors.New("topic cannot be empty")
)

// Config holds Kafka consumer configuration.
type Config struct {
	// Brokers are the bootstrap broker addresses ("host:port").
	Brokers []string

	// Topic is the clickstream topic to consume.
	Topic string

	// GroupID is the consumer group; offsets are committed against it.
	GroupID string

	// ReadTimeout bounds each Fetch call. A fetch that times out with
	// nothing buffered returns an empty batch, not an error.
	ReadTimeout time.Duration

	// MaxRecords caps the payloads returned by a single Fetch. Usually
	// set to the ingestion batch size so one fetch can fill one batch.
	MaxRecords int

	// MinBytes and MaxBytes bound broker fetch sizes.
	MinBytes int
	MaxBytes int
}

// withDefaults fills zero-valued fields.
func (c Config) withDefaults() Config {
	if c.GroupID == "" {
		c.GroupID = defaultGroupID
	}

	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}

	if c.MaxRecords <= 0 {
		c.MaxRecords = defaultMaxRecords
	}

	if c.MinBytes <= 0 {
		c.MinBytes = defaultMinBytes
	}

	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}

	return c
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if c.Topic == "" {
		return ErrNoTopic
	}

	return nil
}
