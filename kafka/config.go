// Package kafka publishes command result notifications to Kafka
// clusters.
package kafka

import (
	"crypto/tls"
	"time"

	appconfig "shuttlelink/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds the runtime configuration for a Kafka cluster
// connection.
type Config struct {
	Name          string
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	// Producer settings
	RequiredAcks int // -1=all, 0=none, 1=leader only
	MaxRetries   int
	RetryBackoff time.Duration

	Selector string // Optional sub-namespace in the topic name
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1, // All replicas must acknowledge
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// FromAppConfig converts the persisted YAML form to the runtime form.
func FromAppConfig(c *appconfig.KafkaConfig) Config {
	cfg := DefaultConfig(c.Name)
	if len(c.Brokers) > 0 {
		cfg.Brokers = c.Brokers
	}
	cfg.UseTLS = c.UseTLS
	cfg.TLSSkipVerify = c.TLSSkipVerify
	cfg.SASLMechanism = SASLMechanism(c.SASLMechanism)
	cfg.Username = c.Username
	cfg.Password = c.Password
	if c.RequiredAcks != 0 {
		cfg.RequiredAcks = c.RequiredAcks
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.RetryBackoff > 0 {
		cfg.RetryBackoff = c.RetryBackoff
	}
	cfg.Selector = c.Selector
	return cfg
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
