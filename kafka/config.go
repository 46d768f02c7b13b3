// Package kafka produces controller snapshots and status to Kafka and
// consumes activate/idle requests from a control topic.
package kafka

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"rcmon/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) config.KafkaConfig {
	return config.KafkaConfig{
		Name:         name,
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1, // All replicas must acknowledge
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// autoCreateTopics reports whether writers may create missing topics.
// Unset means true.
func autoCreateTopics(cfg *config.KafkaConfig) bool {
	return cfg.AutoCreateTopics == nil || *cfg.AutoCreateTopics
}

// tlsConfig returns a TLS configuration if TLS is enabled.
func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil when no
// username is set.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}

	switch SASLMechanism(cfg.SASLMechanism) {
	case SASLNone, SASLPlain:
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}

// newDialer creates a Kafka dialer with auth and TLS.
func newDialer(cfg *config.KafkaConfig) (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(cfg),
		SASLMechanism: mechanism,
	}, nil
}

// newTransport creates a Kafka transport with auth and TLS.
func newTransport(cfg *config.KafkaConfig) (*kafka.Transport, error) {
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(cfg),
		SASL:        mechanism,
	}, nil
}
