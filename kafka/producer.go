package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"rcmon/config"
	"rcmon/logging"
	"rcmon/namespace"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ErrNotConnected is returned when producing on a disconnected cluster.
var ErrNotConnected = errors.New("kafka cluster not connected")

// Producer writes messages to one Kafka cluster.
type Producer struct {
	config  *config.KafkaConfig
	ns      *namespace.Builder
	writers map[string]*kafka.Writer // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer. Topics are named from ns and
// the cluster's selector.
func NewProducer(cfg *config.KafkaConfig, ns string) *Producer {
	return &Producer{
		config:  cfg,
		ns:      namespace.New(ns, cfg.Selector),
		writers: make(map[string]*kafka.Writer),
		status:  StatusDisconnected,
	}
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Config returns the cluster configuration.
func (p *Producer) Config() *config.KafkaConfig {
	return p.config
}

// Namespace returns the topic builder for this cluster.
func (p *Producer) Namespace() *namespace.Builder {
	return p.ns
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies that at least one broker is reachable.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	name := p.config.Name
	brokers := p.config.Brokers
	p.mu.Unlock()

	logging.DebugConnect("kafka", strings.Join(brokers, ","))

	if err := p.dialAny(brokers); err != nil {
		p.setError(err)
		logging.DebugConnectError("kafka", strings.Join(brokers, ","), err)
		return err
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugConnectSuccess("kafka", strings.Join(brokers, ","), "producer "+name)
	return nil
}

func (p *Producer) dialAny(brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no brokers configured")
	}
	dialer, err := newDialer(p.config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for _, broker := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("failed to connect: %w", lastErr)
}

func (p *Producer) setError(err error) {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == StatusDisconnected && len(p.writers) == 0 {
		return
	}
	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}

	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect("kafka", p.config.Name, "producer stopped")
}

// Produce sends one message to topic and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	start := time.Now()
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		p.mu.Lock()
		p.messagesError++
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logging.DebugLog("kafka", "TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		logging.DebugLog("kafka", "PRODUCE %s: FAILED topic '%s' after %v: %v", p.config.Name, topic, time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog("kafka", "PRODUCE %s: topic '%s' took %v", p.config.Name, topic, d)
	}

	p.mu.Lock()
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// ProduceWithRetry sends a message, retrying with linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	maxRetries := p.config.MaxRetries
	backoff := p.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}

		err := p.Produce(ctx, topic, key, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", maxRetries+1, lastErr)
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, p.config.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	transport, err := newTransport(p.config)
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{}, // keyed by controller name
		Transport: transport,

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: autoCreateTopics(p.config),
	}

	p.writers[topic] = writer
	logging.DebugLog("kafka", "TOPIC %s: created writer for topic '%s' (auto-create=%v)",
		p.config.Name, topic, writer.AllowAutoTopicCreation)
	return writer, nil
}
