package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"shuttlelink/logging"
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

// ClusterStatus is a point-in-time snapshot of one cluster's producer:
// connection state, delivery counters and the last failure, if any.
type ClusterStatus struct {
	Status    ConnectionStatus `json:"status"`
	Sent      int64            `json:"sent"`
	Errors    int64            `json:"errors"`
	LastSend  time.Time        `json:"last_send,omitzero"`
	LastError string           `json:"last_error,omitempty"`
}

// Producer publishes result notifications to one cluster, keeping a
// writer per topic.
type Producer struct {
	config  *Config
	writers map[string]*kafka.Writer

	mu       sync.RWMutex
	status   ConnectionStatus
	sent     int64
	errs     int64
	lastSend time.Time
	lastErr  error
}

// NewProducer creates a disconnected producer for one cluster.
func NewProducer(config *Config) *Producer {
	return &Producer{
		config:  config,
		writers: make(map[string]*kafka.Writer),
		status:  StatusDisconnected,
	}
}

// Status returns the current connection status.
func (p *Producer) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Snapshot returns the producer's status and counters.
func (p *Producer) Snapshot() ClusterStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := ClusterStatus{
		Status:   p.status,
		Sent:     p.sent,
		Errors:   p.errs,
		LastSend: p.lastSend,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}

// recordSend folds one delivery attempt into the counters.
func (p *Producer) recordSend(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.errs++
		p.lastErr = err
		return
	}
	p.sent++
	p.lastSend = time.Now()
	p.lastErr = nil
}

// Connect probes the first broker. Writers are created lazily per
// topic once connected.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	name := p.config.Name
	brokers := p.config.Brokers
	p.mu.Unlock()

	logging.DebugConnect("kafka", "%s: connecting to brokers %v", name, brokers)

	tlsConf, mechanism := p.security()
	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mechanism,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = fmt.Errorf("failed to connect: %w", err)
		p.mu.Unlock()
		logging.DebugConnectError("kafka", "%s: %v", name, err)
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.Close()

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugConnect("kafka", "%s: connected", name)
	return nil
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}

	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect("kafka", "%s: disconnected", p.config.Name)
}

// Produce sends one message and blocks until the broker acknowledges
// it. Every attempt lands in the snapshot counters.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}

	err = writer.WriteMessages(ctx, msg)
	p.recordSend(err)
	if err != nil {
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	return nil
}

// ProduceWithRetry retries Produce with linear backoff until success,
// context end, or the attempt budget runs out.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte, maxRetries int, backoff time.Duration) error {
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
		lastErr = err
	}

	return fmt.Errorf("kafka produce failed after %d attempts: %w", maxRetries+1, lastErr)
}

// getWriter returns or creates the writer for a topic.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster %q not connected", p.config.Name)
	}

	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	tlsConf, mechanism := p.security()
	writer := &kafka.Writer{
		Addr:     kafka.TCP(p.config.Brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
		Transport: &kafka.Transport{
			DialTimeout: 10 * time.Second,
			TLS:         tlsConf,
			SASL:        mechanism,
		},

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false, // synchronous: the caller owns retry policy
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		// The broker auto-creates result topics on first produce if
		// configured to.
		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = writer
	logging.DebugLog("kafka", "%s: created writer for topic %q", p.config.Name, topic)
	return writer, nil
}

// security resolves the cluster's TLS and SASL settings.
func (p *Producer) security() (*tls.Config, sasl.Mechanism) {
	var tlsConf *tls.Config
	if p.config.UseTLS {
		tlsConf = p.config.GetTLSConfig()
	}

	if p.config.Username == "" {
		return tlsConf, nil
	}
	switch p.config.SASLMechanism {
	case SASLPlain:
		return tlsConf, plain.Mechanism{
			Username: p.config.Username,
			Password: p.config.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
		return tlsConf, mechanism
	case SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
		return tlsConf, mechanism
	default:
		return tlsConf, nil
	}
}
