// Package mqtt publishes command result notifications to MQTT brokers.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"shuttlelink/config"
	"shuttlelink/logging"
	"shuttlelink/task"
)

// Publisher maintains one broker connection and publishes result
// notifications to it.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex
}

// NewPublisher creates a publisher for a single broker. namespace is
// the instance namespace prefixed to every topic.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{config: cfg, namespace: namespace}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()

	if p.config.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	}

	opts.SetClientID(p.config.ClientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", "connecting to broker %s:%d", p.config.Broker, p.config.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugConnectError("mqtt", "connection timeout to %s:%d", p.config.Broker, p.config.Port)
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugConnectError("mqtt", "connection error: %v", token.Error())
		return token.Error()
	}

	logging.DebugConnect("mqtt", "connected to broker %s:%d", p.config.Broker, p.config.Port)

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.client.Disconnect(250)
	logging.DebugDisconnect("mqtt", "disconnected from %s:%d", p.config.Broker, p.config.Port)
}

// topic builds {namespace}/[{selector}/]results/{device}/{command-id}.
func (p *Publisher) topic(n *task.Notification) string {
	base := p.namespace
	if p.config.Selector != "" {
		base = base + "/" + p.config.Selector
	}
	return fmt.Sprintf("%s/results/%s/%s", base, n.Device, n.CommandID)
}

// Publish sends one notification. Publishing while disconnected is a
// silent no-op; paho queues nothing for us.
func (p *Publisher) Publish(n task.Notification) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running {
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	token := client.Publish(p.topic(&n), 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for %s", n.CommandID)
	}
	if token.Error() != nil {
		return token.Error()
	}
	logging.DebugLog("mqtt", "published %s result for %s", n.Outcome, n.CommandID)
	return nil
}

// Manager owns the configured publishers.
type Manager struct {
	mu         sync.Mutex
	publishers map[string]*Publisher
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{publishers: make(map[string]*Publisher)}
}

// Configure builds publishers for every enabled broker config.
func (m *Manager) Configure(cfgs []config.MQTTConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range cfgs {
		if !cfgs[i].Enabled {
			continue
		}
		m.publishers[cfgs[i].Name] = NewPublisher(&cfgs[i], namespace)
	}
}

// StartAll connects every publisher, logging failures and continuing.
func (m *Manager) StartAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, p := range m.publishers {
		if err := p.Start(); err != nil {
			logging.DebugError("mqtt", "publisher %s: %v", name, err)
		}
	}
}

// StopAll disconnects every publisher.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.publishers {
		p.Stop()
	}
}

// Publish fans one notification out to every running publisher.
func (m *Manager) Publish(n task.Notification) {
	m.mu.Lock()
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, p := range m.publishers {
		pubs = append(pubs, p)
	}
	m.mu.Unlock()

	for _, p := range pubs {
		if err := p.Publish(n); err != nil {
			logging.DebugError("mqtt", "publisher %s: %v", p.Name(), err)
		}
	}
}
