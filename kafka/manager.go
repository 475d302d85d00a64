package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	appconfig "shuttlelink/config"
	"shuttlelink/logging"
	"shuttlelink/task"
)

// Manager owns one producer per configured cluster and publishes
// result notifications to all of them.
type Manager struct {
	mu        sync.Mutex
	namespace string
	producers map[string]*Producer
	configs   map[string]*Config
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		producers: make(map[string]*Producer),
		configs:   make(map[string]*Config),
	}
}

// Configure builds producers for every enabled cluster config.
func (m *Manager) Configure(cfgs []appconfig.KafkaConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespace = namespace
	for i := range cfgs {
		if !cfgs[i].Enabled {
			continue
		}
		cfg := FromAppConfig(&cfgs[i])
		m.configs[cfg.Name] = &cfg
		m.producers[cfg.Name] = NewProducer(&cfg)
	}
}

// StartAll connects every producer, logging failures and continuing.
func (m *Manager) StartAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, p := range m.producers {
		if err := p.Connect(); err != nil {
			logging.DebugError("kafka", "producer %s: %v", name, err)
		}
	}
}

// StopAll disconnects every producer.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.producers {
		p.Disconnect()
	}
}

// Status reports every configured cluster keyed by name, the same way
// the MQTT and Valkey managers expose their publishers' liveness.
func (m *Manager) Status() map[string]ClusterStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ClusterStatus, len(m.producers))
	for name, p := range m.producers {
		out[name] = p.Snapshot()
	}
	return out
}

// topic builds {namespace}[.{selector}].results with dots as
// separators; empty namespace falls back to "shuttlelink".
func (m *Manager) topic(selector string) string {
	parts := []string{}
	if m.namespace != "" {
		parts = append(parts, m.namespace)
	} else {
		parts = append(parts, "shuttlelink")
	}
	if selector != "" {
		parts = append(parts, selector)
	}
	parts = append(parts, "results")
	return strings.Join(parts, ".")
}

// Publish fans one notification out to every connected cluster. The
// command id keys the message so one command's results share a
// partition.
func (m *Manager) Publish(n task.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		logging.DebugError("kafka", "marshal notification %s: %v", n.CommandID, err)
		return
	}

	type target struct {
		p     *Producer
		topic string
		cfg   *Config
	}

	m.mu.Lock()
	targets := make([]target, 0, len(m.producers))
	for name, p := range m.producers {
		cfg := m.configs[name]
		targets = append(targets, target{p, m.topic(cfg.Selector), cfg})
	}
	m.mu.Unlock()

	for _, t := range targets {
		if t.p.Status() != StatusConnected {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := t.p.ProduceWithRetry(ctx, t.topic, []byte(n.CommandID), payload, t.cfg.MaxRetries, t.cfg.RetryBackoff)
		cancel()
		if err != nil {
			logging.DebugError("kafka", "producer %s: %v", t.cfg.Name, err)
		}
	}
}
