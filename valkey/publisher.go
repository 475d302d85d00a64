// Package valkey stores command result notifications in a
// Valkey/Redis server and announces them on a pub/sub channel.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"shuttlelink/config"
	"shuttlelink/logging"
	"shuttlelink/task"
)

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Publisher stores result notifications in one Valkey server. The
// latest result per command lives under a key; every result is also
// announced on a pub/sub channel for live consumers.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex
}

// NewPublisher creates a publisher for one server.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
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

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	logging.DebugConnect("valkey", "connecting to %s (DB %d, TLS %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", "connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	logging.DebugConnect("valkey", "connected to %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.client.Close()
	p.client = nil
	logging.DebugDisconnect("valkey", "disconnected from %s", p.config.Address)
}

// resultKey builds {namespace}:[{selector}:]results:{command-id}.
func (p *Publisher) resultKey(commandID string) string {
	return joinKey(p.namespace, p.config.Selector, "results", commandID)
}

// channel builds {namespace}:[{selector}:]results.
func (p *Publisher) channel() string {
	return joinKey(p.namespace, p.config.Selector, "results")
}

// Publish stores one notification under its command key and announces
// it on the results channel. A no-op while disconnected.
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

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.resultKey(n.CommandID), payload, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("set result key: %w", err)
	}
	if err := client.Publish(ctx, p.channel(), payload).Err(); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	logging.DebugLog("valkey", "stored %s result for %s", n.Outcome, n.CommandID)
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

// Configure builds publishers for every enabled server config.
func (m *Manager) Configure(cfgs []config.ValkeyConfig, namespace string) {
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
			logging.DebugError("valkey", "publisher %s: %v", name, err)
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
			logging.DebugError("valkey", "publisher %s: %v", p.Name(), err)
		}
	}
}
