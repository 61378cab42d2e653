package cache

import (
	"context"
	"sync"
	"time"
)

// Memory implements the Cache interface with an in-process map. Expired
// entries are reaped lazily on access and by a background janitor.
type Memory struct {
	config    Config
	connected bool

	mu      sync.RWMutex
	entries map[string]memoryEntry
	stopCh  chan struct{}
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	if config.Name == "" {
		config.Name = "memory"
	}
	return &Memory{
		config:  config,
		entries: make(map[string]memoryEntry),
	}
}

// Connect starts the janitor goroutine
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	m.connected = true
	m.stopCh = make(chan struct{})
	go m.janitor()
	return nil
}

// Close stops the janitor and drops all entries
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	close(m.stopCh)
	m.connected = false
	m.entries = make(map[string]memoryEntry)
	return nil
}

func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Memory) Name() string { return m.config.Name }

func (m *Memory) Type() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	connected := m.connected
	m.mu.RUnlock()

	if !connected {
		return "", ErrNotConnected
	}
	if !ok {
		return "", ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	entry := memoryEntry{value: value}
	if expiration > 0 {
		entry.expiresAt = time.Now().Add(expiration)
	}
	m.entries[key] = entry
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	delete(m.entries, key)
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.entries {
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
