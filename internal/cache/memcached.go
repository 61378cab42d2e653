package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for memcached
type Memcached struct {
	config    Config
	client    *memcache.Client
	connected bool
}

// NewMemcached creates a new memcached cache
func NewMemcached(config Config) *Memcached {
	if config.Port == 0 {
		config.Port = 11211
	}
	if config.Name == "" {
		config.Name = "memcached"
	}
	return &Memcached{config: config}
}

// Connect establishes a connection to memcached
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", m.config.Host, m.config.Port))
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close closes the connection to memcached
func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

func (m *Memcached) IsConnected() bool { return m.connected }

func (m *Memcached) Name() string { return m.config.Name }

func (m *Memcached) Type() string { return "memcached" }

func (m *Memcached) Get(_ context.Context, key string) (string, error) {
	if !m.connected {
		return "", ErrNotConnected
	}
	item, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(item.Value), nil
}

func (m *Memcached) Set(_ context.Context, key, value string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}
	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: int32(expiration.Seconds()),
	})
}

func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}
	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}
