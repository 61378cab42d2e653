package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements the Store interface entirely in memory. It is used by
// tests and by single-process deployments that do not need durability.
type Memory struct {
	config    Config
	connected bool

	mu          sync.RWMutex
	quotas      map[string]Quota      // keyed by ownerID
	messages    map[string]Message    // keyed by message ID
	credentials map[string]Credential // keyed by ownerID + "/" + provider
}

var _ Store = (*Memory)(nil)

// NewMemory creates a new in-memory store
func NewMemory(config Config) *Memory {
	if config.Name == "" {
		config.Name = "memory"
	}
	return &Memory{
		config:      config,
		quotas:      make(map[string]Quota),
		messages:    make(map[string]Message),
		credentials: make(map[string]Credential),
	}
}

func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Memory) Name() string { return m.config.Name }

func (m *Memory) Type() string { return "memory" }

func (m *Memory) CreateQuota(_ context.Context, q Quota) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.quotas[q.OwnerID]; exists {
		return Quota{}, ErrAlreadyExists
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.Version = 1
	now := time.Now()
	q.CreatedAt = now
	q.UpdatedAt = now
	m.quotas[q.OwnerID] = q
	return q, nil
}

func (m *Memory) GetQuota(_ context.Context, ownerID string) (Quota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.quotas[ownerID]
	if !ok {
		return Quota{}, ErrNotFound
	}
	return q, nil
}

func (m *Memory) UpdateQuota(_ context.Context, q Quota) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.quotas[q.OwnerID]
	if !ok {
		return Quota{}, ErrNotFound
	}
	if current.Version != q.Version {
		return Quota{}, ErrStaleVersion
	}
	q.Version++
	q.UpdatedAt = time.Now()
	m.quotas[q.OwnerID] = q
	return q, nil
}

func (m *Memory) IncrementQuotaSent(_ context.Context, ownerID string, dailyLimit int) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[ownerID]
	if !ok {
		return Quota{}, ErrNotFound
	}
	if q.SentToday >= dailyLimit {
		return Quota{}, ErrQuotaExceeded
	}
	q.SentToday++
	q.TotalSent++
	q.Version++
	q.UpdatedAt = time.Now()
	m.quotas[ownerID] = q
	return q, nil
}

func (m *Memory) ListWarmupQuotas(_ context.Context) ([]Quota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var quotas []Quota
	for _, q := range m.quotas {
		if q.SentToday == 0 {
			quotas = append(quotas, q)
		}
	}
	sort.Slice(quotas, func(i, j int) bool {
		return quotas[i].OwnerID < quotas[j].OwnerID
	})
	return quotas, nil
}

func (m *Memory) CreateMessage(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := m.messages[msg.ID]; exists {
		return Message{}, ErrAlreadyExists
	}
	now := time.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	m.messages[msg.ID] = msg
	return msg, nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) SetMessageStatus(_ context.Context, id string, status MessageStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = status
	msg.Error = errMsg
	msg.UpdatedAt = time.Now()
	m.messages[id] = msg
	return nil
}

func (m *Memory) ListMessages(_ context.Context, ownerID, tenantID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []Message
	for _, msg := range m.messages {
		if msg.OwnerID == ownerID && msg.TenantID == tenantID {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *Memory) SaveCredential(_ context.Context, c Credential) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := c.OwnerID + "/" + string(c.Provider)
	now := time.Now()
	if existing, ok := m.credentials[key]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.credentials[key] = c
	return c, nil
}

func (m *Memory) GetCredential(_ context.Context, ownerID string, provider ProviderType) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[ownerID+"/"+string(provider)]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}
