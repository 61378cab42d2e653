package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrNotConnected  = errors.New("not connected to store")
	ErrQuotaExceeded = errors.New("daily quota exceeded")
	ErrStaleVersion  = errors.New("stale quota version")
)

// WarmupStage represents the reputation-building stage of a mailbox.
type WarmupStage string

const (
	StageInitial     WarmupStage = "initial"
	StageBuilding    WarmupStage = "building"
	StageEstablished WarmupStage = "established"
	StageMaximum     WarmupStage = "maximum"
)

// MessageStatus represents the lifecycle state of an outbound message.
type MessageStatus string

const (
	StatusQueued   MessageStatus = "queued"
	StatusSent     MessageStatus = "sent"
	StatusFailed   MessageStatus = "failed"
	StatusDelayed  MessageStatus = "delayed"
	StatusRejected MessageStatus = "rejected"
)

// ProviderType identifies the mail provider a credential belongs to.
type ProviderType string

const (
	ProviderGmail   ProviderType = "gmail"
	ProviderOutlook ProviderType = "outlook"
)

// Quota tracks the daily send allowance for one mailbox. Version is an
// optimistic-lock counter bumped on every write so concurrent workers
// cannot double-apply a daily reset.
type Quota struct {
	ID                string      `json:"id"`
	OwnerID           string      `json:"owner_id"`
	TenantID          string      `json:"tenant_id"`
	InitialDailyLimit int         `json:"initial_daily_limit"`
	MaxDailyLimit     int         `json:"max_daily_limit"`
	SentToday         int         `json:"sent_today"`
	TotalSent         int         `json:"total_sent"`
	WarmupStage       WarmupStage `json:"warmup_stage"`
	WarmupDay         int         `json:"warmup_day"`
	GrowthRate        float64     `json:"growth_rate"`
	LastResetDate     time.Time   `json:"last_reset_date"`
	Version           int64       `json:"version"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Message is an outbound email job.
type Message struct {
	ID        string        `json:"id"`
	ToAddress string        `json:"to_address"`
	Subject   string        `json:"subject"`
	Body      string        `json:"body"`
	OwnerID   string        `json:"owner_id"`
	TenantID  string        `json:"tenant_id"`
	Status    MessageStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Credential holds provider tokens for one mailbox. Token fields are
// stored sealed; internal/credential owns encryption and mutation.
type Credential struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	TenantID     string       `json:"tenant_id"`
	Address      string       `json:"address"`
	Provider     ProviderType `json:"provider"`
	AccessToken  string       `json:"-"`
	RefreshToken string       `json:"-"`
	TokenExpiry  time.Time    `json:"token_expiry"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Store defines the persistence boundary used by the delivery pipeline.
type Store interface {
	// Connect establishes a connection to the backing store
	Connect() error

	// Close closes the connection to the backing store
	Close() error

	// IsConnected returns true if the store is connected
	IsConnected() bool

	// Name returns the name of this store instance
	Name() string

	// Type returns the backend type (e.g. "sqlite", "postgres")
	Type() string

	// Quota operations
	CreateQuota(ctx context.Context, q Quota) (Quota, error)
	GetQuota(ctx context.Context, ownerID string) (Quota, error)
	// UpdateQuota writes q if q.Version still matches the stored row,
	// returning ErrStaleVersion otherwise. The returned quota carries the
	// bumped version.
	UpdateQuota(ctx context.Context, q Quota) (Quota, error)
	// IncrementQuotaSent atomically bumps sentToday/totalSent provided
	// sentToday is still below dailyLimit, returning ErrQuotaExceeded when
	// the allowance is already spent.
	IncrementQuotaSent(ctx context.Context, ownerID string, dailyLimit int) (Quota, error)
	// ListWarmupQuotas returns quotas that have not sent anything today.
	ListWarmupQuotas(ctx context.Context) ([]Quota, error)

	// Message operations
	CreateMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	SetMessageStatus(ctx context.Context, id string, status MessageStatus, errMsg string) error
	ListMessages(ctx context.Context, ownerID, tenantID string, limit int) ([]Message, error)

	// Credential operations
	SaveCredential(ctx context.Context, c Credential) (Credential, error)
	GetCredential(ctx context.Context, ownerID string, provider ProviderType) (Credential, error)
}

// Config represents the configuration for a store
type Config struct {
	Type string `toml:"type"` // "sqlite", "postgres", "mysql", "memory"
	Name string `toml:"name"`
	DSN  string `toml:"dsn"`
}

// Factory creates store instances based on configuration
func Factory(config Config) (Store, error) {
	switch config.Type {
	case "sqlite", "postgres", "mysql":
		return NewSQL(config), nil
	case "memory":
		return NewMemory(config), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// DefaultQuota returns a quota in its initial warmup state for a new mailbox.
func DefaultQuota(ownerID, tenantID string) Quota {
	now := time.Now()
	return Quota{
		OwnerID:           ownerID,
		TenantID:          tenantID,
		InitialDailyLimit: 10,
		MaxDailyLimit:     100,
		WarmupStage:       StageInitial,
		WarmupDay:         1,
		GrowthRate:        1.5,
		LastResetDate:     now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
