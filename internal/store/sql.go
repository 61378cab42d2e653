package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// SQL implements the Store interface on top of database/sql. The same
// implementation serves SQLite, Postgres and MySQL; only the driver name,
// placeholder style and DDL differ per dialect.
type SQL struct {
	config    Config
	db        *sql.DB
	connected bool
}

var _ Store = (*SQL)(nil)

// NewSQL creates a new SQL-backed store
func NewSQL(config Config) *SQL {
	if config.Name == "" {
		config.Name = config.Type
	}
	return &SQL{config: config}
}

func (s *SQL) driverName() string {
	switch s.config.Type {
	case "postgres":
		return "postgres"
	case "mysql":
		return "mysql"
	default:
		return "sqlite3"
	}
}

// isUniqueViolation reports whether err is a unique-constraint failure,
// checked per driver so callers see ErrAlreadyExists on every dialect.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// rebind rewrites ?-style placeholders into the dialect's style.
func (s *SQL) rebind(query string) string {
	if s.config.Type != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Connect establishes a connection and ensures the schema exists
func (s *SQL) Connect() error {
	if s.connected {
		return nil
	}

	db, err := sql.Open(s.driverName(), s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", s.config.Type, err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to %s store: %w", s.config.Type, err)
	}

	s.db = db
	s.connected = true

	if err := s.ensureSchema(); err != nil {
		s.connected = false
		_ = db.Close()
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *SQL) Close() error {
	if !s.connected {
		return nil
	}
	err := s.db.Close()
	s.connected = false
	return err
}

func (s *SQL) IsConnected() bool { return s.connected }

func (s *SQL) Name() string { return s.config.Name }

func (s *SQL) Type() string { return s.config.Type }

func (s *SQL) ensureSchema() error {
	autoTS := "TIMESTAMP"
	if s.config.Type == "mysql" {
		autoTS = "DATETIME"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS quotas (
			id VARCHAR(36) PRIMARY KEY,
			owner_id VARCHAR(64) NOT NULL UNIQUE,
			tenant_id VARCHAR(64) NOT NULL,
			initial_daily_limit INTEGER NOT NULL,
			max_daily_limit INTEGER NOT NULL,
			sent_today INTEGER NOT NULL DEFAULT 0,
			total_sent INTEGER NOT NULL DEFAULT 0,
			warmup_stage VARCHAR(16) NOT NULL,
			warmup_day INTEGER NOT NULL DEFAULT 1,
			growth_rate DOUBLE PRECISION NOT NULL,
			last_reset_date %[1]s NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, autoTS),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(36) PRIMARY KEY,
			to_address VARCHAR(255) NOT NULL,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			owner_id VARCHAR(64) NOT NULL,
			tenant_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			error TEXT,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, autoTS),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS credentials (
			id VARCHAR(36) PRIMARY KEY,
			owner_id VARCHAR(64) NOT NULL,
			tenant_id VARCHAR(64) NOT NULL,
			address VARCHAR(255) NOT NULL,
			provider VARCHAR(16) NOT NULL,
			access_token TEXT,
			refresh_token TEXT,
			token_expiry %[1]s NULL,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL,
			UNIQUE (owner_id, provider)
		)`, autoTS),
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const quotaColumns = `id, owner_id, tenant_id, initial_daily_limit, max_daily_limit,
	sent_today, total_sent, warmup_stage, warmup_day, growth_rate,
	last_reset_date, version, created_at, updated_at`

func (s *SQL) scanQuota(row interface{ Scan(...any) error }) (Quota, error) {
	var q Quota
	var stage string
	err := row.Scan(&q.ID, &q.OwnerID, &q.TenantID, &q.InitialDailyLimit,
		&q.MaxDailyLimit, &q.SentToday, &q.TotalSent, &stage, &q.WarmupDay,
		&q.GrowthRate, &q.LastResetDate, &q.Version, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Quota{}, ErrNotFound
	}
	if err != nil {
		return Quota{}, err
	}
	q.WarmupStage = WarmupStage(stage)
	return q, nil
}

func (s *SQL) CreateQuota(ctx context.Context, q Quota) (Quota, error) {
	if !s.connected {
		return Quota{}, ErrNotConnected
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.Version = 1
	now := time.Now()
	q.CreatedAt = now
	q.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO quotas (`+quotaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		q.ID, q.OwnerID, q.TenantID, q.InitialDailyLimit, q.MaxDailyLimit,
		q.SentToday, q.TotalSent, string(q.WarmupStage), q.WarmupDay,
		q.GrowthRate, q.LastResetDate, q.Version, q.CreatedAt, q.UpdatedAt)
	if isUniqueViolation(err) {
		return Quota{}, ErrAlreadyExists
	}
	if err != nil {
		return Quota{}, fmt.Errorf("failed to create quota: %w", err)
	}
	return q, nil
}

func (s *SQL) GetQuota(ctx context.Context, ownerID string) (Quota, error) {
	if !s.connected {
		return Quota{}, ErrNotConnected
	}
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+quotaColumns+` FROM quotas WHERE owner_id = ?`), ownerID)
	return s.scanQuota(row)
}

func (s *SQL) UpdateQuota(ctx context.Context, q Quota) (Quota, error) {
	if !s.connected {
		return Quota{}, ErrNotConnected
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE quotas SET
		sent_today = ?, total_sent = ?, warmup_stage = ?, warmup_day = ?,
		last_reset_date = ?, version = version + 1, updated_at = ?
		WHERE owner_id = ? AND version = ?`),
		q.SentToday, q.TotalSent, string(q.WarmupStage), q.WarmupDay,
		q.LastResetDate, now, q.OwnerID, q.Version)
	if err != nil {
		return Quota{}, fmt.Errorf("failed to update quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Quota{}, err
	}
	if affected == 0 {
		// Distinguish a missing row from a lost optimistic race.
		if _, getErr := s.GetQuota(ctx, q.OwnerID); errors.Is(getErr, ErrNotFound) {
			return Quota{}, ErrNotFound
		}
		return Quota{}, ErrStaleVersion
	}
	q.Version++
	q.UpdatedAt = now
	return q, nil
}

func (s *SQL) IncrementQuotaSent(ctx context.Context, ownerID string, dailyLimit int) (Quota, error) {
	if !s.connected {
		return Quota{}, ErrNotConnected
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE quotas SET
		sent_today = sent_today + 1, total_sent = total_sent + 1,
		version = version + 1, updated_at = ?
		WHERE owner_id = ? AND sent_today < ?`),
		time.Now(), ownerID, dailyLimit)
	if err != nil {
		return Quota{}, fmt.Errorf("failed to increment quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Quota{}, err
	}
	if affected == 0 {
		if _, getErr := s.GetQuota(ctx, ownerID); errors.Is(getErr, ErrNotFound) {
			return Quota{}, ErrNotFound
		}
		return Quota{}, ErrQuotaExceeded
	}
	return s.GetQuota(ctx, ownerID)
}

func (s *SQL) ListWarmupQuotas(ctx context.Context) ([]Quota, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+quotaColumns+` FROM quotas WHERE sent_today = 0 ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list warmup quotas: %w", err)
	}
	defer rows.Close()

	var quotas []Quota
	for rows.Next() {
		q, err := s.scanQuota(rows)
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, q)
	}
	return quotas, rows.Err()
}

func (s *SQL) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if !s.connected {
		return Message{}, ErrNotConnected
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO messages
		(id, to_address, subject, body, owner_id, tenant_id, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ToAddress, m.Subject, m.Body, m.OwnerID, m.TenantID,
		string(m.Status), m.Error, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("failed to create message: %w", err)
	}
	return m, nil
}

func (s *SQL) GetMessage(ctx context.Context, id string) (Message, error) {
	if !s.connected {
		return Message{}, ErrNotConnected
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT
		id, to_address, subject, body, owner_id, tenant_id, status, error, created_at, updated_at
		FROM messages WHERE id = ?`), id)

	var m Message
	var status string
	var errMsg sql.NullString
	err := row.Scan(&m.ID, &m.ToAddress, &m.Subject, &m.Body, &m.OwnerID,
		&m.TenantID, &status, &errMsg, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	m.Status = MessageStatus(status)
	m.Error = errMsg.String
	return m, nil
}

func (s *SQL) SetMessageStatus(ctx context.Context, id string, status MessageStatus, errMsg string) error {
	if !s.connected {
		return ErrNotConnected
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE messages SET
		status = ?, error = ?, updated_at = ? WHERE id = ?`),
		string(status), errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set message status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) ListMessages(ctx context.Context, ownerID, tenantID string, limit int) ([]Message, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT
		id, to_address, subject, body, owner_id, tenant_id, status, error, created_at, updated_at
		FROM messages WHERE owner_id = ? AND tenant_id = ?
		ORDER BY created_at DESC LIMIT ?`), ownerID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var status string
		var errMsg sql.NullString
		if err := rows.Scan(&m.ID, &m.ToAddress, &m.Subject, &m.Body, &m.OwnerID,
			&m.TenantID, &status, &errMsg, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Status = MessageStatus(status)
		m.Error = errMsg.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQL) SaveCredential(ctx context.Context, c Credential) (Credential, error) {
	if !s.connected {
		return Credential{}, ErrNotConnected
	}
	now := time.Now()

	existing, err := s.GetCredential(ctx, c.OwnerID, c.Provider)
	switch {
	case err == nil:
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		c.UpdatedAt = now
		_, err = s.db.ExecContext(ctx, s.rebind(`UPDATE credentials SET
			address = ?, access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
			WHERE id = ?`),
			c.Address, c.AccessToken, c.RefreshToken, c.TokenExpiry, now, c.ID)
		if err != nil {
			return Credential{}, fmt.Errorf("failed to update credential: %w", err)
		}
		return c, nil
	case errors.Is(err, ErrNotFound):
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.CreatedAt = now
		c.UpdatedAt = now
		_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO credentials
			(id, owner_id, tenant_id, address, provider, access_token, refresh_token, token_expiry, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.OwnerID, c.TenantID, c.Address, string(c.Provider),
			c.AccessToken, c.RefreshToken, c.TokenExpiry, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return Credential{}, fmt.Errorf("failed to create credential: %w", err)
		}
		return c, nil
	default:
		return Credential{}, err
	}
}

func (s *SQL) GetCredential(ctx context.Context, ownerID string, provider ProviderType) (Credential, error) {
	if !s.connected {
		return Credential{}, ErrNotConnected
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT
		id, owner_id, tenant_id, address, provider, access_token, refresh_token, token_expiry, created_at, updated_at
		FROM credentials WHERE owner_id = ? AND provider = ?`),
		ownerID, string(provider))

	var c Credential
	var prov string
	var access, refresh sql.NullString
	var expiry sql.NullTime
	err := row.Scan(&c.ID, &c.OwnerID, &c.TenantID, &c.Address, &prov,
		&access, &refresh, &expiry, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	c.Provider = ProviderType(prov)
	c.AccessToken = access.String
	c.RefreshToken = refresh.String
	c.TokenExpiry = expiry.Time
	return c, nil
}
