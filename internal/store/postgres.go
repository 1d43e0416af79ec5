package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Rajchodisetti/tradegate/internal/safety"
)

// ErrDuplicateEntry is returned when an audit ID was already written.
var ErrDuplicateEntry = errors.New("duplicate audit entry")

const auditSchema = `
CREATE TABLE IF NOT EXISTS safety_audit_log (
	seq         BIGSERIAL,
	id          UUID PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	action_type TEXT NOT NULL,
	severity    TEXT NOT NULL,
	details     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE safety_audit_log ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
CREATE INDEX IF NOT EXISTS safety_audit_log_ts_idx ON safety_audit_log (ts, seq);`

// PostgresAudit is the emergency log as an insert-only table.
type PostgresAudit struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewPostgresAudit(db *sqlx.DB, timeout time.Duration) *PostgresAudit {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &PostgresAudit{db: db, timeout: timeout}
}

// OpenPostgres connects with lib/pq and pings once.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (p *PostgresAudit) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (p *PostgresAudit) Append(ctx context.Context, e safety.LogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO safety_audit_log (id, ts, action_type, severity, details)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Timestamp, e.ActionType, string(e.Severity), details)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

type auditRow struct {
	ID         string    `db:"id"`
	Timestamp  time.Time `db:"ts"`
	ActionType string    `db:"action_type"`
	Severity   string    `db:"severity"`
	Details    []byte    `db:"details"`
}

// Recent returns the newest limit entries, oldest first. Entries written in
// the same instant come back in insert order.
func (p *PostgresAudit) Recent(ctx context.Context, limit int) ([]safety.LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if limit <= 0 {
		limit = 1000
	}

	var rows []auditRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT id, ts, action_type, severity, details
		FROM safety_audit_log
		ORDER BY ts DESC, seq DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}

	out := make([]safety.LogEntry, len(rows))
	for i, r := range rows {
		e := safety.LogEntry{
			ID:         r.ID,
			Timestamp:  r.Timestamp,
			ActionType: r.ActionType,
			Severity:   safety.Severity(r.Severity),
		}
		if len(r.Details) > 0 {
			if err := json.Unmarshal(r.Details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details for %s: %w", r.ID, err)
			}
		}
		out[len(rows)-1-i] = e
	}
	return out, nil
}
