package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"relaybot/internal/storage"
)

// AuditStore keeps recent routing decisions keyed by message id.
type AuditStore interface {
	Put(ctx context.Context, messageID string, d Decision, at, expiresAt time.Time) error
	Get(ctx context.Context, messageID string, now time.Time) (Decision, bool, error)
	Purge(ctx context.Context, now time.Time) (int, error)
}

type sqliteAudit struct {
	db *storage.DB
}

func NewSQLiteAudit(db *storage.DB) AuditStore { return &sqliteAudit{db: db} }

func (a *sqliteAudit) Put(ctx context.Context, messageID string, d Decision, at, expiresAt time.Time) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO route_audit(message_id, decision, at, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(message_id) DO UPDATE SET decision = excluded.decision, at = excluded.at, expires_at = excluded.expires_at`,
		messageID, string(b), at.UnixMilli(), expiresAt.UnixMilli(),
	)
	return err
}

func (a *sqliteAudit) Get(ctx context.Context, messageID string, now time.Time) (Decision, bool, error) {
	var raw string
	err := a.db.QueryRowContext(ctx,
		`SELECT decision FROM route_audit WHERE message_id = ? AND expires_at > ?`, messageID, now.UnixMilli(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, false, err
	}
	return d, true, nil
}

func (a *sqliteAudit) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM route_audit WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
