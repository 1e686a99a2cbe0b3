package recording

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"relaybot/internal/storage"
)

// SQLiteBackend keeps the capped log, dedupe markers and the side index in
// the shared sqlite database.
type SQLiteBackend struct {
	db     *storage.DB
	maxLen int
	ttl    time.Duration
	now    func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

func NewSQLiteBackend(db *storage.DB, maxLen int, ttl time.Duration) *SQLiteBackend {
	if maxLen <= 0 {
		maxLen = 10000
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &SQLiteBackend{db: db, maxLen: maxLen, ttl: ttl, now: time.Now, pruneEvery: 200}
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

// Append claims the dedupe marker with one conditional upsert. An unexpired
// marker makes the upsert a no-op and the stored position is returned.
func (b *SQLiteBackend) Append(ctx context.Context, rec Record) (Position, bool, error) {
	now := b.now()
	expires := now.Add(b.ttl).UnixMilli()
	var (
		seq int64
		dup bool
	)
	err := b.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO recording_dedup(key, position, expires_at) VALUES(?, 0, ?)
			 ON CONFLICT(key) DO UPDATE SET position = 0, expires_at = excluded.expires_at
			 WHERE recording_dedup.expires_at <= ?`,
			rec.DedupeKey, expires, now.UnixMilli(),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			dup = true
			return tx.QueryRowContext(ctx, `SELECT position FROM recording_dedup WHERE key = ?`, rec.DedupeKey).Scan(&seq)
		}

		res, err = tx.ExecContext(ctx,
			`INSERT INTO recordings(id, direction, at, counterpart, channel_id, body, media_ref, correlation_id, transport_id, dedupe_key)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, string(rec.Direction), rec.Timestamp.UnixMilli(), rec.Counterpart, rec.ChannelID, rec.Body,
			storage.NullStr(rec.MediaRef), storage.NullStr(rec.CorrelationID), storage.NullStr(rec.TransportMessageID), rec.DedupeKey,
		)
		if err != nil {
			return err
		}
		if seq, err = res.LastInsertId(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE recording_dedup SET position = ? WHERE key = ?`, seq, rec.DedupeKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recording_index(natural_id, seq, expires_at) VALUES(?,?,?)
			 ON CONFLICT(natural_id) DO UPDATE SET seq = excluded.seq, expires_at = excluded.expires_at`,
			rec.NaturalID(), seq, expires,
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM recordings WHERE seq IN (SELECT seq FROM recordings ORDER BY seq DESC LIMIT -1 OFFSET ?)`,
			b.maxLen,
		)
		return err
	})
	if err != nil {
		return "", false, err
	}
	if !dup && b.opCount.Add(1)%b.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = b.pruneExpired(pctx)
		cancel()
	}
	return sqlitePosition(seq), dup, nil
}

func (b *SQLiteBackend) pruneExpired(ctx context.Context) error {
	now := b.now().UnixMilli()
	if _, err := b.db.ExecContext(ctx, `DELETE FROM recording_dedup WHERE expires_at <= ?`, now); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `DELETE FROM recording_index WHERE expires_at <= ?`, now)
	return err
}

const recordColumns = `r.seq, r.id, r.direction, r.at, r.counterpart, r.channel_id, r.body,
	COALESCE(r.media_ref, ''), COALESCE(r.correlation_id, ''), COALESCE(r.transport_id, ''), r.dedupe_key`

func scanRecord(sc interface{ Scan(...any) error }) (Record, error) {
	var (
		rec Record
		seq int64
		at  int64
		dir string
	)
	err := sc.Scan(&seq, &rec.ID, &dir, &at, &rec.Counterpart, &rec.ChannelID, &rec.Body,
		&rec.MediaRef, &rec.CorrelationID, &rec.TransportMessageID, &rec.DedupeKey)
	if err != nil {
		return Record{}, err
	}
	rec.Direction = Direction(dir)
	rec.Timestamp = time.UnixMilli(at)
	rec.Position = sqlitePosition(seq)
	return rec, nil
}

func (b *SQLiteBackend) Lookup(ctx context.Context, naturalID string) (Record, bool, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM recording_index i JOIN recordings r ON r.seq = i.seq
		 WHERE i.natural_id = ? AND i.expires_at > ?`,
		naturalID, b.now().UnixMilli(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (b *SQLiteBackend) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM recordings r ORDER BY r.seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ByCorrelation returns log entries tagged with id, oldest first.
func (b *SQLiteBackend) ByCorrelation(ctx context.Context, id string) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM recordings r WHERE r.correlation_id = ? ORDER BY r.seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Len(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings`).Scan(&n)
	return n, err
}

func (b *SQLiteBackend) Healthy(ctx context.Context) error {
	return b.db.Ping(ctx)
}
