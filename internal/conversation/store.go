package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"relaybot/internal/storage"
)

// Store persists conversations, their history and the counterpart index.
// The index row is the only thing that makes a conversation "the active one"
// for a counterpart; its expiry tracks LastMessageAt + timeout.
type Store interface {
	// Open returns the live conversation for c.Counterpart, or inserts c and
	// points the index at it. A stale index target is closed with the
	// timeout reason first.
	Open(ctx context.Context, c Conversation, expiresAt, now time.Time) (Opened, error)
	Get(ctx context.Context, id string) (Conversation, error)
	Lookup(ctx context.Context, counterpart string) (id string, expiresAt time.Time, ok bool, err error)
	Close(ctx context.Context, id, reason string, now time.Time) (bool, error)
	Append(ctx context.Context, id string, m Message, maxHistory int, expiresAt time.Time) (Conversation, error)
	SetTags(ctx context.Context, id string, tags []string, now time.Time) error
	ListActive(ctx context.Context, botID string) ([]Conversation, error)
	History(ctx context.Context, id string, limit, offset int) ([]Message, error)
	CloseIdle(ctx context.Context, lastBefore, now time.Time) ([]string, error)
	ArchiveClosedBefore(ctx context.Context, before, now time.Time) (int, error)
	CountActive(ctx context.Context) (int, error)
}

type sqliteStore struct {
	db *storage.DB
}

func NewSQLiteStore(db *storage.DB) Store { return &sqliteStore{db: db} }

const convColumns = `id, counterpart, bot_id, state, metadata, tags, close_reason, message_count,
	created_at, updated_at, last_message_at`

func scanConversation(sc interface{ Scan(...any) error }) (Conversation, error) {
	var (
		c                         Conversation
		state                     string
		meta, tags, reason        sql.NullString
		created, updated, lastMsg int64
	)
	err := sc.Scan(&c.ID, &c.Counterpart, &c.BotID, &state, &meta, &tags, &reason, &c.MessageCount,
		&created, &updated, &lastMsg)
	if err != nil {
		return Conversation{}, err
	}
	c.State = State(state)
	c.CloseReason = reason.String
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &c.Metadata)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &c.Tags)
	}
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	c.LastMessageAt = time.UnixMilli(lastMsg)
	return c, nil
}

func encodeJSON(v any, empty bool) any {
	if empty {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func getConversation(ctx context.Context, q storage.Execer, id string) (Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, `SELECT `+convColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

func closeConversation(ctx context.Context, q storage.Execer, id, reason string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE conversations SET state = ?, close_reason = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(StateClosed), reason, now.UnixMilli(), id, string(StateActive))
	if err != nil {
		return false, err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM conversation_index WHERE conversation_id = ?`, id); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Opened is the result of Store.Open.
type Opened struct {
	Conversation Conversation
	Created      bool
	// Expired is the stale conversation closed to make room, if any.
	Expired Conversation
}

func (s *sqliteStore) Open(ctx context.Context, c Conversation, expiresAt, now time.Time) (Opened, error) {
	var out Opened
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		var (
			curID  string
			curExp int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT conversation_id, expires_at FROM conversation_index WHERE counterpart = ?`, c.Counterpart,
		).Scan(&curID, &curExp)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case curExp > now.UnixMilli():
			cur, err := getConversation(ctx, tx, curID)
			if err == nil && cur.State == StateActive {
				out.Conversation = cur
				return nil
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		default:
			closed, err := closeConversation(ctx, tx, curID, ReasonTimeout, now)
			if err != nil {
				return err
			}
			if closed {
				if out.Expired, err = getConversation(ctx, tx, curID); err != nil {
					return err
				}
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversations(`+convColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, c.Counterpart, c.BotID, string(c.State), encodeJSON(c.Metadata, len(c.Metadata) == 0),
			encodeJSON(c.Tags, len(c.Tags) == 0), storage.NullStr(c.CloseReason), c.MessageCount,
			c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(), c.LastMessageAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_index(counterpart, conversation_id, expires_at) VALUES(?,?,?)
			 ON CONFLICT(counterpart) DO UPDATE SET conversation_id = excluded.conversation_id, expires_at = excluded.expires_at`,
			c.Counterpart, c.ID, expiresAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		out.Conversation, out.Created = c, true
		return nil
	})
	return out, err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func (s *sqliteStore) Lookup(ctx context.Context, counterpart string) (string, time.Time, bool, error) {
	var (
		id  string
		exp int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, expires_at FROM conversation_index WHERE counterpart = ?`, counterpart,
	).Scan(&id, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return id, time.UnixMilli(exp), true, nil
}

func (s *sqliteStore) Close(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	var closed bool
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		closed, err = closeConversation(ctx, tx, id, reason, now)
		return err
	})
	return closed, err
}

func (s *sqliteStore) Append(ctx context.Context, id string, m Message, maxHistory int, expiresAt time.Time) (Conversation, error) {
	var out Conversation
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		c, err := getConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.State != StateActive {
			return ErrClosed
		}
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE conversation_id = ?`, id,
		).Scan(&seq); err != nil {
			return err
		}
		at := m.Timestamp.UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages(conversation_id, seq, sender, text, at) VALUES(?,?,?,?,?)`,
			id, seq, m.Sender, m.Text, at,
		); err != nil {
			return err
		}
		if maxHistory > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM conversation_messages WHERE conversation_id = ? AND seq <= ?`, id, seq-int64(maxHistory),
			); err != nil {
				return err
			}
		}
		last := c.LastMessageAt.UnixMilli()
		if at > last {
			last = at
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET message_count = message_count + 1, last_message_at = ?, updated_at = ? WHERE id = ?`,
			last, at, id,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversation_index SET expires_at = ? WHERE conversation_id = ?`, expiresAt.UnixMilli(), id,
		); err != nil {
			return err
		}
		c.MessageCount++
		c.LastMessageAt = time.UnixMilli(last)
		c.UpdatedAt = m.Timestamp
		out = c
		return nil
	})
	return out, err
}

func (s *sqliteStore) SetTags(ctx context.Context, id string, tags []string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET tags = ?, updated_at = ? WHERE id = ?`,
		encodeJSON(tags, len(tags) == 0), now.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListActive(ctx context.Context, botID string) ([]Conversation, error) {
	q := `SELECT ` + convColumns + ` FROM conversations WHERE state = ?`
	args := []any{string(StateActive)}
	if botID != "" {
		q += ` AND bot_id = ?`
		args = append(args, botID)
	}
	return s.query(ctx, q+` ORDER BY last_message_at DESC, id`, args...)
}

func (s *sqliteStore) History(ctx context.Context, id string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender, text, at FROM conversation_messages WHERE conversation_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		id, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m  Message
			at int64
		)
		if err := rows.Scan(&m.Sender, &m.Text, &at); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CloseIdle(ctx context.Context, lastBefore, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM conversations WHERE state = ? AND last_message_at < ?`, string(StateActive), lastBefore.UnixMilli())
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := closeConversation(ctx, tx, id, ReasonTimeout, now); err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}

func (s *sqliteStore) ArchiveClosedBefore(ctx context.Context, before, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET state = ?, updated_at = ? WHERE state = ? AND updated_at < ?`,
		string(StateArchived), now.UnixMilli(), string(StateClosed), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE state = ?`, string(StateActive)).Scan(&n)
	return n, err
}
