package pubsub

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"relaybot/internal/storage"
)

// Store persists topics and their subscriber sets.
type Store interface {
	CreateTopic(ctx context.Context, t Topic) error
	GetTopic(ctx context.Context, id string) (Topic, error)
	ListTopics(ctx context.Context, activeOnly bool) ([]Topic, error)
	// DeleteTopic removes the topic and its subscriptions.
	DeleteTopic(ctx context.Context, id string) (bool, error)

	AddSubscriber(ctx context.Context, topicID, identity string, at time.Time) (bool, error)
	RemoveSubscriber(ctx context.Context, topicID, identity string) (bool, error)
	Subscribers(ctx context.Context, topicID string) ([]Subscription, error)
	TopicsFor(ctx context.Context, identity string) ([]Topic, error)
}

type sqliteStore struct {
	db *storage.DB
}

func NewSQLiteStore(db *storage.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) CreateTopic(ctx context.Context, t Topic) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO topics(id, name, description, active, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, storage.Bool(t.Active), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	return err
}

const topicColumns = `t.id, t.name, t.description, t.active, t.created_at, t.updated_at`

func scanTopic(sc interface{ Scan(...any) error }) (Topic, error) {
	var (
		t                  Topic
		active             int
		created, updatedAt int64
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.Description, &active, &created, &updatedAt); err != nil {
		return Topic{}, err
	}
	t.Active = active != 0
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return t, nil
}

func (s *sqliteStore) GetTopic(ctx context.Context, id string) (Topic, error) {
	t, err := scanTopic(s.db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topics t WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, ErrTopicNotFound
	}
	return t, err
}

func (s *sqliteStore) queryTopics(ctx context.Context, q string, args ...any) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListTopics(ctx context.Context, activeOnly bool) ([]Topic, error) {
	q := `SELECT ` + topicColumns + ` FROM topics t`
	if activeOnly {
		q += ` WHERE t.active = 1`
	}
	return s.queryTopics(ctx, q+` ORDER BY t.created_at, t.id`)
}

func (s *sqliteStore) DeleteTopic(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM topic_subscribers WHERE topic_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

func (s *sqliteStore) AddSubscriber(ctx context.Context, topicID, identity string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO topic_subscribers(topic_id, identity, created_at) VALUES(?,?,?)
		 ON CONFLICT(topic_id, identity) DO NOTHING`,
		topicID, identity, at.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) RemoveSubscriber(ctx context.Context, topicID, identity string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM topic_subscribers WHERE topic_id = ? AND identity = ?`, topicID, identity)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) Subscribers(ctx context.Context, topicID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT topic_id, identity, created_at FROM topic_subscribers WHERE topic_id = ? ORDER BY created_at, identity`, topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		var (
			sub Subscription
			at  int64
		)
		if err := rows.Scan(&sub.TopicID, &sub.Identity, &at); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.UnixMilli(at)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TopicsFor(ctx context.Context, identity string) ([]Topic, error) {
	return s.queryTopics(ctx,
		`SELECT `+topicColumns+` FROM topics t
		 JOIN topic_subscribers ts ON ts.topic_id = t.id
		 WHERE ts.identity = ? ORDER BY t.created_at, t.id`, identity)
}
