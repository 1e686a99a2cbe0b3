package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"relaybot/internal/storage"
)

// Store persists scheduled jobs.
type Store interface {
	Insert(ctx context.Context, j Job) error
	Save(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, f Filter) ([]Job, error)
	DeleteExecutedBefore(ctx context.Context, before time.Time) (int, error)
}

type SQLiteStore struct {
	db *storage.DB
}

func NewSQLiteStore(db *storage.DB) *SQLiteStore { return &SQLiteStore{db: db} }

const jobColumns = `id, recipient, channel_id, message, kind, cron, fire_at, description,
	active, executed, attempts, last_error, last_run_at, created_at, updated_at`

func (s *SQLiteStore) Insert(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Recipient, j.ChannelID, j.Message, string(j.Trigger.Kind), j.Trigger.Cron, storage.Millis(j.Trigger.FireAt),
		j.Description, storage.Bool(j.Active), storage.Bool(j.Executed), j.Attempts, storage.NullStr(j.LastError),
		storage.Millis(j.LastRunAt), j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, j Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET recipient=?, channel_id=?, message=?, kind=?, cron=?, fire_at=?, description=?,
		 active=?, executed=?, attempts=?, last_error=?, last_run_at=?, updated_at=? WHERE id=?`,
		j.Recipient, j.ChannelID, j.Message, string(j.Trigger.Kind), j.Trigger.Cron, storage.Millis(j.Trigger.FireAt),
		j.Description, storage.Bool(j.Active), storage.Bool(j.Executed), j.Attempts, storage.NullStr(j.LastError),
		storage.Millis(j.LastRunAt), j.UpdatedAt.UnixMilli(), j.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(sc interface{ Scan(...any) error }) (Job, error) {
	var (
		j                   Job
		kind                string
		fireAt, lastRun     sql.NullInt64
		lastErr             sql.NullString
		active, executed    int
		createdAt, updateAt int64
	)
	err := sc.Scan(&j.ID, &j.Recipient, &j.ChannelID, &j.Message, &kind, &j.Trigger.Cron, &fireAt, &j.Description,
		&active, &executed, &j.Attempts, &lastErr, &lastRun, &createdAt, &updateAt)
	if err != nil {
		return Job{}, err
	}
	j.Trigger.Kind = TriggerKind(kind)
	j.Trigger.FireAt = storage.FromMillis(fireAt)
	j.Active = active != 0
	j.Executed = executed != 0
	j.LastError = lastErr.String
	j.LastRunAt = storage.FromMillis(lastRun)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updateAt)
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Active != nil {
		where = append(where, "active = ?")
		args = append(args, storage.Bool(*f.Active))
	}
	if f.Executed != nil {
		where = append(where, "executed = ?")
		args = append(args, storage.Bool(*f.Executed))
	}
	if f.OneTime != nil {
		kind := TriggerRecurring
		if *f.OneTime {
			kind = TriggerOneShot
		}
		where = append(where, "kind = ?")
		args = append(args, string(kind))
	}
	if f.Recipient != "" {
		where = append(where, "(recipient = ? OR channel_id = ?)")
		args = append(args, f.Recipient, f.Recipient)
	}
	q := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExecutedBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE kind = ? AND executed = 1 AND updated_at < ?`,
		string(TriggerOneShot), before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
