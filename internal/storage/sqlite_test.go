package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesSchema(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	for _, table := range []string{"settings", "scheduled_jobs", "topics", "recordings", "route_audit"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestTxRollsBack(t *testing.T) {
	t.Parallel()
	db := openTest(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings(key, value, updated_at) VALUES('a','b',1)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Tx error = %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM settings`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("rows = %d, want 0 after rollback", n)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	t.Parallel()
	if Millis(time.Time{}) != nil {
		t.Fatal("zero time should map to NULL")
	}
	now := time.UnixMilli(time.Now().UnixMilli())
	got := FromMillis(sql.NullInt64{Int64: now.UnixMilli(), Valid: true})
	if !got.Equal(now) {
		t.Fatalf("FromMillis = %v, want %v", got, now)
	}
}

func TestRetryBusy(t *testing.T) {
	t.Parallel()
	calls := 0
	err := RetryBusy(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("SQLITE_BUSY: database is locked")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("RetryBusy err=%v calls=%d", err, calls)
	}
}
