package recording

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relaybot/internal/apperr"
	"relaybot/internal/settings"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func openBackend(t *testing.T, maxLen int) *SQLiteBackend {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "rec.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteBackend(db, maxLen, time.Hour)
}

type staticSelector string

func (s staticSelector) HistoryBackend(context.Context) string { return string(s) }

type memSink struct {
	mu      sync.Mutex
	got     []Record
	failW   error
	healthy error
}

func (m *memSink) Name() string { return "mem" }
func (m *memSink) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failW != nil {
		return m.failW
	}
	m.got = append(m.got, rec)
	return nil
}
func (m *memSink) Healthy(context.Context) error { return m.healthy }
func (m *memSink) Close() error                  { return nil }
func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func TestRecordInboundDeduplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openBackend(t, 100)
	svc := New(b, nil, nil, logx.Nop())

	msg := transport.InboundMessage{
		ID:        "ABC123",
		Timestamp: time.Unix(1700000000, 0),
		From:      "alice",
		Type:      transport.TypeText,
		Text:      "hello",
	}
	p1, err := svc.RecordInbound(ctx, msg)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	p2, err := svc.RecordInbound(ctx, msg)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if p1 == "" || p1 != p2 {
		t.Fatalf("positions = %q, %q; want equal and non-empty", p1, p2)
	}
	n, err := svc.Len(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Len = %d, %v; want 1", n, err)
	}

	rec, ok, err := svc.Lookup(ctx, "inbound:ABC123")
	if err != nil || !ok {
		t.Fatalf("Lookup ok=%v err=%v", ok, err)
	}
	if rec.Body != "hello" || rec.Position != p1 {
		t.Fatalf("Lookup = %+v", rec)
	}
}

func TestClaimInboundReportsFirstDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(openBackend(t, 100), nil, nil, logx.Nop())

	msg := transport.InboundMessage{ID: "CLAIM1", From: "bob", Type: transport.TypeText, Text: "hi"}
	p1, first, err := svc.ClaimInbound(ctx, msg)
	if err != nil || !first {
		t.Fatalf("first claim = %q, %v, %v; want stored", p1, first, err)
	}
	p2, again, err := svc.ClaimInbound(ctx, msg)
	if err != nil || again {
		t.Fatalf("second claim = %q, %v, %v; want duplicate", p2, again, err)
	}
	if p1 != p2 {
		t.Fatalf("positions differ: %q vs %q", p1, p2)
	}
}

func TestRecordInboundWithoutIDHashesContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(openBackend(t, 100), nil, nil, logx.Nop())

	msg := transport.InboundMessage{From: "bob", Text: "ping", Type: transport.TypeText}
	if _, err := svc.RecordInbound(ctx, msg); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := svc.RecordInbound(ctx, msg); err != nil {
		t.Fatalf("record again: %v", err)
	}
	msg.Text = "pong"
	if _, err := svc.RecordInbound(ctx, msg); err != nil {
		t.Fatalf("record other: %v", err)
	}
	if n, _ := svc.Len(ctx); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
}

func TestRecordSentDistinctCorrelations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(openBackend(t, 100), nil, nil, logx.Nop())
	at := time.Unix(1700000000, 0)

	for _, corr := range []string{"job-1", "job-2", "job-1"} {
		_, err := svc.RecordSent(ctx, SentInput{
			To:            transport.Target{Recipient: "carol"},
			Content:       transport.Content{Text: "reminder"},
			Delivery:      transport.DeliveryRef{Timestamp: at},
			CorrelationID: corr,
		})
		if err != nil {
			t.Fatalf("RecordSent(%s): %v", corr, err)
		}
	}
	if n, _ := svc.Len(ctx); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	recs, err := svc.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if recs[0].CorrelationID != "job-2" {
		t.Fatalf("newest correlation = %q, want job-2", recs[0].CorrelationID)
	}
}

func TestSQLiteEvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openBackend(t, 3)
	svc := New(b, nil, nil, logx.Nop())

	for i := 0; i < 5; i++ {
		_, err := svc.RecordInbound(ctx, transport.InboundMessage{
			ID:        "m" + string(rune('a'+i)),
			Timestamp: time.Unix(int64(1700000000+i), 0),
			From:      "dave",
			Text:      "x",
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if n, _ := svc.Len(ctx); n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}
	recs, err := svc.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if recs[len(recs)-1].TransportMessageID != "mc" {
		t.Fatalf("oldest kept = %q, want mc", recs[len(recs)-1].TransportMessageID)
	}
}

func TestDedupeWindowExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openBackend(t, 100)
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	svc := New(b, nil, nil, logx.Nop())

	msg := transport.InboundMessage{ID: "dup", Timestamp: now, From: "erin", Text: "hi"}
	p1, _ := svc.RecordInbound(ctx, msg)
	now = now.Add(2 * time.Hour)
	p2, err := svc.RecordInbound(ctx, msg)
	if err != nil {
		t.Fatalf("record after window: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected a new position after the dedupe window, got %q twice", p1)
	}
}

func TestConcurrentAppendsRecordOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(openBackend(t, 100), nil, nil, logx.Nop())
	msg := transport.InboundMessage{ID: "race", Timestamp: time.Unix(1700000000, 0), From: "frank", Text: "go"}

	var wg sync.WaitGroup
	positions := make([]Position, 8)
	for i := range positions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := svc.RecordInbound(ctx, msg)
			if err != nil {
				t.Errorf("record: %v", err)
			}
			positions[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range positions {
		if p != positions[0] {
			t.Fatalf("positions differ: %v", positions)
		}
	}
	if n, _ := svc.Len(ctx); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
}

func TestExternalMirror(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink := &memSink{}
	svc := New(openBackend(t, 100), sink, staticSelector(settings.BackendExternal), logx.Nop())

	msg := transport.InboundMessage{ID: "x1", Timestamp: time.Unix(1700000000, 0), From: "gina", Text: "hey"}
	_, _ = svc.RecordInbound(ctx, msg)
	_, _ = svc.RecordInbound(ctx, msg)
	if sink.count() != 1 {
		t.Fatalf("sink writes = %d, want 1", sink.count())
	}
	if got := svc.BackendType(ctx); got != settings.BackendExternal {
		t.Fatalf("BackendType = %q", got)
	}

	sink.failW = errors.New("down")
	if _, err := svc.RecordInbound(ctx, transport.InboundMessage{ID: "x2", From: "gina", Text: "again"}); err != nil {
		t.Fatalf("sink failure must not surface: %v", err)
	}
}

func TestBackendTypeFallsBackWhenUnhealthy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink := &memSink{healthy: errors.New("unreachable")}
	svc := New(openBackend(t, 100), sink, staticSelector(settings.BackendExternal), logx.Nop())
	if got := svc.BackendType(ctx); got != settings.BackendPrimary {
		t.Fatalf("BackendType = %q, want primary", got)
	}
	if !svc.IsHealthy(ctx) {
		t.Fatal("primary should be healthy")
	}

	svc2 := New(openBackend(t, 100), &memSink{}, staticSelector(settings.BackendPrimary), logx.Nop())
	if got := svc2.BackendType(ctx); got != settings.BackendPrimary {
		t.Fatalf("BackendType = %q, want primary", got)
	}
}

type failingBackend struct{ SQLiteBackend }

func (*failingBackend) Append(context.Context, Record) (Position, bool, error) {
	return "", false, errors.New("disk full")
}

func TestAppendFailureIsRecordingFailed(t *testing.T) {
	t.Parallel()
	svc := New(&failingBackend{}, nil, nil, logx.Nop())
	_, err := svc.RecordInbound(context.Background(), transport.InboundMessage{ID: "f", From: "h", Text: "t"})
	if !errors.Is(err, apperr.ErrRecordingFailed) {
		t.Fatalf("err = %v, want ErrRecordingFailed", err)
	}
}

func TestDedupeKeyStable(t *testing.T) {
	t.Parallel()
	at := time.Unix(1700000000, 0)
	a := Record{Direction: DirectionInbound, TransportMessageID: "id", Timestamp: at}
	b := Record{Direction: DirectionInbound, TransportMessageID: "id", Timestamp: at, Body: "different"}
	if DedupeKey(a) != DedupeKey(b) {
		t.Fatal("transport id keys must ignore body")
	}
	c := Record{Direction: DirectionSent, TransportMessageID: "id", Timestamp: at}
	if DedupeKey(a) == DedupeKey(c) {
		t.Fatal("direction must be part of the key")
	}
}
