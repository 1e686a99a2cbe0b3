package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *clock, Store) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "relaybot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := &clock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	store := NewSQLiteStore(db)
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(cfg, store, logx.Nop(), opts...), clk, store
}

func TestCreateReturnsActiveConversation(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	opened, unsub := bus.Subscribe(8, eventbus.TypeConversationOpen)
	defer unsub()
	m, _, _ := newManager(t, Config{}, WithBus(bus))
	ctx := context.Background()

	a, err := m.Create(ctx, "+1555", "bot", map[string]string{"lang": "en"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	again, err := m.Create(ctx, "+1555", "bot", nil)
	if err != nil || again.ID != a.ID {
		t.Fatalf("second Create = %+v, %v", again, err)
	}
	if again.Metadata["lang"] != "en" {
		t.Fatalf("metadata = %v", again.Metadata)
	}
	other, _ := m.Create(ctx, "+1666", "bot", nil)
	if other.ID == a.ID {
		t.Fatalf("different counterparts share a conversation")
	}
	if _, err := m.Create(ctx, " ", "bot", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty counterpart err = %v", err)
	}

	if n := len(opened); n != 2 {
		t.Fatalf("open events = %d, want 2", n)
	}
}

func TestCreateClosesStaleConversation(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ended, unsub := bus.Subscribe(8, eventbus.TypeConversationEnd)
	defer unsub()
	mt := metrics.New()
	m, clk, store := newManager(t, Config{Timeout: time.Minute}, WithBus(bus), WithMetrics(mt))
	ctx := context.Background()

	old, err := m.Create(ctx, "+1555", "bot", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(2 * time.Minute)
	fresh, err := m.Create(ctx, "+1555", "bot", nil)
	if err != nil || fresh.ID == old.ID {
		t.Fatalf("Create after idle = %+v, %v", fresh, err)
	}

	select {
	case ev := <-ended:
		e := ev.Data.(Event)
		if e.ID != old.ID || e.Reason != ReasonTimeout {
			t.Fatalf("end event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no end event for the stale conversation")
	}
	rec := httptest.NewRecorder()
	mt.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if body := rec.Body.String(); !strings.Contains(body, "relaybot_conversations_active 1\n") {
		t.Fatalf("active sessions gauge not 1:\n%s", body)
	}
	raw, _ := store.Get(ctx, old.ID)
	if raw.State != StateClosed || raw.CloseReason != ReasonTimeout {
		t.Fatalf("stale conversation = %+v", raw)
	}
}

func TestConcurrentCreateYieldsOneConversation(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t, Config{})
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]struct{}{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Create(ctx, "+1555", "bot", nil)
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			mu.Lock()
			ids[c.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != 1 {
		t.Fatalf("got %d conversations, want 1", len(ids))
	}
}

func TestLazyExpiry(t *testing.T) {
	t.Parallel()
	m, clk, store := newManager(t, Config{Timeout: 10 * time.Minute})
	ctx := context.Background()

	c, _ := m.Create(ctx, "+1555", "bot", nil)
	clk.Advance(9 * time.Minute)
	if got, _ := m.ActiveByCounterpart(ctx, "+1555"); got == nil || got.ID != c.ID {
		t.Fatalf("conversation expired early: %+v", got)
	}

	clk.Advance(2 * time.Minute)
	if got, err := m.Get(ctx, c.ID); err != nil || got != nil {
		t.Fatalf("Get after timeout = %+v, %v", got, err)
	}
	if got, err := m.ActiveByCounterpart(ctx, "+1555"); err != nil || got != nil {
		t.Fatalf("ActiveByCounterpart after timeout = %+v, %v", got, err)
	}
	raw, _ := store.Get(ctx, c.ID)
	if raw.State != StateClosed || raw.CloseReason != ReasonTimeout {
		t.Fatalf("stored = %+v", raw)
	}

	fresh, _ := m.Create(ctx, "+1555", "bot", nil)
	if fresh.ID == c.ID {
		t.Fatalf("expired conversation reused")
	}
}

func TestUpdateAppendsAndTrims(t *testing.T) {
	t.Parallel()
	m, clk, _ := newManager(t, Config{Timeout: 30 * time.Minute, MaxHistory: 3})
	ctx := context.Background()
	c, _ := m.Create(ctx, "+1555", "bot", nil)

	for i := 1; i <= 5; i++ {
		clk.Advance(20 * time.Minute)
		if _, err := m.Update(ctx, c.ID, Message{Sender: "+1555", Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	got, err := m.Get(ctx, c.ID)
	if err != nil || got == nil {
		t.Fatalf("conversation lost despite activity: %+v, %v", got, err)
	}
	if got.MessageCount != 5 || !got.LastMessageAt.Equal(clk.Now()) {
		t.Fatalf("conversation = %+v", got)
	}

	hist, err := m.History(ctx, c.ID, 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 || hist[0].Text != "m3" || hist[2].Text != "m5" {
		t.Fatalf("history = %+v", hist)
	}
	page, _ := m.History(ctx, c.ID, 1, 1)
	if len(page) != 1 || page[0].Text != "m4" {
		t.Fatalf("page = %+v", page)
	}

	if _, err := m.Update(ctx, c.ID, Message{Sender: "x", Text: " "}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty text err = %v", err)
	}
	clk.Advance(31 * time.Minute)
	if _, err := m.Update(ctx, c.ID, Message{Sender: "+1555", Text: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("update after timeout err = %v", err)
	}
}

func TestCloseAndArchive(t *testing.T) {
	t.Parallel()
	m, clk, store := newManager(t, Config{ArchiveAfter: 24 * time.Hour})
	ctx := context.Background()
	c, _ := m.Create(ctx, "+1555", "bot", nil)

	ok, err := m.Close(ctx, c.ID, "")
	if err != nil || !ok {
		t.Fatalf("Close = %v, %v", ok, err)
	}
	if ok, _ := m.Close(ctx, c.ID, ""); ok {
		t.Fatalf("second close reported true")
	}
	if _, err := m.Close(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing close err = %v", err)
	}
	if _, err := m.Update(ctx, c.ID, Message{Sender: "+1555", Text: "hi"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("update closed err = %v", err)
	}

	if n, _ := m.ArchiveOld(ctx); n != 0 {
		t.Fatalf("archived too early: %d", n)
	}
	clk.Advance(25 * time.Hour)
	if n, err := m.ArchiveOld(ctx); err != nil || n != 1 {
		t.Fatalf("ArchiveOld = %d, %v", n, err)
	}
	raw, _ := store.Get(ctx, c.ID)
	if raw.State != StateArchived || raw.CloseReason != ReasonManual {
		t.Fatalf("stored = %+v", raw)
	}
}

func TestListActiveFilters(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t, Config{})
	ctx := context.Background()

	a, _ := m.Create(ctx, "+1", "sales", nil)
	b, _ := m.Create(ctx, "+2", "sales", nil)
	_, _ = m.Create(ctx, "+3", "support", nil)
	if _, err := m.Tag(ctx, b.ID, "vip", "vip", " "); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	tagged, _ := m.Tag(ctx, b.ID, "en")
	if len(tagged.Tags) != 2 || tagged.Tags[0] != "en" || tagged.Tags[1] != "vip" {
		t.Fatalf("tags = %v", tagged.Tags)
	}

	sales, _ := m.ListActive(ctx, Filter{BotID: "sales"})
	if len(sales) != 2 {
		t.Fatalf("sales = %d", len(sales))
	}
	vip, _ := m.ListActive(ctx, Filter{Tag: "vip"})
	if len(vip) != 1 || vip[0].ID != b.ID {
		t.Fatalf("vip = %+v", vip)
	}
	limited, _ := m.ListActive(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	_, _ = m.Close(ctx, a.ID, "done")
	sales, _ = m.ListActive(ctx, Filter{BotID: "sales"})
	if len(sales) != 1 {
		t.Fatalf("closed conversation listed")
	}
}

func TestComputeStats(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	hist := []Message{
		{Sender: "user", Timestamp: start},
		{Sender: "bot", Timestamp: start.Add(2 * time.Second)},
		{Sender: "user", Timestamp: start.Add(10 * time.Second)},
		{Sender: "user", Timestamp: start.Add(11 * time.Second)},
		{Sender: "bot", Timestamp: start.Add(13 * time.Second)},
	}
	c := Conversation{CreatedAt: start, LastMessageAt: start.Add(13 * time.Second), MessageCount: 5}
	st := computeStats(c, hist)
	if st.Turns != 4 {
		t.Fatalf("turns = %d", st.Turns)
	}
	if st.MeanResponseTime != 4*time.Second {
		t.Fatalf("mean response = %v", st.MeanResponseTime)
	}
	if st.Duration != 13*time.Second || st.MessageCount != 5 {
		t.Fatalf("stats = %+v", st)
	}
	if empty := computeStats(Conversation{}, nil); empty.Turns != 0 || empty.MeanResponseTime != 0 {
		t.Fatalf("empty stats = %+v", empty)
	}
}

func TestSweepClosesIdle(t *testing.T) {
	t.Parallel()
	m, clk, store := newManager(t, Config{Timeout: time.Minute})
	ctx := context.Background()
	c, _ := m.Create(ctx, "+1555", "bot", nil)

	clk.Advance(2 * time.Minute)
	closed, _, err := m.Sweep(ctx)
	if err != nil || closed != 1 {
		t.Fatalf("Sweep = %d, %v", closed, err)
	}
	if _, _, ok, _ := store.Lookup(ctx, "+1555"); ok {
		t.Fatalf("index row kept after sweep")
	}
	raw, _ := store.Get(ctx, c.ID)
	if raw.State != StateClosed {
		t.Fatalf("state = %s", raw.State)
	}
}
