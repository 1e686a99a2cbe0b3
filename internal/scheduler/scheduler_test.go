package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relaybot/internal/apperr"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
	"relaybot/internal/task/engine"
	"relaybot/internal/transport"
	"relaybot/internal/transport/transporttest"
	logx "relaybot/pkg/logx"
)

var t0 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// syncExec runs tasks inline so Tick returns after every fire completed.
type syncExec struct{}

func (syncExec) Enqueue(t engine.Task) error { return t.Run(context.Background()) }

type denyLocker struct{}

func (denyLocker) Acquire(context.Context, string, time.Duration) (bool, error) { return false, nil }

type fixture struct {
	svc   *Service
	store *SQLiteStore
	fake  *transporttest.Adapter
	clock *clock
	bus   eventbus.Bus
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "relaybot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	f := &fixture{
		store: NewSQLiteStore(db),
		fake:  transporttest.New(),
		clock: &clock{now: t0},
		bus:   eventbus.New(),
	}
	sender := dispatch.New(dispatch.Config{SendTimeout: time.Second}, f.fake, nil, nil, nil, logx.Nop())
	opts = append([]Option{WithClock(f.clock.Now), WithBus(f.bus)}, opts...)
	f.svc = New(cfg, f.store, syncExec{}, sender, logx.Nop(), opts...)
	return f
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"*/5 * * * *", "*/5 * * * *", true},
		{"0 30 9 * * 1-5", "0 30 9 * * 1-5", true},
		{"cron:@daily", "@daily", true},
		{"interval:01:30", "@every 1h30m0s", true},
		{"every:55m", "@every 55m0s", true},
		{"", "", false},
		{"nope", "", false},
		{"interval:00:00", "", false},
		{"interval:1:75", "", false},
		{"every:-5m", "", false},
	}
	for _, tc := range cases {
		_, got, err := ParseSchedule(tc.in)
		if tc.ok {
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseSchedule(%q) = %q, want %q", tc.in, got, tc.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidSchedule) || !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("ParseSchedule(%q) err = %v, want invalid schedule", tc.in, err)
		}
	}
}

func TestParseScheduleDate(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("WIB", 7*3600)

	got, err := ParseScheduleDate("2026-03-01T08:00:00Z", loc)
	if err != nil || !got.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339 = %v, %v", got, err)
	}
	got, err = ParseScheduleDate("2026-03-01 15:00", loc)
	if err != nil || !got.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("local = %v, %v", got, err)
	}
	if _, err := ParseScheduleDate("tomorrow", loc); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err = %v", err)
	}
}

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		r, c         string
		wantR, wantC string
	}{
		{"0812-345 678", "", "+0812345678", ""},
		{"123@g.us", "", "", "123@g.us"},
		{"", "+62 811", "+62811", ""},
		{"a@g.us", "b@g.us", "", "b@g.us"},
		{"+1 555", "x@g.us", "+1555", "x@g.us"},
		{"  ", "", "", ""},
	}
	for _, tc := range cases {
		r, c := NormalizeTarget(tc.r, tc.c)
		if r != tc.wantR || c != tc.wantC {
			t.Fatalf("NormalizeTarget(%q, %q) = (%q, %q), want (%q, %q)", tc.r, tc.c, r, c, tc.wantR, tc.wantC)
		}
		r2, c2 := NormalizeTarget(r, c)
		if r2 != r || c2 != c {
			t.Fatalf("not idempotent for (%q, %q): (%q, %q)", tc.r, tc.c, r2, c2)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	cases := map[string]CreateInput{
		"no message":    {Recipient: "+1555", Schedule: "@daily"},
		"no target":     {Message: "hi", Schedule: "@daily"},
		"bad cron":      {Recipient: "+1555", Message: "hi", Schedule: "every tuesday"},
		"past one-shot": {Recipient: "+1555", Message: "hi", OneTime: true, ScheduleDate: "2025-12-31 09:00"},
		"no date":       {Recipient: "+1555", Message: "hi", OneTime: true},
	}
	for name, in := range cases {
		if _, err := f.svc.Create(ctx, in); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%s: err = %v, want validation error", name, err)
		}
	}
	jobs, err := f.svc.List(ctx, Filter{})
	if err != nil || len(jobs) != 0 {
		t.Fatalf("List = %v, %v", jobs, err)
	}
}

func TestRecurringJobFires(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	j, err := f.svc.Create(ctx, CreateInput{Recipient: "0812 3456", Message: "standup", Schedule: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.Recipient != "+08123456" {
		t.Fatalf("recipient = %q", j.Recipient)
	}
	active := f.svc.ActiveJobs()
	if len(active) != 1 || !active[0].Next.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("ActiveJobs = %+v", active)
	}

	if n := f.svc.Tick(ctx, t0.Add(time.Minute)); n != 0 {
		t.Fatalf("early tick fired %d", n)
	}

	fireAt := t0.Add(5 * time.Minute)
	f.clock.Set(fireAt)
	if n := f.svc.Tick(ctx, fireAt); n != 1 {
		t.Fatalf("tick fired %d, want 1", n)
	}
	sent := f.fake.Sent()
	if len(sent) != 1 || sent[0].Content.Text != "standup" || sent[0].To.Recipient != "+08123456" {
		t.Fatalf("sent = %+v", sent)
	}
	if next := f.svc.ActiveJobs()[0].Next; !next.Equal(t0.Add(10 * time.Minute)) {
		t.Fatalf("next = %v", next)
	}
	got, err := f.svc.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastRunAt.Equal(fireAt) || got.Executed || got.LastError != "" {
		t.Fatalf("stored job = %+v", got)
	}
}

func TestOneShotRetriesThenTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxAttempts: 2, RetryDelay: time.Minute})
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(8, eventbus.TypeJobFired)
	defer unsub()

	j, err := f.svc.Create(ctx, CreateInput{ChannelID: "team@g.us", Message: "reminder", OneTime: true, ScheduleDate: "2026-01-01 10:01"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.fake.FailNext(errors.New("boom"), errors.New("boom"))

	first := t0.Add(time.Minute)
	f.clock.Set(first)
	f.svc.Tick(ctx, first)

	got, _ := f.svc.Get(ctx, j.ID)
	if got.Attempts != 1 || got.Executed || got.LastError == "" {
		t.Fatalf("after first failure = %+v", got)
	}
	active := f.svc.ActiveJobs()
	if len(active) != 1 || !active[0].Next.Equal(first.Add(time.Minute)) {
		t.Fatalf("ActiveJobs = %+v", active)
	}

	second := first.Add(time.Minute)
	f.clock.Set(second)
	f.svc.Tick(ctx, second)

	got, _ = f.svc.Get(ctx, j.ID)
	if got.Attempts != 2 || !got.Executed {
		t.Fatalf("after second failure = %+v", got)
	}
	if len(f.svc.ActiveJobs()) != 0 {
		t.Fatalf("terminal job still registered")
	}

	var last FireEvent
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			last = ev.Data.(FireEvent)
		case <-time.After(time.Second):
			t.Fatalf("missing fire event %d", i)
		}
	}
	if last.OK || !last.Terminal || last.Attempts != 2 {
		t.Fatalf("last event = %+v", last)
	}
}

func TestOneShotSuccessAndRearm(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	j, err := f.svc.Create(ctx, CreateInput{Recipient: "+1555", Message: "once", OneTime: true, ScheduleDate: "2026-01-01T10:00:30Z"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	at := t0.Add(30 * time.Second)
	f.clock.Set(at)
	f.svc.Tick(ctx, at)
	f.svc.Tick(ctx, at.Add(time.Hour))

	if n := len(f.fake.Sent()); n != 1 {
		t.Fatalf("sent %d, want exactly 1", n)
	}
	got, _ := f.svc.Get(ctx, j.ID)
	if !got.Executed || len(f.svc.ActiveJobs()) != 0 {
		t.Fatalf("job = %+v", got)
	}

	got, err = f.svc.Update(ctx, j.ID, Patch{ScheduleDate: Ptr("2026-01-02 09:00")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Executed || got.Attempts != 0 {
		t.Fatalf("re-armed job = %+v", got)
	}
	active := f.svc.ActiveJobs()
	if len(active) != 1 || !active[0].Next.Equal(time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("ActiveJobs = %+v", active)
	}
}

func TestRescheduleDuringFireKeepsNewDate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	j, err := f.svc.Create(ctx, CreateInput{Recipient: "+1555", Message: "once", OneTime: true, ScheduleDate: "2026-01-01 10:05"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	next := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	f.fake.SendFunc = func(context.Context, transport.Target, transport.Content) (transport.DeliveryRef, error) {
		// Moved while the first send is still in flight.
		if _, err := f.svc.Update(ctx, j.ID, Patch{ScheduleDate: Ptr("2026-01-02 09:00")}); err != nil {
			t.Errorf("Update: %v", err)
		}
		return transport.DeliveryRef{ID: "d-1", Timestamp: time.Now()}, nil
	}
	at := t0.Add(5 * time.Minute)
	f.clock.Set(at)
	f.svc.Tick(ctx, at)

	got, _ := f.svc.Get(ctx, j.ID)
	if got.Executed || !got.Trigger.FireAt.Equal(next) || !got.LastRunAt.Equal(at) {
		t.Fatalf("job after fire = %+v", got)
	}
	active := f.svc.ActiveJobs()
	if len(active) != 1 || !active[0].Next.Equal(next) {
		t.Fatalf("ActiveJobs = %+v", active)
	}

	f.fake.SendFunc = nil
	f.clock.Set(next)
	if n := f.svc.Tick(ctx, next); n != 1 {
		t.Fatalf("rescheduled fire submitted %d", n)
	}
	if got, _ := f.svc.Get(ctx, j.ID); !got.Executed {
		t.Fatalf("rescheduled job not executed: %+v", got)
	}
}

func TestTransportOutageKeepsAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxAttempts: 1, RetryDelay: time.Minute})
	ctx := context.Background()

	j, err := f.svc.Create(ctx, CreateInput{Recipient: "+1555", Message: "once", OneTime: true, ScheduleDate: "2026-01-01 10:01"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.fake.SetConnected(false)
	first := t0.Add(time.Minute)
	f.clock.Set(first)
	f.svc.Tick(ctx, first)

	got, _ := f.svc.Get(ctx, j.ID)
	if got.Attempts != 0 || got.Executed || got.LastError == "" {
		t.Fatalf("after outage = %+v", got)
	}
	if active := f.svc.ActiveJobs(); len(active) != 1 || !active[0].Next.Equal(first.Add(time.Minute)) {
		t.Fatalf("ActiveJobs = %+v", active)
	}

	f.fake.SetConnected(true)
	second := first.Add(time.Minute)
	f.clock.Set(second)
	f.svc.Tick(ctx, second)
	got, _ = f.svc.Get(ctx, j.ID)
	if !got.Executed || got.Attempts != 0 || len(f.fake.Sent()) != 1 {
		t.Fatalf("after reconnect = %+v sent=%d", got, len(f.fake.Sent()))
	}
}

func TestToggleAndDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	j, err := f.svc.Create(ctx, CreateInput{Recipient: "+1555", Message: "tick", Schedule: "interval:00:01"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	off, err := f.svc.Toggle(ctx, j.ID, nil)
	if err != nil || off.Active {
		t.Fatalf("Toggle = %+v, %v", off, err)
	}
	if len(f.svc.ActiveJobs()) != 0 {
		t.Fatalf("inactive job registered")
	}
	f.clock.Set(t0.Add(2 * time.Minute))
	f.svc.Tick(ctx, t0.Add(2*time.Minute))
	if len(f.fake.Sent()) != 0 {
		t.Fatalf("inactive job fired")
	}

	on, err := f.svc.Toggle(ctx, j.ID, Ptr(true))
	if err != nil || !on.Active || len(f.svc.ActiveJobs()) != 1 {
		t.Fatalf("Toggle on = %+v, %v", on, err)
	}

	ok, err := f.svc.Delete(ctx, j.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if _, err := f.svc.Get(ctx, j.ID); !errors.Is(err, ErrNotFound) || !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
	if ok, _ := f.svc.Delete(ctx, j.ID); ok {
		t.Fatalf("second delete reported true")
	}
	if len(f.svc.ActiveJobs()) != 0 {
		t.Fatalf("deleted job registered")
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, CreateInput{Recipient: "+1555", Message: "a", Schedule: "@daily"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Create(ctx, CreateInput{Recipient: "+1666", Message: "b", OneTime: true, ScheduleDate: "2026-02-01 10:00"}); err != nil {
		t.Fatal(err)
	}
	oneShots, _ := f.svc.List(ctx, Filter{OneTime: Ptr(true)})
	if len(oneShots) != 1 || oneShots[0].Message != "b" {
		t.Fatalf("one-shots = %+v", oneShots)
	}
	byRecipient, _ := f.svc.List(ctx, Filter{Recipient: "1 555"})
	if len(byRecipient) != 1 || byRecipient[0].Message != "a" {
		t.Fatalf("by recipient = %+v", byRecipient)
	}
}

func insertJob(t *testing.T, s *SQLiteStore, j Job) {
	t.Helper()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = t0.Add(-time.Hour)
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if err := s.Insert(context.Background(), j); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestLoadCatchUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	overdue := Job{ID: "missed", Recipient: "+1555", Message: "late", Active: true,
		Trigger: Trigger{Kind: TriggerOneShot, FireAt: t0.Add(-10 * time.Minute)}}

	skip := newFixture(t, Config{CatchUp: CatchUpSkip})
	insertJob(t, skip.store, overdue)
	if err := skip.svc.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, _ := skip.svc.Get(ctx, "missed")
	if got.Active || got.LastError != missedFireError {
		t.Fatalf("skipped job = %+v", got)
	}
	skip.svc.Tick(ctx, t0)
	if len(skip.fake.Sent()) != 0 {
		t.Fatalf("skipped job fired")
	}

	fire := newFixture(t, Config{CatchUp: CatchUpFire})
	insertJob(t, fire.store, overdue)
	if err := fire.svc.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	fire.svc.Tick(ctx, t0)
	if len(fire.fake.Sent()) != 1 {
		t.Fatalf("overdue job not fired on first tick")
	}
}

func TestOverdueOneShotFiresOnceAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	insertJob(t, f.store, Job{ID: "late", Recipient: "+1555", Message: "reminder", Active: true,
		Trigger: Trigger{Kind: TriggerOneShot, FireAt: t0.Add(-time.Minute)}})

	if err := f.svc.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.svc.Tick(ctx, t0)
	f.svc.Tick(ctx, t0.Add(time.Second))
	if n := len(f.fake.Sent()); n != 1 {
		t.Fatalf("sent %d, want 1", n)
	}

	// A second process over the same store must not fire it again.
	fake := transporttest.New()
	sender := dispatch.New(dispatch.Config{SendTimeout: time.Second}, fake, nil, nil, nil, logx.Nop())
	again := New(Config{Location: time.UTC}, f.store, syncExec{}, sender, logx.Nop(), WithClock(f.clock.Now))
	if err := again.Load(ctx); err != nil {
		t.Fatalf("Load after restart: %v", err)
	}
	again.Tick(ctx, t0.Add(time.Minute))
	if n := len(fake.Sent()); n != 0 {
		t.Fatalf("restarted scheduler sent %d", n)
	}
	if len(again.ActiveJobs()) != 0 {
		t.Fatalf("executed job registered after restart")
	}
}

func TestToggledCronJobSkipsThenResumes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})

	j, err := f.svc.Create(ctx, CreateInput{Recipient: "+1000", Message: "good morning", Schedule: "0 9 * * *"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.Toggle(ctx, j.ID, Ptr(false)); err != nil {
		t.Fatalf("Toggle off: %v", err)
	}
	day2 := time.Date(2026, 1, 2, 9, 0, 1, 0, time.UTC)
	f.clock.Set(day2)
	f.svc.Tick(ctx, day2)
	if n := len(f.fake.Sent()); n != 0 {
		t.Fatalf("inactive job sent %d", n)
	}

	if _, err := f.svc.Toggle(ctx, j.ID, Ptr(true)); err != nil {
		t.Fatalf("Toggle on: %v", err)
	}
	day3 := time.Date(2026, 1, 3, 9, 0, 0, 0, time.UTC)
	f.clock.Set(day3)
	if n := f.svc.Tick(ctx, day3); n != 1 {
		t.Fatalf("tick fired %d, want 1", n)
	}
	if sent := f.fake.Sent(); len(sent) != 1 || sent[0].To.Recipient != "+1000" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestNormalizeAllIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	insertJob(t, f.store, Job{ID: "phone", Recipient: "0812 3456", Message: "m", Active: true, Trigger: Trigger{Kind: TriggerRecurring, Cron: "@daily"}})
	insertJob(t, f.store, Job{ID: "group", Recipient: "grp@g.us", Message: "m", Active: true, Trigger: Trigger{Kind: TriggerRecurring, Cron: "@daily"}})
	insertJob(t, f.store, Job{ID: "clean", Recipient: "+1555", Message: "m", Active: true, Trigger: Trigger{Kind: TriggerRecurring, Cron: "@daily"}})
	insertJob(t, f.store, Job{ID: "empty", Message: "m", Active: true, Trigger: Trigger{Kind: TriggerRecurring, Cron: "@daily"}})

	rep, err := f.svc.NormalizeAll(ctx)
	if err != nil {
		t.Fatalf("NormalizeAll: %v", err)
	}
	if rep.Scanned != 4 || rep.Updated != 2 || len(rep.Invalid) != 1 || rep.Invalid[0] != "empty" {
		t.Fatalf("first report = %+v", rep)
	}
	group, _ := f.svc.Get(ctx, "group")
	if group.Recipient != "" || group.ChannelID != "grp@g.us" {
		t.Fatalf("group = %+v", group)
	}

	rep, err = f.svc.NormalizeAll(ctx)
	if err != nil || rep.Updated != 0 {
		t.Fatalf("second report = %+v, %v", rep, err)
	}
}

func TestCleanupExecuted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	old := t0.Add(-48 * time.Hour)
	insertJob(t, f.store, Job{ID: "old", Recipient: "+1", Message: "m", Executed: true,
		Trigger: Trigger{Kind: TriggerOneShot, FireAt: old}, CreatedAt: old, UpdatedAt: old})
	insertJob(t, f.store, Job{ID: "fresh", Recipient: "+1", Message: "m", Executed: true,
		Trigger: Trigger{Kind: TriggerOneShot, FireAt: t0}, CreatedAt: t0, UpdatedAt: t0})

	n, err := f.svc.CleanupExecuted(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("CleanupExecuted = %d, %v", n, err)
	}
	if _, err := f.svc.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh job removed: %v", err)
	}
	if _, err := f.svc.CleanupExecuted(ctx, 0); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("zero age err = %v", err)
	}
}

func TestFireSkippedWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, WithLocker(denyLocker{}))
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, CreateInput{Recipient: "+1555", Message: "m", Schedule: "* * * * *"}); err != nil {
		t.Fatal(err)
	}
	at := t0.Add(time.Minute)
	f.clock.Set(at)
	f.svc.Tick(ctx, at)
	if len(f.fake.Sent()) != 0 {
		t.Fatalf("fired without the lock")
	}
}

func TestTickThroughEngine(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	eng := engine.New(engine.Config{Workers: 2, QueueSize: 8}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	f.svc.exec = eng
	ctx := context.Background()

	for _, msg := range []string{"a", "b", "c"} {
		if _, err := f.svc.Create(ctx, CreateInput{Recipient: "+1555", Message: msg, Schedule: "* * * * *"}); err != nil {
			t.Fatal(err)
		}
	}
	at := t0.Add(time.Minute)
	f.clock.Set(at)
	if n := f.svc.Tick(ctx, at); n != 3 {
		t.Fatalf("submitted %d, want 3", n)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(f.fake.Sent()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sent %d of 3", len(f.fake.Sent()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
