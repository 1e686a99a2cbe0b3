package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSameKeyRunsInOrder(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 4, QueueSize: 64})

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		err := s.Submit(context.Background(), Task{Name: "inbound", Key: "alice", Run: func(context.Context) error {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 8, QueueSize: 64})

	// Find two keys that land on different lanes.
	keyA, keyB := "a", ""
	for _, k := range []string{"b", "c", "d", "e", "f", "g", "h", "i"} {
		if s.laneFor(k, 8) != s.laneFor(keyA, 8) {
			keyB = k
			break
		}
	}
	if keyB == "" {
		t.Fatal("no distinct lane found")
	}

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, k := range []string{keyA, keyB} {
		err := s.Enqueue(Task{Name: "block-" + k, Key: k, Run: func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		}})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-timeout:
			t.Fatal("tasks on different keys did not run concurrently")
		}
	}
	close(release)
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3})

	var calls atomic.Int32
	done := make(chan struct{})
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("calls = %d, task never succeeded", calls.Load())
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, EventFailed)
	defer unsub()
	s := New(Config{Workers: 1, RetryMax: 5}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "permanent", Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad input"))
	}})
	select {
	case ev := <-failed:
		te := ev.Data.(TaskEvent)
		if te.Attempts != 1 || te.Error != "bad input" {
			t.Fatalf("event = %+v", te)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }})
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lane died after panic")
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	st := &RunState{}
	release := make(chan struct{})
	task := Task{Name: "job", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	if !st.Busy() {
		t.Fatal("state should be busy")
	}
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for st.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st.Busy() {
		t.Fatal("state not released after run")
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	defer close(release)
	block := func(context.Context) error { <-release; return nil }
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "running", Run: func(ctx context.Context) error { close(started); return block(ctx) }})
	<-started
	if err := s.Enqueue(Task{Name: "queued", Run: block}); err != nil {
		t.Fatalf("queued Enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "dropped", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if snap := s.Snapshot(); snap.DroppedQueueFull != 1 {
		t.Fatalf("DroppedQueueFull = %d", snap.DroppedQueueFull)
	}
}

func TestKeepStaleSurvivesQueueDelay(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, MaxQueueDelay: 10 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	_ = s.Enqueue(Task{Name: "slow", Run: func(context.Context) error { close(started); <-release; return nil }})
	<-started

	var stale, kept atomic.Bool
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "stale", Run: func(context.Context) error { stale.Store(true); return nil }})
	_ = s.Enqueue(Task{Name: "kept", Opt: TaskOptions{KeepStale: true}, Run: func(context.Context) error {
		kept.Store(true)
		close(done)
		return nil
	}})
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("KeepStale task never ran")
	}
	if stale.Load() || !kept.Load() {
		t.Fatalf("stale ran=%v kept ran=%v", stale.Load(), kept.Load())
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelayWithHint(opt, tt.retry, errors.New("x"), nil); got != tt.want {
			t.Fatalf("retry %d: delay = %v, want %v", tt.retry, got, tt.want)
		}
	}
	hinted := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 5*time.Second), rand.New(rand.NewSource(1)))
	if hinted > time.Second {
		t.Fatalf("hint not clamped: %v", hinted)
	}
}
