// Package scheduler fires recurring and one-shot message jobs.
//
// Jobs live in a Store. Active jobs are mirrored in an in-memory registry
// with their next fire time; Tick submits due jobs to the task engine on a
// lane keyed by job id, so a job never overlaps itself while different jobs
// fire concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"relaybot/internal/apperr"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/task/engine"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	CatchUpFire = "fire"
	CatchUpSkip = "skip"

	missedFireError     = "missed fire time"
	enqueueWarnThrottle = 5 * time.Second
)

type Config struct {
	Tick         time.Duration
	Location     *time.Location
	CatchUp      string
	MaxAttempts  int
	RetryDelay   time.Duration
	CleanupAfter time.Duration
	LockTTL      time.Duration
	SendTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.CatchUp != CatchUpSkip {
		c.CatchUp = CatchUpFire
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 45 * time.Second
	}
	return c
}

// Executor is the part of the task engine the scheduler uses.
type Executor interface {
	Enqueue(t engine.Task) error
}

type entry struct {
	job   Job
	sched cron.Schedule
	next  time.Time
	state *engine.RunState
}

type Service struct {
	cfg     Config
	store   Store
	exec    Executor
	sender  dispatch.Sender
	locker  Locker
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	// writeMu serializes read-modify-write cycles on stored jobs.
	writeMu sync.Mutex

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Option func(*Service)

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, store Store, exec Executor, sender dispatch.Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg.withDefaults(),
		store:       store,
		exec:        exec,
		sender:      sender,
		locker:      nopLocker{},
		log:         log.With(logx.String("comp", "scheduler")),
		now:         time.Now,
		entries:     map[string]*entry{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load reads every pending job from the store into the registry. Recurring
// jobs resume from now; overdue one-shot jobs follow the catch-up policy.
func (s *Service) Load(ctx context.Context) error {
	jobs, err := s.store.List(ctx, Filter{Active: Ptr(true), Executed: Ptr(false)})
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	now := s.now()
	loaded, skipped := 0, 0
	for _, j := range jobs {
		if j.Trigger.OneShot() && !j.Trigger.FireAt.After(now) && s.cfg.CatchUp == CatchUpSkip {
			s.writeMu.Lock()
			j.Active = false
			j.LastError = missedFireError
			j.UpdatedAt = now
			err := s.store.Save(ctx, j)
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warn("mark missed job failed", logx.String("job", j.ID), logx.Err(err))
			}
			skipped++
			continue
		}
		if err := s.register(j, now); err != nil {
			s.log.Warn("job not registered", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		loaded++
	}
	s.log.Info("scheduler loaded", logx.Int("jobs", loaded), logx.Int("missed_skipped", skipped), logx.String("catch_up", s.cfg.CatchUp))
	return nil
}

// Run calls Tick on every scheduler tick until ctx ends. It also runs the
// executed-job cleanup when CleanupAfter is set.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()

	var cleanup <-chan time.Time
	if s.cfg.CleanupAfter > 0 {
		ct := time.NewTicker(cleanupEvery(s.cfg.CleanupAfter))
		defer ct.Stop()
		cleanup = ct.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx, s.now())
		case <-cleanup:
			if n, err := s.CleanupExecuted(ctx, s.cfg.CleanupAfter); err != nil {
				s.log.Warn("cleanup executed jobs failed", logx.Err(err))
			} else if n > 0 {
				s.log.Info("executed jobs removed", logx.Int("count", n))
			}
		}
	}
}

func cleanupEvery(after time.Duration) time.Duration {
	d := after / 4
	if d < time.Minute {
		d = time.Minute
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// Tick submits every due job that is not already in flight.
func (s *Service) Tick(ctx context.Context, now time.Time) int {
	type due struct {
		e   *entry
		at  time.Time
		job Job
	}
	var fire []due
	s.mu.Lock()
	for _, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) || e.state.Busy() {
			continue
		}
		fire = append(fire, due{e: e, at: e.next, job: e.job})
		if e.sched != nil {
			e.next = e.sched.Next(now.In(s.cfg.Location))
		} else {
			// One-shot: provisional retry slot. The fire result replaces it
			// and a task dropped by the engine is picked up again here.
			e.next = now.Add(s.cfg.RetryDelay)
		}
	}
	s.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].at.Before(fire[j].at) })
	submitted := 0
	for _, d := range fire {
		d := d
		err := s.exec.Enqueue(engine.Task{
			Name:    "scheduler.fire." + d.job.ID,
			Key:     "job:" + d.job.ID,
			State:   d.e.state,
			Timeout: s.cfg.SendTimeout,
			Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
			Run: func(ctx context.Context) error {
				s.fire(ctx, d.e, d.job.ID, d.at)
				return nil
			},
		})
		if err != nil {
			s.reportEnqueueError(d.job.ID, err)
			continue
		}
		submitted++
	}
	return submitted
}

// rearm sets the next fire time if e is still the registered entry.
func (s *Service) rearm(e *entry, at time.Time) {
	s.mu.Lock()
	if cur := s.entries[e.job.ID]; cur == e {
		e.next = at
	}
	s.mu.Unlock()
}

func (s *Service) reportEnqueueError(id string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("fire skipped: job in flight", logx.String("job", id))
		return
	}
	now := s.now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[id] = now
	s.enqMu.Unlock()
	s.log.Warn("fire not enqueued", logx.String("job", id), logx.Err(err))
}

// fire sends one job and persists the outcome. The job is re-read from the
// store first so a toggle or delete since the tick prevents the send.
func (s *Service) fire(ctx context.Context, e *entry, id string, dueAt time.Time) {
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && (!job.Active || job.Executed)) {
		s.unregister(id, e)
		return
	}
	if err != nil {
		s.log.Warn("load job before fire failed", logx.String("job", id), logx.Err(err))
		return
	}

	lockKey := id + ":" + strconv.FormatInt(dueAt.Unix(), 10)
	ok, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("fire lock unavailable", logx.String("job", id), logx.Err(err))
	}
	if !ok {
		s.log.Debug("fire owned by another replica", logx.String("job", id))
		return
	}

	_, sendErr := s.sender.Send(ctx, dispatch.Request{
		Recipient:     job.Recipient,
		ChannelID:     job.ChannelID,
		Content:       transport.Content{Text: job.Message},
		CorrelationID: job.ID,
	})
	s.complete(ctx, e, id, job.Trigger, sendErr)
}

// complete persists the outcome of one fire. fired is the trigger the send
// was made for; if Update replaced it meanwhile, the new schedule is left
// armed and only the run result is stored.
func (s *Service) complete(ctx context.Context, e *entry, id string, fired Trigger, sendErr error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Persist even when the caller was canceled mid-send.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	job, err := s.store.Get(pctx, id)
	if err != nil {
		s.log.Warn("load job after fire failed", logx.String("job", id), logx.Err(err))
		return
	}
	now := s.now()
	job.UpdatedAt = now
	ev := FireEvent{JobID: id}
	oneShot := job.Trigger.OneShot()
	rescheduled := !sameTrigger(job.Trigger, fired)
	// An unreachable transport is an outage, not a failed attempt.
	unavailable := errors.Is(sendErr, apperr.ErrTransportUnavailable)
	terminal := false

	if sendErr == nil {
		job.LastRunAt = now
		job.LastError = ""
		if oneShot && !rescheduled {
			job.Executed = true
			terminal = true
		}
		ev.OK = true
		s.countFire("ok")
		s.log.Info("job fired", logx.String("job", id), logx.String("kind", string(job.Trigger.Kind)))
	} else {
		job.LastError = sendErr.Error()
		if !rescheduled && !unavailable {
			job.Attempts++
			if oneShot && job.Attempts >= s.cfg.MaxAttempts {
				job.Executed = true
				terminal = true
			}
		}
		ev.Error = job.LastError
		s.countFire("failed")
		s.log.Warn("job fire failed",
			logx.String("job", id),
			logx.Int("attempts", job.Attempts),
			logx.Bool("terminal", terminal),
			logx.Err(sendErr),
		)
	}
	ev.Attempts = job.Attempts
	ev.Terminal = terminal

	if err := s.store.Save(pctx, job); err != nil {
		s.log.Error("persist fire result failed", logx.String("job", id), logx.Err(err))
	}

	switch {
	case rescheduled:
		s.log.Info("job rescheduled during fire", logx.String("job", id))
	case terminal:
		s.unregister(id, e)
	case oneShot:
		s.rearm(e, now.Add(s.cfg.RetryDelay))
	default:
		s.mu.Lock()
		if cur := s.entries[id]; cur == e {
			e.job = job
		}
		s.mu.Unlock()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFired, Data: ev})
	}
}

func sameTrigger(a, b Trigger) bool {
	return a.Kind == b.Kind && a.Cron == b.Cron && a.FireAt.Equal(b.FireAt)
}

func (s *Service) countFire(result string) {
	if s.metrics != nil {
		s.metrics.JobFires.WithLabelValues(result).Inc()
	}
}

// register adds or replaces the registry entry for j. Inactive and executed
// jobs are removed instead.
func (s *Service) register(j Job, now time.Time) error {
	if !j.Active || j.Executed {
		s.unregister(j.ID, nil)
		return nil
	}
	e := &entry{job: j, state: &engine.RunState{}}
	if j.Trigger.OneShot() {
		e.next = j.Trigger.FireAt
	} else {
		sched, _, err := ParseSchedule(j.Trigger.Cron)
		if err != nil {
			return err
		}
		e.sched = sched
		e.next = sched.Next(now.In(s.cfg.Location))
	}
	s.mu.Lock()
	if old := s.entries[j.ID]; old != nil {
		// Keep the overlap gate so a re-registered job cannot fire while its
		// previous send is still in flight.
		e.state = old.state
	}
	s.entries[j.ID] = e
	s.mu.Unlock()
	return nil
}

// unregister removes id. With e set, it only removes that exact entry.
func (s *Service) unregister(id string, e *entry) {
	s.mu.Lock()
	if cur := s.entries[id]; cur != nil && (e == nil || cur == e) {
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

// ActiveJobs lists registered jobs ordered by next fire time.
func (s *Service) ActiveJobs() []ActiveJob {
	s.mu.Lock()
	out := make([]ActiveJob, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, ActiveJob{ID: e.job.ID, Description: e.job.Description, Kind: string(e.job.Trigger.Kind), Next: e.next})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].ID < out[j].ID
		}
		if out[i].Next.IsZero() {
			return false
		}
		if out[j].Next.IsZero() {
			return true
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// buildTrigger validates the schedule fields of a create or update.
func (s *Service) buildTrigger(oneTime bool, schedule, date string, now time.Time) (Trigger, error) {
	if oneTime {
		at, err := ParseScheduleDate(date, s.cfg.Location)
		if err != nil {
			return Trigger{}, err
		}
		if !at.After(now) {
			return Trigger{}, fmt.Errorf("%w: schedule date %s is in the past", ErrInvalidSchedule, at.Format(time.RFC3339))
		}
		return Trigger{Kind: TriggerOneShot, FireAt: at}, nil
	}
	_, canonical, err := ParseSchedule(schedule)
	if err != nil {
		return Trigger{}, err
	}
	return Trigger{Kind: TriggerRecurring, Cron: canonical}, nil
}

func validateTarget(recipient, channelID string) (string, string, error) {
	r, c := NormalizeTarget(recipient, channelID)
	if r == "" && c == "" {
		return "", "", fmt.Errorf("%w: recipient or channel id required", ErrInvalidJob)
	}
	return r, c, nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (Job, error) {
	if strings.TrimSpace(in.Message) == "" {
		return Job{}, fmt.Errorf("%w: message required", ErrInvalidJob)
	}
	recipient, channel, err := validateTarget(in.Recipient, in.ChannelID)
	if err != nil {
		return Job{}, err
	}
	now := s.now()
	trig, err := s.buildTrigger(in.OneTime, in.Schedule, in.ScheduleDate, now)
	if err != nil {
		return Job{}, err
	}
	j := Job{
		ID:          uuid.NewString(),
		Recipient:   recipient,
		ChannelID:   channel,
		Message:     in.Message,
		Trigger:     trig,
		Description: strings.TrimSpace(in.Description),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := s.register(j, now); err != nil {
		return Job{}, err
	}
	s.log.Info("job created", logx.String("job", j.ID), logx.String("kind", string(trig.Kind)), logx.String("to", firstNonEmpty(channel, recipient)))
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Update(ctx context.Context, id string, p Patch) (Job, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	j, err := s.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	now := s.now()

	if p.Recipient != nil || p.ChannelID != nil {
		r, c := j.Recipient, j.ChannelID
		if p.Recipient != nil {
			r = *p.Recipient
		}
		if p.ChannelID != nil {
			c = *p.ChannelID
		}
		if j.Recipient, j.ChannelID, err = validateTarget(r, c); err != nil {
			return Job{}, err
		}
	}
	if p.Message != nil {
		if strings.TrimSpace(*p.Message) == "" {
			return Job{}, fmt.Errorf("%w: message required", ErrInvalidJob)
		}
		j.Message = *p.Message
	}
	if p.Description != nil {
		j.Description = strings.TrimSpace(*p.Description)
	}
	if p.Active != nil {
		j.Active = *p.Active
	}

	switch {
	case p.ScheduleDate != nil:
		trig, err := s.buildTrigger(true, "", *p.ScheduleDate, now)
		if err != nil {
			return Job{}, err
		}
		j.Trigger = trig
		// A new future date re-arms a finished one-shot.
		j.Executed = false
		j.Attempts = 0
		j.LastError = ""
	case p.Schedule != nil:
		trig, err := s.buildTrigger(false, *p.Schedule, "", now)
		if err != nil {
			return Job{}, err
		}
		j.Trigger = trig
		j.Executed = false
	}

	j.UpdatedAt = now
	if err := s.store.Save(ctx, j); err != nil {
		return Job{}, err
	}
	if err := s.register(j, now); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Toggle sets Active to *activate, or flips it when activate is nil.
func (s *Service) Toggle(ctx context.Context, id string, activate *bool) (Job, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	j, err := s.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if activate != nil {
		j.Active = *activate
	} else {
		j.Active = !j.Active
	}
	now := s.now()
	j.UpdatedAt = now
	if err := s.store.Save(ctx, j); err != nil {
		return Job{}, err
	}
	if err := s.register(j, now); err != nil {
		return Job{}, err
	}
	return j, nil
}

func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	s.unregister(id, nil)
	return ok, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Job, error) {
	if f.Recipient != "" {
		r, c := NormalizeTarget(f.Recipient, "")
		f.Recipient = firstNonEmpty(c, r)
	}
	return s.store.List(ctx, f)
}

// NormalizeAll repairs stored recipient/channel fields. Running it twice
// changes nothing the second time.
func (s *Service) NormalizeAll(ctx context.Context) (NormalizeReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	jobs, err := s.store.List(ctx, Filter{})
	if err != nil {
		return NormalizeReport{}, err
	}
	var rep NormalizeReport
	now := s.now()
	for _, j := range jobs {
		rep.Scanned++
		r, c := NormalizeTarget(j.Recipient, j.ChannelID)
		if r == "" && c == "" {
			rep.Invalid = append(rep.Invalid, j.ID)
			continue
		}
		if r == j.Recipient && c == j.ChannelID {
			continue
		}
		j.Recipient, j.ChannelID, j.UpdatedAt = r, c, now
		if err := s.store.Save(ctx, j); err != nil {
			return rep, fmt.Errorf("save %s: %w", j.ID, err)
		}
		s.mu.Lock()
		if e := s.entries[j.ID]; e != nil {
			e.job.Recipient, e.job.ChannelID = r, c
		}
		s.mu.Unlock()
		rep.Updated++
	}
	s.log.Info("jobs normalized", logx.Int("scanned", rep.Scanned), logx.Int("updated", rep.Updated), logx.Int("invalid", len(rep.Invalid)))
	return rep, nil
}

// CleanupExecuted deletes executed one-shot jobs last updated before
// now-olderThan.
func (s *Service) CleanupExecuted(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be > 0", ErrInvalidJob)
	}
	return s.store.DeleteExecutedBefore(ctx, s.now().Add(-olderThan))
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
