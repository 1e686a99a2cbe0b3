// Package conversation tracks per-counterpart chat sessions.
//
// A counterpart has at most one active conversation. Expiry is lazy: reads
// compare LastMessageAt against the idle timeout and close stale sessions on
// the spot, so correctness never depends on the background sweeper.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Timeout      time.Duration
	MaxHistory   int
	ArchiveAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 50
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = 7 * 24 * time.Hour
	}
	return c
}

type Manager struct {
	cfg     Config
	store   Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Manager)

func WithBus(b eventbus.Bus) Option { return func(m *Manager) { m.bus = b } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(cfg Config, store Store, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With(logx.String("comp", "conversation")),
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) expired(c Conversation, now time.Time) bool {
	return c.State == StateActive && now.Sub(c.LastMessageAt) > m.cfg.Timeout
}

// Create returns the counterpart's active conversation, or starts one.
func (m *Manager) Create(ctx context.Context, counterpart, botID string, metadata map[string]string) (*Conversation, error) {
	counterpart = strings.TrimSpace(counterpart)
	if counterpart == "" {
		return nil, fmt.Errorf("%w: counterpart required", ErrInvalid)
	}
	now := m.now()
	c := Conversation{
		ID:            uuid.NewString(),
		Counterpart:   counterpart,
		BotID:         botID,
		State:         StateActive,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
	}
	res, err := m.store.Open(ctx, c, now.Add(m.cfg.Timeout), now)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	if old := res.Expired; old.ID != "" {
		m.log.Info("conversation closed", logx.String("id", old.ID), logx.String("counterpart", old.Counterpart), logx.String("reason", ReasonTimeout))
		m.gauge(-1)
		m.publish(eventbus.TypeConversationEnd, Event{ID: old.ID, Counterpart: old.Counterpart, Reason: ReasonTimeout})
	}
	got := res.Conversation
	if res.Created {
		m.log.Info("conversation started", logx.String("id", got.ID), logx.String("counterpart", counterpart))
		m.gauge(1)
		m.publish(eventbus.TypeConversationOpen, Event{ID: got.ID, Counterpart: counterpart})
	}
	return &got, nil
}

// Get returns nil for a conversation that has idled past the timeout and
// closes it.
func (m *Manager) Get(ctx context.Context, id string) (*Conversation, error) {
	c, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.expired(c, m.now()) {
		m.closeExpired(ctx, c)
		return nil, nil
	}
	return &c, nil
}

// ActiveByCounterpart resolves the counterpart's active conversation through
// the index, or returns nil.
func (m *Manager) ActiveByCounterpart(ctx context.Context, counterpart string) (*Conversation, error) {
	id, exp, ok, err := m.store.Lookup(ctx, strings.TrimSpace(counterpart))
	if err != nil || !ok {
		return nil, err
	}
	c, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := m.now()
	if c.State != StateActive {
		return nil, nil
	}
	if !exp.After(now) || m.expired(c, now) {
		m.closeExpired(ctx, c)
		return nil, nil
	}
	return &c, nil
}

func (m *Manager) closeExpired(ctx context.Context, c Conversation) {
	if _, err := m.close(ctx, c, ReasonTimeout); err != nil {
		m.log.Warn("close expired conversation failed", logx.String("id", c.ID), logx.Err(err))
	}
}

// Update appends msg, bumps counters and pushes the idle deadline out.
func (m *Manager) Update(ctx context.Context, id string, msg Message) (*Conversation, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return nil, fmt.Errorf("%w: message text required", ErrInvalid)
	}
	now := m.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.expired(c, now) {
		m.closeExpired(ctx, c)
		return nil, ErrClosed
	}
	last := msg.Timestamp
	if last.Before(now) {
		last = now
	}
	out, err := m.store.Append(ctx, id, msg, m.cfg.MaxHistory, last.Add(m.cfg.Timeout))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Manager) Close(ctx context.Context, id, reason string) (bool, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = ReasonManual
	}
	return m.close(ctx, c, reason)
}

func (m *Manager) close(ctx context.Context, c Conversation, reason string) (bool, error) {
	ok, err := m.store.Close(ctx, c.ID, reason, m.now())
	if err != nil || !ok {
		return ok, err
	}
	m.log.Info("conversation closed", logx.String("id", c.ID), logx.String("counterpart", c.Counterpart), logx.String("reason", reason))
	m.gauge(-1)
	m.publish(eventbus.TypeConversationEnd, Event{ID: c.ID, Counterpart: c.Counterpart, Reason: reason})
	return true, nil
}

// ListActive skips conversations that have idled out but were not closed yet.
func (m *Manager) ListActive(ctx context.Context, f Filter) ([]Conversation, error) {
	all, err := m.store.ListActive(ctx, f.BotID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]Conversation, 0, len(all))
	for _, c := range all {
		if m.expired(c, now) {
			continue
		}
		if f.Tag != "" && !c.HasTag(f.Tag) {
			continue
		}
		out = append(out, c)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// History returns retained messages oldest first. offset skips from the
// oldest; limit <= 0 means all.
func (m *Manager) History(ctx context.Context, id string, limit, offset int) ([]Message, error) {
	if offset < 0 {
		offset = 0
	}
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.History(ctx, id, limit, offset)
}

// Tag adds tags to the conversation's tag set.
func (m *Manager) Tag(ctx context.Context, id string, tags ...string) (*Conversation, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	for _, t := range c.Tags {
		set[t] = struct{}{}
	}
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	merged := make([]string, 0, len(set))
	for t := range set {
		merged = append(merged, t)
	}
	sort.Strings(merged)
	now := m.now()
	if err := m.store.SetTags(ctx, id, merged, now); err != nil {
		return nil, err
	}
	c.Tags = merged
	c.UpdatedAt = now
	return &c, nil
}

// ArchiveOld moves closed conversations untouched for ArchiveAfter to
// archived.
func (m *Manager) ArchiveOld(ctx context.Context) (int, error) {
	now := m.now()
	return m.store.ArchiveClosedBefore(ctx, now.Add(-m.cfg.ArchiveAfter), now)
}

func (m *Manager) Stats(ctx context.Context, id string) (Stats, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	hist, err := m.store.History(ctx, id, 0, 0)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(c, hist), nil
}

// computeStats counts a turn per run of consecutive messages from one
// sender. Response time is the gap before each sender change.
func computeStats(c Conversation, hist []Message) Stats {
	st := Stats{
		Duration:     c.LastMessageAt.Sub(c.CreatedAt),
		MessageCount: c.MessageCount,
	}
	var (
		total time.Duration
		n     int
	)
	for i, msg := range hist {
		if i == 0 || msg.Sender != hist[i-1].Sender {
			st.Turns++
			if i > 0 {
				total += msg.Timestamp.Sub(hist[i-1].Timestamp)
				n++
			}
		}
	}
	if n > 0 {
		st.MeanResponseTime = total / time.Duration(n)
	}
	return st
}

// Sweep closes idle conversations and archives old closed ones. It is
// bookkeeping only; reads already treat idle sessions as closed.
func (m *Manager) Sweep(ctx context.Context) (closed, archived int, err error) {
	now := m.now()
	ids, err := m.store.CloseIdle(ctx, now.Add(-m.cfg.Timeout), now)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		m.publish(eventbus.TypeConversationEnd, Event{ID: id, Reason: ReasonTimeout})
	}
	archived, err = m.ArchiveOld(ctx)
	if err != nil {
		return len(ids), 0, err
	}
	if m.metrics != nil {
		if n, err := m.store.CountActive(ctx); err == nil {
			m.metrics.ActiveSessions.Set(float64(n))
		}
	}
	return len(ids), archived, nil
}

// RunSweeper calls Sweep every interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			closed, archived, err := m.Sweep(ctx)
			if err != nil {
				m.log.Warn("conversation sweep failed", logx.Err(err))
				continue
			}
			if closed > 0 || archived > 0 {
				m.log.Info("conversation sweep", logx.Int("closed", closed), logx.Int("archived", archived))
			}
		}
	}
}

func (m *Manager) gauge(delta float64) {
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(delta)
	}
}

func (m *Manager) publish(typ string, ev Event) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}
