// Package router decides what happens to each inbound message by running a
// priority-ordered list of rules. The first rule whose condition and action
// both succeed wins; nothing matching yields the default decision.
package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	logx "relaybot/pkg/logx"
)

type Config struct {
	// AuditTTL is how long decisions stay in the audit store. Default 24h.
	AuditTTL time.Duration
	// Default is returned when no rule matches.
	Default Decision
	// Greeting overrides the built-in greeting pattern.
	Greeting string
}

type entry struct {
	rule Rule
	seq  uint64
}

type Router struct {
	mu    sync.RWMutex
	rules map[string]entry
	seq   uint64
	def   Decision

	ttl     time.Duration
	audit   AuditStore
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Router)

func WithAudit(a AuditStore) Option { return func(r *Router) { r.audit = a } }

func WithBus(b eventbus.Bus) Option { return func(r *Router) { r.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// New builds a router with the built-in rules installed. conv may be nil, in
// which case the active_conversation rule is left out.
func New(cfg Config, conv ConversationLookup, log logx.Logger, opts ...Option) (*Router, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.AuditTTL <= 0 {
		cfg.AuditTTL = 24 * time.Hour
	}
	def := cfg.Default
	if def.Action == "" {
		def = Decision{Action: ActionIgnore, Reason: "no rule matched"}
	}
	r := &Router{
		rules: map[string]entry{},
		def:   def,
		ttl:   cfg.AuditTTL,
		log:   log.With(logx.String("comp", "router")),
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	builtins, err := Builtins(conv, cfg.Greeting)
	if err != nil {
		return nil, err
	}
	for _, rule := range builtins {
		if err := r.RegisterRule(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RegisterRule adds rule. A rule with the same name is replaced in place and
// keeps its registration order. Rules must be registered enabled; use
// SetEnabled to switch them off.
func (r *Router) RegisterRule(rule Rule) error {
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	if rule.Condition == nil || rule.Action == nil {
		return fmt.Errorf("%w: %s: condition and action required", ErrInvalidRule, rule.Name)
	}
	if !rule.Enabled {
		return fmt.Errorf("%w: %s: registered disabled", ErrInvalidRule, rule.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rules[rule.Name]; ok {
		r.rules[rule.Name] = entry{rule: rule, seq: cur.seq}
		return nil
	}
	r.seq++
	r.rules[rule.Name] = entry{rule: rule, seq: r.seq}
	return nil
}

func (r *Router) RemoveRule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[name]; !ok {
		return false
	}
	delete(r.rules, name)
	return true
}

func (r *Router) SetDefault(d Decision) {
	if d.Action == "" {
		d.Action = ActionIgnore
	}
	r.mu.Lock()
	r.def = d
	r.mu.Unlock()
}

// SetEnabled toggles a rule without removing it.
func (r *Router) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rules[name]
	if !ok {
		return false
	}
	e.rule.Enabled = enabled
	r.rules[name] = e
	return true
}

// snapshot returns enabled rules in evaluation order.
func (r *Router) snapshot(all bool) ([]entry, Decision) {
	r.mu.RLock()
	out := make([]entry, 0, len(r.rules))
	for _, e := range r.rules {
		if all || e.rule.Enabled {
			out = append(out, e)
		}
	}
	def := r.def
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rule.Priority != out[j].rule.Priority {
			return out[i].rule.Priority > out[j].rule.Priority
		}
		return out[i].seq < out[j].seq
	})
	return out, def
}

func (r *Router) Rules() []RuleInfo {
	entries, _ := r.snapshot(true)
	out := make([]RuleInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, RuleInfo{Name: e.rule.Name, Priority: e.rule.Priority, Enabled: e.rule.Enabled})
	}
	return out
}

// Route returns exactly one decision for msg. Rules are evaluated outside
// the lock, so a slow rule never blocks registration.
func (r *Router) Route(ctx context.Context, msg Message) Decision {
	rules, def := r.snapshot(false)

	d, matched := def, false
	for _, e := range rules {
		ok, err := r.safeCondition(ctx, e.rule, msg)
		if err != nil {
			r.log.Warn("rule condition failed", logx.String("rule", e.rule.Name), logx.String("msg", msg.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		got, err := r.safeAction(ctx, e.rule, msg)
		if err != nil {
			r.log.Warn("rule action failed", logx.String("rule", e.rule.Name), logx.String("msg", msg.ID), logx.Err(err))
			continue
		}
		if got.Action == "" {
			got.Action = ActionIgnore
		}
		got.Rule = e.rule.Name
		d, matched = got, true
		break
	}
	if !matched {
		d.Rule = ""
		if d.Metadata != nil {
			d.Metadata = copyMap(d.Metadata)
		}
	}

	r.log.Debug("message routed",
		logx.String("msg", msg.ID),
		logx.String("from", msg.Counterpart()),
		logx.String("action", string(d.Action)),
		logx.String("rule", d.Rule),
	)
	if r.metrics != nil {
		rule := d.Rule
		if rule == "" {
			rule = "default"
		}
		r.metrics.RouteDecisions.WithLabelValues(string(d.Action), rule).Inc()
	}
	r.record(ctx, msg, d)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeInboundRouted, Data: RoutedEvent{
			MessageID: msg.ID, Counterpart: msg.Counterpart(), Decision: d,
		}})
	}
	return d
}

func (r *Router) record(ctx context.Context, msg Message, d Decision) {
	if r.audit == nil || msg.ID == "" {
		return
	}
	now := r.now()
	if err := r.audit.Put(ctx, msg.ID, d, now, now.Add(r.ttl)); err != nil {
		r.log.Warn("routing audit write failed", logx.String("msg", msg.ID), logx.Err(err))
	}
}

// AuditedDecision returns the audited decision for a message id, if still retained.
func (r *Router) AuditedDecision(ctx context.Context, messageID string) (Decision, bool, error) {
	if r.audit == nil {
		return Decision{}, false, nil
	}
	return r.audit.Get(ctx, messageID, r.now())
}

// PurgeAudit drops expired audit rows.
func (r *Router) PurgeAudit(ctx context.Context) (int, error) {
	if r.audit == nil {
		return 0, nil
	}
	return r.audit.Purge(ctx, r.now())
}

// RunAuditPurge calls PurgeAudit every interval until ctx ends.
func (r *Router) RunAuditPurge(ctx context.Context, every time.Duration) error {
	if every <= 0 || r.audit == nil {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := r.PurgeAudit(ctx)
			if err != nil {
				r.log.Warn("route audit purge failed", logx.Err(err))
				continue
			}
			if n > 0 {
				r.log.Debug("route audit purged", logx.Int("rows", n))
			}
		}
	}
}

func (r *Router) safeCondition(ctx context.Context, rule Rule, msg Message) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("rule condition panic", logx.String("rule", rule.Name), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			ok, err = false, fmt.Errorf("panic: %v", rec)
		}
	}()
	return rule.Condition(ctx, msg)
}

func (r *Router) safeAction(ctx context.Context, rule Rule, msg Message) (d Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("rule action panic", logx.String("rule", rule.Name), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			d, err = Decision{}, fmt.Errorf("panic: %v", rec)
		}
	}()
	return rule.Action(ctx, msg)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
