// Package pubsub manages topics and their subscribers and fans a message out
// to every subscriber of a topic through the shared dispatcher.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/settings"
	"relaybot/internal/task/engine"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Settings is the slice of the settings store the broadcast engine reads.
type Settings interface {
	MessageDelay(ctx context.Context) time.Duration
	Set(ctx context.Context, key, value string) error
}

// Executor runs async publishes. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	// AsyncTimeout bounds one PublishAsync run. Default 30m.
	AsyncTimeout time.Duration
	// StatusMax and StatusTTL bound the async status table.
	StatusMax int
	StatusTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.AsyncTimeout <= 0 {
		c.AsyncTimeout = 30 * time.Minute
	}
	if c.StatusMax <= 0 {
		c.StatusMax = 200
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg      Config
	store    Store
	sender   dispatch.Sender
	settings Settings
	exec     Executor
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}

type Option func(*Service)

func WithExecutor(e Executor) Option { return func(s *Service) { s.exec = e } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(cfg Config, store Store, sender dispatch.Sender, st Settings, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		sender:   sender,
		settings: st,
		log:      log.With(logx.String("comp", "pubsub")),
		now:      time.Now,
		sleep:    sleepCtx,
		status:   map[string]*JobStatus{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) CreateTopic(ctx context.Context, name, description string) (Topic, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Topic{}, fmt.Errorf("%w: topic name required", ErrInvalidInput)
	}
	now := s.now()
	t := Topic{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTopic(ctx, t); err != nil {
		return Topic{}, fmt.Errorf("create topic: %w", err)
	}
	s.log.Info("topic created", logx.String("topic", t.ID), logx.String("name", name))
	return t, nil
}

func (s *Service) GetTopic(ctx context.Context, id string) (Topic, error) {
	return s.store.GetTopic(ctx, strings.TrimSpace(id))
}

func (s *Service) ListTopics(ctx context.Context, activeOnly bool) ([]Topic, error) {
	return s.store.ListTopics(ctx, activeOnly)
}

func (s *Service) DeleteTopic(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.DeleteTopic(ctx, strings.TrimSpace(id))
	if err == nil && ok {
		s.log.Info("topic deleted", logx.String("topic", id))
	}
	return ok, err
}

func normalizeIdentity(identity string) (string, error) {
	id := transport.NormalizeIdentity(identity)
	if id == "" {
		return "", fmt.Errorf("%w: identity %q is not a phone number or channel id", ErrInvalidInput, identity)
	}
	return id, nil
}

func (s *Service) Subscribe(ctx context.Context, topicID, identity string) (SubscribeResult, error) {
	id, err := normalizeIdentity(identity)
	if err != nil {
		return SubscribeResult{}, err
	}
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return SubscribeResult{}, err
	}
	created, err := s.store.AddSubscriber(ctx, topicID, id, s.now())
	if err != nil {
		return SubscribeResult{}, fmt.Errorf("subscribe: %w", err)
	}
	return SubscribeResult{Created: created}, nil
}

func (s *Service) Unsubscribe(ctx context.Context, topicID, identity string) (UnsubscribeResult, error) {
	id, err := normalizeIdentity(identity)
	if err != nil {
		return UnsubscribeResult{}, err
	}
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return UnsubscribeResult{}, err
	}
	removed, err := s.store.RemoveSubscriber(ctx, topicID, id)
	if err != nil {
		return UnsubscribeResult{}, fmt.Errorf("unsubscribe: %w", err)
	}
	return UnsubscribeResult{Removed: removed}, nil
}

func (s *Service) ListSubscribers(ctx context.Context, topicID string) ([]Subscription, error) {
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	return s.store.Subscribers(ctx, topicID)
}

// SubscriptionStatus lists the topics identity is subscribed to.
func (s *Service) SubscriptionStatus(ctx context.Context, identity string) ([]Topic, error) {
	id, err := normalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	return s.store.TopicsFor(ctx, id)
}

// Publish sends message to every subscriber of topicID, one at a time with
// the configured delay between sends. Per-subscriber failures land in the
// summary; only problems that prevent the whole publish return an error.
func (s *Service) Publish(ctx context.Context, topicID, message string) (Summary, error) {
	return s.publish(ctx, topicID, message, nil)
}

// progressFunc is called once with an empty identity when the subscriber
// count is known, then once per subscriber.
type progressFunc func(total int, identity string, err error)

func (s *Service) publish(ctx context.Context, topicID, message string, progress progressFunc) (Summary, error) {
	sum := Summary{TopicID: topicID}
	if strings.TrimSpace(message) == "" {
		return sum, fmt.Errorf("%w: message required", ErrInvalidInput)
	}
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return sum, err
	}
	if !topic.Active {
		return sum, ErrTopicInactive
	}
	if !s.sender.Connected() {
		s.countPublish("unavailable")
		return sum, ErrTransportUnavailable
	}
	subs, err := s.store.Subscribers(ctx, topicID)
	if err != nil {
		return sum, fmt.Errorf("load subscribers: %w", err)
	}
	sum.Total = len(subs)
	if progress != nil {
		progress(sum.Total, "", nil)
	}

	delay := time.Duration(0)
	if s.settings != nil {
		delay = s.settings.MessageDelay(ctx)
	}
	start := s.now()
	s.log.Info("publish started", logx.String("topic", topicID), logx.Int("subscribers", sum.Total), logx.Duration("delay", delay))

	for i, sub := range subs {
		if i > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				s.failRemaining(&sum, subs[i:], err, progress)
				break
			}
		}
		to := transport.TargetFor(sub.Identity)
		_, err := s.sender.Send(ctx, dispatch.Request{
			Recipient:     to.Recipient,
			ChannelID:     to.ChannelID,
			Content:       transport.Content{Text: message},
			CorrelationID: "topic:" + topicID,
		})
		if err != nil {
			sum.Failed = append(sum.Failed, Failure{Identity: sub.Identity, Error: err.Error()})
			s.log.Warn("publish send failed", logx.String("topic", topicID), logx.String("to", sub.Identity), logx.Err(err))
		} else {
			sum.Succeeded++
		}
		if progress != nil {
			progress(sum.Total, sub.Identity, err)
		}
	}

	fields := []logx.Field{
		logx.String("topic", topicID),
		logx.Int("total", sum.Total),
		logx.Int("succeeded", sum.Succeeded),
		logx.Int("failed", len(sum.Failed)),
		logx.Duration("dur", s.now().Sub(start)),
	}
	if len(sum.Failed) > 0 {
		s.log.Warn("publish finished with failures", fields...)
		s.countPublish("partial")
	} else {
		s.log.Info("publish finished", fields...)
		s.countPublish("ok")
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTopicPublished, Data: PublishedEvent{
			TopicID: topicID, Total: sum.Total, Succeeded: sum.Succeeded, Failed: len(sum.Failed),
		}})
	}
	return sum, nil
}

// failRemaining records every unsent subscriber once the publish is aborted.
func (s *Service) failRemaining(sum *Summary, rest []Subscription, cause error, progress progressFunc) {
	for _, sub := range rest {
		sum.Failed = append(sum.Failed, Failure{Identity: sub.Identity, Error: cause.Error()})
		if progress != nil {
			progress(sum.Total, sub.Identity, cause)
		}
	}
}

func (s *Service) countPublish(result string) {
	if s.metrics != nil {
		s.metrics.Publishes.WithLabelValues(result).Inc()
	}
}

func (s *Service) Settings(ctx context.Context) (BroadcastSettings, error) {
	if s.settings == nil {
		return BroadcastSettings{}, nil
	}
	return BroadcastSettings{MessageDelaySeconds: s.settings.MessageDelay(ctx).Seconds()}, nil
}

func (s *Service) UpdateSettings(ctx context.Context, in BroadcastSettings) (BroadcastSettings, error) {
	v := in.MessageDelaySeconds
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return BroadcastSettings{}, fmt.Errorf("%w: messageDelaySeconds must be >= 0", ErrInvalidInput)
	}
	if s.settings == nil {
		return BroadcastSettings{}, errors.New("settings store not configured")
	}
	if err := s.settings.Set(ctx, settings.KeyMessageDelay, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
		return BroadcastSettings{}, err
	}
	return s.Settings(ctx)
}
