// Package recording is the exactly-once message log. Every sent and inbound
// message is appended at most once per dedupe key; failures are reported to
// the caller for logging and never block delivery.
package recording

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/settings"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Backend is a primary store: capped log, dedupe markers and side index.
type Backend interface {
	Name() string
	// Append stores rec unless its dedupe key was seen within the window.
	// For a duplicate it returns the original position and dup=true.
	Append(ctx context.Context, rec Record) (pos Position, dup bool, err error)
	Lookup(ctx context.Context, naturalID string) (Record, bool, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	Len(ctx context.Context) (int64, error)
	Healthy(ctx context.Context) error
}

// BackendSelector reports the history_backend setting.
type BackendSelector interface {
	HistoryBackend(ctx context.Context) string
}

// SentInput describes a message that the transport accepted.
type SentInput struct {
	To            transport.Target
	Content       transport.Content
	Delivery      transport.DeliveryRef
	CorrelationID string
}

const (
	previewLen    = 500
	healthTimeout = 2 * time.Second
	healthCache   = 5 * time.Second
)

type Service struct {
	primary  Backend
	external Sink
	selector BackendSelector
	log      logx.Logger
	now      func() time.Time

	hmu       sync.Mutex
	extOK     bool
	extExpiry time.Time
}

// New wires the primary backend with an optional external sink. selector may
// be nil, in which case the primary is always active.
func New(primary Backend, external Sink, selector BackendSelector, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		primary:  primary,
		external: external,
		selector: selector,
		log:      log.With(logx.String("comp", "recording")),
		now:      time.Now,
	}
}

func (s *Service) RecordSent(ctx context.Context, in SentInput) (Position, error) {
	ts := in.Delivery.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	counterpart := in.To.Recipient
	if counterpart == "" {
		counterpart = in.To.Address()
	}
	rec := Record{
		Direction:          DirectionSent,
		Timestamp:          ts,
		Counterpart:        counterpart,
		ChannelID:          in.To.ChannelID,
		Body:               in.Content.Preview(previewLen),
		MediaRef:           in.Content.MediaURL,
		CorrelationID:      in.CorrelationID,
		TransportMessageID: in.Delivery.ID,
	}
	pos, _, err := s.record(ctx, rec)
	return pos, err
}

func (s *Service) RecordInbound(ctx context.Context, msg transport.InboundMessage) (Position, error) {
	pos, _, err := s.ClaimInbound(ctx, msg)
	return pos, err
}

// ClaimInbound records msg and reports whether this call stored it. A
// redelivered message returns the original position and false.
func (s *Service) ClaimInbound(ctx context.Context, msg transport.InboundMessage) (Position, bool, error) {
	// A missing timestamp stays zero until the key is computed so that
	// redeliveries of the same id-less message hash identically.
	rec := Record{
		Direction:          DirectionInbound,
		Timestamp:          msg.Timestamp,
		Counterpart:        msg.From,
		ChannelID:          msg.ChannelID,
		Body:               msg.Body(),
		MediaRef:           msg.MediaRef,
		TransportMessageID: msg.ID,
	}
	pos, dup, err := s.record(ctx, rec)
	return pos, !dup && err == nil, err
}

func (s *Service) record(ctx context.Context, rec Record) (Position, bool, error) {
	rec.DedupeKey = DedupeKey(rec)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	rec.ID = uuid.NewString()

	pos, dup, err := s.primary.Append(ctx, rec)
	if err != nil {
		s.log.Warn("recording append failed",
			logx.String("backend", s.primary.Name()),
			logx.String("direction", string(rec.Direction)),
			logx.Err(err),
		)
		return "", false, failed("append", err)
	}
	if dup {
		s.log.Debug("recording deduplicated", logx.String("direction", string(rec.Direction)), logx.String("position", string(pos)))
		return pos, true, nil
	}

	if s.external != nil && s.externalSelected(ctx) {
		rec.Position = pos
		if err := s.external.Write(ctx, rec); err != nil {
			s.log.Warn("external recording failed",
				logx.String("sink", s.external.Name()),
				logx.String("position", string(pos)),
				logx.Err(err),
			)
		}
	}
	return pos, false, nil
}

func (s *Service) externalSelected(ctx context.Context) bool {
	if s.selector == nil {
		return false
	}
	return s.selector.HistoryBackend(ctx) == settings.BackendExternal
}

// IsHealthy reports the health of the backend that BackendType names.
func (s *Service) IsHealthy(ctx context.Context) bool {
	if s.BackendType(ctx) == settings.BackendExternal {
		return true
	}
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return s.primary.Healthy(hctx) == nil
}

// BackendType is "external" only when the setting selects it and the sink
// passes a health check; otherwise "primary".
func (s *Service) BackendType(ctx context.Context) string {
	if s.external == nil || !s.externalSelected(ctx) {
		return settings.BackendPrimary
	}
	if s.externalHealthy(ctx) {
		return settings.BackendExternal
	}
	return settings.BackendPrimary
}

func (s *Service) externalHealthy(ctx context.Context) bool {
	now := s.now()
	s.hmu.Lock()
	if now.Before(s.extExpiry) {
		ok := s.extOK
		s.hmu.Unlock()
		return ok
	}
	s.hmu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	err := s.external.Healthy(hctx)
	cancel()
	if err != nil {
		s.log.Warn("external recording backend unhealthy", logx.String("sink", s.external.Name()), logx.Err(err))
	}

	s.hmu.Lock()
	s.extOK = err == nil
	s.extExpiry = now.Add(healthCache)
	s.hmu.Unlock()
	return err == nil
}

// BackendName names the concrete primary and, if configured, external store.
func (s *Service) BackendName() string {
	if s.external == nil {
		return s.primary.Name()
	}
	return s.primary.Name() + "+" + s.external.Name()
}

func (s *Service) Lookup(ctx context.Context, naturalID string) (Record, bool, error) {
	return s.primary.Lookup(ctx, strings.TrimSpace(naturalID))
}

func (s *Service) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.primary.Recent(ctx, limit)
}

func (s *Service) Len(ctx context.Context) (int64, error) {
	return s.primary.Len(ctx)
}

func (s *Service) Close() error {
	if s.external != nil {
		return s.external.Close()
	}
	return nil
}

func parseInt(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }
