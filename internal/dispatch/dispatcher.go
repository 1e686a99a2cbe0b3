// Package dispatch is the single outbound path shared by the scheduler, the
// broadcast engine and conversation replies: connectivity check, global rate
// limit, bounded send, recording and metrics.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/apperr"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/recording"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

var (
	ErrTransportUnavailable = apperr.ErrTransportUnavailable
	ErrDispatchFailed       = apperr.ErrDispatchFailed
)

type Request struct {
	Recipient     string
	ChannelID     string
	Content       transport.Content
	CorrelationID string
}

func (r Request) Target() transport.Target {
	return transport.Target{Recipient: strings.TrimSpace(r.Recipient), ChannelID: strings.TrimSpace(r.ChannelID)}
}

// Recorder logs accepted sends. Its errors are logged, never returned.
type Recorder interface {
	RecordSent(ctx context.Context, in recording.SentInput) (recording.Position, error)
}

// Sender is what callers of the dispatcher depend on.
type Sender interface {
	Send(ctx context.Context, req Request) (transport.DeliveryRef, error)
	Connected() bool
}

type Config struct {
	SendTimeout time.Duration
	RatePerSec  float64
	Burst       int
}

// SentEvent is the payload of eventbus.TypeDispatchSent and TypeDispatchFailed.
type SentEvent struct {
	To            string `json:"to"`
	CorrelationID string `json:"correlation_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

type Dispatcher struct {
	mu      sync.RWMutex
	adapter transport.Adapter
	limiter *rate.Limiter
	timeout time.Duration

	rec     Recorder
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
}

// New builds a dispatcher. rec, bus and m may be nil.
func New(cfg Config, adapter transport.Adapter, rec Recorder, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		adapter: adapter,
		rec:     rec,
		bus:     bus,
		metrics: m,
		log:     log.With(logx.String("comp", "dispatch")),
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the timeout and rate limit at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	d.mu.Lock()
	d.timeout = timeout
	d.limiter = lim
	d.mu.Unlock()
}

func (d *Dispatcher) Connected() bool {
	d.mu.RLock()
	a := d.adapter
	d.mu.RUnlock()
	return a != nil && a.Connected()
}

func (d *Dispatcher) Send(ctx context.Context, req Request) (transport.DeliveryRef, error) {
	to := req.Target()
	if to.Address() == "" {
		return transport.DeliveryRef{}, fmt.Errorf("%w: recipient or channel id required", apperr.ErrValidation)
	}
	if strings.TrimSpace(req.Content.Text) == "" && req.Content.MediaURL == "" {
		return transport.DeliveryRef{}, fmt.Errorf("%w: empty message", apperr.ErrValidation)
	}

	d.mu.RLock()
	adapter, lim, timeout := d.adapter, d.limiter, d.timeout
	d.mu.RUnlock()

	if adapter == nil || !adapter.Connected() {
		d.count("unavailable")
		return transport.DeliveryRef{}, ErrTransportUnavailable
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			d.count("canceled")
			return transport.DeliveryRef{}, fmt.Errorf("%w: rate limit wait: %v", ErrDispatchFailed, err)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	ref, err := adapter.Send(sctx, to, req.Content)
	cancel()
	if d.metrics != nil {
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			d.count("unavailable")
			d.emit(eventbus.TypeDispatchFailed, to, req.CorrelationID, "", err)
			return transport.DeliveryRef{}, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("send timed out after %s", timeout)
		}
		d.count("failed")
		d.emit(eventbus.TypeDispatchFailed, to, req.CorrelationID, "", err)
		d.log.Warn("send failed",
			logx.String("to", to.Address()),
			logx.String("correlation_id", req.CorrelationID),
			logx.Err(err),
		)
		return transport.DeliveryRef{}, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}

	d.count("ok")
	if ref.Timestamp.IsZero() {
		ref.Timestamp = time.Now()
	}
	if ref.To == "" {
		ref.To = to.Address()
	}
	if d.rec != nil {
		// Detached so a canceled caller still gets its message logged.
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if _, rerr := d.rec.RecordSent(rctx, recording.SentInput{To: to, Content: req.Content, Delivery: ref, CorrelationID: req.CorrelationID}); rerr != nil {
			if d.metrics != nil {
				d.metrics.RecordingErrors.Inc()
			}
			d.log.Warn("recording sent message failed", logx.String("to", to.Address()), logx.Err(rerr))
		}
		rcancel()
	}
	d.emit(eventbus.TypeDispatchSent, to, req.CorrelationID, ref.ID, nil)
	d.log.Debug("sent",
		logx.String("to", to.Address()),
		logx.String("message_id", ref.ID),
		logx.String("correlation_id", req.CorrelationID),
		logx.String("preview", req.Content.Preview(80)),
	)
	return ref, nil
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.DispatchTotal.WithLabelValues(result).Inc()
	}
}

func (d *Dispatcher) emit(typ string, to transport.Target, corr, id string, err error) {
	if d.bus == nil {
		return
	}
	ev := SentEvent{To: to.Address(), CorrelationID: corr, MessageID: id}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
