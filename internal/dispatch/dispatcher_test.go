package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/internal/apperr"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/recording"
	"relaybot/internal/transport"
	"relaybot/internal/transport/transporttest"
	logx "relaybot/pkg/logx"
)

type memRecorder struct {
	mu   sync.Mutex
	got  []recording.SentInput
	fail error
}

func (m *memRecorder) RecordSent(_ context.Context, in recording.SentInput) (recording.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	m.got = append(m.got, in)
	return recording.Position("1"), nil
}

func TestSendRecordsAndPublishes(t *testing.T) {
	t.Parallel()
	fake := transporttest.New()
	rec := &memRecorder{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeDispatchSent)
	defer unsub()
	d := New(Config{}, fake, rec, bus, metrics.New(), logx.Nop())

	ref, err := d.Send(context.Background(), Request{Recipient: "+15551234", Content: transport.Content{Text: "hi"}, CorrelationID: "job-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref.ID == "" || len(fake.Sent()) != 1 {
		t.Fatalf("ref=%+v sent=%d", ref, len(fake.Sent()))
	}
	if len(rec.got) != 1 || rec.got[0].CorrelationID != "job-1" || rec.got[0].Delivery.ID != ref.ID {
		t.Fatalf("recorded = %+v", rec.got)
	}
	select {
	case ev := <-events:
		if ev.Data.(SentEvent).MessageID != ref.ID {
			t.Fatalf("event = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no dispatch.sent event")
	}
}

func TestSendErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		setup   func(a *transporttest.Adapter)
		req     Request
		wantErr error
	}{
		{
			name:    "disconnected",
			setup:   func(a *transporttest.Adapter) { a.SetConnected(false) },
			req:     Request{Recipient: "+1", Content: transport.Content{Text: "x"}},
			wantErr: apperr.ErrTransportUnavailable,
		},
		{
			name:    "adapter error",
			setup:   func(a *transporttest.Adapter) { a.FailNext(errors.New("boom")) },
			req:     Request{Recipient: "+1", Content: transport.Content{Text: "x"}},
			wantErr: apperr.ErrDispatchFailed,
		},
		{
			name:    "no recipient",
			setup:   func(*transporttest.Adapter) {},
			req:     Request{Content: transport.Content{Text: "x"}},
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "empty content",
			setup:   func(*transporttest.Adapter) {},
			req:     Request{ChannelID: "123@g.us"},
			wantErr: apperr.ErrValidation,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := transporttest.New()
			tt.setup(fake)
			d := New(Config{}, fake, nil, nil, nil, logx.Nop())
			if _, err := d.Send(context.Background(), tt.req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()
	fake := transporttest.New()
	fake.SendFunc = func(ctx context.Context, _ transport.Target, _ transport.Content) (transport.DeliveryRef, error) {
		<-ctx.Done()
		return transport.DeliveryRef{}, ctx.Err()
	}
	d := New(Config{SendTimeout: 20 * time.Millisecond}, fake, nil, nil, nil, logx.Nop())
	start := time.Now()
	_, err := d.Send(context.Background(), Request{Recipient: "+1", Content: transport.Content{Text: "x"}})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("err = %v, want ErrDispatchFailed", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("send was not bounded by the timeout")
	}
}

func TestRecordingFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	fake := transporttest.New()
	rec := &memRecorder{fail: apperr.ErrRecordingFailed}
	d := New(Config{}, fake, rec, nil, metrics.New(), logx.Nop())
	if _, err := d.Send(context.Background(), Request{ChannelID: "120@g.us", Content: transport.Content{Text: "x"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestTargetPrefersChannel(t *testing.T) {
	t.Parallel()
	fake := transporttest.New()
	d := New(Config{}, fake, nil, nil, nil, logx.Nop())
	_, _ = d.Send(context.Background(), Request{Recipient: "+1", ChannelID: "99@newsletter", Content: transport.Content{Text: "x"}})
	if got := fake.Sent()[0].Ref.To; got != "99@newsletter" {
		t.Fatalf("sent to %q", got)
	}
}
