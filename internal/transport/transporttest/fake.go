// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/transport"
)

type Sent struct {
	To      transport.Target
	Content transport.Content
	Ref     transport.DeliveryRef
}

// Adapter records every Send. Tests inject inbound updates with Deliver and
// failures with FailNext or SendFunc.
type Adapter struct {
	mu        sync.Mutex
	out       chan<- transport.Update
	sent      []Sent
	failNext  []error
	connected atomic.Bool
	seq       atomic.Uint64

	// SendFunc, when set, replaces the default success behavior.
	SendFunc func(ctx context.Context, to transport.Target, c transport.Content) (transport.DeliveryRef, error)
}

func New() *Adapter {
	a := &Adapter{}
	a.connected.Store(true)
	return a
}

func (a *Adapter) Start(_ context.Context, out chan<- transport.Update) error {
	a.mu.Lock()
	a.out = out
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	a.out = nil
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Connected() bool { return a.connected.Load() }

func (a *Adapter) SetConnected(v bool) { a.connected.Store(v) }

// FailNext makes the next len(errs) sends fail in order.
func (a *Adapter) FailNext(errs ...error) {
	a.mu.Lock()
	a.failNext = append(a.failNext, errs...)
	a.mu.Unlock()
}

func (a *Adapter) Send(ctx context.Context, to transport.Target, c transport.Content) (transport.DeliveryRef, error) {
	if !a.Connected() {
		return transport.DeliveryRef{}, transport.ErrNotConnected
	}
	if a.SendFunc != nil {
		return a.SendFunc(ctx, to, c)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.failNext) > 0 {
		err := a.failNext[0]
		a.failNext = a.failNext[1:]
		if err != nil {
			return transport.DeliveryRef{}, err
		}
	}
	ref := transport.DeliveryRef{
		ID:        fmt.Sprintf("fake-%d", a.seq.Add(1)),
		To:        to.Address(),
		Timestamp: time.Now(),
	}
	a.sent = append(a.sent, Sent{To: to, Content: c, Ref: ref})
	return ref, nil
}

func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

// Deliver pushes an inbound message into the channel passed to Start.
func (a *Adapter) Deliver(ctx context.Context, msg transport.InboundMessage) error {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return fmt.Errorf("adapter not started")
	}
	select {
	case out <- transport.Update{Kind: transport.UpdateMessage, Message: &msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ transport.Adapter = (*Adapter)(nil)
