package transport

import "context"

// Offline is the adapter used when no transport driver is configured. It
// never connects, so every send is rejected before reaching a network.
type Offline struct{}

func (Offline) Start(context.Context, chan<- Update) error { return nil }

func (Offline) Stop(context.Context) error { return nil }

func (Offline) Send(context.Context, Target, Content) (DeliveryRef, error) {
	return DeliveryRef{}, ErrNotConnected
}

func (Offline) Connected() bool { return false }
