package notify

import (
	"context"

	"taskpulse/internal/eventbus"
)

// BusSink delivers by publishing eventbus.Notification events.
type BusSink struct{ Bus eventbus.Bus }

func (s BusSink) Deliver(_ context.Context, m Message) error {
	if s.Bus == nil {
		return nil
	}
	s.Bus.Publish(eventbus.Event{Type: eventbus.Notification, Time: m.At, Data: m})
	return nil
}
