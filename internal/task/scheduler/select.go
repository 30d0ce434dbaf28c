package scheduler

import (
	"context"
	"fmt"
)

// Prober reports broker reachability. It must not block past its own timeout.
type Prober func(ctx context.Context) bool

// Select probes the broker once and builds the matching backend. The returned
// backend is always usable; a non-nil error wraps ErrBrokerUnavailable and
// explains why the interval fallback was chosen.
func Select(ctx context.Context, probe Prober, newQueue func() (Backend, error), newInterval func() Backend) (Backend, error) {
	if newQueue == nil || probe == nil {
		return newInterval(), fmt.Errorf("%w: no broker configured", ErrBrokerUnavailable)
	}
	if !safeProbe(ctx, probe) {
		return newInterval(), fmt.Errorf("%w: probe failed", ErrBrokerUnavailable)
	}
	b, err := safeNewQueue(newQueue)
	if err != nil {
		return newInterval(), fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return b, nil
}

func safeProbe(ctx context.Context, probe Prober) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return probe(ctx)
}

func safeNewQueue(newQueue func() (Backend, error)) (b Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("queue backend: %v", r)
		}
	}()
	b, err = newQueue()
	if err == nil && b == nil {
		err = fmt.Errorf("queue backend: nil")
	}
	return b, err
}
