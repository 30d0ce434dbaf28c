package scheduler

import (
	"time"
)

// Stagger spaces out the first run of each job so a restart does not fire
// every job at once. Job i (registration order) first runs after
// Initial + i*Step, capped at its interval.
type Stagger struct {
	Initial time.Duration
	Step    time.Duration
}

var DefaultStagger = Stagger{Initial: 10 * time.Second, Step: 5 * time.Second}

func (s Stagger) delay(idx int, every time.Duration) time.Duration {
	d := s.Initial + time.Duration(idx)*s.Step
	if d < 0 {
		d = 0
	}
	if every > 0 && d > every {
		d = every
	}
	return d
}

// intervalSchedule is a cron.Schedule with a fixed first run, then a constant
// period. Unlike cron.Every it keeps sub-second periods.
type intervalSchedule struct {
	every time.Duration
	first time.Time
}

func (s *intervalSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return t.Add(s.every)
}
