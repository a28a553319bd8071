package dispatch

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules offer deadlines and the dispatch budget.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is backed by the runtime timer wheel.
var RealClock Clock = realClock{}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
