package contractnet

import "time"

// Clock schedules deadline callbacks. The default uses time.AfterFunc,
// which measures durations on the monotonic clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (systemClock) Now() time.Time { return time.Now() }
