package scheduler

import "time"

// Timer is a pending callback armed through a Clock.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so dispatch timers can be driven in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (SystemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
