package client

import "time"

// Clock creates callback timers, letting tests drive the pagination
// safety timeout without sleeping.
type Clock interface {
	// AfterFunc runs f in its own goroutine after at least d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a stoppable pending callback.
type Timer interface {
	// Stop prevents the callback from firing. Returns false if it
	// already fired or was stopped.
	Stop() bool
}

// RealClock implements Clock with the standard time package.
type RealClock struct{}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
