// Package pool recycles timers used for bounded channel sends.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a stopped-and-drained timer from the pool reset to fire after d.
//
// Return the timer with PutTimer once it is no longer selected on.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		if t, ok := v.(*time.Timer); ok {
			t.Reset(d)
			return t
		}
	}

	return time.NewTimer(d)
}

// PutTimer stops t, drains its channel and returns it to the pool.
//
// t must not be used after it is returned.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
