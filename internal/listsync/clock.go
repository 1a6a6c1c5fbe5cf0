package listsync

import "time"

// Clock abstracts wall time and timer creation so retry scheduling can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer the supervisor needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by the time package.
func NewSystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{timer: time.NewTimer(d)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t systemTimer) C() <-chan time.Time { return t.timer.C }

func (t systemTimer) Stop() bool { return t.timer.Stop() }
