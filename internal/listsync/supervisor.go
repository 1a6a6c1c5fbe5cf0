package listsync

import (
	"errors"
	"sync"
	"time"
)

const (
	// MaxRetryCount caps consecutive reconnection attempts before the
	// supervisor gives up until connectivity returns.
	MaxRetryCount = 5
	baseRetryDelay = time.Second
)

// ErrRetriesExhausted is reported once when the supervisor has exhausted its
// reconnection budget. Regaining connectivity resets the budget.
var ErrRetriesExhausted = errors.New("listsync: realtime reconnection retries exhausted")

// reconnectSupervisor schedules reconnection attempts with exponential
// backoff. At most one timer is armed at a time; a newly scheduled retry
// replaces any pending one.
type reconnectSupervisor struct {
	clock Clock

	// attempt performs one reconnection try. Invoked off the lock.
	attempt func()
	// onExhausted fires exactly once per exhaustion episode.
	onExhausted func()

	mu         sync.Mutex
	online     bool
	retryCount int
	exhausted  bool
	timer      Timer
	timerDone  chan struct{}
	timerGen   uint64
	stopped    bool
}

func newReconnectSupervisor(clock Clock, attempt, onExhausted func()) *reconnectSupervisor {
	return &reconnectSupervisor{
		clock:       clock,
		attempt:     attempt,
		onExhausted: onExhausted,
		online:      true,
	}
}

// noteConnected resets the backoff state after a successful subscribe.
func (r *reconnectSupervisor) noteConnected() {
	r.mu.Lock()
	r.retryCount = 0
	r.exhausted = false
	r.cancelTimerLocked()
	r.mu.Unlock()
}

// noteDisconnected arms the next retry, or reports exhaustion when the
// budget is spent. Offline disconnects are not retried; reconnection waits
// for setOnline(true).
func (r *reconnectSupervisor) noteDisconnected() {
	r.mu.Lock()
	if r.stopped || !r.online {
		r.mu.Unlock()
		return
	}
	if r.retryCount >= MaxRetryCount {
		alreadyReported := r.exhausted
		r.exhausted = true
		r.mu.Unlock()
		if !alreadyReported && r.onExhausted != nil {
			r.onExhausted()
		}
		return
	}
	delay := baseRetryDelay << r.retryCount
	r.retryCount++
	r.armTimerLocked(delay)
	r.mu.Unlock()
}

// retryCountNow reports attempts since the last successful subscribe.
func (r *reconnectSupervisor) retryCountNow() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

// setOnline tracks host connectivity. Going online resets the retry budget
// and triggers an immediate reconnection attempt; going offline cancels any
// pending retry.
func (r *reconnectSupervisor) setOnline(online bool) {
	r.mu.Lock()
	if r.stopped || r.online == online {
		r.mu.Unlock()
		return
	}
	r.online = online
	if !online {
		r.cancelTimerLocked()
		r.mu.Unlock()
		return
	}
	r.retryCount = 0
	r.exhausted = false
	r.cancelTimerLocked()
	r.mu.Unlock()
	if r.attempt != nil {
		r.attempt()
	}
}

func (r *reconnectSupervisor) isOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// stop cancels any pending retry and ignores further disconnects.
func (r *reconnectSupervisor) stop() {
	r.mu.Lock()
	r.stopped = true
	r.cancelTimerLocked()
	r.mu.Unlock()
}

func (r *reconnectSupervisor) armTimerLocked(delay time.Duration) {
	r.cancelTimerLocked()
	r.timerGen++
	generation := r.timerGen
	timer := r.clock.NewTimer(delay)
	done := make(chan struct{})
	r.timer = timer
	r.timerDone = done
	go func() {
		// Stop never fires the timer channel, so the watcher also waits on
		// done to avoid outliving a cancelled retry.
		select {
		case <-timer.C():
		case <-done:
			return
		}
		r.mu.Lock()
		if r.stopped || generation != r.timerGen {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.timerDone = nil
		r.mu.Unlock()
		if r.attempt != nil {
			r.attempt()
		}
	}()
}

func (r *reconnectSupervisor) cancelTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.timerDone != nil {
		close(r.timerDone)
		r.timerDone = nil
	}
	r.timerGen++
}
