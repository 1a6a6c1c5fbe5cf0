package listsync

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisorCancelledRetriesDoNotLeakGoroutines(t *testing.T) {
	clock := newManualClock()
	supervisor := newReconnectSupervisor(clock, func() {}, nil)

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		supervisor.noteDisconnected()
		supervisor.noteConnected()
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, time.Second, 5*time.Millisecond, "cancelled retry timers must release their watchers")
}

func TestSupervisorIgnoresFireOfCancelledTimer(t *testing.T) {
	clock := newManualClock()
	var attempts atomic.Int32
	supervisor := newReconnectSupervisor(clock, func() { attempts.Add(1) }, nil)

	supervisor.noteDisconnected()
	stale := clock.lastTimer()
	supervisor.noteConnected()

	stale.fire()
	require.Never(t, func() bool {
		return attempts.Load() != 0
	}, 100*time.Millisecond, 10*time.Millisecond, "a cancelled retry must never attempt a reconnect")
}

func TestSupervisorStopCancelsPendingRetry(t *testing.T) {
	clock := newManualClock()
	var attempts atomic.Int32
	supervisor := newReconnectSupervisor(clock, func() { attempts.Add(1) }, nil)

	supervisor.noteDisconnected()
	pending := clock.lastTimer()
	supervisor.stop()

	pending.fire()
	require.Never(t, func() bool {
		return attempts.Load() != 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, 1, supervisor.retryCountNow())
}
