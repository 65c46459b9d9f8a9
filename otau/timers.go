package otau

import (
	"fmt"
	"sync"
	"time"
)

// TimerID names an engine timer.
type TimerID int

const (
	// TimerCommit bounds how long an uncommitted image waits for the host.
	TimerCommit TimerID = iota
	// TimerValidationBackoff re-polls IS_CSR_VALID_DONE_REQ.
	TimerValidationBackoff
	// TimerDisconnectWait forces a local disconnect after transfer.
	TimerDisconnectWait
	// TimerReconnectDelay lets the downstream device reboot.
	TimerReconnectDelay
	// TimerReconnectRetry repeats reconnection attempts.
	TimerReconnectRetry
)

func (id TimerID) String() string {
	switch id {
	case TimerCommit:
		return "commit"
	case TimerValidationBackoff:
		return "validation-backoff"
	case TimerDisconnectWait:
		return "disconnect-wait"
	case TimerReconnectDelay:
		return "reconnect-delay"
	case TimerReconnectRetry:
		return "reconnect-retry"
	default:
		return fmt.Sprintf("timer-%d", int(id))
	}
}

// Timers schedules expiries on the session loop. Starting a timer cancels
// any running timer with the same id. A cancelled timer never fires.
type Timers interface {
	Start(id TimerID, d time.Duration)
	StartPeriodic(id TimerID, d time.Duration)
	Cancel(id TimerID)
}

// loopTimers implements Timers with time.AfterFunc. Expiries are posted to
// the loop and dropped there when the timer was cancelled or restarted in
// the meantime.
type loopTimers struct {
	post   func(func())
	expire func(TimerID)

	mu      sync.Mutex
	running map[TimerID]*loopTimer
	gen     uint64
}

type loopTimer struct {
	t      *time.Timer
	gen    uint64
	period time.Duration
}

func newLoopTimers(post func(func()), expire func(TimerID)) *loopTimers {
	return &loopTimers{
		post:    post,
		expire:  expire,
		running: make(map[TimerID]*loopTimer),
	}
}

func (lt *loopTimers) Start(id TimerID, d time.Duration) {
	lt.start(id, d, 0)
}

func (lt *loopTimers) StartPeriodic(id TimerID, d time.Duration) {
	lt.start(id, d, d)
}

func (lt *loopTimers) start(id TimerID, d, period time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.cancelLocked(id)
	lt.gen++
	gen := lt.gen
	entry := &loopTimer{gen: gen, period: period}
	entry.t = time.AfterFunc(d, func() { lt.fire(id, gen) })
	lt.running[id] = entry
}

func (lt *loopTimers) fire(id TimerID, gen uint64) {
	lt.post(func() {
		lt.mu.Lock()
		entry, ok := lt.running[id]
		if !ok || entry.gen != gen {
			lt.mu.Unlock()
			return
		}
		if entry.period > 0 {
			entry.t.Reset(entry.period)
		} else {
			delete(lt.running, id)
		}
		lt.mu.Unlock()

		lt.expire(id)
	})
}

func (lt *loopTimers) Cancel(id TimerID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.cancelLocked(id)
}

func (lt *loopTimers) cancelLocked(id TimerID) {
	if entry, ok := lt.running[id]; ok {
		entry.t.Stop()
		delete(lt.running, id)
	}
}

// stopAll cancels every timer.
func (lt *loopTimers) stopAll() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for id := range lt.running {
		lt.cancelLocked(id)
	}
}
