package otau

import (
	"sync"
	"time"
)

// ProgressTracker throttles OnProgress reports for the partition being
// transferred and answers PROGRESS_REQ. The device counts bytes received,
// the client counts bytes served.
type ProgressTracker struct {
	mu sync.Mutex

	name   string
	done   int64
	total  int64
	start  time.Time
	last   time.Time
	lastAt int64

	report   func(string, int64, int64, float64)
	interval time.Duration
	now      func() time.Time
}

// NewProgressTracker reports through report at most once per interval.
func NewProgressTracker(report func(string, int64, int64, float64), interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &ProgressTracker{report: report, interval: interval, now: time.Now}
}

// Start resets the tracker for a transfer of total bytes.
func (pt *ProgressTracker) Start(name string, total int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.name = name
	pt.total = total
	pt.done = 0
	pt.start = pt.now()
	pt.last = pt.start
	pt.lastAt = 0
}

// Add counts n bytes. The final byte is always reported.
func (pt *ProgressTracker) Add(n int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.done += int64(n)
	now := pt.now()
	if now.Sub(pt.last) < pt.interval && pt.done < pt.total {
		return
	}

	var rate float64
	if elapsed := now.Sub(pt.last).Seconds(); elapsed > 0 {
		rate = float64(pt.done-pt.lastAt) / elapsed
	}
	if pt.report != nil {
		pt.report(pt.name, pt.done, pt.total, rate)
	}
	pt.last = now
	pt.lastAt = pt.done
}

// Complete reports the final count and returns how long the transfer took.
func (pt *ProgressTracker) Complete() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.report != nil {
		pt.report(pt.name, pt.done, pt.total, 0)
	}
	return pt.now().Sub(pt.start)
}

// Percent is the share of the current transfer done, 0-100.
func (pt *ProgressTracker) Percent() uint8 {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.total <= 0 {
		return 0
	}
	return uint8(min(pt.done*100/pt.total, 100))
}
