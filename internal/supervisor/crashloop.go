package supervisor

import (
	"fmt"
	"time"
)

// CrashLoopError marks an instance that crashed too often too quickly.
// It is surfaced as an alert; the instance stays in failed for inspection.
type CrashLoopError struct {
	AgentID string
	Crashes int
	Window  time.Duration
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("supervisor: crash loop agent=%q crashes=%d window=%s", e.AgentID, e.Crashes, e.Window)
}

// crashWindow tracks crash timestamps inside a sliding window.
type crashWindow struct {
	window    time.Duration
	threshold int
	times     []time.Time
}

// record notes one crash at now and returns the in-window crash count.
func (w *crashWindow) record(now time.Time) int {
	w.times = append(w.times, now)
	w.prune(now)
	return len(w.times)
}

func (w *crashWindow) exceeded(now time.Time) bool {
	if w.threshold <= 0 {
		return false
	}
	w.prune(now)
	return len(w.times) >= w.threshold
}

func (w *crashWindow) prune(now time.Time) {
	if w.window <= 0 {
		return
	}
	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept
}
