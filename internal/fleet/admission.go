package fleet

import (
	"sync"
	"time"
)

// admission caps bot starts per credential fingerprint within a trailing window.
type admission struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	starts map[string][]time.Time
}

func newAdmission(limit int, window time.Duration) *admission {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = 3 * time.Minute
	}
	return &admission{limit: limit, window: window, starts: make(map[string][]time.Time)}
}

// allow records a start at now when the fingerprint is under its limit.
func (a *admission) allow(fingerprint string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.prune(fingerprint, now)
	if len(kept) >= a.limit {
		return false
	}
	a.starts[fingerprint] = append(kept, now)
	return true
}

func (a *admission) prune(fingerprint string, now time.Time) []time.Time {
	cutoff := now.Add(-a.window)
	times := a.starts[fingerprint]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	kept := times[i:]
	if len(kept) == 0 {
		delete(a.starts, fingerprint)
		return nil
	}
	a.starts[fingerprint] = kept
	return kept
}

// sweep drops fingerprints with no starts inside the window.
func (a *admission) sweep(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for fp := range a.starts {
		a.prune(fp, now)
	}
}
