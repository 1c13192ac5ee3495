package policy

import (
	"sync"
	"time"
)

// window is one user's sliding send-time history plus whether the one-shot
// warning for the current violation has already fired.
type window struct {
	sends []time.Time
	warned bool
}

// RateTable enforces a per-user sliding-window message rate limit: at most
// Limit sends in any Interval-length trailing window. This is deliberately
// a hand-rolled FIFO-of-timestamps scheme rather than golang.org/x/time/rate's
// token bucket: the spec calls for a read-then-evaluate check against a
// trailing window with a single one-shot warning per violation, which a
// token bucket does not model (a bucket either allows or silently denies,
// it has no notion of "warn once, then go quiet until the window clears").
type RateTable struct {
	mu       sync.Mutex
	Limit    int
	Interval time.Duration
	windows  map[string]*window
}

// NewRateTable builds a RateTable allowing at most limit sends per interval.
func NewRateTable(limit int, interval time.Duration) *RateTable {
	return &RateTable{
		Limit:    limit,
		Interval: interval,
		windows:  make(map[string]*window),
	}
}

// Allow records a send attempt at now and reports whether it's within the
// limit. On a fresh violation (limit just exceeded) shouldWarn is true
// exactly once; repeated sends while still over the limit return
// (false, false) until the oldest send ages out of the window.
func (r *RateTable) Allow(username string, now time.Time) (allowed bool, shouldWarn bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[username]
	if !ok {
		w = &window{}
		r.windows[username] = w
	}

	cutoff := now.Add(-r.Interval)
	w.sends = pruneBefore(w.sends, cutoff)

	if len(w.sends) < r.Limit {
		w.sends = append(w.sends, now)
		w.warned = false
		return true, false
	}

	if !w.warned {
		w.warned = true
		return false, true
	}
	return false, false
}

// Reset clears username's send history, e.g. on disconnect.
func (r *RateTable) Reset(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, username)
}

func pruneBefore(sends []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(sends) && sends[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return sends
	}
	return append(sends[:0], sends[i:]...)
}
