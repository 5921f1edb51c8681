// File: ratelimit/ratelimit.go
// Package ratelimit implements sliding-window admission control over
// outbound sends. Bursts are permitted up to the limit within any trailing
// window; there is no smoothing.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ratelimit

import "time"

// Limiter counts admitted sends inside a trailing window. A limit of 0
// permanently denies admission, modeling hard backpressure or a paused
// channel. Not safe for concurrent use; the owning connection serializes
// access.
type Limiter struct {
	limit  int
	window time.Duration
	stamps []time.Time // admitted sends, oldest first
}

// New constructs a Limiter admitting at most limit sends per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{limit: limit, window: window}
}

// Allow prunes timestamps older than now-window and reports whether another
// send may be admitted.
func (l *Limiter) Allow(now time.Time) bool {
	l.prune(now)
	return len(l.stamps) < l.limit
}

// Record appends now to the admitted-send sequence. Call only after Allow
// returned true for the same send.
func (l *Limiter) Record(now time.Time) {
	l.stamps = append(l.stamps, now)
}

// Occupancy returns the number of admitted sends still inside the window
// and the configured limit.
func (l *Limiter) Occupancy(now time.Time) (used, limit int) {
	l.prune(now)
	return len(l.stamps), l.limit
}

// prune drops entries strictly older than now-window; an entry exactly at
// the cutoff still counts against the window.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && l.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
