// Package run orchestrates a crawl: worker pool, per-task pipeline, stop
// conditions, and periodic progress snapshots.
package run

import (
	"sync"
	"time"
)

// State holds the process-wide run counters. All counters are monotonically
// non-decreasing except the consecutive-error streak, which resets on every
// successful task. Workers complete out of order; every update goes through
// the mutex.
type State struct {
	mu    sync.Mutex
	start time.Time
	total int

	processed   int
	ok          int
	failed      int
	notFound    int
	gatePassed  int
	gateFailed  int
	errors      int
	consecutive int
	err403      int
	err429      int
	taskDur     time.Duration
}

// NewState starts the run clock for a range of total tasks.
func NewState(total int) *State {
	return &State{start: time.Now(), total: total}
}

// RecordOK counts one completed task whose record was handed to the sink.
func (s *State) RecordOK(gatePassed bool, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.ok++
	if gatePassed {
		s.gatePassed++
	} else {
		s.gateFailed++
	}
	s.consecutive = 0
	s.taskDur += dur
}

// RecordFailed counts one task that ended in a terminal error.
func (s *State) RecordFailed(dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.failed++
	s.errors++
	s.consecutive++
	s.taskDur += dur
}

// RecordNotFound counts a 404 task. Missing identifiers are expected in the
// numbered space and do not feed the error streak.
func (s *State) RecordNotFound(dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.notFound++
	s.consecutive = 0
	s.taskDur += dur
}

// RecordAbuse buckets a 403 or 429 response. Wired as the fetcher's abuse
// callback, so retried responses count individually.
func (s *State) RecordAbuse(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case 403:
		s.err403++
	case 429:
		s.err429++
	}
}

// Snapshot is an immutable copy of the counters for reporting and
// stop-condition evaluation.
type Snapshot struct {
	Total       int
	Processed   int
	OK          int
	Failed      int
	NotFound    int
	GatePassed  int
	GateFailed  int
	Errors      int
	Consecutive int
	Err403      int
	Err429      int
	Elapsed     time.Duration
	AvgTask     time.Duration
}

// Snapshot returns a point-in-time copy.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Total:       s.total,
		Processed:   s.processed,
		OK:          s.ok,
		Failed:      s.failed,
		NotFound:    s.notFound,
		GatePassed:  s.gatePassed,
		GateFailed:  s.gateFailed,
		Errors:      s.errors,
		Consecutive: s.consecutive,
		Err403:      s.err403,
		Err429:      s.err429,
		Elapsed:     time.Since(s.start),
	}
	if s.processed > 0 {
		snap.AvgTask = s.taskDur / time.Duration(s.processed)
	}
	return snap
}

// RPS is the observed task completion rate.
func (s Snapshot) RPS() float64 {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.Processed) / secs
}

// ETA estimates seconds remaining from the observed completion rate.
func (s Snapshot) ETA() float64 {
	rps := s.RPS()
	if rps <= 0 {
		return 0
	}
	remaining := s.Total - s.Processed
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) / rps
}
