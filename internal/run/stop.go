package run

import (
	"fmt"
	"time"
)

// StopConfig holds run stop thresholds. A zero value means the corresponding
// condition is disabled.
type StopConfig struct {
	LimitGated           int
	StopAfter            time.Duration
	MaxErrors            int
	MaxConsecutiveErrors int
	Max403               int
	Max429               int
	FailFast             bool
}

// Evaluate checks the stop conditions in a fixed order and returns the first
// satisfied one. It is called after every task completion, so the run stops
// before a further task is dispatched.
func (c StopConfig) Evaluate(s Snapshot) (string, bool) {
	if c.MaxErrors > 0 && s.Errors >= c.MaxErrors {
		return fmt.Sprintf("reached max_errors=%d", c.MaxErrors), true
	}
	if c.MaxConsecutiveErrors > 0 && s.Consecutive >= c.MaxConsecutiveErrors {
		return fmt.Sprintf("reached max_consecutive_errors=%d", c.MaxConsecutiveErrors), true
	}
	if c.Max403 > 0 && s.Err403 >= c.Max403 {
		return fmt.Sprintf("reached max_403=%d", c.Max403), true
	}
	if c.Max429 > 0 && s.Err429 >= c.Max429 {
		return fmt.Sprintf("reached max_429=%d", c.Max429), true
	}
	if c.LimitGated > 0 && s.GatePassed >= c.LimitGated {
		return fmt.Sprintf("reached limit_gated=%d", c.LimitGated), true
	}
	if c.StopAfter > 0 && s.Elapsed >= c.StopAfter {
		return fmt.Sprintf("reached stop_after=%s", c.StopAfter), true
	}
	return "", false
}
