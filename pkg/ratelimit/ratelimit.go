// Package ratelimit implements sliding-window admission control keyed by
// client identity.
//
// Every backend applies the same rule: a client's request timestamps are kept
// for the longest configured window, a timestamp t counts toward a window W
// while now-t < W, and a request is admitted only when every window still has
// room. An admitted request is recorded once and counts toward all windows.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Limit is one sliding window: at most Requests requests per Window.
type Limit struct {
	Name     string        `yaml:"name" toml:"name"`
	Requests int           `yaml:"requests" toml:"requests"`
	Window   time.Duration `yaml:"window" toml:"window"`
}

// Decision is the outcome of an admission check. A rejection is a normal
// outcome, not an error.
type Decision struct {
	Allowed bool
	// Limit names the window that rejected the request.
	Limit string
	// Remaining is how many more requests fit in the tightest window after
	// this one. Only meaningful when Allowed.
	Remaining int
	// RetryAfter is how long until the rejecting window has room again.
	RetryAfter time.Duration
}

// Stats reports limiter activity.
type Stats struct {
	Total          int64 `json:"total"`
	Rejected       int64 `json:"rejected"`
	TrackedClients int   `json:"tracked_clients"`
}

// Limiter admits or rejects requests per client.
type Limiter interface {
	Admit(ctx context.Context, clientID string) (Decision, error)
	Stats() Stats
}

// ErrNoLimits is returned when a limiter is built without any window.
var ErrNoLimits = errors.New("ratelimit: at least one limit is required")

func validateLimits(limits []Limit) (time.Duration, error) {
	if len(limits) == 0 {
		return 0, ErrNoLimits
	}
	var longest time.Duration
	for i, l := range limits {
		if l.Requests <= 0 {
			return 0, fmt.Errorf("ratelimit: limit[%d] (%s): requests must be positive", i, l.Name)
		}
		if l.Window <= 0 {
			return 0, fmt.Errorf("ratelimit: limit[%d] (%s): window must be positive", i, l.Name)
		}
		if l.Window > longest {
			longest = l.Window
		}
	}
	return longest, nil
}
