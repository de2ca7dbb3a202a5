package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peicuiping/cfx-nettest/params"
)

// DefaultPollInterval is used when no interval is configured.
const DefaultPollInterval = params.PollInterval

// Condition reports whether the awaited state has been reached. An error
// aborts the wait.
type Condition func() (bool, error)

// Bool adapts a plain predicate.
func Bool(f func() bool) Condition {
	return func() (bool, error) { return f(), nil }
}

type PollOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitUntil evaluates cond immediately and then every opts.Interval until it
// holds, it fails, opts.Timeout elapses or ctx is done.
func WaitUntil(ctx context.Context, cond Condition, opts PollOptions) error {
	p := Poller{Interval: opts.Interval}
	return p.WaitUntil(ctx, cond, opts.Timeout)
}

// Poller evaluates conditions at a fixed interval.
type Poller struct {
	Interval time.Duration
	Metrics  Metrics
}

func (p *Poller) WaitUntil(ctx context.Context, cond Condition, timeout time.Duration) error {
	if cond == nil {
		return &ConfigError{Field: "condition", Err: errors.New("nil condition")}
	}
	if timeout <= 0 {
		return &ConfigError{Field: "timeout", Err: fmt.Errorf("must be positive, got %v", timeout)}
	}
	interval := p.Interval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	if interval < 0 {
		return &ConfigError{Field: "interval", Err: fmt.Errorf("must not be negative, got %v", interval)}
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}

	start := time.Now()
	for {
		metrics.PollAttempt()
		ok, err := cond()
		elapsed := time.Since(start)
		if err != nil {
			metrics.PollResult(ResultError, elapsed.Seconds())
			return &PredicateError{Err: err}
		}
		if ok {
			metrics.PollResult(ResultSuccess, elapsed.Seconds())
			return nil
		}
		if elapsed >= timeout {
			metrics.PollResult(ResultTimeout, elapsed.Seconds())
			return &TimeoutError{Elapsed: elapsed, Timeout: timeout, LastResult: ok}
		}

		// The last evaluation lands on the deadline.
		wait := interval
		if left := timeout - elapsed; left < wait {
			wait = left
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.PollResult(ResultCanceled, time.Since(start).Seconds())
			return ctx.Err()
		case <-timer.C:
		}
	}
}
