package harness

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every TimeoutError.
var ErrTimeout = errors.New("timed out")

// ConfigError reports invalid input detected before any I/O. It is never
// worth retrying.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError reports a transport failure or a rejected connect
// instruction.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that a condition was still unmet when its time bound
// expired.
type TimeoutError struct {
	Elapsed    time.Duration
	Timeout    time.Duration
	LastResult bool
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("condition not met within %v (elapsed %v)", e.Timeout, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// PredicateError wraps a failure raised by a polled condition.
type PredicateError struct {
	Err error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("condition failed: %v", e.Err)
}

func (e *PredicateError) Unwrap() error { return e.Err }

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
