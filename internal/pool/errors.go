package pool

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors matched with errors.Is against an *Error.
var (
	ErrPoolClosed         = errors.New("pool: pool is closed")
	ErrAcquisitionTimeout = errors.New("pool: connection acquisition timeout")
	ErrCreation           = errors.New("pool: physical connection creation failed")
	ErrConfiguration      = errors.New("pool: invalid configuration")
)

// ErrorKind classifies pool failures.
type ErrorKind int

const (
	// KindClosed means the operation was attempted after shutdown.
	KindClosed ErrorKind = iota
	// KindTimeout means no entry became available within the caller's budget.
	KindTimeout
	// KindCreation means the physical connection factory failed.
	KindCreation
	// KindConfiguration means the pool settings are invalid.
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindClosed:
		return "closed"
	case KindTimeout:
		return "timeout"
	case KindCreation:
		return "creation"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error provides structured information for pool failures.
type Error struct {
	Pool    string
	Kind    ErrorKind
	Timeout time.Duration // configured budget (KindTimeout)
	Waited  time.Duration // time actually spent (KindTimeout)
	Reason  string        // human readable detail (KindConfiguration)
	Err     error         // underlying cause, if any
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindClosed:
		msg = fmt.Sprintf("pool %s is shut down", e.Pool)
	case KindTimeout:
		msg = fmt.Sprintf("pool %s: unable to get a connection (waited=%v, timeout=%v)",
			e.Pool, e.Waited, e.Timeout)
	case KindCreation:
		msg = fmt.Sprintf("pool %s: cannot create physical connection", e.Pool)
	case KindConfiguration:
		msg = fmt.Sprintf("pool %s: invalid configuration: %s", e.Pool, e.Reason)
	default:
		msg = fmt.Sprintf("pool %s: error", e.Pool)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindClosed:
		return target == ErrPoolClosed
	case KindTimeout:
		return target == ErrAcquisitionTimeout
	case KindCreation:
		return target == ErrCreation
	case KindConfiguration:
		return target == ErrConfiguration
	}
	return false
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsPoolClosed checks if the error reports a shut down pool.
func IsPoolClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// IsTimeout checks if the error reports an exhausted acquisition budget.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrAcquisitionTimeout)
}

func configError(pool, format string, args ...any) error {
	return &Error{Pool: pool, Kind: KindConfiguration, Reason: fmt.Sprintf(format, args...)}
}
