package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrConnectivity marks errors caused by a lost or unreachable session.
	ErrConnectivity = errors.New("hypervisor unreachable")

	// ErrEntityNotFound is wrapped by FindEntity misses and operations on
	// unknown refs.
	ErrEntityNotFound = errors.New("entity not found")
)

// TransientError wraps a failure whose outcome may change on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TaskError reports a task the hypervisor completed unsuccessfully.
type TaskError struct {
	TaskID  string
	Op      string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task %s failed: %s", e.Op, e.TaskID, e.Message)
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrConnectivity) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
