// Package transfer defines the capabilities a download session consumes:
// a Transport that opens a channel to one peripheral, and a Manager that
// runs a named-file download over that channel and reports back through a
// Delegate, usually from its own goroutine.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinoosan/mcufetch/internal/linkcfg"
)

var (
	// ErrInvalidDevice is returned by Transport.Open when the identifier is malformed
	// or refers to something that is not a peripheral.
	ErrInvalidDevice = errors.New("invalid device identifier")
	// ErrUnavailable is returned when the radio, adapter or peripheral cannot be reached.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrClosed is returned by operations on a released handle or manager.
	ErrClosed = errors.New("transport closed")
)

// Handle is one open channel to one peripheral.
type Handle interface {
	DeviceID() string
}

// Transport opens, configures and closes channels to peripherals.
type Transport interface {
	Open(ctx context.Context, deviceID string) (Handle, error)
	// Configure applies link options. It is best-effort: callers log failures
	// and carry on.
	Configure(ctx context.Context, h Handle, o linkcfg.Options) error
	// Close releases the channel. It must be idempotent.
	Close(h Handle) error
}

// Manager runs one file download bound to a Handle.
type Manager interface {
	// Download starts fetching path and returns immediately. An error means
	// the transfer did not start and no delegate method will be called.
	Download(path string, d Delegate) error
	// Cancel asks a running download to stop; the delegate later receives
	// OnCanceled unless another terminal event wins. It is safe to call
	// before Download and after Close, and must not block.
	Cancel()
	// Close stops any running download without further delegate calls.
	Close() error
}

// ManagerFactory builds a Manager on top of an open Handle.
type ManagerFactory interface {
	Create(h Handle) (Manager, error)
}

// Delegate receives the four transfer callbacks.
type Delegate interface {
	OnProgress(current, total int64, at time.Time)
	OnFailed(err error)
	OnCanceled()
	OnCompleted(data []byte)
}

// Error is a fault reported by the transfer engine itself, as opposed to
// an unexpected error from somewhere below it.
type Error struct {
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Code != 0 {
		msg = fmt.Sprintf("%s: rc=%d", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
