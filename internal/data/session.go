package data

import (
	"errors"
	"time"
)

// State is the lifecycle state of a download session.
type State string

const (
	StateIdle         State = "Idle"
	StateInitializing State = "Initializing"
	StateTransferring State = "Transferring"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
	StateCanceled     State = "Canceled"
)

// IsLive reports whether a session in this state owns transport resources.
func (s State) IsLive() bool {
	return s == StateInitializing || s == StateTransferring
}

// IsTerminal reports whether the state is absorbing.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// FailureKind categorizes why a session failed. The string value is the
// host-visible failure code.
type FailureKind string

const (
	KindSessionBusy             FailureKind = "SessionBusy"
	KindInvalidDeviceIdentifier FailureKind = "InvalidDeviceIdentifier"
	KindTransportUnavailable    FailureKind = "TransportUnavailable"
	KindInitializationError     FailureKind = "InitializationError"
	KindStartError              FailureKind = "StartError"
	KindTransferFault           FailureKind = "TransferFault"
	KindUnknown                 FailureKind = "Unknown"
)

var (
	// ErrSessionBusy is returned synchronously by Start while another attempt is live.
	ErrSessionBusy = errors.New("session busy")
	// ErrNothingToCancel is returned by Cancel when no attempt is live.
	ErrNothingToCancel = errors.New("nothing to cancel")
	ErrNotFound        = errors.New("record not found")
	ErrBadRequest      = errors.New("deviceId and path are required")
	// ErrContentGone is returned for a completed download whose payload is no longer retained.
	ErrContentGone = errors.New("content no longer retained")
)

// ProgressEvent is one progress observation reported by the transfer manager.
type ProgressEvent struct {
	BytesTransferred int64
	TotalBytes       int64
	ObservedAt       time.Time
}

// FailureInfo is the normalized description of a failed attempt.
type FailureInfo struct {
	Kind       FailureKind
	Message    string
	Diagnostic string
}

func (f FailureInfo) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Message
}

// CompletionResult carries the downloaded file.
type CompletionResult struct {
	Bytes       []byte
	SizeInBytes int
}

// NewCompletionResult wraps payload, deriving the size from its length.
func NewCompletionResult(payload []byte) CompletionResult {
	return CompletionResult{Bytes: payload, SizeInBytes: len(payload)}
}

// Info is a point-in-time view of a session for introspection.
type Info struct {
	ID       string `json:"id,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Path     string `json:"path,omitempty"`
	State    State  `json:"state"`
}
