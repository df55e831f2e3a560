package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/transfer"
)

// stage identifies where in an attempt an error surfaced.
type stage int

const (
	stageOpen stage = iota
	stageCreate
	stageStart
	stageTransfer
)

// classify maps an error from a collaborator onto the failure taxonomy.
// Unrecognized errors become KindUnknown; the message and the full chain
// are kept in every case.
func classify(st stage, err error) data.FailureInfo {
	if err == nil {
		err = errors.New("transfer failed without detail")
	}
	return data.FailureInfo{
		Kind:       kindFor(st, err),
		Message:    err.Error(),
		Diagnostic: diagnostic(err),
	}
}

func kindFor(st stage, err error) data.FailureKind {
	if st == stageStart {
		return data.KindStartError
	}
	switch {
	case errors.Is(err, transfer.ErrInvalidDevice):
		return data.KindInvalidDeviceIdentifier
	case errors.Is(err, transfer.ErrUnavailable):
		return data.KindTransportUnavailable
	}
	if st == stageOpen || st == stageCreate {
		return data.KindInitializationError
	}
	var te *transfer.Error
	if errors.As(err, &te) {
		return data.KindTransferFault
	}
	return data.KindUnknown
}

// diagnostic renders the error chain with concrete types, outermost first.
func diagnostic(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %s\n", e, e.Error())
	}
	return strings.TrimSuffix(b.String(), "\n")
}
