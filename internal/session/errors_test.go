package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/transfer"
)

func TestClassify(t *testing.T) {
	fault := &transfer.Error{Op: "fs read", Code: 2}
	cases := []struct {
		name  string
		stage stage
		err   error
		want  data.FailureKind
	}{
		{"open invalid", stageOpen, fmt.Errorf("open: %w", transfer.ErrInvalidDevice), data.KindInvalidDeviceIdentifier},
		{"open unavailable", stageOpen, transfer.ErrUnavailable, data.KindTransportUnavailable},
		{"open other", stageOpen, errors.New("dbus: no reply"), data.KindInitializationError},
		{"open canceled", stageOpen, context.Canceled, data.KindInitializationError},
		{"create other", stageCreate, errors.New("no characteristic"), data.KindInitializationError},
		{"start anything", stageStart, transfer.ErrUnavailable, data.KindStartError},
		{"transfer fault", stageTransfer, fmt.Errorf("wrapped: %w", fault), data.KindTransferFault},
		{"transfer unavailable", stageTransfer, transfer.ErrUnavailable, data.KindTransportUnavailable},
		{"transfer unknown", stageTransfer, errors.New("weird"), data.KindUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classify(c.stage, c.err)
			assert.Equal(t, c.want, got.Kind)
			assert.Equal(t, c.err.Error(), got.Message)
		})
	}
}

func TestDiagnosticKeepsWholeChain(t *testing.T) {
	inner := &transfer.Error{Op: "fs read", Code: 5, Err: errors.New("timeout")}
	err := fmt.Errorf("smp: download /lfs1/a: %w", inner)
	d := classify(stageTransfer, err).Diagnostic

	assert.Contains(t, d, "*fmt.wrapError: smp: download /lfs1/a")
	assert.Contains(t, d, "*transfer.Error: fs read: rc=5: timeout")
	assert.Contains(t, d, "*errors.errorString: timeout")
}
