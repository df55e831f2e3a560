//go:build !linux

package bluez

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinoosan/mcufetch/internal/linkcfg"
	"github.com/tinoosan/mcufetch/internal/transfer"
)

// Transport is unavailable off Linux.
type Transport struct {
	log *slog.Logger
}

var _ transfer.Transport = (*Transport)(nil)

func New(opts Options, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{log: log}
}

func (t *Transport) Open(ctx context.Context, deviceID string) (transfer.Handle, error) {
	if _, err := transfer.NormalizeAddress(deviceID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("bluez: not supported on this platform: %w", transfer.ErrUnavailable)
}

func (t *Transport) Configure(ctx context.Context, h transfer.Handle, o linkcfg.Options) error {
	return transfer.ErrClosed
}

func (t *Transport) Close(h transfer.Handle) error { return nil }
