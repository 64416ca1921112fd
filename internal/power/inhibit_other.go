//go:build !darwin && !linux

package power

import (
	"context"

	"pkt.systems/pslog"
)

// DefaultBackend returns the backend used when none is configured.
func DefaultBackend() string { return "" }

func newBackend(context.Context, string, pslog.Logger) (Backend, error) {
	return nil, ErrUnsupported
}
