// Package power acquires operating-system inhibitor locks that keep the
// machine from sleeping or idling while held.
package power

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pkt.systems/pslog"
)

// Backend names accepted by New.
const (
	BackendLogind         = "logind"
	BackendSystemdInhibit = "systemd-inhibit"
	BackendCaffeinate     = "caffeinate"
)

var (
	// ErrUnsupported is returned by New for a backend the current platform
	// cannot provide.
	ErrUnsupported = errors.New("power: backend not supported on this platform")
	// ErrUnavailable is returned by New when the backend exists but cannot
	// be reached (no system bus, missing helper binary).
	ErrUnavailable = errors.New("power: backend unavailable")
)

// Request describes one inhibitor, mirroring the arguments of logind's
// Manager.Inhibit call.
type Request struct {
	What string // idle, sleep, shutdown, ...
	Who  string
	Why  string
	Mode string // block or delay
}

// Lock is a held inhibitor. Closing it releases the inhibitor; Close is
// safe to call more than once.
type Lock interface {
	Close() error
}

// Acquirer obtains inhibitor locks.
type Acquirer interface {
	Acquire(ctx context.Context, req Request) (Lock, error)
}

// AcquirerFunc adapts a function to Acquirer.
type AcquirerFunc func(ctx context.Context, req Request) (Lock, error)

// Acquire calls f.
func (f AcquirerFunc) Acquire(ctx context.Context, req Request) (Lock, error) {
	return f(ctx, req)
}

// Backend is an Acquirer bound to a platform mechanism. Close tears down
// the backend itself (e.g. the bus connection), not locks it handed out.
type Backend interface {
	Acquirer
	io.Closer
	Name() string
}

// New returns the named backend, or the platform default when name is
// empty. See inhibit_linux.go, inhibit_darwin.go, inhibit_other.go.
func New(ctx context.Context, name string, logger pslog.Logger) (Backend, error) {
	if name == "" {
		name = DefaultBackend()
	}
	b, err := newBackend(ctx, name, logger)
	if err != nil {
		return nil, fmt.Errorf("power backend %s: %w", name, err)
	}
	return b, nil
}
