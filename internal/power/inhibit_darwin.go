//go:build darwin

package power

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"pkt.systems/pslog"

	"github.com/scienceol/doppio/internal/logging"
)

// DefaultBackend returns the backend used when none is configured.
func DefaultBackend() string { return BackendCaffeinate }

func newBackend(_ context.Context, name string, logger pslog.Logger) (Backend, error) {
	if name != BackendCaffeinate {
		return nil, ErrUnsupported
	}
	path, err := exec.LookPath("caffeinate")
	if err != nil {
		return nil, fmt.Errorf("%w: caffeinate not found: %v", ErrUnavailable, err)
	}
	return &caffeinateBackend{path: path, logger: logging.WithSubsystem(logger, "power.caffeinate")}, nil
}

// caffeinateBackend holds each inhibitor through a caffeinate child.
type caffeinateBackend struct {
	path   string
	logger pslog.Logger
}

func (b *caffeinateBackend) Name() string { return BackendCaffeinate }

func (b *caffeinateBackend) Acquire(ctx context.Context, req Request) (Lock, error) {
	// -i: prevent idle sleep
	// -s: prevent system sleep (AC power)
	// -w <pid>: exit automatically when the daemon dies
	flags := "-is"
	if req.What == "idle" {
		flags = "-i"
	}
	cmd := exec.Command(b.path, flags, "-w", strconv.Itoa(os.Getpid()))
	l, err := startProcessLock(ctx, cmd)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("power.inhibit.acquired", "why", req.Why, "pid", cmd.Process.Pid)
	return l, nil
}

func (b *caffeinateBackend) Close() error { return nil }
