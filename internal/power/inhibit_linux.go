//go:build linux

package power

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"pkt.systems/pslog"

	"github.com/scienceol/doppio/internal/logging"
)

// DefaultBackend returns the backend used when none is configured.
func DefaultBackend() string { return BackendLogind }

func newBackend(ctx context.Context, name string, logger pslog.Logger) (Backend, error) {
	switch name {
	case BackendLogind:
		return newLogindBackend(ctx, logging.WithSubsystem(logger, "power.logind"))
	case BackendSystemdInhibit:
		return newSystemdInhibitBackend(logging.WithSubsystem(logger, "power.systemd_inhibit"))
	default:
		return nil, ErrUnsupported
	}
}

// systemdInhibitBackend holds each inhibitor through a systemd-inhibit
// child running "sleep infinity".
type systemdInhibitBackend struct {
	path   string
	logger pslog.Logger
}

func newSystemdInhibitBackend(logger pslog.Logger) (*systemdInhibitBackend, error) {
	path, err := exec.LookPath("systemd-inhibit")
	if err != nil {
		return nil, fmt.Errorf("%w: systemd-inhibit not found: %v", ErrUnavailable, err)
	}
	return &systemdInhibitBackend{path: path, logger: logger}, nil
}

func (b *systemdInhibitBackend) Name() string { return BackendSystemdInhibit }

func (b *systemdInhibitBackend) Acquire(ctx context.Context, req Request) (Lock, error) {
	cmd := exec.Command(b.path,
		"--what="+req.What,
		"--who="+req.Who,
		"--why="+req.Why,
		"--mode="+req.Mode,
		"sleep", "infinity",
	)
	// Kernel sends SIGTERM to the child when the daemon dies, so the
	// inhibitor never outlives it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}

	l, err := startProcessLock(ctx, cmd)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("power.inhibit.acquired", "why", req.Why, "pid", cmd.Process.Pid)
	return l, nil
}

func (b *systemdInhibitBackend) Close() error { return nil }
