//go:build linux

package power

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"pkt.systems/pslog"
)

const (
	logindService = "org.freedesktop.login1"
	logindPath    = dbus.ObjectPath("/org/freedesktop/login1")
	logindInhibit = "org.freedesktop.login1.Manager.Inhibit"
	peerPing      = "org.freedesktop.DBus.Peer.Ping"
)

// logindBackend calls org.freedesktop.login1.Manager.Inhibit on the system
// bus. logind keeps the inhibitor until the returned file descriptor is
// closed.
type logindBackend struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	logger pslog.Logger
}

func newLogindBackend(ctx context.Context, logger pslog.Logger) (*logindBackend, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: could not connect to system bus: %v. Is d-bus running?", ErrUnavailable, err)
	}
	if !conn.SupportsUnixFDs() {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: system bus connection cannot pass file descriptors", ErrUnavailable)
	}
	obj := conn.Object(logindService, logindPath)
	if err := obj.CallWithContext(ctx, peerPing, 0).Err; err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s not reachable: %v", ErrUnavailable, logindService, err)
	}
	return &logindBackend{conn: conn, obj: obj, logger: logger}, nil
}

func (b *logindBackend) Name() string { return BackendLogind }

func (b *logindBackend) Acquire(ctx context.Context, req Request) (Lock, error) {
	var fd dbus.UnixFD
	call := b.obj.CallWithContext(ctx, logindInhibit, 0, req.What, req.Who, req.Why, req.Mode)
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("logind inhibit %q: %w", req.Why, err)
	}
	b.logger.Debug("power.inhibit.acquired", "why", req.Why, "fd", int(fd))
	return &fdLock{file: os.NewFile(uintptr(fd), "logind-inhibitor")}, nil
}

func (b *logindBackend) Close() error { return b.conn.Close() }

// fdLock owns the inhibitor file descriptor handed out by logind.
type fdLock struct {
	file *os.File
	once sync.Once
	err  error
}

func (l *fdLock) Close() error {
	l.once.Do(func() { l.err = l.file.Close() })
	return l.err
}
