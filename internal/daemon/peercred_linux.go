//go:build linux

package daemon

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerFields returns log fields identifying the process on the other end
// of a unix socket.
func peerFields(conn net.Conn) []any {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return nil
	}
	return []any{"peer_pid", cred.Pid, "peer_uid", cred.Uid}
}
