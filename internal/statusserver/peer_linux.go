//go:build linux

package statusserver

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED and resolves the binary from
// /proc/<pid>/exe.
func peerCredentials(uc *net.UnixConn) (*Peer, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt SO_PEERCRED: %w", credErr)
	}

	// Best effort: the peer may already have exited.
	exePath, _ := os.Readlink(fmt.Sprintf("/proc/%d/exe", cred.Pid))

	return &Peer{
		PID:        int(cred.Pid),
		UID:        cred.Uid,
		GID:        cred.Gid,
		BinaryPath: exePath,
	}, nil
}
