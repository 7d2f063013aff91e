//go:build darwin

package statusserver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads LOCAL_PEERPID and LOCAL_PEERCRED. The binary path
// is left empty; resolving it needs proc_pidpath.
func peerCredentials(uc *net.UnixConn) (*Peer, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get syscall conn: %w", err)
	}

	p := &Peer{}
	var credErr error
	err = raw.Control(func(fd uintptr) {
		pid, err := unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, 0x002) // LOCAL_PEERPID
		if err != nil {
			credErr = fmt.Errorf("getsockopt LOCAL_PEERPID: %w", err)
			return
		}
		p.PID = pid

		xcred, err := unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if err != nil {
			credErr = fmt.Errorf("getsockopt LOCAL_PEERCRED: %w", err)
			return
		}
		p.UID = xcred.Uid
		if xcred.Ngroups > 0 {
			p.GID = xcred.Groups[0]
		}
	})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, credErr
	}
	return p, nil
}
