//go:build !linux && !darwin

package statusserver

import (
	"errors"
	"net"
)

func peerCredentials(*net.UnixConn) (*Peer, error) {
	return nil, errors.New("peer credentials not supported on this platform")
}
