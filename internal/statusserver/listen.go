package statusserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Address is a parsed status_listen value.
type Address struct {
	Network string // unix, npipe or tcp
	Path    string
}

func (a Address) String() string {
	return a.Network + "://" + a.Path
}

// ParseAddress splits "unix:///run/x.sock", `npipe://\\.\pipe\x` or
// "tcp://127.0.0.1:7070".
func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(s), "://")
	if !ok {
		return Address{}, fmt.Errorf("status address %q must be scheme://address", s)
	}
	switch scheme {
	case "unix", "npipe", "tcp":
	default:
		return Address{}, fmt.Errorf("unsupported status address scheme %q", scheme)
	}
	if rest == "" {
		return Address{}, fmt.Errorf("status address %q has no path", s)
	}
	if scheme == "tcp" && !isLoopback(rest) {
		return Address{}, fmt.Errorf("status address %q must bind a loopback host", s)
	}
	return Address{Network: scheme, Path: rest}, nil
}

// isLoopback reports whether hostport names localhost or a loopback IP.
func isLoopback(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Listen opens the listener for addr. Unix sockets replace any stale socket
// file and are restricted to owner and group.
func Listen(addr Address) (net.Listener, error) {
	switch addr.Network {
	case "npipe":
		return listenPipe(addr.Path)
	case "tcp":
		l, err := net.Listen("tcp", addr.Path)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return l, nil
	}

	os.Remove(addr.Path)
	if err := os.MkdirAll(filepath.Dir(addr.Path), 0770); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(addr.Path), err)
	}
	l, err := net.Listen("unix", addr.Path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := os.Chmod(addr.Path, 0770); err != nil {
		l.Close()
		return nil, fmt.Errorf("chmod %s: %w", addr.Path, err)
	}
	return l, nil
}

// Dial connects to a status endpoint.
func Dial(ctx context.Context, addr Address) (net.Conn, error) {
	switch addr.Network {
	case "npipe":
		return dialPipe(ctx, addr.Path)
	case "tcp":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr.Path)
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext(ctx, "unix", addr.Path)
}
