//go:build !windows

package statusserver

import (
	"context"
	"errors"
	"net"
)

var errNoPipes = errors.New("named pipes are only available on windows")

func listenPipe(string) (net.Listener, error) {
	return nil, errNoPipes
}

func dialPipe(context.Context, string) (net.Conn, error) {
	return nil, errNoPipes
}
