//go:build !windows && !linux && !darwin

package main

import (
	"fmt"
	"runtime"
)

func platformService() (serviceManager, error) {
	return nil, fmt.Errorf("service management is not available on %s", runtime.GOOS)
}
