//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"
)

func newPlatformDevice() (Radio, error) {
	return nil, fmt.Errorf("bluetooth is not supported on %s", runtime.GOOS)
}
