//go:build linux

package goble

import (
	"github.com/go-ble/ble/linux"
)

func newPlatformDevice() (Radio, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		return nil, err
	}
	return dev, nil
}
