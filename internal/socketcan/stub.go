//go:build !linux

package socketcan

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by Open on platforms without AF_CAN.
var ErrUnsupported = errors.New("socketcan unsupported on this platform")

func openDevice(string, time.Duration) (Dev, error) { return nil, ErrUnsupported }
