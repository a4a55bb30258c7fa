//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-equip-server/internal/can"
)

// Device is a bound AF_CAN raw socket.
type Device struct {
	fd int
}

// Open binds a raw CAN socket to iface. Reads time out after readTimeout so
// the RX loop can observe shutdown.
func Open(iface string, readTimeout time.Duration) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if readTimeout > 0 {
		tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic CAN frame. A read timeout returns ErrTimeout.
func (d *Device) ReadFrame() (can.Frame, error) {
	var buf [wireSize]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return can.Frame{}, ErrTimeout
		}
		return can.Frame{}, err
	}
	if n != wireSize {
		return can.Frame{}, fmt.Errorf("%w: short read %d", can.ErrMalformedFrame, n)
	}
	return unmarshalFrame(buf[:], time.Now())
}

// WriteFrame writes one classic CAN frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	buf := marshalFrame(fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}

func openDevice(iface string, readTimeout time.Duration) (Dev, error) {
	return Open(iface, readTimeout)
}
