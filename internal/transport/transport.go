// Package transport abstracts the CAN links the equipment session talks over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/kstaniek/go-equip-server/internal/can"
)

// ErrDisconnected is returned by Send and Receive once a transport is closed
// or its link is gone. It terminates the frame sequence.
var ErrDisconnected = errors.New("transport disconnected")

// Kind is the closed set of supported links.
type Kind int

const (
	KindSimulator Kind = iota
	KindSocketCAN
	KindSerial
	KindCannelloni
)

func (k Kind) String() string {
	switch k {
	case KindSimulator:
		return "simulator"
	case KindSocketCAN:
		return "socketcan"
	case KindSerial:
		return "serial"
	case KindCannelloni:
		return "cannelloni"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a backend name to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "simulator":
		return KindSimulator, nil
	case "socketcan":
		return KindSocketCAN, nil
	case "serial":
		return KindSerial, nil
	case "cannelloni":
		return KindCannelloni, nil
	}
	return 0, fmt.Errorf("unknown transport %q (use simulator|socketcan|serial|cannelloni)", s)
}

// Transport is one CAN link. Open performs any handshake. After Close, Send
// and Receive return ErrDisconnected and never block.
type Transport interface {
	Kind() Kind
	Open(ctx context.Context) error
	Send(ctx context.Context, fr can.Frame) error
	Receive(ctx context.Context) (can.Frame, error)
	Close() error
}

// Frames yields received frames until the transport fails or ctx ends. The
// final error, if any, is yielded once with a zero frame.
func Frames(ctx context.Context, t Transport) iter.Seq2[can.Frame, error] {
	return func(yield func(can.Frame, error) bool) {
		for {
			fr, err := t.Receive(ctx)
			if err != nil {
				yield(can.Frame{}, err)
				return
			}
			if !yield(fr, nil) {
				return
			}
		}
	}
}
