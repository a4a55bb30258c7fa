package can

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload limit (also the J1939 TP packet size).
const MaxDataLen = 8

// ErrMalformedFrame is returned when a frame cannot be constructed from the
// given identifier/payload. It is fatal to that single frame only.
var ErrMalformedFrame = errors.New("malformed frame")

// Source tags the transport a frame came from (or is destined to).
type Source string

const (
	SourceUnknown    Source = ""
	SourceSimulator  Source = "simulator"
	SourceSocketCAN  Source = "socketcan"
	SourceSerial     Source = "serial"
	SourceCannelloni Source = "cannelloni"
	SourceLocal      Source = "local" // frames built by this process
)

// Frame is an immutable classic CAN frame. Construct with New; the zero value
// is an empty standard frame with id 0.
type Frame struct {
	id       uint32
	extended bool
	n        uint8
	data     [MaxDataLen]byte
	ts       time.Time
	src      Source
}

// New validates and builds a frame. The payload is copied.
func New(id uint32, extended bool, data []byte, ts time.Time, src Source) (Frame, error) {
	if len(data) > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: payload %d bytes (max %d)", ErrMalformedFrame, len(data), MaxDataLen)
	}
	if extended && id > CAN_EFF_MASK {
		return Frame{}, fmt.Errorf("%w: id 0x%X exceeds 29 bits", ErrMalformedFrame, id)
	}
	if !extended && id > CAN_SFF_MASK {
		return Frame{}, fmt.Errorf("%w: id 0x%X exceeds 11 bits", ErrMalformedFrame, id)
	}
	f := Frame{id: id, extended: extended, n: uint8(len(data)), ts: ts, src: src}
	copy(f.data[:], data)
	return f, nil
}

// MustNew is New that panics on error. Intended for tests and constant tables.
func MustNew(id uint32, extended bool, data ...byte) Frame {
	f, err := New(id, extended, data, time.Time{}, SourceLocal)
	if err != nil {
		panic(err)
	}
	return f
}

// FromRaw builds a frame from a SocketCAN style can_id (flags in upper bits).
// RTR and error frames are rejected as malformed; this layer only carries data frames.
func FromRaw(canID uint32, data []byte, ts time.Time, src Source) (Frame, error) {
	if canID&(CAN_RTR_FLAG|CAN_ERR_FLAG) != 0 {
		return Frame{}, fmt.Errorf("%w: rtr/error frame 0x%X", ErrMalformedFrame, canID)
	}
	if canID&CAN_EFF_FLAG != 0 {
		return New(canID&CAN_EFF_MASK, true, data, ts, src)
	}
	return New(canID, false, data, ts, src)
}

func (f Frame) ID() uint32           { return f.id }
func (f Frame) Extended() bool       { return f.extended }
func (f Frame) Len() int             { return int(f.n) }
func (f Frame) Timestamp() time.Time { return f.ts }
func (f Frame) Source() Source       { return f.src }

// Data returns a copy of the payload.
func (f Frame) Data() []byte {
	out := make([]byte, f.n)
	copy(out, f.data[:f.n])
	return out
}

// Byte returns payload byte i, or 0xFF past the payload end (J1939 "not available").
func (f Frame) Byte(i int) byte {
	if i < 0 || i >= int(f.n) {
		return 0xFF
	}
	return f.data[i]
}

// RawID returns the SocketCAN can_id including the EFF flag when extended.
func (f Frame) RawID() uint32 {
	if f.extended {
		return f.id | CAN_EFF_FLAG
	}
	return f.id
}

// WithTimestamp returns a copy stamped with ts (and source if non-empty).
func (f Frame) WithTimestamp(ts time.Time, src Source) Frame {
	g := f
	g.ts = ts
	if src != SourceUnknown {
		g.src = src
	}
	return g
}

// Equal compares identifier, format and payload; timestamp and source are ignored.
func (f Frame) Equal(g Frame) bool {
	if f.id != g.id || f.extended != g.extended || f.n != g.n {
		return false
	}
	return f.data == g.data
}

func (f Frame) String() string {
	var b strings.Builder
	if f.extended {
		fmt.Fprintf(&b, "%08X#", f.id)
	} else {
		fmt.Fprintf(&b, "%03X#", f.id)
	}
	for _, c := range f.data[:f.n] {
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
