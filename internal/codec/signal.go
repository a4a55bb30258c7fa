// Package codec translates CAN frames into named engineering signals and
// named commands back into frames. It understands J1939 SPNs (including
// DM1 trouble codes), OBD-II mode 01 PIDs and register blocks laid out the
// Modbus way (big-endian 16-bit words) on a fixed CAN identifier.
package codec

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrDecode        = errors.New("decode error")
	ErrEncode        = errors.New("encode error")
	ErrUnknownSignal = fmt.Errorf("%w: unknown signal", ErrEncode)
	ErrOutOfRange    = fmt.Errorf("%w: value out of range", ErrEncode)
)

// Kind is the protocol family a signal was decoded from.
type Kind string

const (
	KindJ1939  Kind = "j1939"
	KindOBD    Kind = "obd"
	KindModbus Kind = "modbus"
)

// Status says why a signal is (in)valid.
type Status string

const (
	StatusValid          Status = "valid"
	StatusNotAvailable   Status = "not_available"
	StatusErrorIndicator Status = "error_indicator"
	StatusReserved       Status = "reserved"
	StatusImplausible    Status = "implausible"
)

// Source locates a signal on the bus.
type Source struct {
	Kind     Kind   `json:"kind"`
	CANID    uint32 `json:"can_id"`
	Address  uint8  `json:"address"` // J1939 source address or OBD ECU index
	PGN      uint32 `json:"pgn,omitempty"`
	SPN      uint32 `json:"spn,omitempty"`
	PID      uint8  `json:"pid,omitempty"`
	Register uint16 `json:"register,omitempty"`
}

// Signal is one decoded engineering value. Invalid signals carry NaN, never
// a zero that could be mistaken for a reading.
type Signal struct {
	Name      string
	Value     float64
	State     string // enumerated state name, empty for numeric signals
	Unit      string
	Valid     bool
	Status    Status
	Source    Source
	Timestamp time.Time
}

// Invalidate returns a copy marked invalid with the given status.
func (s Signal) Invalidate(st Status) Signal {
	s.Valid = false
	s.Status = st
	s.Value = math.NaN()
	s.State = ""
	return s
}

func (s Signal) String() string {
	if !s.Valid {
		return fmt.Sprintf("%s=<%s>", s.Name, s.Status)
	}
	if s.State != "" {
		return fmt.Sprintf("%s=%s", s.Name, s.State)
	}
	return fmt.Sprintf("%s=%g%s", s.Name, s.Value, s.Unit)
}
