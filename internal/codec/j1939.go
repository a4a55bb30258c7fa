package codec

import (
	"fmt"
	"math"
	"time"
)

// extract reads n bits little-endian starting at bit off.
func extract(p []byte, off, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		bit := off + i
		if p[bit/8]>>(bit%8)&1 == 1 {
			v |= 1 << i
		}
	}
	return v
}

// insert writes the low n bits of v little-endian starting at bit off.
func insert(p []byte, off, n int, v uint64) {
	for i := 0; i < n; i++ {
		bit := off + i
		if v>>i&1 == 1 {
			p[bit/8] |= 1 << (bit % 8)
		} else {
			p[bit/8] &^= 1 << (bit % 8)
		}
	}
}

// validMax is the largest raw value J1939 treats as data for a field of n bits:
// 0xFA, 0xFAFF, 0xFAFFFFFF for byte sized fields, 1 for 2-bit states.
func validMax(n int) uint64 {
	switch {
	case n == 1:
		return 1
	case n == 2:
		return 1
	case n < 8:
		return 1<<n - 3
	}
	return 0xFB<<(n-8) - 1
}

// classifyRaw applies the J1939-71 reserved ranges.
func classifyRaw(raw uint64, n int) Status {
	all := uint64(1)<<n - 1
	switch {
	case n == 1:
		return StatusValid
	case raw == all:
		return StatusNotAvailable
	case raw <= validMax(n):
		return StatusValid
	case n < 8 && raw == all-1:
		return StatusErrorIndicator
	case n >= 8 && raw >= 0xFE<<(n-8):
		return StatusErrorIndicator
	}
	return StatusReserved
}

func (c *Codec) decodeSPN(s SPN, sa uint8, p []byte, ts time.Time) Signal {
	raw := extract(p, s.bitOffset(), s.BitLength)
	sig := Signal{
		Name:      s.Name,
		Unit:      s.Unit,
		Timestamp: ts,
		Source:    Source{Kind: KindJ1939, Address: sa, PGN: s.PGN, SPN: s.SPN},
	}
	if st := classifyRaw(raw, s.BitLength); st != StatusValid {
		return sig.Invalidate(st)
	}
	sig.Valid = true
	sig.Status = StatusValid
	if s.States != nil {
		sig.Value = float64(raw)
		if name, ok := s.States[uint32(raw)]; ok {
			sig.State = name
		} else {
			sig.State = fmt.Sprintf("raw_%d", raw)
		}
		return sig
	}
	sig.Value = float64(raw)*s.Resolution + s.Offset
	return sig
}

// DecodeJ1939 decodes every table SPN of pgn from payload. The payload may be
// a reassembled multi-packet message. DM1 payloads also yield one "dtc" signal
// per active trouble code plus an "active_dtc_count".
func (c *Codec) DecodeJ1939(pgn uint32, sa uint8, payload []byte, ts time.Time) ([]Signal, error) {
	defs := c.spnsByPGN[pgn]
	var out []Signal
	for _, s := range defs {
		if s.bytesNeeded() > len(payload) {
			return nil, fmt.Errorf("%w: pgn %d spn %d needs %d bytes, have %d", ErrDecode, pgn, s.SPN, s.bytesNeeded(), len(payload))
		}
		out = append(out, c.decodeSPN(s, sa, payload, ts))
	}
	if pgn == PGNDM1 && len(defs) > 0 {
		dtcs, err := ParseDM1(payload)
		if err != nil {
			return nil, err
		}
		src := Source{Kind: KindJ1939, Address: sa, PGN: PGNDM1}
		out = append(out, Signal{
			Name: "active_dtc_count", Value: float64(len(dtcs)), Valid: true, Status: StatusValid,
			Source: src, Timestamp: ts,
		})
		for _, d := range dtcs {
			s := src
			s.SPN = d.SPN
			out = append(out, Signal{
				Name: "dtc", Value: float64(d.SPN), State: d.String(), Valid: true, Status: StatusValid,
				Source: s, Timestamp: ts,
			})
		}
	}
	return out, nil
}

// DTC is a J1939-73 diagnostic trouble code.
type DTC struct {
	SPN uint32
	FMI uint8
	OC  uint8
}

func (d DTC) String() string { return fmt.Sprintf("spn=%d fmi=%d oc=%d", d.SPN, d.FMI, d.OC) }

// Bytes packs the code in conversion method 0 layout.
func (d DTC) Bytes() [4]byte {
	return [4]byte{
		byte(d.SPN),
		byte(d.SPN >> 8),
		byte((d.SPN>>16)&0x7)<<5 | d.FMI&0x1F,
		d.OC & 0x7F,
	}
}

// ParseDM1 returns the active trouble codes after the two lamp bytes. An
// all-zero code (no faults) and 0xFF padding are skipped.
func ParseDM1(p []byte) ([]DTC, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("%w: dm1 payload %d bytes", ErrDecode, len(p))
	}
	var out []DTC
	for off := 2; off+4 <= len(p); off += 4 {
		b := p[off : off+4]
		if b[0] == 0xFF && b[1] == 0xFF && b[2] == 0xFF && b[3] == 0xFF {
			continue
		}
		d := DTC{
			SPN: uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2]>>5)<<16,
			FMI: b[2] & 0x1F,
			OC:  b[3] & 0x7F,
		}
		if d.SPN == 0 && d.FMI == 0 {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// physicalToRaw applies the inverse scaling and the valid range check.
func physicalToRaw(s SPN, v float64) (uint64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s=%v", ErrOutOfRange, s.Name, v)
	}
	r := v
	if s.States == nil {
		r = (v - s.Offset) / s.Resolution
	}
	r = math.Round(r)
	if r < 0 || r > float64(validMax(s.BitLength)) {
		return 0, fmt.Errorf("%w: %s=%v (raw %v, max %d)", ErrOutOfRange, s.Name, v, r, validMax(s.BitLength))
	}
	return uint64(r), nil
}
