package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
)

// decodeModbus decodes the registers of b present in the frame. The payload
// is a run of big-endian words starting at b.StartAddress; registers that do
// not fit completely are skipped.
func (c *Codec) decodeModbus(b ModbusBlock, fr can.Frame) ([]Signal, error) {
	p := fr.Data()
	if len(p)%2 != 0 {
		return nil, fmt.Errorf("%w: block %q odd payload length %d", ErrDecode, b.Name, len(p))
	}
	words := len(p) / 2
	var out []Signal
	for _, r := range b.Registers {
		idx := int(r.Address - b.StartAddress)
		if idx+r.Words > words {
			continue
		}
		var v float64
		switch r.Words {
		case 1:
			u := binary.BigEndian.Uint16(p[idx*2:])
			if r.Signed {
				v = float64(int16(u))
			} else {
				v = float64(u)
			}
		case 2:
			u := binary.BigEndian.Uint32(p[idx*2:])
			if r.Signed {
				v = float64(int32(u))
			} else {
				v = float64(u)
			}
		}
		scale := r.Scale
		if scale == 0 {
			scale = 1
		}
		out = append(out, Signal{
			Name:      r.Name,
			Value:     v*scale + r.Offset,
			Unit:      r.Unit,
			Valid:     true,
			Status:    StatusValid,
			Timestamp: fr.Timestamp(),
			Source:    Source{Kind: KindModbus, CANID: fr.ID(), Register: r.Address},
		})
	}
	return out, nil
}

// EncodeModbus packs physical values into a register block frame. Registers
// missing from values are zero.
func (c *Codec) EncodeModbus(block string, values map[string]float64, ts time.Time, src can.Source) (can.Frame, error) {
	var b *ModbusBlock
	for i := range c.tables.Modbus {
		if c.tables.Modbus[i].Name == block {
			b = &c.tables.Modbus[i]
			break
		}
	}
	if b == nil {
		return can.Frame{}, fmt.Errorf("%w: modbus block %q", ErrUnknownSignal, block)
	}
	var words int
	for _, r := range b.Registers {
		words = max(words, int(r.Address-b.StartAddress)+r.Words)
	}
	if words*2 > can.MaxDataLen {
		return can.Frame{}, fmt.Errorf("%w: block %q spans %d words", ErrEncode, block, words)
	}
	p := make([]byte, words*2)
	for name, v := range values {
		r, ok := findRegister(b, name)
		if !ok {
			return can.Frame{}, fmt.Errorf("%w: register %q", ErrUnknownSignal, name)
		}
		scale := r.Scale
		if scale == 0 {
			scale = 1
		}
		raw := math.Round((v - r.Offset) / scale)
		lo, hi := 0.0, math.Pow(2, float64(16*r.Words))-1
		if r.Signed {
			lo, hi = -math.Pow(2, float64(16*r.Words-1)), math.Pow(2, float64(16*r.Words-1))-1
		}
		if math.IsNaN(raw) || raw < lo || raw > hi {
			return can.Frame{}, fmt.Errorf("%w: %s=%v", ErrOutOfRange, name, v)
		}
		off := int(r.Address-b.StartAddress) * 2
		if r.Words == 1 {
			binary.BigEndian.PutUint16(p[off:], uint16(int64(raw)))
		} else {
			binary.BigEndian.PutUint32(p[off:], uint32(int64(raw)))
		}
	}
	return can.New(b.CANID, b.Extended, p, ts, src)
}

func findRegister(b *ModbusBlock, name string) (Register, bool) {
	for _, r := range b.Registers {
		if r.Name == name {
			return r, true
		}
	}
	return Register{}, false
}
