package codec

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/j1939"
)

// Encode builds the frame for a named command. The command table is searched
// first, then the SPN table (the group is sent with every other field set to
// not available).
func (c *Codec) Encode(name string, value float64, ts time.Time) (can.Frame, error) {
	if cmd, ok := c.cmdByName[name]; ok {
		raw, err := physicalToRaw(cmd.Field, value)
		if err != nil {
			return can.Frame{}, err
		}
		p := filled(can.MaxDataLen)
		for _, f := range cmd.Fixed {
			insert(p, f.StartByte*8+f.StartBit, f.BitLength, uint64(f.Raw))
		}
		insert(p, cmd.Field.bitOffset(), cmd.Field.BitLength, raw)
		prio := cmd.Priority
		if prio == 0 {
			prio = j1939.DefaultPriority
		}
		id := j1939.ID{Priority: prio, PGN: cmd.PGN, Source: c.address, Destination: cmd.Destination}
		return j1939.BuildFrame(id, p, ts, can.SourceLocal)
	}
	s, ok := c.spnByName[name]
	if !ok {
		return can.Frame{}, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	return c.EncodeGroup(s.PGN, map[string]float64{name: value}, c.address, j1939.AddrGlobal, ts)
}

// EncodeGroup packs several SPNs of one single-frame PGN. It is the inverse
// of DecodeJ1939 for the named fields.
func (c *Codec) EncodeGroup(pgn uint32, values map[string]float64, sa, da uint8, ts time.Time) (can.Frame, error) {
	p, err := c.EncodePayload(pgn, values, can.MaxDataLen)
	if err != nil {
		return can.Frame{}, err
	}
	id := j1939.ID{Priority: j1939.DefaultPriority, PGN: pgn, Source: sa, Destination: da}
	return j1939.BuildFrame(id, p, ts, can.SourceLocal)
}

// EncodePayload packs named SPNs of pgn into a payload of size bytes (0xFF
// filled). Sizes above 8 produce multi-packet payloads for the transport
// protocol.
func (c *Codec) EncodePayload(pgn uint32, values map[string]float64, size int) ([]byte, error) {
	if size < 1 || size > j1939.MaxTPSize {
		return nil, fmt.Errorf("%w: payload size %d", ErrEncode, size)
	}
	p := filled(size)
	for name, v := range values {
		s, ok := c.spnByName[name]
		if !ok || s.PGN != pgn {
			return nil, fmt.Errorf("%w: %q in pgn %d", ErrUnknownSignal, name, pgn)
		}
		if s.bytesNeeded() > size {
			return nil, fmt.Errorf("%w: %q does not fit %d bytes", ErrEncode, name, size)
		}
		raw, err := physicalToRaw(s, v)
		if err != nil {
			return nil, err
		}
		insert(p, s.bitOffset(), s.BitLength, raw)
	}
	return p, nil
}

// EncodeDM1 builds a DM1 payload: lamp states from values, then the codes.
// A DM1 without codes carries one all-zero code.
func (c *Codec) EncodeDM1(lamps map[string]float64, dtcs []DTC) ([]byte, error) {
	size := 2 + 4*max(1, len(dtcs))
	if size < can.MaxDataLen {
		size = can.MaxDataLen
	}
	p, err := c.EncodePayload(PGNDM1, lamps, size)
	if err != nil {
		return nil, err
	}
	p[1] = 0xFF // flash lamp status: unavailable
	if len(dtcs) == 0 {
		copy(p[2:6], []byte{0, 0, 0, 0})
	}
	for i, d := range dtcs {
		b := d.Bytes()
		copy(p[2+4*i:], b[:])
	}
	return p, nil
}

func filled(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = 0xFF
	}
	return p
}
