package codec

import (
	"fmt"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/j1939"
)

// Codec decodes frames and encodes commands from immutable Tables. It holds
// no mutable state and is safe for concurrent use.
type Codec struct {
	tables  Tables
	address uint8

	spnsByPGN map[uint32][]SPN
	spnByName map[string]SPN
	cmdByName map[string]CommandDef
	pidByNum  map[uint8]PIDDef
	pidByName map[string]PIDDef
	blocks    map[blockKey]ModbusBlock
}

type blockKey struct {
	id       uint32
	extended bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithSourceAddress sets the J1939 source address stamped on encoded frames
// (default 0xF9, off-board diagnostic tool).
func WithSourceAddress(sa uint8) Option { return func(c *Codec) { c.address = sa } }

// DefaultAddress is the source address used when none is configured.
const DefaultAddress uint8 = 0xF9

// New validates t and builds the lookup indexes.
func New(t Tables, opts ...Option) (*Codec, error) {
	c := &Codec{
		tables:    t,
		address:   DefaultAddress,
		spnsByPGN: make(map[uint32][]SPN),
		spnByName: make(map[string]SPN),
		cmdByName: make(map[string]CommandDef),
		pidByNum:  make(map[uint8]PIDDef),
		pidByName: make(map[string]PIDDef),
		blocks:    make(map[blockKey]ModbusBlock),
	}
	for _, o := range opts {
		o(c)
	}
	for _, s := range t.SPNs {
		if s.Name == "" {
			return nil, fmt.Errorf("spn %d: empty name", s.SPN)
		}
		if err := checkField(s); err != nil {
			return nil, fmt.Errorf("spn %d %q: %w", s.SPN, s.Name, err)
		}
		if _, dup := c.spnByName[s.Name]; dup {
			return nil, fmt.Errorf("spn %d: duplicate name %q", s.SPN, s.Name)
		}
		c.spnsByPGN[s.PGN] = append(c.spnsByPGN[s.PGN], s)
		c.spnByName[s.Name] = s
	}
	for _, cmd := range t.Commands {
		if cmd.Name == "" {
			return nil, fmt.Errorf("command for pgn %d: empty name", cmd.PGN)
		}
		if err := checkField(cmd.Field); err != nil {
			return nil, fmt.Errorf("command %q: %w", cmd.Name, err)
		}
		if cmd.Field.bytesNeeded() > can.MaxDataLen {
			return nil, fmt.Errorf("command %q: field exceeds one frame", cmd.Name)
		}
		for _, f := range cmd.Fixed {
			if f.BitLength < 1 || f.BitLength > 32 || (f.StartByte*8+f.StartBit+f.BitLength) > can.MaxDataLen*8 {
				return nil, fmt.Errorf("command %q: bad fixed field %+v", cmd.Name, f)
			}
		}
		if _, dup := c.cmdByName[cmd.Name]; dup {
			return nil, fmt.Errorf("command %q: duplicate name", cmd.Name)
		}
		c.cmdByName[cmd.Name] = cmd
	}
	for _, p := range t.PIDs {
		if p.Name == "" || p.Bytes < 1 || p.Bytes > 4 || p.Scale == 0 {
			return nil, fmt.Errorf("pid 0x%02X: bad definition", p.PID)
		}
		if _, dup := c.pidByNum[p.PID]; dup {
			return nil, fmt.Errorf("pid 0x%02X: duplicate", p.PID)
		}
		c.pidByNum[p.PID] = p
		c.pidByName[p.Name] = p
	}
	for _, b := range t.Modbus {
		k := blockKey{id: b.CANID, extended: b.Extended}
		if _, dup := c.blocks[k]; dup {
			return nil, fmt.Errorf("modbus block %q: duplicate can id 0x%X", b.Name, b.CANID)
		}
		if !b.Extended && (b.CANID >= OBDRequestID && b.CANID <= OBDResponseLastID) {
			return nil, fmt.Errorf("modbus block %q: can id 0x%X collides with OBD-II", b.Name, b.CANID)
		}
		for _, r := range b.Registers {
			if r.Words != 1 && r.Words != 2 {
				return nil, fmt.Errorf("modbus block %q register %q: words must be 1 or 2", b.Name, r.Name)
			}
			if r.Address < b.StartAddress {
				return nil, fmt.Errorf("modbus block %q register %q: address below block start", b.Name, r.Name)
			}
		}
		c.blocks[k] = b
	}
	return c, nil
}

// MustDefault returns a codec over DefaultTables. It panics only if the
// built-in tables are broken.
func MustDefault(opts ...Option) *Codec {
	c, err := New(DefaultTables(), opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func checkField(s SPN) error {
	switch {
	case s.BitLength < 1 || s.BitLength > 32:
		return fmt.Errorf("bit length %d outside 1..32", s.BitLength)
	case s.StartByte < 0 || s.StartBit < 0 || s.StartBit > 7:
		return fmt.Errorf("bad start %d.%d", s.StartByte, s.StartBit)
	case s.bytesNeeded() > j1939.MaxTPSize:
		return fmt.Errorf("field beyond %d bytes", j1939.MaxTPSize)
	case s.Resolution <= 0:
		return fmt.Errorf("resolution must be > 0")
	}
	return nil
}

// Tables returns the tables the codec was built from.
func (c *Codec) Tables() Tables { return c.tables }

// Address is the source address used for encoded J1939 frames.
func (c *Codec) Address() uint8 { return c.address }

// Lookup reports the unit of a known signal or command name.
func (c *Codec) Lookup(name string) (unit string, ok bool) {
	if cmd, ok := c.cmdByName[name]; ok {
		return cmd.Field.Unit, true
	}
	if s, ok := c.spnByName[name]; ok {
		return s.Unit, true
	}
	if p, ok := c.pidByName[name]; ok {
		return p.Unit, true
	}
	return "", false
}

// Decode turns one frame into zero or more signals. Frames nobody describes
// yield an empty slice and no error. TP.CM/TP.DT frames are left to the
// reassembler and also decode to nothing.
func (c *Codec) Decode(fr can.Frame) ([]Signal, error) {
	if b, ok := c.blocks[blockKey{id: fr.ID(), extended: fr.Extended()}]; ok {
		return c.decodeModbus(b, fr)
	}
	if fr.Extended() {
		id := j1939.ParseID(fr.ID())
		if j1939.IsTP(id.PGN) {
			return nil, nil
		}
		sigs, err := c.DecodeJ1939(id.PGN, id.Source, fr.Data(), fr.Timestamp())
		for i := range sigs {
			sigs[i].Source.CANID = fr.ID()
		}
		return sigs, err
	}
	if fr.ID() >= OBDResponseBaseID && fr.ID() <= OBDResponseLastID {
		return c.decodeOBD(fr)
	}
	return nil, nil
}
