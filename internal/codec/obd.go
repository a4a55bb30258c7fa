package codec

import (
	"fmt"
	"math"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
)

const (
	obdModeCurrentData = 0x01
	obdPositive        = 0x40
	obdPad             = 0x55
)

// decodeOBD handles a mode 01 response: [len, 0x41, pid, A, B, ...].
func (c *Codec) decodeOBD(fr can.Frame) ([]Signal, error) {
	p := fr.Data()
	if len(p) < 3 {
		return nil, fmt.Errorf("%w: obd frame %s too short", ErrDecode, fr)
	}
	n := int(p[0])
	if n < 2 || n > len(p)-1 {
		return nil, fmt.Errorf("%w: obd length byte %d with %d byte payload", ErrDecode, n, len(p))
	}
	if p[1] != obdPositive|obdModeCurrentData {
		return nil, nil
	}
	def, ok := c.pidByNum[p[2]]
	if !ok {
		return nil, nil
	}
	data := p[3 : 1+n]
	if len(data) < def.Bytes {
		return nil, fmt.Errorf("%w: pid 0x%02X needs %d bytes, have %d", ErrDecode, def.PID, def.Bytes, len(data))
	}
	var raw uint64
	for _, b := range data[:def.Bytes] {
		raw = raw<<8 | uint64(b)
	}
	return []Signal{{
		Name:      def.Name,
		Value:     float64(raw)*def.Scale + def.Offset,
		Unit:      def.Unit,
		Valid:     true,
		Status:    StatusValid,
		Timestamp: fr.Timestamp(),
		Source: Source{
			Kind:    KindOBD,
			CANID:   fr.ID(),
			Address: uint8(fr.ID() - OBDResponseBaseID),
			PID:     def.PID,
		},
	}}, nil
}

// PID returns the definition for a PID name.
func (c *Codec) PID(name string) (PIDDef, bool) {
	p, ok := c.pidByName[name]
	return p, ok
}

// PIDs lists the configured PID names in table order.
func (c *Codec) PIDs() []string {
	out := make([]string, 0, len(c.tables.PIDs))
	for _, p := range c.tables.PIDs {
		out = append(out, p.Name)
	}
	return out
}

// EncodeOBDRequest builds a functional (0x7DF) mode 01 request for a PID name.
func (c *Codec) EncodeOBDRequest(name string, ts time.Time) (can.Frame, error) {
	def, ok := c.pidByName[name]
	if !ok {
		return can.Frame{}, fmt.Errorf("%w: pid %q", ErrUnknownSignal, name)
	}
	data := []byte{2, obdModeCurrentData, def.PID, obdPad, obdPad, obdPad, obdPad, obdPad}
	return can.New(OBDRequestID, false, data, ts, can.SourceLocal)
}

// ParseOBDRequest extracts the PID from a mode 01 request frame.
func ParseOBDRequest(fr can.Frame) (pid uint8, ok bool) {
	if fr.Extended() || fr.ID() != OBDRequestID || fr.Len() < 3 {
		return 0, false
	}
	if fr.Byte(0) < 2 || fr.Byte(1) != obdModeCurrentData {
		return 0, false
	}
	return fr.Byte(2), true
}

// EncodeOBDResponse builds the response ECU number ecu (0..7) would send for
// pid carrying the physical value v.
func (c *Codec) EncodeOBDResponse(pid uint8, v float64, ecu uint8, ts time.Time, src can.Source) (can.Frame, error) {
	def, ok := c.pidByNum[pid]
	if !ok {
		return can.Frame{}, fmt.Errorf("%w: pid 0x%02X", ErrUnknownSignal, pid)
	}
	if ecu > 7 {
		return can.Frame{}, fmt.Errorf("%w: ecu %d", ErrEncode, ecu)
	}
	r := math.Round((v - def.Offset) / def.Scale)
	limit := math.Pow(2, float64(8*def.Bytes)) - 1
	if math.IsNaN(r) || r < 0 || r > limit {
		return can.Frame{}, fmt.Errorf("%w: %s=%v", ErrOutOfRange, def.Name, v)
	}
	raw := uint64(r)
	data := []byte{byte(2 + def.Bytes), obdPositive | obdModeCurrentData, def.PID}
	for i := def.Bytes - 1; i >= 0; i-- {
		data = append(data, byte(raw>>(8*i)))
	}
	for len(data) < can.MaxDataLen {
		data = append(data, obdPad)
	}
	return can.New(OBDResponseBaseID+uint32(ecu), false, data, ts, src)
}
