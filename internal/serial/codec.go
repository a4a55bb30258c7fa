package serial

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/metrics"
)

// Adapter envelope: [0x2D, 0xD4, len, data..., checksum] where len counts
// data plus the checksum byte and checksum = 0x2D + len + sum(data).
const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendStd  = 1 // TX instruction: send with 11-bit id
	insSendExt  = 2 // TX instruction: send with 29-bit id
	flagClassic = 0x80
)

// Codec converts frames to and from the adapter's UART envelope.
//
// TX data is INS(1) FLAGS(1) ID(4, big-endian) PAYLOAD(0..8).
// RX data is ID(4, big-endian, SocketCAN can_id with the EFF flag for
// extended ids) PAYLOAD(0..8).
type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the buffer grows too
// large relative to unread bytes. It returns true if compaction occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

func envelope(data []byte) []byte {
	n := len(data)
	out := make([]byte, n+4)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range data {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode wraps one frame in a TX envelope.
func (Codec) Encode(f can.Frame) []byte {
	ins := byte(insSendStd)
	if f.Extended() {
		ins = insSendExt
	}
	tab := make([]byte, 6, 6+f.Len())
	tab[0] = ins
	tab[1] = flagClassic | byte(f.Len())
	binary.BigEndian.PutUint32(tab[2:6], f.ID())
	tab = append(tab, f.Data()...)
	return envelope(tab)
}

// DecodeStream consumes complete RX envelopes from in and emits their frames.
// Garbage is skipped byte by byte; broken lengths, checksums and ids count
// as malformed. Incomplete tails stay in the buffer for the next read.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	const (
		minLn = 4 + 0 + 1
		maxLn = 4 + can.MaxDataLen + 1
	)
	header := []byte{pre0, pre1}

	for {
		data := in.Bytes()
		_ = CompactBuffer(in)
		if len(data) < 3 {
			return nil
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte in case it is the first preamble byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		fr, err := can.FromRaw(binary.BigEndian.Uint32(data[3:7]), data[7:req-1], time.Time{}, can.SourceSerial)
		in.Next(req)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		out(fr)
	}
}
