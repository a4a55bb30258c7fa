package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// Encode packs frames into a single cannelloni packet (DATA).
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 1 + can.MaxDataLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is encoded as: 4-byte BE can_id (with EFF flag), 1-byte length, payload.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var rec [4 + 1 + can.MaxDataLen]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(rec[0:4], f.RawID())
		rec[4] = byte(f.Len())
		n := 5 + copy(rec[5:], f.Data())
		m, err := w.Write(rec[:n])
		total += m
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r, stamped with ts.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader, ts time.Time) (can.Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return can.Frame{}, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
	}
	ln := int(hdr[4] & 0x7F) // high bit reserved for CAN FD
	if ln > can.MaxDataLen {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	var data [can.MaxDataLen]byte
	if _, err := io.ReadFull(r, data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	fr, err := can.FromRaw(binary.BigEndian.Uint32(hdr[:4]), data[:ln], ts, can.SourceCannelloni)
	if err != nil {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w", err)
	}
	return fr, nil
}

// DecodeN decodes up to max frames (if max>0) or until an error (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r, time.Now())
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
