package j1939

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
)

// TP.CM control bytes.
const (
	cmRTS   = 16
	cmCTS   = 17
	cmEOM   = 19
	cmBAM   = 32
	cmAbort = 255
)

// TP.CM abort reasons (J1939-21 table).
const (
	abortTimeout   = 3
	abortBadSeq    = 7
	abortDupSeq    = 8
	abortSizeLimit = 9
)

const (
	// MinTPSize is the smallest payload that needs the transport protocol.
	MinTPSize = 9
	// MaxTPSize is 255 packets of 7 bytes.
	MaxTPSize = 1785
	// DefaultTPTimeout is the T1/T2 inactivity window before a session is dropped.
	DefaultTPTimeout = 1250 * time.Millisecond
	bytesPerPacket   = 7
)

// ErrReassemblyAborted marks a discarded multi-packet message.
var ErrReassemblyAborted = errors.New("reassembly aborted")

// State of a reassembly context.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AbortReason is a stable label for why a context was dropped.
type AbortReason string

const (
	AbortSequence    AbortReason = "sequence"
	AbortDuplicate   AbortReason = "duplicate"
	AbortOverrun     AbortReason = "overrun"
	AbortTimeout     AbortReason = "timeout"
	AbortSender      AbortReason = "sender_abort"
	AbortSuperseded  AbortReason = "superseded"
	AbortAnnounce    AbortReason = "bad_announce"
	AbortSessionDown AbortReason = "reset"
)

// Key identifies one in-flight multi-packet message.
type Key struct {
	Source      uint8
	Destination uint8
	PGN         uint32
}

// AbortedError describes a context that transitioned to Aborted.
type AbortedError struct {
	Key    Key
	Reason AbortReason
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("%v: pgn=%d sa=0x%02X da=0x%02X: %s", ErrReassemblyAborted, e.Key.PGN, e.Key.Source, e.Key.Destination, e.Reason)
}

func (e *AbortedError) Is(target error) bool { return target == ErrReassemblyAborted }

// Message is a completed multi-packet payload.
type Message struct {
	Key
	Data      []byte
	Timestamp time.Time
}

// Outcome reports what a single Accept/Expire call did.
type Outcome struct {
	Started  bool
	Message  *Message
	Aborted  []*AbortedError
	Replies  []can.Frame // CTS / EOM / Abort frames to send when we are the RTS target
	Consumed bool        // frame was TP.CM or TP.DT
}

// ReassemblerConfig tunes a Reassembler.
type ReassemblerConfig struct {
	Timeout time.Duration
	// Address is our own source address. RTS sessions addressed to it get
	// CTS/EOM replies. AddrNull disables replies (pure listener).
	Address uint8
	Now     func() time.Time
}

// pair keys a transfer. TP.DT carries no PGN, so only one transfer per
// address pair can be open at a time.
type pair struct{ src, dst uint8 }

type context struct {
	key       Key
	total     int
	packets   int
	buf       []byte
	nextSeq   int
	deadline  time.Time
	reply     bool // RTS addressed to us
	maxPerCTS int
	windowEnd int
}

// Reassembler rebuilds TP.CM/TP.DT messages. It is not safe for concurrent
// use; the owning session serializes access.
type Reassembler struct {
	cfg  ReassemblerConfig
	ctxs map[pair]*context
}

// NewReassembler returns an empty reassembler.
func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTPTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reassembler{cfg: cfg, ctxs: make(map[pair]*context)}
}

// IsTP reports whether pgn belongs to the transport protocol.
func IsTP(pgn uint32) bool { return pgn == PGNTPCM || pgn == PGNTPDT }

// Pending returns the number of contexts in Receiving.
func (r *Reassembler) Pending() int { return len(r.ctxs) }

// StateOf reports Receiving for an in-flight key, Idle otherwise. Terminal
// contexts are destroyed immediately.
func (r *Reassembler) StateOf(k Key) State {
	if c, ok := r.ctxs[pair{k.Source, k.Destination}]; ok && c.key == k {
		return StateReceiving
	}
	return StateIdle
}

// Accept feeds one frame. Non-TP frames are ignored (Consumed=false).
func (r *Reassembler) Accept(fr can.Frame) (Outcome, error) {
	if !fr.Extended() {
		return Outcome{}, nil
	}
	id := ParseID(fr.ID())
	switch id.PGN {
	case PGNTPCM:
		return r.handleCM(id, fr)
	case PGNTPDT:
		return r.handleDT(id, fr)
	}
	return Outcome{}, nil
}

// Expire aborts every context whose inactivity deadline has passed.
func (r *Reassembler) Expire(now time.Time) Outcome {
	var out Outcome
	for p, c := range r.ctxs {
		if now.After(c.deadline) {
			r.abort(&out, p, c, AbortTimeout, abortTimeout)
		}
	}
	return out
}

// Reset discards all contexts and returns how many were dropped.
func (r *Reassembler) Reset() int {
	n := len(r.ctxs)
	clear(r.ctxs)
	return n
}

func (r *Reassembler) handleCM(id ID, fr can.Frame) (Outcome, error) {
	out := Outcome{Consumed: true}
	if fr.Len() < 8 {
		return out, fmt.Errorf("%w: short TP.CM (%d bytes)", can.ErrMalformedFrame, fr.Len())
	}
	pgn := uint32(fr.Byte(5)) | uint32(fr.Byte(6))<<8 | uint32(fr.Byte(7))<<16
	p := pair{id.Source, id.Destination}
	switch fr.Byte(0) {
	case cmBAM, cmRTS:
		rts := fr.Byte(0) == cmRTS
		size := int(binary.LittleEndian.Uint16([]byte{fr.Byte(1), fr.Byte(2)}))
		packets := int(fr.Byte(3))
		key := Key{Source: id.Source, Destination: id.Destination, PGN: pgn}
		if old, ok := r.ctxs[p]; ok {
			r.abort(&out, p, old, AbortSuperseded, 0)
		}
		if size < MinTPSize || size > MaxTPSize || packets != (size+bytesPerPacket-1)/bytesPerPacket {
			out.Aborted = append(out.Aborted, &AbortedError{Key: key, Reason: AbortAnnounce})
			if rts && r.addressed(id) {
				out.Replies = append(out.Replies, r.abortFrame(key, abortSizeLimit))
			}
			return out, nil
		}
		c := &context{
			key:      key,
			total:    size,
			packets:  packets,
			buf:      make([]byte, 0, size),
			nextSeq:  1,
			deadline: r.cfg.Now().Add(r.cfg.Timeout),
			reply:    rts && r.addressed(id),
		}
		if rts {
			c.maxPerCTS = int(fr.Byte(4))
		}
		r.ctxs[p] = c
		out.Started = true
		if c.reply {
			out.Replies = append(out.Replies, r.ctsFrame(c))
		}
	case cmAbort:
		// Either side may abort; match the pair in both directions.
		for _, q := range []pair{p, {id.Destination, id.Source}} {
			if c, ok := r.ctxs[q]; ok && c.key.PGN == pgn {
				r.abort(&out, q, c, AbortSender, 0)
			}
		}
	}
	return out, nil
}

func (r *Reassembler) handleDT(id ID, fr can.Frame) (Outcome, error) {
	out := Outcome{Consumed: true}
	p := pair{id.Source, id.Destination}
	c, ok := r.ctxs[p]
	if !ok {
		return out, nil
	}
	if fr.Len() < 2 {
		return out, fmt.Errorf("%w: short TP.DT (%d bytes)", can.ErrMalformedFrame, fr.Len())
	}
	now := r.cfg.Now()
	if now.After(c.deadline) {
		r.abort(&out, p, c, AbortTimeout, abortTimeout)
		return out, nil
	}
	seq := int(fr.Byte(0))
	switch {
	case seq == c.nextSeq-1:
		r.abort(&out, p, c, AbortDuplicate, abortDupSeq)
		return out, nil
	case seq != c.nextSeq:
		r.abort(&out, p, c, AbortSequence, abortBadSeq)
		return out, nil
	case seq > c.packets:
		r.abort(&out, p, c, AbortOverrun, abortBadSeq)
		return out, nil
	}
	chunk := fr.Data()[1:]
	if remaining := c.total - len(c.buf); len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	c.buf = append(c.buf, chunk...)
	c.nextSeq++
	c.deadline = now.Add(r.cfg.Timeout)

	if len(c.buf) == c.total {
		delete(r.ctxs, p)
		out.Message = &Message{Key: c.key, Data: c.buf, Timestamp: fr.Timestamp()}
		if c.reply {
			out.Replies = append(out.Replies, r.eomFrame(c))
		}
		return out, nil
	}
	if seq == c.packets {
		// Last packet arrived but short DT frames left the buffer incomplete.
		r.abort(&out, p, c, AbortOverrun, abortBadSeq)
		return out, nil
	}
	if c.reply && seq == c.windowEnd {
		out.Replies = append(out.Replies, r.ctsFrame(c))
	}
	return out, nil
}

func (r *Reassembler) addressed(id ID) bool {
	return r.cfg.Address != AddrNull && id.Destination == r.cfg.Address
}

func (r *Reassembler) abort(out *Outcome, p pair, c *context, reason AbortReason, code byte) {
	delete(r.ctxs, p)
	out.Aborted = append(out.Aborted, &AbortedError{Key: c.key, Reason: reason})
	if c.reply && code != 0 {
		out.Replies = append(out.Replies, r.abortFrame(c.key, code))
	}
}

func (r *Reassembler) ctsFrame(c *context) can.Frame {
	n := c.packets - c.nextSeq + 1
	if c.maxPerCTS > 0 && c.maxPerCTS < n {
		n = c.maxPerCTS
	}
	c.windowEnd = c.nextSeq + n - 1
	return r.control(c.key, []byte{cmCTS, byte(n), byte(c.nextSeq), 0xFF, 0xFF})
}

func (r *Reassembler) eomFrame(c *context) can.Frame {
	return r.control(c.key, []byte{cmEOM, byte(c.total), byte(c.total >> 8), byte(c.packets), 0xFF})
}

func (r *Reassembler) abortFrame(k Key, code byte) can.Frame {
	return r.control(k, []byte{cmAbort, code, 0xFF, 0xFF, 0xFF})
}

// control builds a TP.CM frame from us back to the originator of k.
func (r *Reassembler) control(k Key, head []byte) can.Frame {
	data := append(head, byte(k.PGN), byte(k.PGN>>8), byte(k.PGN>>16))
	id := ID{Priority: 7, PGN: PGNTPCM, Source: r.cfg.Address, Destination: k.Source}
	fr, err := BuildFrame(id, data, r.cfg.Now(), can.SourceLocal)
	if err != nil {
		// head is always 5 bytes and the id is masked; unreachable.
		panic(err)
	}
	return fr
}

// Segment splits data into a TP.CM announcement (BAM when k.Destination is
// global, RTS otherwise) followed by TP.DT packets. The last packet is padded
// with 0xFF.
func Segment(k Key, data []byte, priority uint8, ts time.Time, src can.Source) ([]can.Frame, error) {
	if len(data) < MinTPSize || len(data) > MaxTPSize {
		return nil, fmt.Errorf("tp segment: size %d outside %d..%d", len(data), MinTPSize, MaxTPSize)
	}
	packets := (len(data) + bytesPerPacket - 1) / bytesPerPacket
	ctrl := byte(cmBAM)
	perCTS := byte(0xFF)
	if k.Destination != AddrGlobal {
		ctrl = cmRTS
	}
	cm := []byte{ctrl, byte(len(data)), byte(len(data) >> 8), byte(packets), perCTS, byte(k.PGN), byte(k.PGN >> 8), byte(k.PGN >> 16)}
	frames := make([]can.Frame, 0, packets+1)
	fr, err := BuildFrame(ID{Priority: priority, PGN: PGNTPCM, Source: k.Source, Destination: k.Destination}, cm, ts, src)
	if err != nil {
		return nil, err
	}
	frames = append(frames, fr)
	dtID := ID{Priority: priority, PGN: PGNTPDT, Source: k.Source, Destination: k.Destination}
	for i := 0; i < packets; i++ {
		pkt := [8]byte{byte(i + 1), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
		copy(pkt[1:], data[i*bytesPerPacket:min((i+1)*bytesPerPacket, len(data))])
		fr, err := BuildFrame(dtID, pkt[:], ts, src)
		if err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	return frames, nil
}
