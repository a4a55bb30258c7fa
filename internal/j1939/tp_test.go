package j1939

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-equip-server/internal/can"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestReassembler(addr uint8) (*Reassembler, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewReassembler(ReassemblerConfig{Timeout: time.Second, Address: addr, Now: clk.Now}), clk
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func TestParseIDRoundTrip(t *testing.T) {
	tests := []struct {
		raw  uint32
		want ID
	}{
		{0x0CF00400, ID{Priority: 3, PGN: 61444, Source: 0x00, Destination: AddrGlobal}},
		{0x18FEEE00, ID{Priority: 6, PGN: 65262, Source: 0x00, Destination: AddrGlobal}},
		{0x0C000003, ID{Priority: 3, PGN: 0, Source: 0x03, Destination: 0x00}},
		{0x1CECFF00, ID{Priority: 7, PGN: PGNTPCM, Source: 0x00, Destination: AddrGlobal}},
		{0x1CEB2A17, ID{Priority: 7, PGN: PGNTPDT, Source: 0x17, Destination: 0x2A}},
	}
	for _, tc := range tests {
		got := ParseID(tc.raw)
		assert.Equal(t, tc.want, got, "raw 0x%08X", tc.raw)
		assert.Equal(t, tc.raw, got.Raw(), "rebuild 0x%08X", tc.raw)
	}
	assert.True(t, PDU1(PGNTPCM))
	assert.False(t, PDU1(61444))
}

func feed(t *testing.T, r *Reassembler, frames []can.Frame) []Outcome {
	t.Helper()
	outs := make([]Outcome, 0, len(frames))
	for _, fr := range frames {
		out, err := r.Accept(fr)
		require.NoError(t, err)
		outs = append(outs, out)
	}
	return outs
}

func TestReassembleBAMInOrder(t *testing.T) {
	for _, size := range []int{9, 14, 15, 20, 100, MaxTPSize} {
		r, _ := newTestReassembler(AddrNull)
		key := Key{Source: 0x00, Destination: AddrGlobal, PGN: 65226}
		data := payload(size)
		frames, err := Segment(key, data, 6, time.Time{}, can.SourceLocal)
		require.NoError(t, err)

		outs := feed(t, r, frames)
		assert.True(t, outs[0].Started)
		last := outs[len(outs)-1]
		require.NotNil(t, last.Message, "size %d", size)
		assert.Len(t, last.Message.Data, size)
		assert.Equal(t, data, last.Message.Data)
		assert.Equal(t, key, last.Message.Key)
		assert.Zero(t, r.Pending())
		for _, o := range outs[:len(outs)-1] {
			assert.Nil(t, o.Message)
			assert.Empty(t, o.Aborted)
		}
	}
}

func TestReassembleDuplicateSequenceAborts(t *testing.T) {
	r, _ := newTestReassembler(AddrNull)
	key := Key{Source: 0x00, Destination: AddrGlobal, PGN: 65226}
	frames, err := Segment(key, payload(20), 6, time.Time{}, can.SourceLocal)
	require.NoError(t, err)

	// CM, DT1, DT1 again
	outs := feed(t, r, []can.Frame{frames[0], frames[1], frames[1]})
	dup := outs[2]
	assert.Nil(t, dup.Message)
	require.Len(t, dup.Aborted, 1)
	assert.Equal(t, AbortDuplicate, dup.Aborted[0].Reason)
	assert.True(t, errors.Is(dup.Aborted[0], ErrReassemblyAborted))
	assert.Equal(t, StateIdle, r.StateOf(key))

	// Remaining packets after the abort are ignored, nothing completes.
	for _, o := range feed(t, r, frames[2:]) {
		assert.Nil(t, o.Message)
	}
}

func TestReassembleMissingSequenceAborts(t *testing.T) {
	r, _ := newTestReassembler(AddrNull)
	key := Key{Source: 0x21, Destination: AddrGlobal, PGN: 65260}
	frames, err := Segment(key, payload(20), 6, time.Time{}, can.SourceLocal)
	require.NoError(t, err)

	outs := feed(t, r, []can.Frame{frames[0], frames[1], frames[3]})
	require.Len(t, outs[2].Aborted, 1)
	assert.Equal(t, AbortSequence, outs[2].Aborted[0].Reason)
	assert.Nil(t, outs[2].Message)
	assert.Zero(t, r.Pending())
}

func TestReassembleTimeout(t *testing.T) {
	r, clk := newTestReassembler(AddrNull)
	key := Key{Source: 0x00, Destination: AddrGlobal, PGN: 65226}
	frames, err := Segment(key, payload(30), 6, time.Time{}, can.SourceLocal)
	require.NoError(t, err)
	feed(t, r, frames[:3])
	assert.Equal(t, StateReceiving, r.StateOf(key))

	clk.Advance(500 * time.Millisecond)
	assert.Empty(t, r.Expire(clk.Now()).Aborted)

	clk.Advance(1500 * time.Millisecond)
	out := r.Expire(clk.Now())
	require.Len(t, out.Aborted, 1)
	assert.Equal(t, AbortTimeout, out.Aborted[0].Reason)
	assert.Zero(t, r.Pending())

	// Late packets for the evicted context are ignored.
	o, err := r.Accept(frames[3])
	require.NoError(t, err)
	assert.Nil(t, o.Message)
}

func TestReassembleLateFrameAfterDeadline(t *testing.T) {
	r, clk := newTestReassembler(AddrNull)
	key := Key{Source: 0x00, Destination: AddrGlobal, PGN: 65226}
	frames, err := Segment(key, payload(20), 6, time.Time{}, can.SourceLocal)
	require.NoError(t, err)
	feed(t, r, frames[:2])
	clk.Advance(2 * time.Second)
	out, err := r.Accept(frames[2])
	require.NoError(t, err)
	require.Len(t, out.Aborted, 1)
	assert.Equal(t, AbortTimeout, out.Aborted[0].Reason)
}

func TestReassembleIndependentContexts(t *testing.T) {
	r, _ := newTestReassembler(AddrNull)
	ka := Key{Source: 0x00, Destination: AddrGlobal, PGN: 65226}
	kb := Key{Source: 0x03, Destination: AddrGlobal, PGN: 65260}
	fa, err := Segment(ka, payload(20), 6, time.Time{}, can.SourceLocal)
	require.NoError(t, err)
	fb, err := Segment(kb, payload(17), 6, time.Time{}, can.SourceLocal)
	require.NoError(t, err)

	var interleaved []can.Frame
	for i := 0; i < len(fa) || i < len(fb); i++ {
		if i < len(fa) {
			interleaved = append(interleaved, fa[i])
		}
		if i < len(fb) {
			interleaved = append(interleaved, fb[i])
		}
	}
	var done []Key
	for _, o := range feed(t, r, interleaved) {
		assert.Empty(t, o.Aborted)
		if o.Message != nil {
			done = append(done, o.Message.Key)
		}
	}
	assert.ElementsMatch(t, []Key{ka, kb}, done)
}

func TestReassembleSupersededAndBadAnnouncement(t *testing.T) {
	r, _ := newTestReassembler(AddrNull)
	key := Key{Source: 0x00, Destination: AddrGlobal, PGN: 65226}
	frames, err := Segment(key, payload(20), 6, time.Time{}, can.SourceLocal)
	require.NoError(t, err)
	feed(t, r, frames[:2])

	outs := feed(t, r, frames[:1])
	require.Len(t, outs[0].Aborted, 1)
	assert.Equal(t, AbortSuperseded, outs[0].Aborted[0].Reason)
	assert.True(t, outs[0].Started)

	// Packet count inconsistent with declared size.
	bad := can.MustNew(0x1CECFF00, true, cmBAM, 20, 0, 9, 0xFF, 0xCA, 0xFE, 0x00)
	out, err := r.Accept(bad)
	require.NoError(t, err)
	assert.False(t, out.Started)
	var reasons []AbortReason
	for _, a := range out.Aborted {
		reasons = append(reasons, a.Reason)
	}
	assert.Contains(t, reasons, AbortAnnounce)
	assert.Zero(t, r.Pending())
}

func TestReassembleRTSRepliesWhenAddressed(t *testing.T) {
	const own = 0xF9
	r, _ := newTestReassembler(own)
	key := Key{Source: 0x00, Destination: own, PGN: 65226}
	frames, err := Segment(key, payload(20), 7, time.Time{}, can.SourceLocal)
	require.NoError(t, err)

	outs := feed(t, r, frames)
	require.Len(t, outs[0].Replies, 1)
	cts := outs[0].Replies[0]
	id := ParseID(cts.ID())
	assert.Equal(t, PGNTPCM, id.PGN)
	assert.Equal(t, uint8(own), id.Source)
	assert.Equal(t, uint8(0x00), id.Destination)
	assert.Equal(t, []byte{cmCTS, 3, 1, 0xFF, 0xFF, 0xCA, 0xFE, 0x00}, cts.Data())

	last := outs[len(outs)-1]
	require.NotNil(t, last.Message)
	require.Len(t, last.Replies, 1)
	assert.Equal(t, byte(cmEOM), last.Replies[0].Byte(0))
}

func TestReassembleRTSNotAddressedIsSilent(t *testing.T) {
	r, _ := newTestReassembler(0xF9)
	key := Key{Source: 0x00, Destination: 0x28, PGN: 65226}
	frames, err := Segment(key, payload(20), 7, time.Time{}, can.SourceLocal)
	require.NoError(t, err)
	for _, o := range feed(t, r, frames) {
		assert.Empty(t, o.Replies)
	}
}

func TestReassembleSenderAbort(t *testing.T) {
	r, _ := newTestReassembler(AddrNull)
	key := Key{Source: 0x00, Destination: 0x28, PGN: 65226}
	frames, err := Segment(key, payload(20), 7, time.Time{}, can.SourceLocal)
	require.NoError(t, err)
	feed(t, r, frames[:2])
	abortFr := can.MustNew(ID{Priority: 7, PGN: PGNTPCM, Source: 0x00, Destination: 0x28}.Raw(), true,
		cmAbort, 1, 0xFF, 0xFF, 0xFF, 0xCA, 0xFE, 0x00)
	out, err := r.Accept(abortFr)
	require.NoError(t, err)
	require.Len(t, out.Aborted, 1)
	assert.Equal(t, AbortSender, out.Aborted[0].Reason)
}

func TestReassembleIgnoresOtherFrames(t *testing.T) {
	r, _ := newTestReassembler(AddrNull)
	out, err := r.Accept(can.MustNew(0x0CF00400, true, 1, 2, 3, 4, 5, 6, 7, 8))
	require.NoError(t, err)
	assert.False(t, out.Consumed)
	out, err = r.Accept(can.MustNew(0x7E8, false, 4, 0x41, 0x0C, 0x1A, 0xF8))
	require.NoError(t, err)
	assert.False(t, out.Consumed)

	_, err = r.Accept(can.MustNew(0x1CECFF00, true, cmBAM, 20))
	assert.ErrorIs(t, err, can.ErrMalformedFrame)
}

func TestSegmentRejectsSizes(t *testing.T) {
	_, err := Segment(Key{PGN: 1, Destination: AddrGlobal}, payload(8), 6, time.Time{}, can.SourceLocal)
	assert.Error(t, err)
	_, err = Segment(Key{PGN: 1, Destination: AddrGlobal}, payload(MaxTPSize+1), 6, time.Time{}, can.SourceLocal)
	assert.Error(t, err)
}
