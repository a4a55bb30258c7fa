package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/j1939"
	"github.com/kstaniek/go-equip-server/internal/logging"
)

func newSim(t *testing.T, seed uint64) *Simulator {
	t.Helper()
	s := NewSimulator(SimulatorConfig{Seed: seed, RecordSent: true, Logger: logging.Discard()})
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func take(t *testing.T, s *Simulator, n int) []can.Frame {
	t.Helper()
	out := make([]can.Frame, 0, n)
	for fr, err := range Frames(context.Background(), s) {
		require.NoError(t, err)
		out = append(out, fr)
		if len(out) == n {
			break
		}
	}
	return out
}

// decodeAll runs frames through the codec and a reassembler and returns the
// last value of every valid signal.
func decodeAll(t *testing.T, frames []can.Frame) (map[string]float64, []codec.Signal) {
	t.Helper()
	c := codec.MustDefault()
	r := j1939.NewReassembler(j1939.ReassemblerConfig{Address: j1939.AddrNull})
	last := map[string]float64{}
	var dtcs []codec.Signal
	for _, fr := range frames {
		out, err := r.Accept(fr)
		require.NoError(t, err)
		var sigs []codec.Signal
		switch {
		case out.Message != nil:
			sigs, err = c.DecodeJ1939(out.Message.PGN, out.Message.Source, out.Message.Data, out.Message.Timestamp)
		case out.Consumed:
			continue
		default:
			sigs, err = c.Decode(fr)
		}
		require.NoError(t, err, fr.String())
		for _, s := range sigs {
			if s.Name == "dtc" {
				dtcs = append(dtcs, s)
				continue
			}
			if s.Valid {
				last[s.Name] = s.Value
			}
		}
	}
	return last, dtcs
}

func TestSimulatorDeterministic(t *testing.T) {
	a := take(t, newSim(t, 42), 200)
	b := take(t, newSim(t, 42), 200)
	require.Len(t, b, len(a))
	for i := range a {
		assert.True(t, a[i].Equal(b[i]), "frame %d: %s != %s", i, a[i], b[i])
	}
	c := take(t, newSim(t, 7), 200)
	same := true
	for i := range a {
		same = same && a[i].Equal(c[i])
	}
	assert.False(t, same, "different seeds produce different noise")
}

func TestSimulatorTelemetryDecodes(t *testing.T) {
	frames := take(t, newSim(t, 1), 300)
	for _, fr := range frames {
		assert.Equal(t, can.SourceSimulator, fr.Source())
		assert.False(t, fr.Timestamp().IsZero())
	}
	last, dtcs := decodeAll(t, frames)
	for _, name := range []string{
		"engine_speed", "actual_engine_torque", "coolant_temperature", "fuel_level",
		"hydraulic_pressure", "rear_hitch_position", "vehicle_speed", "rear_pto_speed",
		"implement_depth", "engine_hours",
	} {
		assert.Contains(t, last, name)
	}
	assert.InDelta(t, simWorkSpeed, last["engine_speed"], 30)
	assert.InDelta(t, simFuel, last["fuel_level"], 1)
	require.NotEmpty(t, dtcs, "DM1 reassembled from BAM")
	assert.Equal(t, "spn=110 fmi=16 oc=3", dtcs[0].State)
}

func TestSimulatorDM1UsesBAM(t *testing.T) {
	frames := take(t, newSim(t, 1), 200)
	var bam, dt int
	for _, fr := range frames {
		if !fr.Extended() {
			continue
		}
		switch j1939.ParseID(fr.ID()).PGN {
		case j1939.PGNTPCM:
			if fr.Byte(0) == 32 {
				bam++
			}
		case j1939.PGNTPDT:
			dt++
		}
	}
	assert.Positive(t, bam)
	assert.Equal(t, 2*bam, dt, "10 byte DM1 is two packets")
}

func TestSimulatorAnswersOBD(t *testing.T) {
	s := newSim(t, 3)
	c := codec.MustDefault()
	req, err := c.EncodeOBDRequest("engine_rpm", time.Time{})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), req))

	fr := take(t, s, 1)[0]
	assert.Equal(t, codec.OBDResponseBaseID, fr.ID())
	sigs, err := c.Decode(fr)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "engine_rpm", sigs[0].Name)
	assert.True(t, sigs[0].Valid)

	// Unsupported PIDs stay unanswered.
	require.NoError(t, s.Send(context.Background(), can.MustNew(codec.OBDRequestID, false, 2, 1, 0x42, 0x55, 0x55, 0x55, 0x55, 0x55)))
	next := take(t, s, 1)[0]
	assert.True(t, next.Extended())
}

func TestSimulatorDoesNotRetainSentByDefault(t *testing.T) {
	s := NewSimulator(SimulatorConfig{Logger: logging.Discard()})
	defer s.Close()
	c := codec.MustDefault()
	req, err := c.EncodeOBDRequest("engine_rpm", time.Time{})
	require.NoError(t, err)
	ctx := context.Background()
	for range 1000 {
		require.NoError(t, s.Send(ctx, req))
		_, err := s.Receive(ctx)
		require.NoError(t, err)
	}
	assert.Empty(t, s.Sent(), "long running poller must not grow memory")
}

func TestSimulatorCommandsSteerState(t *testing.T) {
	s := newSim(t, 5)
	c := codec.MustDefault()
	tsc1, err := c.Encode("engine_speed_request", 2000, time.Time{})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), tsc1))
	assert.Equal(t, 2000.0, s.TargetSpeed())

	hitch, err := c.Encode("rear_hitch_position_request", 20, time.Time{})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), hitch))

	last, _ := decodeAll(t, take(t, s, 400))
	assert.InDelta(t, 2000, last["engine_speed"], 30)
	assert.InDelta(t, 20, last["rear_hitch_position"], 0.5)
	assert.Len(t, s.Sent(), 2)
}

func TestSimulatorClose(t *testing.T) {
	s := NewSimulator(SimulatorConfig{Interval: time.Hour, Logger: logging.Discard()})
	errc := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Receive still blocked after Close")
	}
	assert.ErrorIs(t, s.Send(context.Background(), can.MustNew(1, false)), ErrDisconnected)
	assert.ErrorIs(t, s.Open(context.Background()), ErrDisconnected)

	var last error
	for _, err := range Frames(context.Background(), s) {
		last = err
	}
	assert.True(t, errors.Is(last, ErrDisconnected))
}

func TestSimulatorReceiveHonoursContext(t *testing.T) {
	s := NewSimulator(SimulatorConfig{Interval: time.Hour, Logger: logging.Discard()})
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindSimulator, KindSocketCAN, KindSerial, KindCannelloni} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("usb")
	assert.Error(t, err)
}
