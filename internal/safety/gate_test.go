package safety

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/logging"
)

var t0 = time.Unix(1_700_000_000, 0)

func enabledGate(t *testing.T, p Policy) *Gate {
	t.Helper()
	g := NewGate(p, WithLogger(logging.Discard()))
	require.NoError(t, g.SetMasterEnable("test", true))
	return g
}

func TestEvaluateOrder(t *testing.T) {
	g := NewGate(DefaultPolicy(), WithLogger(logging.Discard()))

	v, _ := g.Evaluate(NewCommand("engine_speed_request", 1500, "op", t0), t0)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonMasterDisabled, v.Reason)

	require.NoError(t, g.SetMasterEnable("op", true))
	v, _ = g.Evaluate(NewCommand("self_destruct", 1, "op", t0), t0)
	assert.Equal(t, ReasonNoRule, v.Reason)

	v, _ = g.Evaluate(NewCommand("engine_speed_request", math.NaN(), "op", t0), t0)
	assert.Equal(t, ReasonNotFinite, v.Reason)
	assert.Equal(t, 0.0, v.Value)

	v, out := g.Evaluate(NewCommand("engine_speed_request", 1500, "op", t0), t0)
	assert.True(t, v.Allowed)
	assert.Equal(t, ReasonOK, v.Reason)
	assert.Equal(t, 1500.0, out.Value)
	assert.NoError(t, v.Err("engine_speed_request"))
}

func TestEvaluateRangeRejectOrClamp(t *testing.T) {
	g := enabledGate(t, DefaultPolicy())

	cmd := NewCommand("engine_speed_request", 3000, "op", t0)
	v, out := g.Evaluate(cmd, t0)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonOutOfRange, v.Reason)
	assert.Equal(t, cmd, out, "rejected command is returned unmodified")
	err := v.Err(cmd.Name)
	assert.ErrorIs(t, err, ErrCommandRejected)
	var rej *CommandRejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonOutOfRange, rej.Reason)

	hitch := NewCommand("rear_hitch_position_request", 140, "op", t0)
	v, out = g.Evaluate(hitch, t0)
	assert.True(t, v.Allowed)
	assert.True(t, v.Clamped)
	assert.Equal(t, ReasonClamped, v.Reason)
	assert.Equal(t, 100.0, out.Value)
	assert.Equal(t, hitch.ID, out.ID)
	assert.Equal(t, 140.0, hitch.Value, "original command untouched")
}

func TestEvaluateRateOfChange(t *testing.T) {
	g := enabledGate(t, DefaultPolicy())

	// First command has no baseline.
	v, _ := g.Evaluate(NewCommand("engine_speed_request", 1000, "op", t0), t0)
	require.True(t, v.Allowed)

	// 500 rpm/s: +400 after 0.5 s exceeds the 250 allowance.
	v, _ = g.Evaluate(NewCommand("engine_speed_request", 1400, "op", t0), t0.Add(500*time.Millisecond))
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonRateLimit, v.Reason)

	// Rejected value did not move the baseline.
	v, _ = g.Evaluate(NewCommand("engine_speed_request", 1400, "op", t0), t0.Add(time.Second))
	assert.True(t, v.Allowed)

	// Clamping rule limits the step instead of rejecting.
	v, out := g.Evaluate(NewCommand("rear_hitch_position_request", 20, "op", t0), t0)
	require.True(t, v.Allowed)
	assert.Equal(t, 20.0, out.Value)
	v, out = g.Evaluate(NewCommand("rear_hitch_position_request", 80, "op", t0), t0.Add(time.Second))
	assert.True(t, v.Allowed)
	assert.True(t, v.Clamped)
	assert.Equal(t, 45.0, out.Value)
	v, out = g.Evaluate(NewCommand("rear_hitch_position_request", 0, "op", t0), t0.Add(2*time.Second))
	assert.True(t, v.Clamped)
	assert.Equal(t, 20.0, out.Value)
}

func TestEmergencyStopRejectsEverything(t *testing.T) {
	g := enabledGate(t, DefaultPolicy())
	g.EmergencyStop("op")
	g.EmergencyStop("op") // idempotent
	assert.True(t, g.EmergencyStopped())

	for _, c := range []Command{
		NewCommand("engine_speed_request", 1500, "op", t0),
		NewCommand("rear_hitch_position_request", 50, "op", t0),
		NewCommand("unknown", 0, "op", t0),
		NewCommand("engine_speed_request", math.Inf(1), "op", t0),
	} {
		v, _ := g.Evaluate(c, t0)
		assert.False(t, v.Allowed, c.Name)
		assert.Equal(t, ReasonEmergencyStop, v.Reason, c.Name)
	}

	assert.ErrorIs(t, g.SetMasterEnable("op", true), ErrEmergencyStopLatched)
	assert.ErrorIs(t, g.ResetEmergencyStop("op"), ErrMasterEnabled, "master enable still asserted from before the stop")

	require.NoError(t, g.SetMasterEnable("op", false))
	require.NoError(t, g.ResetEmergencyStop("op"))
	assert.False(t, g.EmergencyStopped())
	v, _ := g.Evaluate(NewCommand("engine_speed_request", 1500, "op", t0), t0)
	assert.Equal(t, ReasonMasterDisabled, v.Reason, "reset does not re-enable")

	require.NoError(t, g.SetMasterEnable("op", true))
	v, _ = g.Evaluate(NewCommand("engine_speed_request", 2400, "op", t0), t0)
	assert.True(t, v.Allowed, "rate history cleared by reset")
}

func TestEmergencyStopConcurrentWithCommands(t *testing.T) {
	g := enabledGate(t, Policy{Commands: map[string]CommandRule{"x": {Min: 0, Max: 10}}})
	var wg sync.WaitGroup
	stopped := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				select {
				case <-stopped:
					v, _ := g.Evaluate(NewCommand("x", 1, "op", t0), t0)
					if v.Allowed {
						t.Errorf("command allowed after emergency stop")
					}
				default:
					g.Evaluate(NewCommand("x", 1, "op", t0), t0)
				}
			}
		}()
	}
	g.EmergencyStop("op")
	close(stopped)
	wg.Wait()
}

func TestClassify(t *testing.T) {
	g := NewGate(DefaultPolicy(), WithLogger(logging.Discard()))
	sig := func(name string, v float64) codec.Signal {
		return codec.Signal{Name: name, Value: v, Valid: true, Status: codec.StatusValid}
	}

	s, v := g.Classify(sig("engine_speed", 1000))
	assert.True(t, v.Allowed)
	assert.Equal(t, LevelNone, v.Level)
	assert.True(t, s.Valid)

	_, v = g.Classify(sig("engine_speed", 2250))
	assert.Equal(t, LevelWarning, v.Level)
	_, v = g.Classify(sig("engine_speed", 2350))
	assert.Equal(t, LevelCritical, v.Level)

	_, v = g.Classify(sig("fuel_level", 15))
	assert.Equal(t, LevelWarning, v.Level)
	_, v = g.Classify(sig("fuel_level", 8))
	assert.Equal(t, LevelCritical, v.Level)
	_, v = g.Classify(sig("fuel_level", 60))
	assert.Equal(t, LevelNone, v.Level)

	s, v = g.Classify(sig("engine_speed", 9000))
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonImplausible, v.Reason)
	assert.False(t, s.Valid)
	assert.Equal(t, codec.StatusImplausible, s.Status)
	assert.True(t, math.IsNaN(s.Value))

	na := codec.Signal{Name: "engine_speed", Value: math.NaN(), Status: codec.StatusNotAvailable}
	s, v = g.Classify(na)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonNotAvailable, v.Reason)
	assert.False(t, s.Valid)

	_, v = g.Classify(sig("no_rule_here", -1e9))
	assert.True(t, v.Allowed)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	bad := Policy{Commands: map[string]CommandRule{"x": {Min: 5, Max: 1}}}
	assert.Error(t, bad.Validate())
	bad = Policy{Commands: map[string]CommandRule{"x": {Min: 0, Max: 1, MaxRate: -1}}}
	assert.Error(t, bad.Validate())
	bad = Policy{Signals: map[string]SignalRule{"x": {Min: F(2), Max: F(1)}}}
	assert.Error(t, bad.Validate())
}

func TestGatePolicyIsolated(t *testing.T) {
	p := DefaultPolicy()
	g := NewGate(p, WithLogger(logging.Discard()))
	p.Commands["engine_speed_request"] = CommandRule{Min: 0, Max: 99999}
	require.NoError(t, g.SetMasterEnable("op", true))
	v, _ := g.Evaluate(NewCommand("engine_speed_request", 5000, "op", t0), t0)
	assert.False(t, v.Allowed, "gate must not see later mutations of the caller's policy")
}
