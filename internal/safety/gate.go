// Package safety decides whether inbound signals are plausible and whether
// outbound commands may reach the equipment.
package safety

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/kstaniek/go-equip-server/internal/metrics"
)

var (
	ErrEmergencyStopLatched = errors.New("emergency stop latched")
	ErrMasterEnabled        = errors.New("master enable still asserted")
)

type accepted struct {
	value float64
	at    time.Time
}

// Gate evaluates commands against a Policy. The emergency stop latch is an
// atomic so it preempts any command already waiting for the gate.
type Gate struct {
	policy Policy
	log    *slog.Logger

	estop   atomic.Bool
	enabled atomic.Bool

	mu   sync.Mutex
	last map[string]accepted
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(l *slog.Logger) GateOption { return func(g *Gate) { g.log = l } }

// NewGate returns a gate with the master enable de-asserted.
func NewGate(p Policy, opts ...GateOption) *Gate {
	g := &Gate{policy: p.Clone(), last: make(map[string]accepted)}
	for _, o := range opts {
		o(g)
	}
	if g.log == nil {
		g.log = logging.Component("safety")
	}
	return g
}

// Policy returns a copy of the active policy.
func (g *Gate) Policy() Policy { return g.policy.Clone() }

// EmergencyStopped reports whether the latch is set.
func (g *Gate) EmergencyStopped() bool { return g.estop.Load() }

// MasterEnabled reports the master enable flag.
func (g *Gate) MasterEnabled() bool { return g.enabled.Load() }

// EmergencyStop latches the stop. Idempotent; never fails.
func (g *Gate) EmergencyStop(principal string) {
	if g.estop.CompareAndSwap(false, true) {
		metrics.SetEmergencyStop(true)
		g.log.Warn("emergency_stop_latched", "principal", principal)
	}
}

// ResetEmergencyStop clears the latch. The master enable must be de-asserted
// first; rate history is discarded so the next command has no baseline.
func (g *Gate) ResetEmergencyStop(principal string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled.Load() {
		return ErrMasterEnabled
	}
	if g.estop.CompareAndSwap(true, false) {
		clear(g.last)
		metrics.SetEmergencyStop(false)
		g.log.Info("emergency_stop_cleared", "principal", principal)
	}
	return nil
}

// SetMasterEnable asserts or de-asserts the actuator master enable.
// Asserting is refused while the emergency stop is latched.
func (g *Gate) SetMasterEnable(principal string, on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if on && g.estop.Load() {
		return ErrEmergencyStopLatched
	}
	if g.enabled.Swap(on) != on {
		g.log.Info("master_enable", "principal", principal, "enabled", on)
	}
	return nil
}

// Evaluate decides a command at time now. The returned Command carries the
// effective (possibly clamped) value; it is only meaningful when allowed.
// Checks run in order: emergency stop, master enable, rule, finiteness,
// range, rate of change.
func (g *Gate) Evaluate(cmd Command, now time.Time) (Verdict, Command) {
	v, out := g.evaluate(cmd, now)
	metrics.IncCommand(string(v.Reason), v.Allowed)
	if !v.Allowed {
		g.log.Warn("command_rejected", "command", cmd.Name, "id", cmd.ID, "principal", cmd.Principal, "value", cmd.Value, "reason", v.Reason)
	} else if v.Clamped {
		g.log.Info("command_clamped", "command", cmd.Name, "id", cmd.ID, "requested", cmd.Value, "value", v.Value)
	}
	return v, out
}

func (g *Gate) evaluate(cmd Command, now time.Time) (Verdict, Command) {
	if g.estop.Load() {
		return reject(ReasonEmergencyStop, finite(cmd.Value)), cmd
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	// Re-check under the lock: a stop may have landed while we waited.
	if g.estop.Load() {
		return reject(ReasonEmergencyStop, finite(cmd.Value)), cmd
	}
	if !g.enabled.Load() {
		return reject(ReasonMasterDisabled, finite(cmd.Value)), cmd
	}
	rule, ok := g.policy.Commands[cmd.Name]
	if !ok {
		return reject(ReasonNoRule, finite(cmd.Value)), cmd
	}
	if math.IsNaN(cmd.Value) || math.IsInf(cmd.Value, 0) {
		return reject(ReasonNotFinite, 0), cmd
	}

	val := cmd.Value
	clamped := false
	if val < rule.Min || val > rule.Max {
		if !rule.Clamp {
			return reject(ReasonOutOfRange, val), cmd
		}
		val = math.Min(math.Max(val, rule.Min), rule.Max)
		clamped = true
	}
	if prev, ok := g.last[cmd.Name]; ok && rule.MaxRate > 0 {
		dt := now.Sub(prev.at).Seconds()
		if dt < 0 {
			dt = 0
		}
		step := rule.MaxRate * dt
		if d := val - prev.value; math.Abs(d) > step {
			if !rule.Clamp {
				return reject(ReasonRateLimit, val), cmd
			}
			val = prev.value + math.Copysign(step, d)
			clamped = true
		}
	}

	g.last[cmd.Name] = accepted{value: val, at: now}
	out := cmd.WithValue(val)
	if clamped {
		return Verdict{Allowed: true, Reason: ReasonClamped, Value: val, Clamped: true}, out
	}
	return Verdict{Allowed: true, Reason: ReasonOK, Value: val}, out
}

// Classify checks an inbound signal against its rule. Invalid signals stay
// invalid; values outside [Min, Max] become implausible. Thresholds only set
// the alert level.
func (g *Gate) Classify(s codec.Signal) (codec.Signal, Verdict) {
	if !s.Valid {
		r := ReasonNotAvailable
		if s.Status == codec.StatusImplausible {
			r = ReasonImplausible
		}
		return s, Verdict{Allowed: false, Reason: r}
	}
	rule, ok := g.policy.Signals[s.Name]
	if !ok || s.State != "" {
		return s, Verdict{Allowed: true, Reason: ReasonOK, Value: s.Value}
	}
	if (rule.Min != nil && s.Value < *rule.Min) || (rule.Max != nil && s.Value > *rule.Max) {
		g.log.Debug("signal_implausible", "signal", s.Name, "value", s.Value)
		return s.Invalidate(codec.StatusImplausible), Verdict{Allowed: false, Reason: ReasonImplausible}
	}
	v := Verdict{Allowed: true, Reason: ReasonOK, Value: s.Value}
	switch {
	case crossed(rule.Critical, s.Value, rule.Low):
		v.Level = LevelCritical
	case crossed(rule.Warn, s.Value, rule.Low):
		v.Level = LevelWarning
	}
	return s, v
}

func crossed(th *float64, v float64, low bool) bool {
	if th == nil {
		return false
	}
	if low {
		return v <= *th
	}
	return v >= *th
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
