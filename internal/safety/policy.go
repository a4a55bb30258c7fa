package safety

import (
	"fmt"
	"math"
)

// SignalRule is the plausibility envelope and alert thresholds for one
// inbound signal. Nil bounds are not checked.
type SignalRule struct {
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
	Warn     *float64 `yaml:"warn,omitempty"`
	Critical *float64 `yaml:"critical,omitempty"`
	// Low flips the thresholds: alert when the value drops to or below them.
	Low bool `yaml:"low,omitempty"`
}

// CommandRule is the envelope for one outbound command. A command with no
// rule is never sent.
type CommandRule struct {
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Clamp bool    `yaml:"clamp"`
	// MaxRate bounds the change from the last accepted value, in units per
	// second. Zero disables the check.
	MaxRate float64 `yaml:"max_rate"`
}

// Policy is immutable once handed to a Gate.
type Policy struct {
	Signals  map[string]SignalRule  `yaml:"signals"`
	Commands map[string]CommandRule `yaml:"commands"`
}

// F returns a pointer to v, for building rules in code.
func F(v float64) *float64 { return &v }

// Validate checks rule consistency.
func (p Policy) Validate() error {
	for name, r := range p.Signals {
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("signal %q: min %v > max %v", name, *r.Min, *r.Max)
		}
		for _, v := range []*float64{r.Min, r.Max, r.Warn, r.Critical} {
			if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
				return fmt.Errorf("signal %q: non-finite bound", name)
			}
		}
	}
	for name, r := range p.Commands {
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min > r.Max {
			return fmt.Errorf("command %q: bad range [%v, %v]", name, r.Min, r.Max)
		}
		if r.MaxRate < 0 || math.IsNaN(r.MaxRate) {
			return fmt.Errorf("command %q: max_rate %v must be >= 0", name, r.MaxRate)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a policy in use.
func (p Policy) Clone() Policy {
	out := Policy{
		Signals:  make(map[string]SignalRule, len(p.Signals)),
		Commands: make(map[string]CommandRule, len(p.Commands)),
	}
	for k, v := range p.Signals {
		out.Signals[k] = v
	}
	for k, v := range p.Commands {
		out.Commands[k] = v
	}
	return out
}

// DefaultPolicy is the built-in tractor envelope: engine speed commands are
// held to 800..2400 rpm, hitch commands are clamped to 0..100 %.
func DefaultPolicy() Policy {
	return Policy{
		Signals: map[string]SignalRule{
			"engine_speed":            {Min: F(0), Max: F(3500), Warn: F(2200), Critical: F(2350)},
			"engine_rpm":              {Min: F(0), Max: F(3500), Warn: F(2200), Critical: F(2350)},
			"coolant_temperature":     {Min: F(-40), Max: F(150), Warn: F(105), Critical: F(115)},
			"obd_coolant_temperature": {Min: F(-40), Max: F(150), Warn: F(105), Critical: F(115)},
			"engine_load":             {Min: F(0), Max: F(100), Warn: F(90), Critical: F(95)},
			"fuel_level":              {Min: F(0), Max: F(100), Warn: F(20), Critical: F(10), Low: true},
			"obd_fuel_level":          {Min: F(0), Max: F(100), Warn: F(20), Critical: F(10), Low: true},
			"vehicle_speed":           {Min: F(0), Max: F(50)},
			"hydraulic_pressure":      {Min: F(0), Max: F(25000), Warn: F(19300), Critical: F(20000)},
			"hydraulic_temperature":   {Min: F(-40), Max: F(150), Warn: F(90), Critical: F(95)},
			"rear_pto_speed":          {Min: F(0), Max: F(1100)},
			"rear_hitch_position":     {Min: F(0), Max: F(100)},
		},
		Commands: map[string]CommandRule{
			"engine_speed_request":        {Min: 800, Max: 2400, MaxRate: 500},
			"rear_hitch_position_request": {Min: 0, Max: 100, Clamp: true, MaxRate: 25},
		},
	}
}
