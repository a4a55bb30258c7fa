package safety

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reason is the stable cause attached to a verdict.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonClamped        Reason = "clamped"
	ReasonEmergencyStop  Reason = "emergency_stop"
	ReasonMasterDisabled Reason = "master_disabled"
	ReasonNoRule         Reason = "no_rule"
	ReasonNotFinite      Reason = "not_finite"
	ReasonOutOfRange     Reason = "out_of_range"
	ReasonRateLimit      Reason = "rate_limit"
	ReasonNotAvailable   Reason = "not_available"
	ReasonImplausible    Reason = "implausible"

	// ReasonNotSent marks a command the gate allowed but that never reached
	// the equipment (encode or transport failure).
	ReasonNotSent Reason = "not_sent"
)

// Level is the alert level of an inbound signal.
type Level string

const (
	LevelNone     Level = ""
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// ErrCommandRejected matches every CommandRejectedError.
var ErrCommandRejected = errors.New("command rejected")

// CommandRejectedError carries the reason a command was refused.
type CommandRejectedError struct {
	Command string
	Reason  Reason
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrCommandRejected, e.Command, e.Reason)
}

func (e *CommandRejectedError) Is(target error) bool { return target == ErrCommandRejected }

// Command is a request to change equipment state. It is a value; clamping
// produces a new Command.
type Command struct {
	ID        uuid.UUID
	Name      string
	Value     float64
	Principal string
	Time      time.Time
}

// NewCommand stamps a fresh id.
func NewCommand(name string, value float64, principal string, now time.Time) Command {
	return Command{ID: uuid.New(), Name: name, Value: value, Principal: principal, Time: now}
}

// WithValue returns a copy with a different value and the same id.
func (c Command) WithValue(v float64) Command {
	c.Value = v
	return c
}

// Verdict is the gate's decision for a command or classification of a signal.
type Verdict struct {
	Allowed bool    `json:"allowed"`
	Reason  Reason  `json:"reason"`
	Value   float64 `json:"value"` // effective value after clamping
	Clamped bool    `json:"clamped,omitempty"`
	Level   Level   `json:"level,omitempty"`
}

// Err returns nil for allowed verdicts and a *CommandRejectedError otherwise.
func (v Verdict) Err(command string) error {
	if v.Allowed {
		return nil
	}
	return &CommandRejectedError{Command: command, Reason: v.Reason}
}

func reject(r Reason, value float64) Verdict {
	return Verdict{Allowed: false, Reason: r, Value: value}
}
