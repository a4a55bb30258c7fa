// Package telemetry holds the records the session publishes: the JSON form
// sent to feed clients, the latest value per signal and a bounded history.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/safety"
)

// Record is one classified signal.
type Record struct {
	Name      string
	Value     float64
	State     string
	Unit      string
	Valid     bool
	Status    codec.Status
	Level     safety.Level
	Source    codec.Source
	Timestamp time.Time
}

// FromSignal pairs a classified signal with its alert level.
func FromSignal(s codec.Signal, v safety.Verdict) Record {
	return Record{
		Name:      s.Name,
		Value:     s.Value,
		State:     s.State,
		Unit:      s.Unit,
		Valid:     s.Valid,
		Status:    s.Status,
		Level:     v.Level,
		Source:    s.Source,
		Timestamp: s.Timestamp,
	}
}

// Names of the records a DM1 message expands into.
const (
	NameDTC      = "dtc"
	NameDTCCount = "active_dtc_count"
)

// Key identifies the signal a record belongs to. Trouble codes are keyed
// per reporting address and SPN so each active code keeps its own slot.
func (r Record) Key() string {
	if r.Name == NameDTC {
		return dtcPrefix(r.Source.Address) + strconv.FormatUint(uint64(r.Source.SPN), 10)
	}
	return r.Name
}

func dtcPrefix(addr uint8) string {
	return NameDTC + ":" + strconv.FormatUint(uint64(addr), 10) + ":"
}

func (r Record) String() string {
	if !r.Valid {
		return fmt.Sprintf("%s=<%s>", r.Name, r.Status)
	}
	if r.State != "" {
		return fmt.Sprintf("%s=%s", r.Name, r.State)
	}
	return fmt.Sprintf("%s=%g%s", r.Name, r.Value, r.Unit)
}

type wireRecord struct {
	Name   string       `json:"name"`
	Value  *float64     `json:"value"`
	State  string       `json:"state,omitempty"`
	Unit   string       `json:"unit,omitempty"`
	Valid  bool         `json:"valid"`
	Status codec.Status `json:"status"`
	Level  safety.Level `json:"level,omitempty"`
	Source codec.Source `json:"source"`
	TS     time.Time    `json:"ts"`
}

// MarshalJSON writes value as null when the record is invalid, so NaN never
// reaches the wire.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		Name: r.Name, State: r.State, Unit: r.Unit, Valid: r.Valid,
		Status: r.Status, Level: r.Level, Source: r.Source, TS: r.Timestamp,
	}
	if r.Valid && !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0) {
		v := r.Value
		w.Value = &v
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores NaN for a null value.
func (r *Record) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Record{
		Name: w.Name, Value: math.NaN(), State: w.State, Unit: w.Unit, Valid: w.Valid,
		Status: w.Status, Level: w.Level, Source: w.Source, Timestamp: w.TS,
	}
	if w.Value != nil {
		r.Value = *w.Value
	}
	return nil
}
