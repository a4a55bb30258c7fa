package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/safety"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(name string, v float64, ts time.Time) Record {
	return Record{Name: name, Value: v, Valid: true, Status: codec.StatusValid, Timestamp: ts}
}

func TestStoreLatestAndSnapshot(t *testing.T) {
	s := NewStore(0)
	s.Put(rec("fuel_level", 70, t0))
	s.Put(rec("engine_speed", 900, t0))
	s.Put(rec("engine_speed", 1200, t0.Add(time.Second)))

	r, ok := s.Latest("engine_speed")
	require.True(t, ok)
	assert.Equal(t, 1200.0, r.Value)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "engine_speed", snap[0].Name)
	assert.Equal(t, "fuel_level", snap[1].Name)

	s.Reset()
	assert.Empty(t, s.Snapshot())
	_, ok = s.Latest("engine_speed")
	assert.False(t, ok)
}

func dtcRec(sa uint8, spn uint32) Record {
	return Record{
		Name: NameDTC, Value: float64(spn), State: fmt.Sprintf("spn=%d fmi=16 oc=1", spn), Valid: true,
		Source: codec.Source{Kind: codec.KindJ1939, Address: sa, PGN: codec.PGNDM1, SPN: spn},
	}
}

func dtcCount(sa uint8, n int) Record {
	return Record{
		Name: NameDTCCount, Value: float64(n), Valid: true,
		Source: codec.Source{Kind: codec.KindJ1939, Address: sa, PGN: codec.PGNDM1},
	}
}

func TestStoreDTCKeyedByAddressAndSPN(t *testing.T) {
	s := NewStore(4)
	s.Put(dtcRec(0, 110))
	s.Put(dtcRec(0, 1762))
	s.Put(dtcRec(3, 110))
	for _, k := range []string{"dtc:0:110", "dtc:0:1762", "dtc:3:110"} {
		_, ok := s.Latest(k)
		assert.True(t, ok, k)
	}
	assert.Len(t, s.Snapshot(), 3)
}

func TestStoreDTCFaultThenClear(t *testing.T) {
	s := NewStore(4)
	s.Put(dtcCount(0, 2))
	s.Put(dtcRec(0, 110))
	s.Put(dtcRec(0, 1762))
	s.Put(dtcCount(3, 1))
	s.Put(dtcRec(3, 97))

	// Address 0 now reports only 1762.
	s.Put(dtcCount(0, 1))
	s.Put(dtcRec(0, 1762))
	_, ok := s.Latest("dtc:0:110")
	assert.False(t, ok, "cleared code leaves the snapshot")
	assert.Nil(t, s.History("dtc:0:110"))
	_, ok = s.Latest("dtc:0:1762")
	assert.True(t, ok)

	// Then nothing at all.
	s.Put(dtcCount(0, 0))
	var names []string
	for _, r := range s.Snapshot() {
		names = append(names, r.Key())
	}
	assert.Equal(t, []string{"active_dtc_count", "dtc:3:97"}, names, "other ECUs keep their codes")
	r, _ := s.Latest(NameDTCCount)
	assert.Zero(t, r.Value)
}

func TestHistoryBoundedOldestFirst(t *testing.T) {
	s := NewStore(3)
	assert.Nil(t, s.History("x"))
	for i := range 2 {
		s.Put(rec("x", float64(i), t0))
	}
	vals := func() []float64 {
		var out []float64
		for _, r := range s.History("x") {
			out = append(out, r.Value)
		}
		return out
	}
	assert.Equal(t, []float64{0, 1}, vals())
	for i := 2; i < 7; i++ {
		s.Put(rec("x", float64(i), t0))
	}
	if diff := cmp.Diff([]float64{4, 5, 6}, vals()); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreConcurrent(t *testing.T) {
	s := NewStore(16)
	var wg sync.WaitGroup
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				s.Put(rec(fmt.Sprintf("sig%d", g), float64(i), t0))
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, s.Snapshot(), 4)
	assert.Len(t, s.History("sig0"), 16)
}

func TestRecordJSON(t *testing.T) {
	r := FromSignal(codec.Signal{
		Name: "engine_speed", Value: 2300, Unit: "rpm", Valid: true, Status: codec.StatusValid,
		Source: codec.Source{Kind: codec.KindJ1939, PGN: 61444, SPN: 190}, Timestamp: t0,
	}, safety.Verdict{Allowed: true, Level: safety.LevelWarning})
	b, err := json.Marshal(r)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, 2300.0, m["value"])
	assert.Equal(t, "warning", m["level"])
	assert.Equal(t, "valid", m["status"])

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, r.Value, back.Value)
	assert.True(t, back.Timestamp.Equal(t0))

	inv := r
	inv.Valid = false
	inv.Value = math.NaN()
	inv.Status = codec.StatusNotAvailable
	b, err = json.Marshal(inv)
	require.NoError(t, err, "NaN must not break encoding")
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Nil(t, m["value"])
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, math.IsNaN(back.Value))
	assert.False(t, back.Valid)
}

func TestTee(t *testing.T) {
	s := NewStore(2)
	var got []string
	Tee{s, SinkFunc(func(r Record) { got = append(got, r.Name) })}.Emit(rec("a", 1, t0))
	assert.Equal(t, []string{"a"}, got)
	_, ok := s.Latest("a")
	assert.True(t, ok)
}
