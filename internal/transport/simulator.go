package transport

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/j1939"
	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/kstaniek/go-equip-server/internal/metrics"
)

// SimulatorConfig tunes a Simulator. Zero values pick the defaults noted.
type SimulatorConfig struct {
	// Seed makes the generated sequence reproducible.
	Seed uint64
	// Interval paces Receive; zero returns frames as fast as they are read.
	Interval time.Duration
	// Codec supplies the tables used to encode frames (default tables).
	Codec *codec.Codec
	// Address is the engine ECU source address (0x00).
	Address uint8
	// DM1Every is the number of cycles between DM1 broadcasts (10).
	DM1Every int
	// DTCs are the active trouble codes reported in DM1. Two or more make
	// the DM1 a multi-packet BAM.
	DTCs []codec.DTC
	// RecordSent keeps every frame handed to Send for Sent. Off in the
	// daemon, where the simulator runs for the process lifetime.
	RecordSent bool
	Now        func() time.Time
	Logger *slog.Logger
}

// DefaultDTCs are reported when SimulatorConfig.DTCs is nil.
var DefaultDTCs = []codec.DTC{
	{SPN: 110, FMI: 16, OC: 3},  // coolant temperature above normal
	{SPN: 1762, FMI: 18, OC: 1}, // hydraulic pressure below normal
}

// Initial simulated operating point.
const (
	simIdleSpeed    = 850.0
	simWorkSpeed    = 1500.0
	simSpeedSlew    = 150.0 // rpm per cycle
	simHitchSlew    = 4.0   // % per cycle
	simCoolant      = 85.0
	simFuel         = 72.0
	simFuelBurn     = 0.01
	simHydPressure  = 16000.0
	simPTOSpeed     = 540.0
	simGroundSpeed  = 8.0
	simSeedRate     = 12.0
	simWorkingDepth = 6.5
)

type simState struct {
	speed, target       float64
	coolant             float64
	fuel                float64
	hitch, hitchTarget  float64
	ground              float64
	hydPressure, hydTmp float64
	hours, area         float64
}

// Simulator is an in-process tractor: an endless, deterministic stream of
// J1939 broadcasts, Modbus implement blocks and a periodic DM1, with OBD-II
// mode 01 answers and TSC1/hitch commands fed back into its state.
type Simulator struct {
	cfg   SimulatorConfig
	log   *slog.Logger
	noise distuv.Normal

	mu    sync.Mutex
	st    simState
	queue []can.Frame
	cycle int
	sent  []can.Frame

	closed atomic.Bool
	done   chan struct{}
}

// NewSimulator builds a simulator; it needs no Open handshake but Open is
// harmless.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Codec == nil {
		cfg.Codec = codec.MustDefault()
	}
	if cfg.DM1Every <= 0 {
		cfg.DM1Every = 10
	}
	if cfg.DTCs == nil {
		cfg.DTCs = DefaultDTCs
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("simulator")
	}
	return &Simulator{
		cfg:   cfg,
		log:   cfg.Logger,
		noise: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)},
		st: simState{
			speed: simIdleSpeed, target: simWorkSpeed,
			coolant: simCoolant - 20, fuel: simFuel,
			hitch: 80, hitchTarget: 80,
			ground: simGroundSpeed, hydPressure: simHydPressure, hydTmp: 45,
			hours: 1234.5,
		},
		done: make(chan struct{}),
	}
}

func (s *Simulator) Kind() Kind { return KindSimulator }

func (s *Simulator) Open(ctx context.Context) error {
	if s.closed.Load() {
		return ErrDisconnected
	}
	return ctx.Err()
}

// Send consumes a frame addressed to the simulated tractor. OBD requests are
// answered on the next Receive; known commands steer the state.
func (s *Simulator) Send(ctx context.Context, fr can.Frame) error {
	if s.closed.Load() {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.RecordSent {
		s.sent = append(s.sent, fr)
	}
	metrics.IncTx(KindSimulator.String())
	if pid, ok := codec.ParseOBDRequest(fr); ok {
		s.answerOBD(pid)
		return nil
	}
	if !fr.Extended() {
		return nil
	}
	id := j1939.ParseID(fr.ID())
	switch id.PGN {
	case codec.PGNTSC1:
		if id.Destination != s.cfg.Address && id.Destination != j1939.AddrGlobal {
			return nil
		}
		raw := uint16(fr.Byte(1)) | uint16(fr.Byte(2))<<8
		if raw <= 0xFAFF {
			s.st.target = float64(raw) * 0.125
			s.log.Debug("sim_speed_request", "rpm", s.st.target)
		}
	case codec.PGNHitchCmd:
		if raw := fr.Byte(0); raw <= 250 {
			s.st.hitchTarget = float64(raw) * 0.4
			s.log.Debug("sim_hitch_request", "percent", s.st.hitchTarget)
		}
	}
	return nil
}

// Receive returns the next frame, generating a new cycle when the queue runs
// dry. It blocks only for the configured interval.
func (s *Simulator) Receive(ctx context.Context) (can.Frame, error) {
	if s.closed.Load() {
		return can.Frame{}, ErrDisconnected
	}
	if s.cfg.Interval > 0 {
		t := time.NewTimer(s.cfg.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return can.Frame{}, ctx.Err()
		case <-s.done:
			t.Stop()
			return can.Frame{}, ErrDisconnected
		}
	} else if err := ctx.Err(); err != nil {
		return can.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return can.Frame{}, ErrDisconnected
	}
	for len(s.queue) == 0 {
		s.step()
	}
	fr := s.queue[0]
	s.queue = s.queue[1:]
	metrics.IncRx(KindSimulator.String())
	return fr.WithTimestamp(s.cfg.Now(), can.SourceSimulator), nil
}

// Close is idempotent.
func (s *Simulator) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	return nil
}

// Sent returns a copy of every frame handed to Send. It is empty unless
// SimulatorConfig.RecordSent is set.
func (s *Simulator) Sent() []can.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]can.Frame(nil), s.sent...)
}

// TargetSpeed reports the engine speed the simulator is steering towards.
func (s *Simulator) TargetSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.target
}

func (s *Simulator) n(sigma float64) float64 { return s.noise.Rand() * sigma }

func approach(v, target, slew float64) float64 {
	d := target - v
	if math.Abs(d) <= slew {
		return target
	}
	return v + math.Copysign(slew, d)
}

func bound(v, lo, hi float64) float64 { return math.Min(math.Max(v, lo), hi) }

// step advances the model one cycle and queues its frames.
func (s *Simulator) step() {
	st := &s.st
	s.cycle++
	st.speed = bound(approach(st.speed, st.target, simSpeedSlew)+s.n(5), 0, 3000)
	load := bound((st.speed-simIdleSpeed)/20+30+s.n(1), 0, 100)
	st.coolant = bound(approach(st.coolant, simCoolant, 0.5)+s.n(0.2), -40, 150)
	st.fuel = bound(st.fuel-simFuelBurn, 0, 100)
	st.hitch = bound(approach(st.hitch, st.hitchTarget, simHitchSlew), 0, 100)
	st.ground = bound(simGroundSpeed+s.n(0.2), 0, 40)
	st.hydPressure = bound(simHydPressure+s.n(150), 0, 25000)
	st.hydTmp = bound(approach(st.hydTmp, 60, 0.1), -40, 150)
	st.hours += 0.05
	inWork := 0.0
	if st.hitch < 50 {
		inWork = 1
		st.area += st.ground * 0.003 / 36 // 3 m working width
	}

	s.group(codec.PGNEEC1, map[string]float64{
		"engine_torque_mode":   1,
		"driver_demand_torque": math.Round(load),
		"actual_engine_torque": math.Round(load),
		"engine_speed":         st.speed,
	})
	s.group(codec.PGNET1, map[string]float64{
		"coolant_temperature":    math.Round(st.coolant),
		"fuel_temperature":       40,
		"engine_oil_temperature": st.coolant + 5,
	})
	s.group(codec.PGNEFLP1, map[string]float64{"engine_oil_pressure": 400})
	s.group(codec.PGNDash, map[string]float64{"fuel_level": st.fuel})
	s.group(codec.PGNVehFluids, map[string]float64{
		"hydraulic_temperature": math.Round(st.hydTmp),
		"hydraulic_pressure":    st.hydPressure,
	})
	s.group(codec.PGNRearHitch, map[string]float64{"rear_hitch_position": st.hitch, "rear_hitch_in_work": inWork})
	s.group(codec.PGNCCVS, map[string]float64{"parking_brake": 0, "vehicle_speed": st.ground})
	s.group(codec.PGNRearPTO, map[string]float64{"rear_pto_speed": simPTOSpeed * st.speed / 2100})
	s.modbus(map[string]float64{
		"implement_depth": simWorkingDepth + s.n(0.3),
		"seed_rate":       simSeedRate,
		"applied_area":    st.area,
	})
	if s.cycle%s.cfg.DM1Every == 0 {
		s.group(codec.PGNEngineHours, map[string]float64{"engine_hours": st.hours})
		s.dm1()
	}
}

func (s *Simulator) group(pgn uint32, values map[string]float64) {
	fr, err := s.cfg.Codec.EncodeGroup(pgn, values, s.cfg.Address, j1939.AddrGlobal, time.Time{})
	if err != nil {
		s.log.Debug("sim_encode_failed", "pgn", pgn, "error", err)
		return
	}
	s.queue = append(s.queue, fr)
}

func (s *Simulator) modbus(values map[string]float64) {
	blocks := s.cfg.Codec.Tables().Modbus
	if len(blocks) == 0 {
		return
	}
	fr, err := s.cfg.Codec.EncodeModbus(blocks[0].Name, values, time.Time{}, can.SourceSimulator)
	if err != nil {
		s.log.Debug("sim_encode_failed", "block", blocks[0].Name, "error", err)
		return
	}
	s.queue = append(s.queue, fr)
}

func (s *Simulator) dm1() {
	amber := 0.0
	if len(s.cfg.DTCs) > 0 {
		amber = 1
	}
	p, err := s.cfg.Codec.EncodeDM1(map[string]float64{
		"protect_lamp": 0, "amber_warning_lamp": amber, "red_stop_lamp": 0, "malfunction_lamp": 0,
	}, s.cfg.DTCs)
	if err != nil {
		s.log.Debug("sim_encode_failed", "pgn", codec.PGNDM1, "error", err)
		return
	}
	if len(p) <= can.MaxDataLen {
		fr, err := j1939.BuildFrame(j1939.ID{Priority: j1939.DefaultPriority, PGN: codec.PGNDM1, Source: s.cfg.Address, Destination: j1939.AddrGlobal}, p, time.Time{}, can.SourceSimulator)
		if err == nil {
			s.queue = append(s.queue, fr)
		}
		return
	}
	frames, err := j1939.Segment(j1939.Key{Source: s.cfg.Address, Destination: j1939.AddrGlobal, PGN: codec.PGNDM1}, p, j1939.DefaultPriority, time.Time{}, can.SourceSimulator)
	if err != nil {
		s.log.Debug("sim_segment_failed", "error", err)
		return
	}
	s.queue = append(s.queue, frames...)
}

// answerOBD queues the response ahead of the broadcast backlog.
func (s *Simulator) answerOBD(pid uint8) {
	st := &s.st
	var v float64
	switch pid {
	case 0x04, 0x11:
		v = bound((st.speed-simIdleSpeed)/20+30, 0, 100)
	case 0x05:
		v = math.Round(st.coolant)
	case 0x0C:
		v = st.speed
	case 0x0D:
		v = math.Round(st.ground)
	case 0x0F:
		v = 25
	case 0x1F:
		v = float64(s.cycle)
	case 0x2F:
		v = st.fuel
	case 0x5C:
		v = math.Round(st.coolant + 5)
	case 0x5E:
		v = 4 + st.speed/200
	default:
		return // unsupported PIDs get no answer
	}
	fr, err := s.cfg.Codec.EncodeOBDResponse(pid, v, 0, time.Time{}, can.SourceSimulator)
	if err != nil {
		s.log.Debug("sim_obd_failed", "pid", pid, "error", err)
		return
	}
	s.queue = append([]can.Frame{fr}, s.queue...)
}
