// Package session ties one transport to the decode, reassembly and safety
// pipeline. A Session lives for exactly one connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/j1939"
	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/kstaniek/go-equip-server/internal/metrics"
	"github.com/kstaniek/go-equip-server/internal/safety"
	"github.com/kstaniek/go-equip-server/internal/telemetry"
	"github.com/kstaniek/go-equip-server/internal/transport"
)

var (
	ErrConnection            = errors.New("connection failed")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrNotConnected          = errors.New("session not connected")
	ErrSessionClosed         = errors.New("session closed")
)

// State is the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const defaultSendTimeout = 250 * time.Millisecond

// Config is consumed once by New.
type Config struct {
	Codec      *codec.Codec
	Policy     safety.Policy
	Reassembly j1939.ReassemblerConfig
	// Sink receives every record in emission order. It is called with the
	// pipeline lock held and must not block.
	Sink        telemetry.Sink
	SendTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

type counters struct {
	frames       atomic.Uint64
	signals      atomic.Uint64
	invalid      atomic.Uint64
	alerts       atomic.Uint64
	decodeErrors atomic.Uint64
	malformed    atomic.Uint64
	tpCompleted  atomic.Uint64
	tpAborted    atomic.Uint64
	sent         atomic.Uint64
	rejected     atomic.Uint64
}

// Session owns one transport, one reassembler and one safety gate. Frame
// processing and command issue share a single pipeline lock; the emergency
// stop and the closing flag are atomics so they preempt anything queued on it.
type Session struct {
	id    uuid.UUID
	codec *codec.Codec
	gate  *safety.Gate
	sink  telemetry.Sink
	log   *slog.Logger
	now   func() time.Time

	sendTimeout time.Duration

	state   atomic.Int32
	closing atomic.Bool

	mu          sync.Mutex
	tp          *j1939.Reassembler
	tr          transport.Transport
	kind        transport.Kind
	connectedAt time.Time
	cause       error

	n counters
}

// New validates the policy and builds a disconnected session.
func New(cfg Config) (*Session, error) {
	if cfg.Codec == nil {
		cfg.Codec = codec.MustDefault()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Reassembly.Now == nil {
		cfg.Reassembly.Now = cfg.Now
	}
	if cfg.Reassembly.Address == 0 {
		cfg.Reassembly.Address = cfg.Codec.Address()
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.SinkFunc(func(telemetry.Record) {})
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	id := uuid.New()
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("session")
	}
	log := cfg.Logger.With("session", id.String())
	return &Session{
		id:          id,
		codec:       cfg.Codec,
		gate:        safety.NewGate(cfg.Policy, safety.WithLogger(log)),
		sink:        cfg.Sink,
		log:         log,
		now:         cfg.Now,
		sendTimeout: cfg.SendTimeout,
		tp:          j1939.NewReassembler(cfg.Reassembly),
	}, nil
}

// ID identifies this session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	metrics.SetSessionState(int(st))
}

// handshake names what Open does for each link kind.
func handshake(k transport.Kind) string {
	switch k {
	case transport.KindSimulator:
		return "none"
	case transport.KindSocketCAN:
		return "bind"
	case transport.KindSerial:
		return "port_open"
	case transport.KindCannelloni:
		return "cannelloni_hello"
	}
	panic(fmt.Sprintf("session: unhandled transport kind %v", k))
}

// Connect opens t and moves the session to Connected. A failed handshake
// leaves the session Disconnected and reusable; a disconnected session is not.
func (s *Session) Connect(ctx context.Context, t transport.Transport) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if st := s.State(); st != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already %s", ErrConnection, st)
	}
	s.setState(StateConnecting)
	s.mu.Unlock()

	kind := t.Kind()
	s.log.Info("session_connecting", "transport", kind.String(), "handshake", handshake(kind))
	err := t.Open(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		_ = t.Close()
		s.setState(StateDisconnected)
		return ErrSessionClosed
	}
	if err != nil {
		_ = t.Close()
		s.setState(StateDisconnected)
		s.log.Warn("session_connect_failed", "transport", kind.String(), "error", err)
		return fmt.Errorf("%w: %s: %v", ErrConnection, kind, err)
	}
	s.tr = t
	s.kind = kind
	s.connectedAt = s.now()
	s.setState(StateConnected)
	s.log.Info("session_connected", "transport", kind.String())
	return nil
}

// Run pumps frames through the pipeline until ctx ends or the session
// closes. It returns nil after Disconnect and ErrTransportDisconnected when
// the link failed, in which case the session is closed.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil || s.State() != StateConnected {
		return ErrNotConnected
	}
	for fr, err := range transport.Frames(ctx, tr) {
		if err != nil {
			switch {
			case s.closing.Load():
				return s.closeCause()
			case ctx.Err() != nil:
				return ctx.Err()
			}
			return s.terminate(err)
		}
		if _, err := s.Process(ctx, fr); err != nil {
			s.log.Debug("frame_dropped", "frame", fr.String(), "error", err)
		}
	}
	return nil
}

// terminate ends the session after a transport failure and returns the
// error Run reports.
func (s *Session) terminate(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminateLocked(cause)
}

func (s *Session) terminateLocked(cause error) error {
	err := fmt.Errorf("%w: %v", ErrTransportDisconnected, cause)
	if !s.closing.CompareAndSwap(false, true) {
		return err
	}
	s.cause = err
	_ = s.closeLocked()
	s.log.Error("session_terminated", "error", cause)
	return err
}

// closeCause is nil after Disconnect and the transport error otherwise.
func (s *Session) closeCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Process runs one frame through the pipeline: expire stale reassembly
// contexts, reassemble or decode, classify, emit. Per-frame errors are
// returned for the caller to log; they never end the session. Once the
// session is closing frames are discarded with ErrNotConnected.
func (s *Session) Process(ctx context.Context, fr can.Frame) ([]telemetry.Record, error) {
	if s.closing.Load() {
		return nil, ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return nil, ErrNotConnected
	}
	s.n.frames.Add(1)

	s.account(ctx, s.tp.Expire(s.now()))

	var (
		sigs []codec.Signal
		err  error
	)
	if fr.Extended() && j1939.IsTP(j1939.ParseID(fr.ID()).PGN) {
		out, aerr := s.tp.Accept(fr)
		if aerr != nil {
			s.n.malformed.Add(1)
			metrics.IncMalformed()
			return nil, aerr
		}
		s.account(ctx, out)
		if m := out.Message; m != nil {
			sigs, err = s.codec.DecodeJ1939(m.PGN, m.Source, m.Data, m.Timestamp)
		}
	} else {
		sigs, err = s.codec.Decode(fr)
	}
	if err != nil {
		s.n.decodeErrors.Add(1)
		metrics.IncDecodeError()
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, nil
	}
	recs := make([]telemetry.Record, 0, len(sigs))
	for _, sig := range sigs {
		cs, v := s.gate.Classify(sig)
		rec := telemetry.FromSignal(cs, v)
		s.n.signals.Add(1)
		if !rec.Valid {
			s.n.invalid.Add(1)
		}
		metrics.IncSignal(string(rec.Status), rec.Valid)
		if rec.Level != safety.LevelNone {
			s.n.alerts.Add(1)
			s.log.Warn("signal_alert", "signal", rec.Name, "value", rec.Value, "unit", rec.Unit, "level", rec.Level)
		}
		s.sink.Emit(rec)
		recs = append(recs, rec)
	}
	return recs, nil
}

// account logs and counts a reassembly outcome and sends any protocol
// replies. Must hold s.mu.
func (s *Session) account(ctx context.Context, out j1939.Outcome) {
	if out.Started {
		metrics.IncTPStarted()
	}
	if out.Message != nil {
		s.n.tpCompleted.Add(1)
		metrics.IncTPCompleted()
	}
	for _, a := range out.Aborted {
		s.n.tpAborted.Add(1)
		metrics.IncTPAborted(string(a.Reason))
		s.log.Warn("reassembly_aborted", "pgn", a.Key.PGN, "source", a.Key.Source, "destination", a.Key.Destination, "reason", a.Reason)
	}
	if s.tr == nil {
		return
	}
	for _, r := range out.Replies {
		if err := s.send(ctx, r); err != nil {
			s.log.Warn("tp_reply_failed", "frame", r.String(), "error", err)
		}
	}
}

// send must hold s.mu.
func (s *Session) send(ctx context.Context, fr can.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	return s.tr.Send(ctx, fr)
}

// IssueCommand evaluates a command and, only when allowed, encodes and sends
// it. The returned verdict is authoritative: Allowed=false means the
// equipment was not touched.
func (s *Session) IssueCommand(ctx context.Context, name string, value float64, principal string) (safety.Verdict, error) {
	if s.closing.Load() {
		return safety.Verdict{Reason: safety.ReasonNotSent}, ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() || s.State() != StateConnected {
		return safety.Verdict{Reason: safety.ReasonNotSent}, ErrNotConnected
	}
	now := s.now()
	v, cmd := s.gate.Evaluate(safety.NewCommand(name, value, principal, now), now)
	if !v.Allowed {
		s.n.rejected.Add(1)
		return v, v.Err(name)
	}
	fr, err := s.codec.Encode(cmd.Name, cmd.Value, now)
	if err != nil {
		s.n.rejected.Add(1)
		s.log.Warn("command_encode_failed", "command", name, "id", cmd.ID, "value", cmd.Value, "error", err)
		return notSent(v), fmt.Errorf("command %s: %w", name, err)
	}
	// A stop or disconnect may have landed while the command was evaluated.
	if s.gate.EmergencyStopped() {
		s.n.rejected.Add(1)
		stop := safety.Verdict{Reason: safety.ReasonEmergencyStop, Value: v.Value}
		return stop, stop.Err(name)
	}
	if s.closing.Load() {
		return notSent(v), ErrNotConnected
	}
	if err := s.send(ctx, fr); err != nil {
		s.n.rejected.Add(1)
		metrics.IncError(metrics.ErrTransportSend)
		if errors.Is(err, transport.ErrDisconnected) {
			return notSent(v), s.terminateLocked(err)
		}
		return notSent(v), fmt.Errorf("command %s: %w", name, err)
	}
	s.n.sent.Add(1)
	s.log.Info("command_sent", "command", name, "id", cmd.ID, "principal", principal, "value", cmd.Value, "clamped", v.Clamped, "frame", fr.String())
	return v, nil
}

func notSent(v safety.Verdict) safety.Verdict {
	return safety.Verdict{Reason: safety.ReasonNotSent, Value: v.Value, Clamped: v.Clamped}
}

// QueryPID sends an OBD-II mode 01 request; the answer arrives through Run
// like any other frame.
func (s *Session) QueryPID(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() || s.State() != StateConnected {
		return ErrNotConnected
	}
	fr, err := s.codec.EncodeOBDRequest(name, s.now())
	if err != nil {
		return err
	}
	if err := s.send(ctx, fr); err != nil {
		if errors.Is(err, transport.ErrDisconnected) {
			return s.terminateLocked(err)
		}
		return err
	}
	return nil
}

// EmergencyStop latches the gate. It never waits for the pipeline and works
// in every state.
func (s *Session) EmergencyStop(principal string) { s.gate.EmergencyStop(principal) }

// EmergencyStopped reports the latch.
func (s *Session) EmergencyStopped() bool { return s.gate.EmergencyStopped() }

// ResetEmergencyStop clears the latch once the master enable is off.
func (s *Session) ResetEmergencyStop(principal string) error {
	return s.gate.ResetEmergencyStop(principal)
}

// SetMasterEnable asserts or releases the actuator master enable.
func (s *Session) SetMasterEnable(principal string, on bool) error {
	return s.gate.SetMasterEnable(principal, on)
}

// Disconnect closes the transport and discards every reassembly context.
// The closing flag is set before the lock is taken so commands already
// waiting on it are refused. Idempotent; the session cannot reconnect.
func (s *Session) Disconnect() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	dropped := s.tp.Reset()
	for range dropped {
		metrics.IncTPAborted(string(j1939.AbortSessionDown))
	}
	s.n.tpAborted.Add(uint64(dropped))
	var err error
	if s.tr != nil {
		err = s.tr.Close()
		s.tr = nil
	}
	s.setState(StateDisconnected)
	s.log.Info("session_disconnected", "discarded_contexts", dropped)
	return err
}

// Info is a point-in-time view of the session.
type Info struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	Transport        string    `json:"transport,omitempty"`
	ConnectedAt      time.Time `json:"connected_at,omitzero"`
	EmergencyStop    bool      `json:"emergency_stop"`
	MasterEnabled    bool      `json:"master_enabled"`
	Frames           uint64    `json:"frames"`
	Signals          uint64    `json:"signals"`
	InvalidSignals   uint64    `json:"invalid_signals"`
	Alerts           uint64    `json:"alerts"`
	DecodeErrors     uint64    `json:"decode_errors"`
	Malformed        uint64    `json:"malformed"`
	TPCompleted      uint64    `json:"tp_completed"`
	TPAborted        uint64    `json:"tp_aborted"`
	TPPending        int       `json:"tp_pending"`
	CommandsSent     uint64    `json:"commands_sent"`
	CommandsRejected uint64    `json:"commands_rejected"`
}

// Info reports connection state and counters.
func (s *Session) Info() Info {
	s.mu.Lock()
	pending := s.tp.Pending()
	connected := s.tr != nil
	kind, at := s.kind, s.connectedAt
	s.mu.Unlock()
	in := Info{
		ID:               s.id.String(),
		State:            s.State().String(),
		EmergencyStop:    s.gate.EmergencyStopped(),
		MasterEnabled:    s.gate.MasterEnabled(),
		Frames:           s.n.frames.Load(),
		Signals:          s.n.signals.Load(),
		InvalidSignals:   s.n.invalid.Load(),
		Alerts:           s.n.alerts.Load(),
		DecodeErrors:     s.n.decodeErrors.Load(),
		Malformed:        s.n.malformed.Load(),
		TPCompleted:      s.n.tpCompleted.Load(),
		TPAborted:        s.n.tpAborted.Load(),
		TPPending:        pending,
		CommandsSent:     s.n.sent.Load(),
		CommandsRejected: s.n.rejected.Load(),
	}
	if connected {
		in.Transport = kind.String()
		in.ConnectedAt = at
	}
	return in
}
