package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-equip-server/internal/safety"
	"github.com/kstaniek/go-equip-server/internal/session"
	"github.com/kstaniek/go-equip-server/internal/transport"
)

const (
	reconnectBackoffMin = 250 * time.Millisecond
	estopPrincipal      = "supervisor"
)

type supervisorConfig struct {
	Session      session.Config
	NewTransport func() transport.Transport
	Reconnect    bool
	BackoffMax   time.Duration
	// OnReplace runs before a replacement session is installed after a
	// lost link. The daemon drops the previous link's telemetry there.
	OnReplace func()
	Logger    *slog.Logger
}

// supervisor keeps one session connected at a time and opens a fresh one
// after the link drops. The emergency stop latch outlives any single
// session: a replacement session starts stopped if the latch was set.
type supervisor struct {
	cfg supervisorConfig
	log *slog.Logger

	latched atomic.Bool

	mu  sync.RWMutex
	cur *session.Session
}

func newSupervisor(cfg supervisorConfig) *supervisor {
	if cfg.BackoffMax < reconnectBackoffMin {
		cfg.BackoffMax = reconnectBackoffMin
	}
	return &supervisor{cfg: cfg, log: cfg.Logger}
}

func (s *supervisor) current() *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *supervisor) install(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cfg.OnReplace != nil {
		s.cfg.OnReplace()
	}
	s.cur = sess
	if s.latched.Load() {
		sess.EmergencyStop(estopPrincipal)
	}
}

// Run drives sessions until ctx ends. It returns nil on cancellation and
// the last session error when reconnecting is disabled.
func (s *supervisor) Run(ctx context.Context) error {
	backoff := reconnectBackoffMin
	for {
		sess, err := session.New(s.cfg.Session)
		if err != nil {
			return err
		}
		s.install(sess)
		err = s.connect(ctx, sess, &backoff)
		if err == nil {
			backoff = reconnectBackoffMin
			err = sess.Run(ctx)
		}
		if ctx.Err() != nil {
			_ = sess.Disconnect()
			return nil
		}
		if err == nil || !s.cfg.Reconnect {
			_ = sess.Disconnect()
			return err
		}
		s.log.Warn("session_lost", "session", sess.ID().String(), "error", err, "retry_in", backoff)
		if sleepCtx(ctx, backoff) != nil {
			return nil
		}
		backoff = min(backoff*2, s.cfg.BackoffMax)
	}
}

// connect retries Connect with fresh transports. A failed handshake leaves
// the session reusable, so the gate and its latch survive the retries.
func (s *supervisor) connect(ctx context.Context, sess *session.Session, backoff *time.Duration) error {
	for {
		err := sess.Connect(ctx, s.cfg.NewTransport())
		if err == nil || ctx.Err() != nil || !s.cfg.Reconnect || errors.Is(err, session.ErrSessionClosed) {
			return err
		}
		s.log.Warn("connect_retry", "session", sess.ID().String(), "error", err, "retry_in", *backoff)
		if err := sleepCtx(ctx, *backoff); err != nil {
			return err
		}
		*backoff = min(*backoff*2, s.cfg.BackoffMax)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *supervisor) IssueCommand(ctx context.Context, name string, value float64, principal string) (safety.Verdict, error) {
	sess := s.current()
	if sess == nil {
		return safety.Verdict{Reason: safety.ReasonNotSent}, session.ErrNotConnected
	}
	return sess.IssueCommand(ctx, name, value, principal)
}

// EmergencyStop sets the latch before forwarding so a session installed
// concurrently still observes it.
func (s *supervisor) EmergencyStop(principal string) {
	s.latched.Store(true)
	if sess := s.current(); sess != nil {
		sess.EmergencyStop(principal)
	}
}

func (s *supervisor) EmergencyStopped() bool { return s.latched.Load() }

func (s *supervisor) ResetEmergencyStop(principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		if err := s.cur.ResetEmergencyStop(principal); err != nil {
			return err
		}
	}
	s.latched.Store(false)
	return nil
}

func (s *supervisor) SetMasterEnable(principal string, on bool) error {
	if on && s.latched.Load() {
		return safety.ErrEmergencyStopLatched
	}
	sess := s.current()
	if sess == nil {
		return session.ErrNotConnected
	}
	return sess.SetMasterEnable(principal, on)
}

func (s *supervisor) QueryPID(ctx context.Context, name string) error {
	sess := s.current()
	if sess == nil {
		return session.ErrNotConnected
	}
	return sess.QueryPID(ctx, name)
}

func (s *supervisor) Info() session.Info {
	sess := s.current()
	if sess == nil {
		return session.Info{State: session.StateDisconnected.String(), EmergencyStop: s.latched.Load()}
	}
	return sess.Info()
}

// Connected reports whether the current session has a live link.
func (s *supervisor) Connected() bool {
	sess := s.current()
	return sess != nil && sess.State() == session.StateConnected
}
