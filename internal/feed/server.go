// Package feed serves the telemetry feed and the command API over TCP:
// an EQUIPFEEDv1 hello, then newline-delimited JSON in both directions.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-equip-server/internal/hub"
	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/kstaniek/go-equip-server/internal/metrics"
	"github.com/kstaniek/go-equip-server/internal/safety"
	"github.com/kstaniek/go-equip-server/internal/session"
	"github.com/kstaniek/go-equip-server/internal/telemetry"
)

// Controller is the command side of an equipment session. *session.Session
// implements it.
type Controller interface {
	IssueCommand(ctx context.Context, name string, value float64, principal string) (safety.Verdict, error)
	EmergencyStop(principal string)
	ResetEmergencyStop(principal string) error
	SetMasterEnable(principal string, on bool) error
	QueryPID(ctx context.Context, name string) error
	Info() session.Info
}

// SnapshotFunc returns the latest record of every signal.
type SnapshotFunc func() []telemetry.Record

// HistoryFunc returns the retained samples of one signal key, oldest first.
type HistoryFunc func(key string) []telemetry.Record

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu       sync.RWMutex
	addr     string
	Hub      *hub.Hub
	Control  Controller
	Snapshot SnapshotFunc
	History  HistoryFunc

	flushInterval      time.Duration
	batchSize          int
	readDeadline       time.Duration
	handshakeTimeout   time.Duration
	commandTimeout     time.Duration
	maxClients         int
	readyOnce          sync.Once
	readyCh            chan struct{}
	lastErrMu          sync.Mutex
	lastErr            error
	errCh              chan error
	listener           net.Listener
	clientsMu          sync.RWMutex
	clients            map[*hub.Client]net.Conn
	wg                 sync.WaitGroup
	logger             *slog.Logger
	nextConnID         uint64
	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalRequests      atomic.Uint64
	totalBadRequests   atomic.Uint64
}

const (
	defaultFlushInterval    = 20 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultCommandTimeout   = time.Second
	maxLineSize             = 64 << 10
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		commandTimeout:   defaultCommandTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.Component("feed"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption      { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption          { return func(s *Server) { s.Hub = hb } }
func WithController(c Controller) ServerOption  { return func(s *Server) { s.Control = c } }
func WithSnapshot(fn SnapshotFunc) ServerOption { return func(s *Server) { s.Snapshot = fn } }
func WithHistory(fn HistoryFunc) ServerOption   { return func(s *Server) { s.History = fn } }

func WithCommandTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.commandTimeout = d
		}
	}
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients and spawns reader/writer goroutines.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("feed_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, performs handshake, registers client and spawns IO goroutines.
// Returns nil on success; a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	remote := conn.RemoteAddr().String()
	connLogger := s.logger.With("conn_id", connID, "remote", remote)
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := s.Handshake(ctx, conn); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.totalHandshakeFail.Add(1)
		connLogger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		metrics.IncFeedReject()
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	c := &clientConn{
		conn:      conn,
		principal: "feed:" + remote,
		replies:   make(chan Message, 16),
		log:       connLogger,
	}
	if s.Snapshot != nil {
		c.snapshot = s.Snapshot()
	}
	c.cl = s.newClient()
	s.clientsMu.Lock()
	s.clients[c.cl] = conn
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	connLogger.Info("client_connected", "snapshot", len(c.snapshot))
	s.startWriter(ctx.Done(), c)
	s.startReader(ctx, c)
	return nil
}

// clientConn is the per-connection state shared by reader and writer.
type clientConn struct {
	conn      net.Conn
	cl        *hub.Client
	principal string
	snapshot  []telemetry.Record
	replies   chan Message
	log       *slog.Logger
}

// reply queues a response for the writer; it gives up once the client is gone.
func (c *clientConn) reply(m Message) {
	select {
	case c.replies <- m:
	case <-c.cl.Closed:
	}
}

// newClient allocates a hub client with buffer size derived from hub config.
func (s *Server) newClient() *hub.Client {
	bufSize := 512
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		bufSize = s.Hub.OutBufSize
	}
	cl := hub.NewClient(bufSize)
	if s.Hub != nil {
		s.Hub.Add(cl)
	}
	return cl
}

func (s *Server) forget(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	if s.Hub != nil {
		s.Hub.Remove(cl)
	} else {
		cl.Close()
	}
}

// Shutdown gracefully closes all resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		if s.Hub != nil {
			s.Hub.Remove(cl)
		} else {
			cl.Close()
		}
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "handshake_fail", s.totalHandshakeFail.Load(), "connected", s.totalConnected.Load(), "disconnected", s.totalDisconnected.Load(), "requests", s.totalRequests.Load(), "bad_requests", s.totalBadRequests.Load())
		return nil
	}
}
