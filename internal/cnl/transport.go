package cnl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/kstaniek/go-equip-server/internal/metrics"
	"github.com/kstaniek/go-equip-server/internal/transport"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteTimeout     = time.Second
	rxQueueSize             = 1024
	txQueueSize             = 1024
)

// ErrTxOverflow is returned when the bridge cannot keep up with writes.
var ErrTxOverflow = errors.New("cannelloni tx overflow")

// Config points at a cannelloni-speaking CAN bridge.
type Config struct {
	Addr             string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
	// Dial replaces net.Dialer (tests).
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Transport is a TCP client to a CAN bridge such as the can-server gateway.
type Transport struct {
	cfg   Config
	log   *slog.Logger
	codec Codec

	mu     sync.Mutex
	conn   net.Conn
	tx     *transport.AsyncTx
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames chan can.Frame
	dead   chan struct{}
	opened atomic.Bool
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// New prepares a bridge client; Open dials and greets.
func New(cfg Config) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = d.DialContext
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("cannelloni")
	}
	return &Transport{
		cfg:    cfg,
		log:    cfg.Logger,
		frames: make(chan can.Frame, rxQueueSize),
		dead:   make(chan struct{}),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindCannelloni }

// Open dials the bridge and runs the CANNELLONIv1 handshake.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return transport.ErrDisconnected
	}
	if t.conn != nil {
		return nil
	}
	conn, err := t.cfg.Dial(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.Addr, err)
	}
	if err := Handshake(ctx, conn, t.cfg.HandshakeTimeout); err != nil {
		metrics.IncError(metrics.ErrHandshake)
		_ = conn.Close()
		return fmt.Errorf("cannelloni %s: %w", t.cfg.Addr, err)
	}
	t.log.Info("cannelloni_connected", "addr", t.cfg.Addr)
	rxCtx, cancel := context.WithCancel(context.Background())
	t.conn, t.cancel = conn, cancel
	t.tx = transport.NewAsyncTx(rxCtx, txQueueSize, t.write, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrCannelloniWrite)
			t.log.Warn("cannelloni_write_error", "error", err)
		},
		OnAfter: func(can.Frame) { metrics.IncTx(transport.KindCannelloni.String()) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrCannelloniWrite)
			return ErrTxOverflow
		},
	})
	t.wg.Add(1)
	t.opened.Store(true)
	go t.rxLoop(conn)
	return nil
}

func (t *Transport) write(fr can.Frame) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	_, err := t.codec.EncodeTo(t.conn, []can.Frame{fr})
	return err
}

// Send queues fr for the bridge.
func (t *Transport) Send(ctx context.Context, fr can.Frame) error {
	if t.closed.Load() {
		return transport.ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	tx := t.tx
	t.mu.Unlock()
	if tx == nil {
		return transport.ErrDisconnected
	}
	select {
	case <-t.dead:
		return transport.ErrDisconnected
	default:
	}
	if err := tx.SendFrame(fr); err != nil {
		if errors.Is(err, transport.ErrAsyncTxClosed) {
			return transport.ErrDisconnected
		}
		return err
	}
	return nil
}

// Receive returns the next frame from the bridge. A dropped connection ends
// the sequence with ErrDisconnected.
func (t *Transport) Receive(ctx context.Context) (can.Frame, error) {
	if t.closed.Load() || !t.opened.Load() {
		return can.Frame{}, transport.ErrDisconnected
	}
	select {
	case fr := <-t.frames:
		return fr, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case <-t.dead:
		select {
		case fr := <-t.frames:
			return fr, nil
		default:
			return can.Frame{}, transport.ErrDisconnected
		}
	}
}

// Close drops the connection. Idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		close(t.dead)
		return nil
	}
	t.cancel()
	err := t.conn.Close()
	t.tx.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) rxLoop(conn net.Conn) {
	defer t.wg.Done()
	defer close(t.dead)
	br := bufio.NewReader(conn)
	for {
		fr, err := t.codec.Decode(br, time.Now())
		if err != nil {
			// RTR/error frames keep the stream aligned; a bad length does not.
			if errors.Is(err, can.ErrMalformedFrame) {
				continue
			}
			if !t.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				metrics.IncError(metrics.ErrCannelloniRead)
				t.log.Warn("cannelloni_read_error", "error", err)
			}
			t.log.Info("cannelloni_rx_end")
			return
		}
		metrics.IncRx(transport.KindCannelloni.String())
		select {
		case t.frames <- fr:
		default:
			metrics.IncError(metrics.ErrCannelloniRead)
		}
	}
}
