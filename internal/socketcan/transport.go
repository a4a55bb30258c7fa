package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/kstaniek/go-equip-server/internal/metrics"
	"github.com/kstaniek/go-equip-server/internal/transport"
)

const (
	rxQueueSize        = 1024
	txQueueSize        = 1024
	defaultReadTimeout = 200 * time.Millisecond
	RxBackoffMin       = 20 * time.Millisecond
	RxBackoffMax       = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Config selects the CAN interface.
type Config struct {
	Interface   string
	ReadTimeout time.Duration
	Logger      *slog.Logger
	// OpenDevice replaces the raw socket opener (tests).
	OpenDevice func(iface string, readTimeout time.Duration) (Dev, error)
}

// Transport carries frames over a SocketCAN interface.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	dev    Dev
	tx     *TXWriter
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames chan can.Frame
	dead   chan struct{}
	opened atomic.Bool
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// New prepares a SocketCAN transport; the socket is bound by Open.
func New(cfg Config) *Transport {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.OpenDevice == nil {
		cfg.OpenDevice = openDevice
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("socketcan")
	}
	return &Transport{
		cfg:    cfg,
		log:    cfg.Logger,
		frames: make(chan can.Frame, rxQueueSize),
		dead:   make(chan struct{}),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindSocketCAN }

// Open binds the socket and starts the RX loop. Opening twice is a no-op.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return transport.ErrDisconnected
	}
	if t.dev != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, err := t.cfg.OpenDevice(t.cfg.Interface, t.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("socketcan open %s: %w", t.cfg.Interface, err)
	}
	t.log.Info("socketcan_open", "if", t.cfg.Interface)
	rxCtx, cancel := context.WithCancel(context.Background())
	t.dev, t.cancel = dev, cancel
	t.tx = NewTXWriter(rxCtx, dev, txQueueSize)
	t.wg.Add(1)
	t.opened.Store(true)
	go t.rxLoop(rxCtx, dev)
	return nil
}

// Send queues fr for the socket. A full TX queue returns ErrTxOverflow.
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

// Receive returns the next frame from the bus.
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

// Close stops the RX loop and the writer and closes the socket. Idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		close(t.dead)
		return nil
	}
	t.cancel()
	t.tx.Close()
	t.wg.Wait()
	return t.dev.Close()
}

func (t *Transport) rxLoop(ctx context.Context, dev Dev) {
	defer t.wg.Done()
	defer close(t.dead)
	defer t.log.Info("socketcan_rx_end")
	backoff := RxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fr, err := dev.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if errors.Is(err, can.ErrMalformedFrame) {
				metrics.IncMalformed()
				continue
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			t.log.Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > RxBackoffMax {
				backoff = RxBackoffMax
			}
			continue
		}
		metrics.IncRx(transport.KindSocketCAN.String())
		backoff = RxBackoffMin
		select {
		case t.frames <- fr:
		default:
			metrics.IncError(metrics.ErrSocketCANOver)
		}
	}
}
