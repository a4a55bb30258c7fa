package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/kstaniek/go-equip-server/internal/metrics"
	"github.com/kstaniek/go-equip-server/internal/transport"
)

const (
	readBufSize = 4096
	// reclaimThreshold drops the RX accumulator once drained if a burst of
	// noise grew it beyond this capacity.
	reclaimThreshold = 16 * 1024
	rxQueueSize      = 1024
	txQueueSize      = 1024
	RxBackoffMin     = 20 * time.Millisecond
	RxBackoffMax     = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Config describes the UART.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
	Logger      *slog.Logger
	// OpenPort replaces the real device opener (tests).
	OpenPort func(name string, baud int, readTimeout time.Duration) (Port, error)
}

// Transport carries frames over a serial CAN adapter.
type Transport struct {
	cfg   Config
	log   *slog.Logger
	codec Codec

	mu     sync.Mutex
	port   Port
	tx     *TXWriter
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames chan can.Frame
	dead   chan struct{} // closed when the RX loop ends
	opened atomic.Bool
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// New prepares a serial transport; the device is opened by Open.
func New(cfg Config) *Transport {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 50 * time.Millisecond
	}
	if cfg.OpenPort == nil {
		cfg.OpenPort = Open
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("serial")
	}
	return &Transport{
		cfg:    cfg,
		log:    cfg.Logger,
		frames: make(chan can.Frame, rxQueueSize),
		dead:   make(chan struct{}),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindSerial }

// Open opens the device and starts the RX loop. Opening twice is a no-op.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return transport.ErrDisconnected
	}
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sp, err := t.cfg.OpenPort(t.cfg.Device, t.cfg.Baud, t.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("open serial %s: %w", t.cfg.Device, err)
	}
	t.log.Info("serial_open", "device", t.cfg.Device, "baud", t.cfg.Baud)
	rxCtx, cancel := context.WithCancel(context.Background())
	t.port, t.cancel = sp, cancel
	t.tx = NewTXWriter(rxCtx, sp, t.codec, txQueueSize)
	t.wg.Add(1)
	t.opened.Store(true)
	go t.rxLoop(rxCtx, sp)
	return nil
}

// Send queues fr for the adapter. A full TX queue returns ErrTxOverflow.
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

// Receive returns the next decoded frame. Once the device is gone and the
// queue is drained it returns ErrDisconnected.
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

// Close stops the RX loop and the writer and closes the device. Idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		close(t.dead)
		return nil
	}
	t.cancel()
	err := t.port.Close()
	t.tx.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) rxLoop(ctx context.Context, sp Port) {
	defer t.wg.Done()
	defer close(t.dead)
	defer t.log.Info("serial_rx_end")
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := RxBackoffMin
	emit := func(fr can.Frame) {
		fr = fr.WithTimestamp(time.Now(), can.SourceSerial)
		metrics.IncRx(transport.KindSerial.String())
		select {
		case t.frames <- fr:
		default:
			metrics.IncError(metrics.ErrSerialOverflow)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := sp.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = t.codec.DecodeStream(acc, emit)
			if acc.Len() == 0 && cap(acc.Bytes()) > reclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			backoff = RxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				t.log.Error("serial_device_lost", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			t.log.Warn("serial_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > RxBackoffMax {
				backoff = RxBackoffMax
			}
		}
	}
}
