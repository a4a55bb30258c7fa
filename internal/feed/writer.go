package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kstaniek/go-equip-server/internal/metrics"
)

const writeTimeout = 10 * time.Second

// startWriter launches the goroutine pushing the snapshot, hub records and
// replies to a single client connection. Records are batched; replies are
// flushed at once.
func (s *Server) startWriter(ctxDone <-chan struct{}, c *clientConn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = c.conn.Close()
			s.forget(c.cl)
			s.totalDisconnected.Add(1)
			c.log.Info("client_disconnected")
		}()
		bw := bufio.NewWriterSize(c.conn, 16<<10)
		enc := json.NewEncoder(bw)
		pending := 0
		put := func(m Message) {
			if err := enc.Encode(m); err != nil {
				c.log.Warn("feed_encode_failed", "type", m.Type, "error", err)
				return
			}
			pending++
		}
		flush := func() error {
			if pending == 0 {
				return nil
			}
			pending = 0
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := bw.Flush(); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return wrap
			}
			return nil
		}
		for _, r := range c.snapshot {
			put(recordMsg(r))
		}
		c.snapshot = nil
		if err := flush(); err != nil {
			return
		}
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		for {
			select {
			case r := <-c.cl.Out:
				put(recordMsg(r))
				if pending >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case m := <-c.replies:
				put(m)
				if err := flush(); err != nil {
					return
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-c.cl.Closed:
				s.drainReplies(c, put)
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}

// drainReplies writes replies already queued when the client closed.
func (s *Server) drainReplies(c *clientConn, put func(Message)) {
	for {
		select {
		case m := <-c.replies:
			put(m)
		default:
			return
		}
	}
}
