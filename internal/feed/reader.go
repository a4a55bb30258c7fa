package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kstaniek/go-equip-server/internal/metrics"
	"github.com/kstaniek/go-equip-server/internal/safety"
)

var errLineTooLong = errors.New("request line too long")

// startReader launches the goroutine reading client requests line by line.
func (s *Server) startReader(ctx context.Context, c *clientConn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer c.cl.Close() // writer flushes, closes the conn and deregisters
		br := bufio.NewReaderSize(c.conn, 4096)
		var line []byte
		for {
			_ = c.conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			chunk, err := br.ReadSlice('\n')
			line = append(line, chunk...)
			if len(line) > maxLineSize {
				s.totalBadRequests.Add(1)
				c.reply(errorMsg("", errLineTooLong))
				return
			}
			if err != nil {
				if errors.Is(err, bufio.ErrBufferFull) {
					continue
				}
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					select {
					case <-ctx.Done():
						return
					case <-c.cl.Closed:
						return
					default:
						continue
					}
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			s.handle(ctx, c, bytes.TrimSpace(line))
			line = line[:0]
		}
	}()
}

// handle executes one request and queues its reply.
func (s *Server) handle(ctx context.Context, c *clientConn, line []byte) {
	if len(line) == 0 {
		return
	}
	s.totalRequests.Add(1)
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.totalBadRequests.Add(1)
		c.reply(errorMsg("", fmt.Errorf("bad request: %v", err)))
		return
	}
	if req.Op == OpHistory {
		s.history(c, req)
		return
	}
	if s.Control == nil {
		c.reply(errorMsg(req.ID, errors.New("no equipment session")))
		return
	}
	c.log.Debug("feed_request", "op", req.Op, "id", req.ID, "name", req.Name)
	switch req.Op {
	case OpCommand:
		cctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
		v, err := s.Control.IssueCommand(cctx, req.Name, req.Value, c.principal)
		cancel()
		m := Message{Type: TypeVerdict, ID: req.ID, Verdict: &v}
		if err != nil && !errors.Is(err, safety.ErrCommandRejected) {
			wrap := fmt.Errorf("%w: %v", ErrControl, err)
			metrics.IncError(mapErrToMetric(wrap))
			m.Error = err.Error()
		}
		c.reply(m)
	case OpEStop:
		s.Control.EmergencyStop(c.principal)
		c.reply(Message{Type: TypeOK, ID: req.ID})
	case OpResetEStop:
		s.ok(c, req.ID, s.Control.ResetEmergencyStop(c.principal))
	case OpEnable:
		s.ok(c, req.ID, s.Control.SetMasterEnable(c.principal, req.Enabled))
	case OpQuery:
		if req.Name == "" {
			info := s.Control.Info()
			c.reply(Message{Type: TypeInfo, ID: req.ID, Info: &info})
			return
		}
		cctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
		err := s.Control.QueryPID(cctx, req.Name)
		cancel()
		s.ok(c, req.ID, err)
	default:
		s.totalBadRequests.Add(1)
		c.reply(errorMsg(req.ID, fmt.Errorf("unknown op %q", req.Op)))
	}
}

func (s *Server) history(c *clientConn, req Request) {
	switch {
	case s.History == nil:
		c.reply(errorMsg(req.ID, errors.New("history not kept")))
	case req.Name == "":
		s.totalBadRequests.Add(1)
		c.reply(errorMsg(req.ID, errors.New("history needs a name")))
	default:
		c.reply(Message{Type: TypeHistory, ID: req.ID, History: s.History(req.Name)})
	}
}

func (s *Server) ok(c *clientConn, id string, err error) {
	if err != nil {
		c.reply(errorMsg(id, err))
		return
	}
	c.reply(Message{Type: TypeOK, ID: id})
}
