package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/hub"
	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/kstaniek/go-equip-server/internal/metrics"
	"github.com/kstaniek/go-equip-server/internal/safety"
	"github.com/kstaniek/go-equip-server/internal/session"
	"github.com/kstaniek/go-equip-server/internal/telemetry"
)

// fakeControl records calls and answers like a connected session.
type fakeControl struct {
	mu       sync.Mutex
	commands []string
	stops    int
	enabled  bool
	queried  []string
}

func (f *fakeControl) IssueCommand(_ context.Context, name string, value float64, principal string) (safety.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, fmt.Sprintf("%s=%g by %s", name, value, principal[:5]))
	if f.stops > 0 {
		v := safety.Verdict{Reason: safety.ReasonEmergencyStop}
		return v, v.Err(name)
	}
	return safety.Verdict{Allowed: true, Reason: safety.ReasonOK, Value: value}, nil
}

func (f *fakeControl) EmergencyStop(string) { f.mu.Lock(); f.stops++; f.mu.Unlock() }

func (f *fakeControl) ResetEmergencyStop(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enabled {
		return safety.ErrMasterEnabled
	}
	f.stops = 0
	return nil
}

func (f *fakeControl) SetMasterEnable(_ string, on bool) error {
	f.mu.Lock()
	f.enabled = on
	f.mu.Unlock()
	return nil
}

func (f *fakeControl) QueryPID(_ context.Context, name string) error {
	if name == "warp_factor" {
		return codec.ErrUnknownSignal
	}
	f.mu.Lock()
	f.queried = append(f.queried, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeControl) Info() session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Info{State: "connected", Transport: "simulator", EmergencyStop: f.stops > 0, MasterEnabled: f.enabled}
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialAndHandshake(t *testing.T, ctx context.Context, addr string) *testClient {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte(Hello)); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	buf := make([]byte, len(Hello))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("handshake read: %v", err)
	}
	if string(buf) != Hello {
		t.Fatalf("unexpected handshake magic %q", string(buf))
	}
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) Close() { _ = c.conn.Close() }

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads messages until one of the wanted type arrives.
func (c *testClient) next(t *testing.T, typ string) Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.conn.SetReadDeadline(deadline)
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read %s: %v", typ, err)
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		if m.Type == typ {
			return m
		}
	}
	t.Fatalf("no %s message", typ)
	return Message{}
}

func startServer(t *testing.T, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv := NewServer(append([]ServerOption{WithLogger(logging.Discard()), WithFlushInterval(2 * time.Millisecond)}, opts...)...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv, cancel
}

func waitClients(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Count() == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("hub has %d clients, want %d", h.Count(), n)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// TestSmokeFeed covers the snapshot, live records and every request op.
func TestSmokeFeed(t *testing.T) {
	h := hub.New()
	ctl := &fakeControl{}
	snap := []telemetry.Record{{Name: "fuel_level", Value: 72, Unit: "%", Valid: true, Status: codec.StatusValid, Timestamp: t0}}
	srv, cancel := startServer(t, WithHub(h), WithController(ctl), WithSnapshot(func() []telemetry.Record { return snap }))
	defer cancel()

	c := dialAndHandshake(t, context.Background(), srv.Addr())
	defer c.Close()

	m := c.next(t, TypeRecord)
	if m.Record.Name != "fuel_level" || m.Record.Value != 72 {
		t.Fatalf("snapshot record %+v", m.Record)
	}
	waitClients(t, h, 1)
	h.Broadcast(telemetry.Record{Name: "engine_speed", Value: 1500, Valid: true, Status: codec.StatusValid, Timestamp: t0})
	if m = c.next(t, TypeRecord); m.Record.Name != "engine_speed" {
		t.Fatalf("live record %+v", m.Record)
	}

	c.send(t, `{"op":"command","id":"c1","name":"engine_speed_request","value":1500}`)
	m = c.next(t, TypeVerdict)
	if m.ID != "c1" || m.Verdict == nil || !m.Verdict.Allowed || m.Verdict.Value != 1500 {
		t.Fatalf("verdict %+v", m)
	}

	c.send(t, `{"op":"estop","id":"s1"}`)
	if m = c.next(t, TypeOK); m.ID != "s1" {
		t.Fatalf("estop reply %+v", m)
	}
	c.send(t, `{"op":"command","id":"c2","name":"engine_speed_request","value":900}`)
	m = c.next(t, TypeVerdict)
	if m.Verdict.Allowed || m.Verdict.Reason != safety.ReasonEmergencyStop || m.Error != "" {
		t.Fatalf("verdict after estop %+v", m)
	}

	c.send(t, `{"op":"enable","id":"e1","enabled":true}`)
	c.next(t, TypeOK)
	c.send(t, `{"op":"reset_estop","id":"r1"}`)
	if m = c.next(t, TypeError); m.ID != "r1" {
		t.Fatalf("reset with enable asserted should fail: %+v", m)
	}

	c.send(t, `{"op":"query","id":"q1"}`)
	m = c.next(t, TypeInfo)
	if m.Info == nil || !m.Info.EmergencyStop || !m.Info.MasterEnabled {
		t.Fatalf("info %+v", m.Info)
	}
	c.send(t, `{"op":"query","id":"q2","name":"engine_rpm"}`)
	c.next(t, TypeOK)
	c.send(t, `{"op":"query","id":"q3","name":"warp_factor"}`)
	if m = c.next(t, TypeError); m.ID != "q3" {
		t.Fatalf("query error %+v", m)
	}

	c.send(t, `not json`)
	c.next(t, TypeError)
	c.send(t, `{"op":"self_destruct","id":"x"}`)
	if m = c.next(t, TypeError); m.ID != "x" {
		t.Fatalf("unknown op reply %+v", m)
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if len(ctl.commands) != 2 || ctl.stops != 1 || len(ctl.queried) != 1 {
		t.Fatalf("controller saw commands=%v stops=%d queried=%v", ctl.commands, ctl.stops, ctl.queried)
	}
}

// TestSmokeHistory reads a signal's retained samples without a session.
func TestSmokeHistory(t *testing.T) {
	store := telemetry.NewStore(3)
	for i := range 5 {
		store.Put(telemetry.Record{Name: "coolant_temp", Value: float64(80 + i), Valid: true, Status: codec.StatusValid, Timestamp: t0})
	}
	srv, cancel := startServer(t, WithHub(hub.New()), WithHistory(store.History))
	defer cancel()
	c := dialAndHandshake(t, context.Background(), srv.Addr())
	defer c.Close()

	c.send(t, `{"op":"history","id":"h1","name":"coolant_temp"}`)
	m := c.next(t, TypeHistory)
	if m.ID != "h1" || len(m.History) != 3 {
		t.Fatalf("history reply %+v", m)
	}
	for i, r := range m.History {
		if want := float64(82 + i); r.Value != want {
			t.Fatalf("sample %d = %g want %g (oldest first)", i, r.Value, want)
		}
	}

	c.send(t, `{"op":"history","id":"h2","name":"warp_factor"}`)
	if m = c.next(t, TypeHistory); m.ID != "h2" || len(m.History) != 0 {
		t.Fatalf("unknown signal history %+v", m)
	}
	c.send(t, `{"op":"history","id":"h3"}`)
	if m = c.next(t, TypeError); m.ID != "h3" {
		t.Fatalf("history without name %+v", m)
	}
}

// TestSmokeBatch pushes more records than one batch and checks every line decodes.
func TestSmokeBatch(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, WithHub(h), WithBatchSize(8))
	defer cancel()
	c := dialAndHandshake(t, context.Background(), srv.Addr())
	defer c.Close()
	waitClients(t, h, 1)

	for i := range 40 {
		h.Broadcast(telemetry.Record{Name: fmt.Sprintf("sig%02d", i), Value: float64(i), Valid: true, Timestamp: t0})
	}
	for i := range 40 {
		m := c.next(t, TypeRecord)
		if want := fmt.Sprintf("sig%02d", i); m.Record.Name != want {
			t.Fatalf("record %d = %s want %s (order must be preserved)", i, m.Record.Name, want)
		}
	}
}

// TestSmokeInvalidRecord makes sure NaN values reach the client as null.
func TestSmokeInvalidRecord(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, WithHub(h))
	defer cancel()
	c := dialAndHandshake(t, context.Background(), srv.Addr())
	defer c.Close()
	waitClients(t, h, 1)

	h.Broadcast(telemetry.Record{Name: "engine_speed", Value: math.NaN(), Status: codec.StatusNotAvailable})
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw struct {
		Record map[string]any `json:"record"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := raw.Record["value"]; !ok || v != nil {
		t.Fatalf("invalid record value should be null, got %v", v)
	}
}

// TestSmokeHandshakeFailure sends the wrong magic and expects the server to hang up.
func TestSmokeHandshakeFailure(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, WithHub(h), WithHandshakeTimeout(200*time.Millisecond))
	defer cancel()
	pre := metrics.Snap().Errors

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("CANNELLONIv1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadAll(conn); err != nil && !isTimeout(err) {
		t.Logf("read after bad hello: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.LastError() == nil {
		time.Sleep(2 * time.Millisecond)
	}
	if !errors.Is(srv.LastError(), ErrHandshake) {
		t.Fatalf("last error %v, want handshake", srv.LastError())
	}
	if metrics.Snap().Errors <= pre {
		t.Fatalf("handshake failure not counted")
	}
	if h.Count() != 0 {
		t.Fatalf("client registered despite failed handshake")
	}
}

// TestSmokeMaxClients rejects the connection beyond the limit.
func TestSmokeMaxClients(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, WithHub(h), WithMaxClients(1))
	defer cancel()
	pre := metrics.Snap().FeedRejects

	c1 := dialAndHandshake(t, context.Background(), srv.Addr())
	defer c1.Close()
	waitClients(t, h, 1)
	c2 := dialAndHandshake(t, context.Background(), srv.Addr())
	defer c2.Close()
	_ = c2.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.r.ReadByte(); err == nil {
		t.Fatalf("second client should be closed")
	}
	if metrics.Snap().FeedRejects != pre+1 {
		t.Fatalf("reject not counted")
	}
	if h.Count() != 1 {
		t.Fatalf("hub count %d", h.Count())
	}
}

// TestSmokeKick closes a slow client under the kick policy.
func TestSmokeKick(t *testing.T) {
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyKick
	srv, cancel := startServer(t, WithHub(h), WithFlushInterval(time.Hour), WithBatchSize(1000))
	defer cancel()
	c := dialAndHandshake(t, context.Background(), srv.Addr())
	defer c.Close()
	waitClients(t, h, 1)

	for range 10000 {
		h.Broadcast(telemetry.Record{Name: "x", Valid: true})
	}
	waitClients(t, h, 0)
}

func TestShutdownClosesClients(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, WithHub(h))
	defer cancel()
	c := dialAndHandshake(t, context.Background(), srv.Addr())
	defer c.Close()
	waitClients(t, h, 1)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.Count() != 0 {
		t.Fatalf("clients left after shutdown: %d", h.Count())
	}
}

func TestMapErrToMetric(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("%w: x", ErrConnRead):  metrics.ErrFeedRead,
		fmt.Errorf("%w: x", ErrConnWrite): metrics.ErrFeedWrite,
		fmt.Errorf("%w: x", ErrHandshake): metrics.ErrHandshake,
		fmt.Errorf("%w: x", ErrControl):   metrics.ErrTransportSend,
		fmt.Errorf("%w: x", ErrListen):    metrics.ErrFeedRead,
		fmt.Errorf("%w: x", ErrContext):   "context",
		errors.New("x"):                   "other",
	}
	for err, want := range cases {
		if got := mapErrToMetric(err); got != want {
			t.Errorf("mapErrToMetric(%v)=%s want %s", err, got, want)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
