package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-equip-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	FramesRx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equip_frames_rx_total",
		Help: "Total CAN frames received, by transport.",
	}, []string{"transport"})
	FramesTx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equip_frames_tx_total",
		Help: "Total CAN frames handed to a transport, by transport.",
	}, []string{"transport"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equip_malformed_frames_total",
		Help: "Total rejected malformed frames (bad id width, bad length, broken envelope).",
	})
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equip_decode_errors_total",
		Help: "Total frames dropped because the codec could not decode them.",
	})
	Signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equip_signals_total",
		Help: "Decoded signals emitted to telemetry, by status.",
	}, []string{"status"})
	ReassemblyStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equip_tp_started_total",
		Help: "J1939 transport protocol sessions announced (BAM/RTS).",
	})
	ReassemblyCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equip_tp_completed_total",
		Help: "J1939 transport protocol messages fully reassembled.",
	})
	ReassemblyAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equip_tp_aborted_total",
		Help: "J1939 transport protocol sessions aborted, by reason.",
	}, []string{"reason"})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equip_commands_total",
		Help: "Commands evaluated by the safety gate, by verdict reason.",
	}, []string{"reason"})
	EmergencyStop = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "equip_emergency_stop",
		Help: "1 while the emergency stop is latched.",
	})
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "equip_session_state",
		Help: "Equipment session state (0=disconnected, 1=connecting, 2=connected).",
	})
	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "equip_feed_clients",
		Help: "Current number of connected telemetry feed clients.",
	})
	FeedRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equip_feed_rejected_clients_total",
		Help: "Feed connection attempts rejected (e.g., max-clients).",
	})
	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equip_hub_dropped_records_total",
		Help: "Telemetry records dropped by the hub due to slow clients.",
	})
	HubKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equip_hub_kicked_clients_total",
		Help: "Feed clients disconnected due to backpressure kick policy.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "equip_hub_queue_depth_max",
		Help: "Observed max queued records among clients in the last broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrFeedRead        = "feed_read"
	ErrFeedWrite       = "feed_write"
	ErrHandshake       = "handshake"
	ErrSerialWrite     = "serial_write"
	ErrSerialOverflow  = "serial_tx_overflow"
	ErrSerialRead      = "serial_read"
	ErrSocketCANWrite  = "socketcan_write"
	ErrSocketCANOver   = "socketcan_tx_overflow"
	ErrSocketCANRead   = "socketcan_read"
	ErrCannelloniRead  = "cannelloni_read"
	ErrCannelloniWrite = "cannelloni_write"
	ErrTransportSend   = "transport_send"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx          uint64
	localTx          uint64
	localMalformed   uint64
	localDecodeErr   uint64
	localSignals     uint64
	localInvalid     uint64
	localTPStarted   uint64
	localTPCompleted uint64
	localTPAborted   uint64
	localCmdAllowed  uint64
	localCmdRejected uint64
	localHubDrop     uint64
	localHubKick     uint64
	localFeedReject  uint64
	localFeedClients uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesRx         uint64
	FramesTx         uint64
	Malformed        uint64
	DecodeErrors     uint64
	Signals          uint64
	InvalidSignals   uint64
	TPStarted        uint64
	TPCompleted      uint64
	TPAborted        uint64
	CommandsAllowed  uint64
	CommandsRejected uint64
	HubDrops         uint64
	HubKicks         uint64
	FeedRejects      uint64
	FeedClients      uint64
	Errors           uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		FramesRx:         atomic.LoadUint64(&localRx),
		FramesTx:         atomic.LoadUint64(&localTx),
		Malformed:        atomic.LoadUint64(&localMalformed),
		DecodeErrors:     atomic.LoadUint64(&localDecodeErr),
		Signals:          atomic.LoadUint64(&localSignals),
		InvalidSignals:   atomic.LoadUint64(&localInvalid),
		TPStarted:        atomic.LoadUint64(&localTPStarted),
		TPCompleted:      atomic.LoadUint64(&localTPCompleted),
		TPAborted:        atomic.LoadUint64(&localTPAborted),
		CommandsAllowed:  atomic.LoadUint64(&localCmdAllowed),
		CommandsRejected: atomic.LoadUint64(&localCmdRejected),
		HubDrops:         atomic.LoadUint64(&localHubDrop),
		HubKicks:         atomic.LoadUint64(&localHubKick),
		FeedRejects:      atomic.LoadUint64(&localFeedReject),
		FeedClients:      atomic.LoadUint64(&localFeedClients),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRx(transport string) {
	FramesRx.WithLabelValues(transport).Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncTx(transport string) {
	FramesTx.WithLabelValues(transport).Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncDecodeError() {
	DecodeErrors.Inc()
	atomic.AddUint64(&localDecodeErr, 1)
}

// IncSignal counts one emitted signal; valid=false also bumps the invalid mirror.
func IncSignal(status string, valid bool) {
	Signals.WithLabelValues(status).Inc()
	atomic.AddUint64(&localSignals, 1)
	if !valid {
		atomic.AddUint64(&localInvalid, 1)
	}
}

func IncTPStarted() {
	ReassemblyStarted.Inc()
	atomic.AddUint64(&localTPStarted, 1)
}

func IncTPCompleted() {
	ReassemblyCompleted.Inc()
	atomic.AddUint64(&localTPCompleted, 1)
}

func IncTPAborted(reason string) {
	ReassemblyAborted.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localTPAborted, 1)
}

// IncCommand records a gate verdict.
func IncCommand(reason string, allowed bool) {
	Commands.WithLabelValues(reason).Inc()
	if allowed {
		atomic.AddUint64(&localCmdAllowed, 1)
	} else {
		atomic.AddUint64(&localCmdRejected, 1)
	}
}

func SetEmergencyStop(latched bool) {
	if latched {
		EmergencyStop.Set(1)
		return
	}
	EmergencyStop.Set(0)
}

func SetSessionState(s int) { SessionState.Set(float64(s)) }

func IncHubDrop() {
	HubDropped.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKicked.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncFeedReject() {
	FeedRejectedClients.Inc()
	atomic.AddUint64(&localFeedReject, 1)
}

func SetFeedClients(n int) {
	FeedClients.Set(float64(n))
	atomic.StoreUint64(&localFeedClients, uint64(n))
}

func SetQueueDepthMax(n int) { HubQueueDepthMax.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrFeedRead, ErrFeedWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
		ErrCannelloniRead, ErrCannelloniWrite, ErrTransportSend,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
