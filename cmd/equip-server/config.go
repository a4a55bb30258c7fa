package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-equip-server/internal/transport"
)

type appConfig struct {
	transport       string
	configPath      string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	canIf           string
	cannelloniAddr  string
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	commandTO       time.Duration
	mdnsEnable      bool
	mdnsName        string
	obdPoll         time.Duration
	obdPIDs         []string
	simSeed         uint64
	simInterval     time.Duration
	reconnect       bool
	reconnectMax    time.Duration
	scan            bool
}

// defaultConfig mirrors the flag defaults.
func defaultConfig() *appConfig {
	return &appConfig{
		transport:    "simulator",
		serialDev:    "/dev/ttyUSB0",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		canIf:        "can0",
		listenAddr:   ":20100",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    512,
		hubPolicy:    "drop",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
		commandTO:    time.Second,
		obdPIDs:      []string{"engine_rpm", "coolant_temp"},
		simSeed:      1,
		simInterval:  10 * time.Millisecond,
		reconnect:    true,
		reconnectMax: 5 * time.Second,
	}
}

func parseFlags() (*appConfig, bool) {
	cfg := defaultConfig()
	fs := flag.CommandLine
	fs.StringVar(&cfg.transport, "transport", cfg.transport, "Equipment link: simulator|socketcan|serial|cannelloni")
	fs.StringVar(&cfg.configPath, "config", "", "YAML file with protocol tables, safety policy and session settings (built-ins when empty)")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device path (when --transport=serial)")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "SocketCAN interface (when --transport=socketcan)")
	fs.StringVar(&cfg.cannelloniAddr, "cannelloni-addr", "", "CAN bridge host:port (when --transport=cannelloni)")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "Telemetry feed TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client feed buffer (records)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous feed clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Feed client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.DurationVar(&cfg.commandTO, "command-timeout", cfg.commandTO, "Deadline for a feed command to reach the equipment")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement of the feed")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default equip-server-<hostname>)")
	fs.DurationVar(&cfg.obdPoll, "obd-poll", 0, "If >0, query the --obd-pids over OBD-II at this interval")
	pids := fs.String("obd-pids", strings.Join(cfg.obdPIDs, ","), "Comma separated OBD-II PID names to poll")
	fs.Uint64Var(&cfg.simSeed, "sim-seed", cfg.simSeed, "Simulator noise seed")
	fs.DurationVar(&cfg.simInterval, "sim-interval", cfg.simInterval, "Simulator frame interval")
	fs.BoolVar(&cfg.reconnect, "reconnect", cfg.reconnect, "Open a fresh session after the link drops")
	fs.DurationVar(&cfg.reconnectMax, "reconnect-max-backoff", cfg.reconnectMax, "Upper bound for the reconnect backoff")
	fs.BoolVar(&cfg.scan, "scan", false, "List serial ports and CAN interfaces, then exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	flag.Parse()
	cfg.obdPIDs = splitList(*pids)

	// Explicitly set flags take precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Fprintf(os.Stderr, "environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate checks values and ranges only; devices and listeners are not
// touched.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	kind, err := transport.ParseKind(c.transport)
	if err != nil {
		return err
	}
	switch kind {
	case transport.KindSerial:
		if c.serialDev == "" {
			return errors.New("serial transport needs --serial")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
	case transport.KindSocketCAN:
		if c.canIf == "" {
			return errors.New("socketcan transport needs --can-if")
		}
	case transport.KindCannelloni:
		if c.cannelloniAddr == "" {
			return errors.New("cannelloni transport needs --cannelloni-addr")
		}
	case transport.KindSimulator:
		if c.simInterval < 0 {
			return errors.New("sim-interval must be >= 0")
		}
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.commandTO <= 0 {
		return errors.New("command-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.obdPoll < 0 {
		return errors.New("obd-poll must be >= 0")
	}
	if c.obdPoll > 0 && len(c.obdPIDs) == 0 {
		return errors.New("obd-poll needs at least one PID in --obd-pids")
	}
	if c.reconnect && c.reconnectMax <= 0 {
		return errors.New("reconnect-max-backoff must be > 0")
	}
	return nil
}

// envApplier maps one EQUIP_SERVER_* variable at a time onto a field unless
// the matching flag was set explicitly. Empty values are ignored and the
// first parse error is kept.
type envApplier struct {
	set map[string]struct{}
	err error
}

func (e *envApplier) lookup(flagName, key string) (string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", false
	}
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envApplier) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *envApplier) stringVar(flagName, key string, dst *string) {
	if v, ok := e.lookup(flagName, key); ok {
		*dst = v
	}
}

func (e *envApplier) listVar(flagName, key string, dst *[]string) {
	if v, ok := e.lookup(flagName, key); ok {
		*dst = splitList(v)
	}
}

func (e *envApplier) intVar(flagName, key string, floor int, dst *int) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if n < floor {
		e.fail(key, fmt.Errorf("%d below %d", n, floor))
		return
	}
	*dst = n
}

func (e *envApplier) uint64Var(flagName, key string, dst *uint64) {
	if v, ok := e.lookup(flagName, key); ok {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envApplier) durationVar(flagName, key string, dst *time.Duration) {
	if v, ok := e.lookup(flagName, key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		if d < 0 {
			e.fail(key, fmt.Errorf("negative duration %s", d))
			return
		}
		*dst = d
	}
}

func (e *envApplier) boolVar(flagName, key string, dst *bool) {
	if v, ok := e.lookup(flagName, key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			e.fail(key, fmt.Errorf("not a boolean: %q", v))
		}
	}
}

// applyEnvOverrides maps EQUIP_SERVER_* environment variables to config
// fields unless the corresponding flag was explicitly set.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envApplier{set: set}
	e.stringVar("transport", "EQUIP_SERVER_TRANSPORT", &c.transport)
	e.stringVar("config", "EQUIP_SERVER_CONFIG", &c.configPath)
	e.stringVar("serial", "EQUIP_SERVER_SERIAL", &c.serialDev)
	e.intVar("baud", "EQUIP_SERVER_BAUD", 1, &c.baud)
	e.durationVar("serial-read-timeout", "EQUIP_SERVER_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	e.stringVar("can-if", "EQUIP_SERVER_IF", &c.canIf)
	e.stringVar("cannelloni-addr", "EQUIP_SERVER_CANNELLONI_ADDR", &c.cannelloniAddr)
	e.stringVar("listen", "EQUIP_SERVER_LISTEN", &c.listenAddr)
	e.stringVar("log-format", "EQUIP_SERVER_LOG_FORMAT", &c.logFormat)
	e.stringVar("log-level", "EQUIP_SERVER_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// An empty value is meaningful here: it disables metrics.
		if v, ok := os.LookupEnv("EQUIP_SERVER_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	e.intVar("hub-buffer", "EQUIP_SERVER_HUB_BUFFER", 1, &c.hubBuffer)
	e.stringVar("hub-policy", "EQUIP_SERVER_HUB_POLICY", &c.hubPolicy)
	e.durationVar("log-metrics-interval", "EQUIP_SERVER_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	e.intVar("max-clients", "EQUIP_SERVER_MAX_CLIENTS", 0, &c.maxClients)
	e.durationVar("handshake-timeout", "EQUIP_SERVER_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	e.durationVar("client-read-timeout", "EQUIP_SERVER_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	e.durationVar("command-timeout", "EQUIP_SERVER_COMMAND_TIMEOUT", &c.commandTO)
	e.boolVar("mdns-enable", "EQUIP_SERVER_MDNS_ENABLE", &c.mdnsEnable)
	e.stringVar("mdns-name", "EQUIP_SERVER_MDNS_NAME", &c.mdnsName)
	e.durationVar("obd-poll", "EQUIP_SERVER_OBD_POLL", &c.obdPoll)
	e.listVar("obd-pids", "EQUIP_SERVER_OBD_PIDS", &c.obdPIDs)
	e.uint64Var("sim-seed", "EQUIP_SERVER_SIM_SEED", &c.simSeed)
	e.durationVar("sim-interval", "EQUIP_SERVER_SIM_INTERVAL", &c.simInterval)
	e.boolVar("reconnect", "EQUIP_SERVER_RECONNECT", &c.reconnect)
	e.durationVar("reconnect-max-backoff", "EQUIP_SERVER_RECONNECT_MAX_BACKOFF", &c.reconnectMax)
	return e.err
}
