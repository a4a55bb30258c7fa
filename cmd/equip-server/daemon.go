package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kstaniek/go-equip-server/internal/config"
	"github.com/kstaniek/go-equip-server/internal/feed"
	"github.com/kstaniek/go-equip-server/internal/hub"
	"github.com/kstaniek/go-equip-server/internal/metrics"
	"github.com/kstaniek/go-equip-server/internal/session"
	"github.com/kstaniek/go-equip-server/internal/telemetry"
)

const shutdownTimeout = 3 * time.Second

// daemon wires the equipment session to the telemetry feed.
type daemon struct {
	cfg   *appConfig
	log   *slog.Logger
	store *telemetry.Store
	hub   *hub.Hub
	sup   *supervisor
	feed  *feed.Server

	wg   sync.WaitGroup
	http *http.Server
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newDaemon(cfg *appConfig, l *slog.Logger) (*daemon, error) {
	fc, err := loadConfig(cfg.configPath)
	if err != nil {
		return nil, err
	}
	cd, err := fc.Codec()
	if err != nil {
		return nil, err
	}
	if cfg.obdPoll > 0 {
		if err := checkPIDs(cd, cfg.obdPIDs); err != nil {
			return nil, err
		}
	}
	newTransport, err := newTransportFactory(cfg, cd, l)
	if err != nil {
		return nil, err
	}
	store := telemetry.NewStore(fc.Session.HistoryDepth)
	h := initHub(cfg, l)
	sup := newSupervisor(supervisorConfig{
		Session: session.Config{
			Codec:       cd,
			Policy:      fc.Policy,
			Reassembly:  fc.Reassembly(cd),
			Sink:        telemetry.Tee{store, h},
			SendTimeout: fc.Session.SendTimeout,
			Logger:      l.With("component", "session"),
		},
		NewTransport: newTransport,
		Reconnect:    cfg.reconnect,
		BackoffMax:   cfg.reconnectMax,
		OnReplace:    store.Reset,
		Logger:       l.With("component", "supervisor"),
	})
	srv := feed.NewServer(
		feed.WithListenAddr(cfg.listenAddr),
		feed.WithHub(h),
		feed.WithController(sup),
		feed.WithSnapshot(store.Snapshot),
		feed.WithHistory(store.History),
		feed.WithLogger(l),
		feed.WithMaxClients(cfg.maxClients),
		feed.WithHandshakeTimeout(cfg.handshakeTO),
		feed.WithReadDeadline(cfg.clientReadTO),
		feed.WithCommandTimeout(cfg.commandTO),
	)
	l.Info("daemon_config", "transport", cfg.transport, "config", cfg.configPath, "address", fmt.Sprintf("0x%02X", cd.Address()), "history", fc.Session.HistoryDepth)
	return &daemon{cfg: cfg, log: l, store: store, hub: h, sup: sup, feed: srv}, nil
}

// start launches every long running part. A fatal error in the feed
// listener or the supervisor cancels ctx through cancel.
func (d *daemon) start(ctx context.Context, cancel context.CancelFunc) {
	startMetricsLogger(ctx, d.cfg.logMetricsEvery, d.log, &d.wg)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.feed.Serve(ctx); err != nil {
			d.log.Error("feed_server_error", "error", err)
			cancel()
		}
	}()
	go func() {
		defer d.wg.Done()
		if err := d.sup.Run(ctx); err != nil {
			d.log.Error("session_stopped", "error", err)
			cancel()
		}
	}()

	startOBDPoller(ctx, d.cfg.obdPoll, d.cfg.obdPIDs, d.sup, d.log, &d.wg)

	// mDNS once the listener is bound.
	go func() {
		if !d.cfg.mdnsEnable {
			return
		}
		select {
		case <-d.feed.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(d.feed.Addr())
		cleanupMDNS, err := startMDNS(ctx, d.cfg, port)
		if err != nil {
			d.log.Warn("mdns_start_failed", "error", err)
			return
		}
		d.log.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(d.cfg.mdnsName), "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when the feed is listening and a session holds a live link.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-d.feed.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && d.sup.Connected()
	})
	if d.cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		d.http = metrics.StartHTTP(d.cfg.metricsAddr)
	}
}

// shutdown runs after ctx is cancelled.
func (d *daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.feed.Shutdown(ctx); err != nil {
		d.log.Warn("feed_shutdown", "error", err)
	}
	if d.http != nil {
		_ = d.http.Shutdown(ctx)
	}
	d.wg.Wait()
}
