package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-equip-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"frames_rx", snap.FramesRx,
		"frames_tx", snap.FramesTx,
		"malformed", snap.Malformed,
		"decode_errors", snap.DecodeErrors,
		"signals", snap.Signals,
		"invalid_signals", snap.InvalidSignals,
		"tp_completed", snap.TPCompleted,
		"tp_aborted", snap.TPAborted,
		"commands_allowed", snap.CommandsAllowed,
		"commands_rejected", snap.CommandsRejected,
		"feed_clients", snap.FeedClients,
		"hub_drops", snap.HubDrops,
		"hub_kicks", snap.HubKicks,
		"errors", snap.Errors,
	)
}
