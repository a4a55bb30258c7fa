package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/session"
)

type pidQuerier interface {
	QueryPID(ctx context.Context, name string) error
}

// checkPIDs rejects PID names the codec tables do not define.
func checkPIDs(cd *codec.Codec, names []string) error {
	known := cd.PIDs()
	for _, n := range names {
		if !slices.Contains(known, n) {
			return fmt.Errorf("unknown OBD-II PID %q (have %v)", n, known)
		}
	}
	return nil
}

// startOBDPoller queries every PID once per interval. Answers come back as
// ordinary telemetry through the session pipeline.
func startOBDPoller(ctx context.Context, interval time.Duration, pids []string, q pidQuerier, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 || len(pids) == 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		l.Info("obd_poll_start", "interval", interval, "pids", pids)
		for {
			select {
			case <-t.C:
				pollOnce(ctx, pids, q, l)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func pollOnce(ctx context.Context, pids []string, q pidQuerier, l *slog.Logger) {
	for _, name := range pids {
		err := q.QueryPID(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrTransportDisconnected):
			// Link is down; the supervisor logs that already.
			return
		default:
			l.Warn("obd_query_failed", "pid", name, "error", err)
		}
	}
}
