package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("equip-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	if cfg.scan {
		if err := runScan(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
			os.Exit(1)
		}
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	d, err := newDaemon(cfg, l)
	if err != nil {
		l.Error("daemon_init_error", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.start(ctx, cancel)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, estopSignals...)...)
wait:
	for {
		select {
		case s := <-sigCh:
			if slices.Contains(estopSignals, s) {
				l.Warn("emergency_stop_signal", "signal", s.String())
				d.sup.EmergencyStop("signal:" + s.String())
				continue
			}
			l.Info("shutdown_signal", "signal", s.String())
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	cancel()
	d.shutdown()
}
