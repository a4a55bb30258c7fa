package main

import (
	"log/slog"

	"github.com/kstaniek/go-equip-server/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	h.Policy = hub.ParsePolicy(cfg.hubPolicy)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", cfg.hubPolicy, "buffer", h.OutBufSize)
	return h
}
