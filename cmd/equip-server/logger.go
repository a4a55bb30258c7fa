package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-equip-server/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "equip-server")
	logging.Set(l)
	return l
}
