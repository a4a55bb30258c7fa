package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-equip-server/internal/cnl"
	"github.com/kstaniek/go-equip-server/internal/codec"
	"github.com/kstaniek/go-equip-server/internal/serial"
	"github.com/kstaniek/go-equip-server/internal/socketcan"
	"github.com/kstaniek/go-equip-server/internal/transport"
)

// Test hooks; nil keeps the adapters' real openers.
var (
	openSerialPort      func(name string, baud int, readTimeout time.Duration) (serial.Port, error)
	openSocketCANDevice func(iface string, readTimeout time.Duration) (socketcan.Dev, error)
	dialCannelloni      func(ctx context.Context, network, addr string) (net.Conn, error)
)

// newTransportFactory validates the selected link and returns a constructor
// that builds a fresh, unopened transport for every session.
func newTransportFactory(cfg *appConfig, cd *codec.Codec, l *slog.Logger) (func() transport.Transport, error) {
	kind, err := transport.ParseKind(cfg.transport)
	if err != nil {
		return nil, err
	}
	switch kind {
	case transport.KindSimulator:
		return func() transport.Transport {
			return transport.NewSimulator(transport.SimulatorConfig{
				Seed:     cfg.simSeed,
				Interval: cfg.simInterval,
				Codec:    cd,
				Logger:   l.With("component", "simulator"),
			})
		}, nil
	case transport.KindSerial:
		return func() transport.Transport {
			return serial.New(serial.Config{
				Device:      cfg.serialDev,
				Baud:        cfg.baud,
				ReadTimeout: cfg.serialReadTO,
				Logger:      l.With("component", "serial"),
				OpenPort:    openSerialPort,
			})
		}, nil
	case transport.KindSocketCAN:
		return func() transport.Transport {
			return socketcan.New(socketcan.Config{
				Interface:  cfg.canIf,
				Logger:     l.With("component", "socketcan"),
				OpenDevice: openSocketCANDevice,
			})
		}, nil
	case transport.KindCannelloni:
		return func() transport.Transport {
			return cnl.New(cnl.Config{
				Addr:             cfg.cannelloniAddr,
				HandshakeTimeout: cfg.handshakeTO,
				Logger:           l.With("component", "cannelloni"),
				Dial:             dialCannelloni,
			})
		}, nil
	}
	return nil, fmt.Errorf("unsupported transport %s", kind)
}
