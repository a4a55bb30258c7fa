package feed

import (
	"context"
	"net"

	"github.com/kstaniek/go-equip-server/internal/cnl"
)

// Hello is the greeting both ends exchange before any JSON flows.
const Hello = "EQUIPFEEDv1"

// Handshake runs the hello exchange on a fresh connection.
func (s *Server) Handshake(ctx context.Context, c net.Conn) error {
	return cnl.Exchange(ctx, c, Hello, s.handshakeTimeout)
}
