// Package j1939 holds the SAE J1939 identifier layout and the transport
// protocol (TP.CM / TP.DT) reassembler.
package j1939

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
)

// Well known parameter groups and addresses.
const (
	PGNRequest uint32 = 0xEA00 // 59904
	PGNTPCM    uint32 = 0xEC00 // 60416 connection management
	PGNTPDT    uint32 = 0xEB00 // 60160 data transfer

	AddrGlobal uint8 = 0xFF
	AddrNull   uint8 = 0xFE

	DefaultPriority uint8 = 6
)

// ID is a decoded 29-bit J1939 identifier.
type ID struct {
	Priority    uint8
	PGN         uint32
	Source      uint8
	Destination uint8 // AddrGlobal for PDU2 groups
}

// PDU1 reports whether the PGN is destination specific (PDU format < 240).
func PDU1(pgn uint32) bool { return (pgn>>8)&0xFF < 240 }

// ParseID splits a 29-bit identifier into priority, PGN, source and destination.
//
//	bits 26-28 priority | 25 EDP | 24 DP | 16-23 PF | 8-15 PS | 0-7 SA
func ParseID(raw uint32) ID {
	raw &= can.CAN_EFF_MASK
	id := ID{
		Priority: uint8((raw >> 26) & 0x7),
		Source:   uint8(raw),
	}
	pf := (raw >> 16) & 0xFF
	ps := (raw >> 8) & 0xFF
	dp := (raw >> 24) & 0x3
	pgn := dp<<16 | pf<<8
	if pf < 240 {
		id.Destination = uint8(ps)
		id.PGN = pgn
	} else {
		id.Destination = AddrGlobal
		id.PGN = pgn | ps
	}
	return id
}

// Raw rebuilds the 29-bit identifier. For PDU1 groups the destination goes
// into the PS field and the low byte of the PGN is ignored.
func (id ID) Raw() uint32 {
	pgn := id.PGN & 0x3FFFF
	var raw uint32
	if PDU1(pgn) {
		raw = (pgn & 0x3FF00) | uint32(id.Destination)
	} else {
		raw = pgn
	}
	return uint32(id.Priority&0x7)<<26 | raw<<8 | uint32(id.Source)
}

func (id ID) String() string {
	return fmt.Sprintf("pgn=%d sa=0x%02X da=0x%02X prio=%d", id.PGN, id.Source, id.Destination, id.Priority)
}

// BuildFrame builds an extended frame for id.
func BuildFrame(id ID, data []byte, ts time.Time, src can.Source) (can.Frame, error) {
	return can.New(id.Raw(), true, data, ts, src)
}
