package feed

import (
	"github.com/kstaniek/go-equip-server/internal/safety"
	"github.com/kstaniek/go-equip-server/internal/session"
	"github.com/kstaniek/go-equip-server/internal/telemetry"
)

// Client operations. One JSON object per line.
const (
	OpCommand    = "command"
	OpEStop      = "estop"
	OpResetEStop = "reset_estop"
	OpEnable     = "enable"
	OpQuery      = "query"
	OpHistory    = "history"
)

// Server message types.
const (
	TypeRecord  = "record"
	TypeVerdict = "verdict"
	TypeOK      = "ok"
	TypeInfo    = "info"
	TypeError   = "error"
	TypeHistory = "history"
)

// Request is a client line. ID is echoed in the reply.
//
//	{"op":"command","id":"1","name":"engine_speed_request","value":1500}
//	{"op":"estop"}
//	{"op":"enable","enabled":true}
//	{"op":"query","name":"engine_rpm"}   // OBD-II poll; without name: session info
//	{"op":"history","name":"coolant_temp"}
type Request struct {
	Op      string  `json:"op"`
	ID      string  `json:"id,omitempty"`
	Name    string  `json:"name,omitempty"`
	Value   float64 `json:"value,omitempty"`
	Enabled bool    `json:"enabled,omitempty"`
}

// Message is a server line.
type Message struct {
	Type    string             `json:"type"`
	ID      string             `json:"id,omitempty"`
	Record  *telemetry.Record  `json:"record,omitempty"`
	Verdict *safety.Verdict    `json:"verdict,omitempty"`
	Info    *session.Info      `json:"info,omitempty"`
	History []telemetry.Record `json:"history,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func recordMsg(r telemetry.Record) Message { return Message{Type: TypeRecord, Record: &r} }

func errorMsg(id string, err error) Message {
	return Message{Type: TypeError, ID: id, Error: err.Error()}
}
