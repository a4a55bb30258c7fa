package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-equip-server/internal/can"
)

// wireSize is sizeof(struct can_frame), the classic CAN MTU.
const wireSize = 16

// ErrTimeout reports a read that saw no frame within the socket timeout.
var ErrTimeout = errors.New("socketcan read timeout")

// struct can_frame (linux/can.h), host byte order (little-endian on the
// targets we ship):
//
//	can_id  u32  [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8   [4]
//	pad     3B   [5:8]
//	data    [8]  [8:16]
func unmarshalFrame(buf []byte, ts time.Time) (can.Frame, error) {
	if len(buf) < wireSize {
		return can.Frame{}, fmt.Errorf("%w: %d byte can_frame", can.ErrMalformedFrame, len(buf))
	}
	dlc := int(buf[4])
	if dlc > can.MaxDataLen {
		return can.Frame{}, fmt.Errorf("%w: dlc %d", can.ErrMalformedFrame, dlc)
	}
	return can.FromRaw(binary.LittleEndian.Uint32(buf[0:4]), buf[8:8+dlc], ts, can.SourceSocketCAN)
}

func marshalFrame(fr can.Frame) [wireSize]byte {
	var buf [wireSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.RawID())
	buf[4] = byte(fr.Len())
	copy(buf[8:], fr.Data())
	return buf
}
