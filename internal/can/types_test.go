package can

import (
	"errors"
	"testing"
	"time"
)

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name     string
		id       uint32
		extended bool
		data     []byte
		wantErr  bool
	}{
		{"std ok", 0x7E8, false, []byte{1, 2, 3}, false},
		{"std max", CAN_SFF_MASK, false, nil, false},
		{"std id too wide", 0x800, false, nil, true},
		{"ext ok", 0x18FEEE00, true, make([]byte, 8), false},
		{"ext id too wide", 0x20000000, true, nil, true},
		{"payload too long", 0x100, false, make([]byte, 9), true},
	}
	for _, tc := range tests {
		_, err := New(tc.id, tc.extended, tc.data, time.Time{}, SourceLocal)
		if tc.wantErr {
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("%s: expected ErrMalformedFrame, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestFrameIsImmutable(t *testing.T) {
	src := []byte{0xAA, 0xBB}
	f, err := New(0x123, false, src, time.Time{}, SourceLocal)
	if err != nil {
		t.Fatal(err)
	}
	src[0] = 0x00
	d := f.Data()
	d[1] = 0x00
	if f.Byte(0) != 0xAA || f.Byte(1) != 0xBB {
		t.Fatalf("frame payload changed through aliasing: %s", f)
	}
	if f.Byte(5) != 0xFF {
		t.Fatalf("expected 0xFF past payload end")
	}
}

func TestFromRawFlags(t *testing.T) {
	f, err := FromRaw(0x0CF00400|CAN_EFF_FLAG, []byte{1}, time.Time{}, SourceSocketCAN)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Extended() || f.ID() != 0x0CF00400 || f.RawID() != 0x0CF00400|CAN_EFF_FLAG {
		t.Fatalf("unexpected decode %s raw=0x%X", f, f.RawID())
	}
	if _, err := FromRaw(0x123|CAN_RTR_FLAG, nil, time.Time{}, SourceSocketCAN); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected rtr rejection, got %v", err)
	}
}

func TestEqualIgnoresMetadata(t *testing.T) {
	a := MustNew(0x7DF, false, 0x02, 0x01, 0x0C)
	b := a.WithTimestamp(time.Now(), SourceSerial)
	if !a.Equal(b) {
		t.Fatalf("expected equal frames")
	}
	if b.Source() != SourceSerial {
		t.Fatalf("source not updated")
	}
	if a.Equal(MustNew(0x7DF, true, 0x02, 0x01, 0x0C)) {
		t.Fatalf("format must take part in equality")
	}
	if got := a.String(); got != "7DF#02010C" {
		t.Fatalf("String() = %q", got)
	}
}
