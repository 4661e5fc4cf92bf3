package packet

import (
	"bytes"
	"reflect"
	"testing"
)

func deviceID(s string) [DeviceIDSize]byte {
	var id [DeviceIDSize]byte
	copy(id[:], s)
	return id
}

func TestEncodeWireFormat(t *testing.T) {
	got := Encode(deviceID("ABCDEFGH"), 42, PriorityHigh, []byte{0x01, 0x02})
	want := append([]byte("ABCDEFGH"), 0, 0, 0, 42, 1, 0x01, 0x02)
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = %v, want %v", got, want)
	}
	if len(got) != 15 {
		t.Errorf("Encode() length = %d, want 15", len(got))
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		id       [DeviceIDSize]byte
		sequence uint32
		priority Priority
		payload  []byte
	}{
		{"normal", deviceID("ABCDEFGH"), 0, PriorityNormal, []byte{0xde, 0xad}},
		{"high", deviceID("12345678"), 1<<32 - 1, PriorityHigh, []byte{0x00}},
		{"emergency", deviceID("\x00\x01\x02\x03\x04\x05\x06\x07"), 123456, PriorityEmergency, nil},
		{"empty payload", deviceID("hhhhhhhh"), 7, PriorityNormal, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := Decode(Encode(tt.id, tt.sequence, tt.priority, tt.payload))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if pkt.DeviceID != tt.id {
				t.Errorf("DeviceID = %v, want %v", pkt.DeviceID, tt.id)
			}
			if pkt.Sequence != tt.sequence {
				t.Errorf("Sequence = %d, want %d", pkt.Sequence, tt.sequence)
			}
			if pkt.Priority != tt.priority {
				t.Errorf("Priority = %v, want %v", pkt.Priority, tt.priority)
			}
			if len(tt.payload) > 0 && !reflect.DeepEqual(pkt.Payload, tt.payload) {
				t.Errorf("Payload = %v, want %v", pkt.Payload, tt.payload)
			}
			if len(tt.payload) == 0 && len(pkt.Payload) != 0 {
				t.Errorf("Payload = %v, want empty", pkt.Payload)
			}
		})
	}
}

func TestDecodeLegacyHeader(t *testing.T) {
	data := append([]byte("ABCDEFGH"), 0, 0, 1, 0)
	pkt, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if pkt.Priority != PriorityNormal {
		t.Errorf("Priority = %v, want Normal", pkt.Priority)
	}
	if pkt.Sequence != 256 {
		t.Errorf("Sequence = %d, want 256", pkt.Sequence)
	}
	if len(pkt.Payload) != 0 {
		t.Errorf("Payload length = %d, want 0", len(pkt.Payload))
	}
}

func TestDecodeTooShort(t *testing.T) {
	for _, n := range []int{0, 1, 8, 11} {
		if _, err := Decode(make([]byte, n)); err != ErrTooShort {
			t.Errorf("Decode(%d bytes) error = %v, want ErrTooShort", n, err)
		}
	}
}

func TestDecodeClampsUnknownPriority(t *testing.T) {
	data := Encode(deviceID("ABCDEFGH"), 9, PriorityNormal, []byte{0xaa})
	data[LegacyHeaderSize] = 7
	pkt, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if pkt.Priority != PriorityNormal {
		t.Errorf("Priority = %v, want Normal (clamped)", pkt.Priority)
	}
	if !bytes.Equal(pkt.Payload, []byte{0xaa}) {
		t.Errorf("Payload = %v, want [0xaa]", pkt.Payload)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"Normal", PriorityNormal},
		{"High", PriorityHigh},
		{"Emergency", PriorityEmergency},
		{"garbage", PriorityNormal},
		{"", PriorityNormal},
	}
	for _, tt := range tests {
		if got := ParsePriority(tt.in); got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
