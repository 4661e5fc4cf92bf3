// Package packet implements the binary wire framing used on the intercom
// audio bus: an 8-byte device ID, a big-endian 32-bit sequence number, a
// priority byte, and an Opus frame payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// DeviceIDSize is the length of the opaque sender identifier.
	DeviceIDSize = 8

	// LegacyHeaderSize is the pre-priority header: device ID + sequence.
	LegacyHeaderSize = 12

	// HeaderSize is the full header including the priority byte.
	HeaderSize = 13
)

// ErrTooShort is returned by Decode for packets shorter than the legacy header.
var ErrTooShort = errors.New("packet: too short")

// Priority orders competing transmissions on the shared channel.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityEmergency:
		return "Emergency"
	}
	return fmt.Sprintf("Priority(%d)", uint8(p))
}

// ParsePriority maps the wire-format names used by web clients and the
// control plane. Unknown names map to Normal.
func ParsePriority(s string) Priority {
	switch s {
	case "High":
		return PriorityHigh
	case "Emergency":
		return PriorityEmergency
	}
	return PriorityNormal
}

// AudioPacket is one decoded wire packet. Immutable once decoded; Payload
// aliases the input buffer, so callers that retain it must copy.
type AudioPacket struct {
	DeviceID [DeviceIDSize]byte
	Sequence uint32
	Priority Priority
	Payload  []byte
}

// Encode frames one Opus payload for transmission.
func Encode(deviceID [DeviceIDSize]byte, sequence uint32, priority Priority, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[:DeviceIDSize], deviceID[:])
	binary.BigEndian.PutUint32(buf[DeviceIDSize:], sequence)
	buf[DeviceIDSize+4] = byte(priority)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses one wire packet. Exactly-12-byte packets are accepted as
// legacy frames with no priority byte (priority defaults to Normal); priority
// bytes above Emergency clamp to Normal so unknown senders degrade safely.
func Decode(data []byte) (AudioPacket, error) {
	if len(data) < LegacyHeaderSize {
		return AudioPacket{}, ErrTooShort
	}

	var pkt AudioPacket
	copy(pkt.DeviceID[:], data[:DeviceIDSize])
	pkt.Sequence = binary.BigEndian.Uint32(data[DeviceIDSize:LegacyHeaderSize])

	if len(data) >= HeaderSize {
		pkt.Priority = Priority(data[LegacyHeaderSize])
		if pkt.Priority > PriorityEmergency {
			pkt.Priority = PriorityNormal
		}
		pkt.Payload = data[HeaderSize:]
	} else {
		pkt.Priority = PriorityNormal
		pkt.Payload = data[LegacyHeaderSize:]
	}
	return pkt, nil
}
