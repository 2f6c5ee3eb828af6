package l2cap

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// L2CAP Channel IDs
const (
	ChannelNULL      uint16 = 0x0000 // Reserved/Null
	ChannelSignaling uint16 = 0x0001 // ACL-U signaling
	ChannelConnless  uint16 = 0x0002 // Connectionless
	ChannelAMP       uint16 = 0x0003 // AMP Manager
	ChannelATT       uint16 = 0x0004 // Attribute Protocol
	ChannelLESignal  uint16 = 0x0005 // LE L2CAP Signaling
	ChannelSMP       uint16 = 0x0006 // Security Manager Protocol
	ChannelBR        uint16 = 0x0007 // BR/EDR Security Manager
)

// L2CAPHeaderLen is Length (2 bytes) + Channel ID (2 bytes)
const L2CAPHeaderLen = 4

// Packet represents an L2CAP basic-mode frame
// Format: [Length: 2 bytes] [Channel ID: 2 bytes] [Payload: N bytes]
type Packet struct {
	Length    uint16 // Length of the payload (not including L2CAP header)
	ChannelID uint16
	Payload   []byte
}

// Encode serializes an L2CAP packet to binary format
func (p *Packet) Encode() []byte {
	buf := make([]byte, L2CAPHeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[4:], p.Payload)
	return buf
}

// Decode parses binary data into an L2CAP packet
func Decode(data []byte) (*Packet, error) {
	if len(data) < L2CAPHeaderLen {
		return nil, errors.Errorf("l2cap: packet too short (need at least %d bytes, got %d)", L2CAPHeaderLen, len(data))
	}

	length := binary.LittleEndian.Uint16(data[0:2])
	channelID := binary.LittleEndian.Uint16(data[2:4])

	if len(data) < L2CAPHeaderLen+int(length) {
		return nil, errors.Errorf("l2cap: incomplete packet (claimed length %d, got %d)", length, len(data)-L2CAPHeaderLen)
	}

	payload := make([]byte, length)
	copy(payload, data[4:4+length])

	return &Packet{
		Length:    length,
		ChannelID: channelID,
		Payload:   payload,
	}, nil
}

// ReadPacket reads exactly one frame from a byte stream
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [L2CAPHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint16(hdr[0:2])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "l2cap: truncated frame")
	}

	return &Packet{
		Length:    length,
		ChannelID: binary.LittleEndian.Uint16(hdr[2:4]),
		Payload:   payload,
	}, nil
}

// NewATTPacket creates an L2CAP packet for the ATT channel
func NewATTPacket(payload []byte) *Packet {
	return &Packet{
		Length:    uint16(len(payload)),
		ChannelID: ChannelATT,
		Payload:   payload,
	}
}

// ChannelName returns the human-readable name for an L2CAP channel
func ChannelName(channelID uint16) string {
	switch channelID {
	case ChannelNULL:
		return "NULL"
	case ChannelSignaling:
		return "ACL-U Signaling"
	case ChannelConnless:
		return "Connectionless"
	case ChannelAMP:
		return "AMP Manager"
	case ChannelATT:
		return "ATT"
	case ChannelLESignal:
		return "LE L2CAP Signaling"
	case ChannelSMP:
		return "SMP"
	case ChannelBR:
		return "BR/EDR Security Manager"
	default:
		return "Unknown"
	}
}
