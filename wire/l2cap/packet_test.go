package l2cap

import (
	"bytes"
	"testing"
)

func TestPacketEncodeDecoded(t *testing.T) {
	tests := []struct {
		name      string
		packet    *Packet
		wantBytes []byte
	}{
		{
			name: "empty payload",
			packet: &Packet{
				Length:    0,
				ChannelID: ChannelATT,
				Payload:   []byte{},
			},
			wantBytes: []byte{0x00, 0x00, 0x04, 0x00},
		},
		{
			name: "small ATT payload",
			packet: &Packet{
				Length:    3,
				ChannelID: ChannelATT,
				Payload:   []byte{0x01, 0x02, 0x03},
			},
			wantBytes: []byte{0x03, 0x00, 0x04, 0x00, 0x01, 0x02, 0x03},
		},
		{
			name: "SMP channel",
			packet: &Packet{
				Length:    2,
				ChannelID: ChannelSMP,
				Payload:   []byte{0xAA, 0xBB},
			},
			wantBytes: []byte{0x02, 0x00, 0x06, 0x00, 0xAA, 0xBB},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Test encoding
			encoded := tt.packet.Encode()
			if !bytes.Equal(encoded, tt.wantBytes) {
				t.Errorf("Encode() = %v, want %v", encoded, tt.wantBytes)
			}

			// Test decoding
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if decoded.Length != tt.packet.Length {
				t.Errorf("Length = %d, want %d", decoded.Length, tt.packet.Length)
			}
			if decoded.ChannelID != tt.packet.ChannelID {
				t.Errorf("ChannelID = %d, want %d", decoded.ChannelID, tt.packet.ChannelID)
			}
			if !bytes.Equal(decoded.Payload, tt.packet.Payload) {
				t.Errorf("Payload = %v, want %v", decoded.Payload, tt.packet.Payload)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{
			name:    "too short",
			data:    []byte{0x01, 0x02},
			wantErr: true,
		},
		{
			name:    "incomplete payload",
			data:    []byte{0x0A, 0x00, 0x04, 0x00, 0x01}, // claims 10 bytes, only 1 present
			wantErr: true,
		},
		{
			name:    "valid minimum packet",
			data:    []byte{0x00, 0x00, 0x04, 0x00},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadPacketFromStream(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(NewATTPacket([]byte{0x0A, 0x03, 0x00}).Encode())
	stream.Write((&Packet{ChannelID: ChannelSMP, Payload: []byte{0x01}}).Encode())

	first, err := ReadPacket(&stream)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if first.ChannelID != ChannelATT || !bytes.Equal(first.Payload, []byte{0x0A, 0x03, 0x00}) {
		t.Errorf("first frame = %+v", first)
	}

	second, err := ReadPacket(&stream)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if second.ChannelID != ChannelSMP {
		t.Errorf("second ChannelID = %d, want %d", second.ChannelID, ChannelSMP)
	}

	if _, err := ReadPacket(&stream); err == nil {
		t.Error("expected error on empty stream")
	}
}

func TestReadPacketTruncated(t *testing.T) {
	stream := bytes.NewReader([]byte{0x05, 0x00, 0x04, 0x00, 0x01, 0x02})
	if _, err := ReadPacket(stream); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestNewATTPacket(t *testing.T) {
	payload := []byte{0x02, 0x00, 0x02}
	pkt := NewATTPacket(payload)

	if pkt.ChannelID != ChannelATT {
		t.Errorf("ChannelID = %d, want %d", pkt.ChannelID, ChannelATT)
	}
	if pkt.Length != uint16(len(payload)) {
		t.Errorf("Length = %d, want %d", pkt.Length, len(payload))
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("Payload = %v, want %v", pkt.Payload, payload)
	}
}

func TestChannelName(t *testing.T) {
	if got := ChannelName(ChannelATT); got != "ATT" {
		t.Errorf("ChannelName(ATT) = %q", got)
	}
	if got := ChannelName(0x0040); got != "Unknown" {
		t.Errorf("ChannelName(0x0040) = %q", got)
	}
}

func TestParseAddr(t *testing.T) {
	addr, err := ParseAddr("B0:55:08:4D:2A:97")
	if err != nil {
		t.Fatalf("ParseAddr() error = %v", err)
	}
	want := [6]byte{0xB0, 0x55, 0x08, 0x4D, 0x2A, 0x97}
	if addr != want {
		t.Errorf("ParseAddr() = %X, want %X", addr, want)
	}

	for _, bad := range []string{"", "B0:55:08:4D:2A", "B0:55:08:4D:2A:ZZ", "B0:55:08:4D:2A:977"} {
		if _, err := ParseAddr(bad); err == nil {
			t.Errorf("ParseAddr(%q) expected error", bad)
		}
	}
}

func TestParseAddrTypeAndSecurity(t *testing.T) {
	if typ, err := ParseAddrType("Random"); err != nil || typ != AddrLERandom {
		t.Errorf("ParseAddrType(Random) = %v, %v", typ, err)
	}
	if typ, err := ParseAddrType(""); err != nil || typ != AddrLEPublic {
		t.Errorf("ParseAddrType(\"\") = %v, %v", typ, err)
	}
	if _, err := ParseAddrType("static"); err == nil {
		t.Error("expected error for unknown address type")
	}

	if lvl, err := ParseSecurityLevel("high"); err != nil || lvl != SecurityHigh {
		t.Errorf("ParseSecurityLevel(high) = %v, %v", lvl, err)
	}
	if _, err := ParseSecurityLevel("fips"); err == nil {
		t.Error("expected error for unknown security level")
	}
}
