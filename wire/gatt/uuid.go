package gatt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// UUID is a Bluetooth attribute type in its canonical 128-bit form.
// 16- and 32-bit UUIDs are aliases inside the Bluetooth Base UUID.
type UUID uuid.UUID

// BaseUUID is 00000000-0000-1000-8000-00805F9B34FB
var BaseUUID = UUID(uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb"))

// UUID16 expands a 16-bit alias with the Base UUID
func UUID16(v uint16) UUID {
	u := BaseUUID
	binary.BigEndian.PutUint16(u[2:4], v)
	return u
}

// UUID32 expands a 32-bit alias with the Base UUID
func UUID32(v uint32) UUID {
	u := BaseUUID
	binary.BigEndian.PutUint32(u[0:4], v)
	return u
}

// UUIDFromWire decodes a little-endian UUID of 2, 4 or 16 bytes
func UUIDFromWire(b []byte) (UUID, error) {
	switch len(b) {
	case 2:
		return UUID16(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return UUID32(binary.LittleEndian.Uint32(b)), nil
	case 16:
		var u UUID
		for i := 0; i < 16; i++ {
			u[i] = b[15-i]
		}
		return u, nil
	default:
		return UUID{}, errors.Errorf("gatt: invalid UUID length %d", len(b))
	}
}

// MustUUIDFromWire is UUIDFromWire for constant tables
func MustUUIDFromWire(b []byte) UUID {
	u, err := UUIDFromWire(b)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseUUID accepts "180f", "0x180F", "0000180f" or the canonical 36-char form
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	switch len(s) {
	case 4:
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return UUID{}, errors.Wrapf(err, "gatt: parse uuid %q", s)
		}
		return UUID16(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return UUID{}, errors.Wrapf(err, "gatt: parse uuid %q", s)
		}
		return UUID32(uint32(v)), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, errors.Wrapf(err, "gatt: parse uuid %q", s)
	}
	return UUID(u), nil
}

func (u UUID) isBaseAlias() bool {
	return bytes.Equal(u[4:], BaseUUID[4:])
}

// Short returns the 16-bit alias when the UUID has one
func (u UUID) Short() (uint16, bool) {
	if !u.isBaseAlias() || u[0] != 0 || u[1] != 0 {
		return 0, false
	}
	return binary.BigEndian.Uint16(u[2:4]), true
}

// Wire returns the shortest little-endian encoding: 2, 4 or 16 bytes
func (u UUID) Wire() []byte {
	if v, ok := u.Short(); ok {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}
	if u.isBaseAlias() {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, binary.BigEndian.Uint32(u[0:4]))
		return b
	}
	return u.wire128()
}

// ATTWire returns the encoding ATT PDUs carry: 2 bytes for 16-bit aliases,
// otherwise 16 bytes. ATT has no 32-bit form.
func (u UUID) ATTWire() []byte {
	if _, ok := u.Short(); ok {
		return u.Wire()
	}
	return u.wire128()
}

func (u UUID) wire128() []byte {
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = u[15-i]
	}
	return b
}

// String returns the canonical lowercase 36-char form
func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// ShortString returns "0x180F" for 16-bit aliases and String otherwise
func (u UUID) ShortString() string {
	if v, ok := u.Short(); ok {
		return fmt.Sprintf("0x%04X", v)
	}
	return u.String()
}

// MarshalText implements encoding.TextMarshaler
func (u UUID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (u *UUID) UnmarshalText(text []byte) error {
	parsed, err := ParseUUID(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
