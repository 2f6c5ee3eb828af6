package l2cap

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// AddrType is the LE address type of a remote device
type AddrType uint8

const (
	AddrLEPublic AddrType = 0x01
	AddrLERandom AddrType = 0x02
)

// ParseAddrType accepts "public" or "random"
func ParseAddrType(s string) (AddrType, error) {
	switch strings.ToLower(s) {
	case "", "public":
		return AddrLEPublic, nil
	case "random":
		return AddrLERandom, nil
	default:
		return 0, errors.Errorf("l2cap: unknown address type %q", s)
	}
}

// SecurityLevel mirrors the kernel BT_SECURITY_* levels
type SecurityLevel uint8

const (
	SecuritySDP    SecurityLevel = 0
	SecurityLow    SecurityLevel = 1
	SecurityMedium SecurityLevel = 2
	SecurityHigh   SecurityLevel = 3
)

// ParseSecurityLevel accepts "low", "medium" or "high"
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch strings.ToLower(s) {
	case "", "low":
		return SecurityLow, nil
	case "medium":
		return SecurityMedium, nil
	case "high":
		return SecurityHigh, nil
	default:
		return 0, errors.Errorf("l2cap: unknown security level %q", s)
	}
}

// ParseAddr parses a colon separated address such as "B0:55:08:4D:2A:97"
// into display order (most significant octet first).
func ParseAddr(s string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, errors.Errorf("l2cap: malformed address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return addr, errors.Errorf("l2cap: malformed address %q", s)
		}
		addr[i] = byte(v)
	}
	return addr, nil
}
