package gatt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// CCCD (Client Characteristic Configuration Descriptor) values
// These are written by clients to enable/disable notifications and indications
const (
	CCCDNotificationsDisabled = 0x0000
	CCCDNotificationsEnabled  = 0x0001
	CCCDIndicationsEnabled    = 0x0002
	CCCDBothEnabled           = 0x0003
)

// EncodeCCCDValue converts subscription state to CCCD value bytes (little-endian)
func EncodeCCCDValue(notifyEnabled, indicateEnabled bool) []byte {
	var value uint16
	if notifyEnabled {
		value |= CCCDNotificationsEnabled
	}
	if indicateEnabled {
		value |= CCCDIndicationsEnabled
	}

	cccdValue := make([]byte, 2)
	binary.LittleEndian.PutUint16(cccdValue, value)
	return cccdValue
}

// DecodeCCCDValue parses CCCD value bytes to notification/indication flags
func DecodeCCCDValue(cccdValue []byte) (notifyEnabled, indicateEnabled bool, err error) {
	if len(cccdValue) != 2 {
		return false, false, errors.Wrapf(ErrInvalidValueLength, "cccd value has %d bytes", len(cccdValue))
	}

	value := binary.LittleEndian.Uint16(cccdValue)
	notifyEnabled = (value & CCCDNotificationsEnabled) != 0
	indicateEnabled = (value & CCCDIndicationsEnabled) != 0

	return notifyEnabled, indicateEnabled, nil
}

// cccdEnableValue picks the CCCD value a first subscriber writes:
// notifications when supported, otherwise indications.
func cccdEnableValue(props uint8) ([]byte, error) {
	switch {
	case props&PropNotify != 0:
		return EncodeCCCDValue(true, false), nil
	case props&PropIndicate != 0:
		return EncodeCCCDValue(false, true), nil
	default:
		return nil, ErrNotifyNotSupported
	}
}

// ServiceChangedRange decodes the value of a Service Changed indication
func ServiceChangedRange(value []byte) (start, end uint16, err error) {
	if len(value) != 4 {
		return 0, 0, errors.Wrapf(ErrInvalidValueLength, "service changed value has %d bytes", len(value))
	}
	return binary.LittleEndian.Uint16(value[0:2]), binary.LittleEndian.Uint16(value[2:4]), nil
}
