package gatt

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedDiscovery marks a discovery entry that violates handle ordering or ranges
	ErrMalformedDiscovery = errors.New("gatt: malformed discovery response")
	// ErrPartialDiscovery means discovery finished but some procedures failed
	ErrPartialDiscovery = errors.New("gatt: partial discovery")
	// ErrNotReady is returned by operations before discovery completes
	ErrNotReady = errors.New("gatt: client not ready")
	// ErrAlreadyRegistered is returned while the same subscription is still being armed
	ErrAlreadyRegistered = errors.New("gatt: subscription already being registered")
	// ErrDescriptorNotFound means the characteristic has no CCCD
	ErrDescriptorNotFound = errors.New("gatt: descriptor not found")
	// ErrNotifyNotSupported means the characteristic supports neither notify nor indicate
	ErrNotifyNotSupported = errors.New("gatt: characteristic does not support notify or indicate")
	// ErrValueTooLong means a value does not fit the chosen write procedure
	ErrValueTooLong = errors.New("gatt: value too long")
	// ErrNotFound means no attribute or characteristic exists at a handle
	ErrNotFound = errors.New("gatt: not found")
	// ErrInvalidValueLength is returned when a fixed-size value has the wrong length
	ErrInvalidValueLength = errors.New("gatt: invalid attribute value length")
)

// DiscoveryError collects the problems of a discovery run that still
// produced a usable database. It matches ErrPartialDiscovery and every
// error it collected.
type DiscoveryError struct {
	Issues []error
}

func (e *DiscoveryError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("%v: %v", ErrPartialDiscovery, e.Issues[0])
	}
	return fmt.Sprintf("%v: %d problems, first: %v", ErrPartialDiscovery, len(e.Issues), e.Issues[0])
}

// Is reports whether target is ErrPartialDiscovery or matches one of the issues
func (e *DiscoveryError) Is(target error) bool {
	if target == ErrPartialDiscovery {
		return true
	}
	for _, issue := range e.Issues {
		if errors.Is(issue, target) {
			return true
		}
	}
	return false
}
