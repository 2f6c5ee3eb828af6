package gatt

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/user/gattlink/wire/att"
)

// ServiceEntry is one service group reported by Read By Group Type or
// Find By Type Value
type ServiceEntry struct {
	StartHandle uint16
	EndHandle   uint16
	UUID        UUID
}

// IncludeEntry is one include declaration. HasUUID is false for 128-bit
// included services; their UUID must be read from the service declaration.
type IncludeEntry struct {
	Handle      uint16
	StartHandle uint16
	EndHandle   uint16
	UUID        UUID
	HasUUID     bool
}

// CharacteristicEntry is one characteristic declaration
type CharacteristicEntry struct {
	DeclarationHandle uint16
	Properties        uint8
	ValueHandle       uint16
	UUID              UUID
}

// DescriptorEntry is one (handle, type) pair from Find Information
type DescriptorEntry struct {
	Handle uint16
	UUID   UUID
}

// HandleValue is one entry of a Read By Type response
type HandleValue struct {
	Handle uint16
	Value  []byte
}

// ParseReadByGroupTypeResponse parses a Read By Group Type Response (service discovery)
// Each data entry: [StartHandle: 2][EndHandle: 2][UUID: 2 or 16]
func ParseReadByGroupTypeResponse(rsp *att.ReadByGroupTypeResponse) ([]ServiceEntry, error) {
	length := int(rsp.Length)
	if length != 6 && length != 20 {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "read by group type: attribute data length %d", length)
	}

	data := rsp.AttributeData
	if len(data) == 0 || len(data)%length != 0 {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "read by group type: %d bytes is not a multiple of %d", len(data), length)
	}

	services := make([]ServiceEntry, 0, len(data)/length)
	for ; len(data) >= length; data = data[length:] {
		u, err := UUIDFromWire(data[4:length])
		if err != nil {
			return nil, errors.Wrap(ErrMalformedDiscovery, err.Error())
		}
		services = append(services, ServiceEntry{
			StartHandle: binary.LittleEndian.Uint16(data[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(data[2:4]),
			UUID:        u,
		})
	}
	return services, nil
}

// ParseFindByTypeValueResponse parses (FoundHandle, GroupEndHandle) pairs.
// The UUID is the one the request searched for.
func ParseFindByTypeValueResponse(rsp *att.FindByTypeValueResponse, u UUID) ([]ServiceEntry, error) {
	data := rsp.Data
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "find by type value: %d bytes of handle info", len(data))
	}

	services := make([]ServiceEntry, 0, len(data)/4)
	for ; len(data) >= 4; data = data[4:] {
		services = append(services, ServiceEntry{
			StartHandle: binary.LittleEndian.Uint16(data[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(data[2:4]),
			UUID:        u,
		})
	}
	return services, nil
}

// ParseReadByTypeResponse splits a Read By Type Response into (handle, value) pairs
func ParseReadByTypeResponse(rsp *att.ReadByTypeResponse) ([]HandleValue, error) {
	length := int(rsp.Length)
	if length < 2 {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "read by type: attribute data length %d", length)
	}

	data := rsp.AttributeData
	if len(data) == 0 || len(data)%length != 0 {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "read by type: %d bytes is not a multiple of %d", len(data), length)
	}

	entries := make([]HandleValue, 0, len(data)/length)
	for ; len(data) >= length; data = data[length:] {
		entries = append(entries, HandleValue{
			Handle: binary.LittleEndian.Uint16(data[0:2]),
			Value:  append([]byte{}, data[2:length]...),
		})
	}
	return entries, nil
}

// ParseCharacteristicDeclarations parses a Read By Type Response for 0x2803
// Each data entry: [Handle: 2][Properties: 1][ValueHandle: 2][UUID: 2 or 16]
func ParseCharacteristicDeclarations(rsp *att.ReadByTypeResponse) ([]CharacteristicEntry, error) {
	if rsp.Length != 7 && rsp.Length != 21 {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "characteristic declaration length %d", rsp.Length)
	}
	entries, err := ParseReadByTypeResponse(rsp)
	if err != nil {
		return nil, err
	}

	chars := make([]CharacteristicEntry, 0, len(entries))
	for _, e := range entries {
		u, err := UUIDFromWire(e.Value[3:])
		if err != nil {
			return nil, errors.Wrap(ErrMalformedDiscovery, err.Error())
		}
		chars = append(chars, CharacteristicEntry{
			DeclarationHandle: e.Handle,
			Properties:        e.Value[0],
			ValueHandle:       binary.LittleEndian.Uint16(e.Value[1:3]),
			UUID:              u,
		})
	}
	return chars, nil
}

// ParseIncludeDeclarations parses a Read By Type Response for 0x2802
// Each data entry: [Handle: 2][Start: 2][End: 2][UUID16: 0 or 2]
func ParseIncludeDeclarations(rsp *att.ReadByTypeResponse) ([]IncludeEntry, error) {
	if rsp.Length != 6 && rsp.Length != 8 {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "include declaration length %d", rsp.Length)
	}
	entries, err := ParseReadByTypeResponse(rsp)
	if err != nil {
		return nil, err
	}

	incs := make([]IncludeEntry, 0, len(entries))
	for _, e := range entries {
		inc := IncludeEntry{
			Handle:      e.Handle,
			StartHandle: binary.LittleEndian.Uint16(e.Value[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(e.Value[2:4]),
		}
		if len(e.Value) == 6 {
			inc.UUID = UUID16(binary.LittleEndian.Uint16(e.Value[4:6]))
			inc.HasUUID = true
		}
		incs = append(incs, inc)
	}
	return incs, nil
}

// ParseFindInformationResponse parses a Find Information Response (descriptor discovery)
// Format 0x01: 16-bit UUIDs, each entry is [Handle: 2][UUID: 2]
// Format 0x02: 128-bit UUIDs, each entry is [Handle: 2][UUID: 16]
func ParseFindInformationResponse(rsp *att.FindInformationResponse) ([]DescriptorEntry, error) {
	var entrySize int
	switch rsp.Format {
	case 0x01:
		entrySize = 4
	case 0x02:
		entrySize = 18
	default:
		return nil, errors.Wrapf(ErrMalformedDiscovery, "find information format 0x%02X", rsp.Format)
	}

	data := rsp.Data
	if len(data) == 0 || len(data)%entrySize != 0 {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "find information: %d bytes is not a multiple of %d", len(data), entrySize)
	}

	descriptors := make([]DescriptorEntry, 0, len(data)/entrySize)
	for ; len(data) >= entrySize; data = data[entrySize:] {
		u, err := UUIDFromWire(data[2:entrySize])
		if err != nil {
			return nil, errors.Wrap(ErrMalformedDiscovery, err.Error())
		}
		descriptors = append(descriptors, DescriptorEntry{
			Handle: binary.LittleEndian.Uint16(data[0:2]),
			UUID:   u,
		})
	}
	return descriptors, nil
}

// BuildReadByGroupTypeResponse builds a Read By Group Type Response for service discovery
// This is used by the server side to respond to service discovery requests
func BuildReadByGroupTypeResponse(services []ServiceEntry) (*att.ReadByGroupTypeResponse, error) {
	if len(services) == 0 {
		return nil, errors.New("gatt: no services to encode")
	}

	uuidLen := len(services[0].UUID.ATTWire())
	length := 4 + uuidLen
	buf := make([]byte, 0, len(services)*length)
	for _, s := range services {
		u := s.UUID.ATTWire()
		if len(u) != uuidLen {
			return nil, errors.New("gatt: inconsistent UUID lengths in service list")
		}
		buf = binary.LittleEndian.AppendUint16(buf, s.StartHandle)
		buf = binary.LittleEndian.AppendUint16(buf, s.EndHandle)
		buf = append(buf, u...)
	}
	return &att.ReadByGroupTypeResponse{Length: uint8(length), AttributeData: buf}, nil
}

// BuildReadByTypeResponse builds a Read By Type Response from (handle, value) pairs
// of equal length
func BuildReadByTypeResponse(entries []HandleValue) (*att.ReadByTypeResponse, error) {
	if len(entries) == 0 {
		return nil, errors.New("gatt: no attributes to encode")
	}

	valueLen := len(entries[0].Value)
	length := 2 + valueLen
	if length > 0xFF {
		return nil, errors.Errorf("gatt: attribute value too long for read by type (%d)", valueLen)
	}
	buf := make([]byte, 0, len(entries)*length)
	for _, e := range entries {
		if len(e.Value) != valueLen {
			return nil, errors.New("gatt: inconsistent value lengths in attribute list")
		}
		buf = binary.LittleEndian.AppendUint16(buf, e.Handle)
		buf = append(buf, e.Value...)
	}
	return &att.ReadByTypeResponse{Length: uint8(length), AttributeData: buf}, nil
}

// BuildFindInformationResponse builds a Find Information Response for descriptor discovery
func BuildFindInformationResponse(descriptors []DescriptorEntry) (*att.FindInformationResponse, error) {
	if len(descriptors) == 0 {
		return nil, errors.New("gatt: no descriptors to encode")
	}

	uuidLen := len(descriptors[0].UUID.ATTWire())
	format := uint8(0x01)
	if uuidLen == 16 {
		format = 0x02
	}

	buf := make([]byte, 0, len(descriptors)*(2+uuidLen))
	for _, d := range descriptors {
		u := d.UUID.ATTWire()
		if len(u) != uuidLen {
			return nil, errors.New("gatt: inconsistent UUID lengths in descriptor list")
		}
		buf = binary.LittleEndian.AppendUint16(buf, d.Handle)
		buf = append(buf, u...)
	}
	return &att.FindInformationResponse{Format: format, Data: buf}, nil
}

// CharacteristicDeclarationValue encodes the value of a 0x2803 attribute
// Format: [Properties: 1][ValueHandle: 2][UUID: 2 or 16]
func CharacteristicDeclarationValue(props uint8, valueHandle uint16, u UUID) []byte {
	buf := []byte{props}
	buf = binary.LittleEndian.AppendUint16(buf, valueHandle)
	return append(buf, u.ATTWire()...)
}

// IncludeDeclarationValue encodes the value of a 0x2802 attribute.
// The UUID is only present when it has a 16-bit form.
func IncludeDeclarationValue(start, end uint16, u UUID) []byte {
	buf := binary.LittleEndian.AppendUint16(nil, start)
	buf = binary.LittleEndian.AppendUint16(buf, end)
	if w := u.ATTWire(); len(w) == 2 {
		buf = append(buf, w...)
	}
	return buf
}
