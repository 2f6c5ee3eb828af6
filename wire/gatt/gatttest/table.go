// Package gatttest provides a scripted GATT server that speaks ATT over an
// in-memory channel, for testing clients without a radio.
package gatttest

import (
	"sort"

	"github.com/user/gattlink/wire/gatt"
)

// Service is a high-level GATT service definition
type Service struct {
	UUID            gatt.UUID
	Primary         bool
	StartHandle     uint16 // 0 continues after the previous service
	Includes        []int  // indexes of earlier services in the same Build call
	Characteristics []Characteristic
}

// Characteristic is a high-level GATT characteristic definition.
// A CCCD is appended automatically when Properties has notify or indicate.
type Characteristic struct {
	UUID        gatt.UUID
	Properties  uint8
	Value       []byte
	Descriptors []Descriptor
}

// Descriptor is a GATT descriptor definition
type Descriptor struct {
	UUID  gatt.UUID
	Value []byte
}

// Attribute is one row of the server's attribute table
type Attribute struct {
	Handle   uint16
	Type     gatt.UUID
	Value    []byte
	GroupEnd uint16 // last handle of a service group, set on declarations
}

// ServiceHandles stores the handle layout of a built service
type ServiceHandles struct {
	StartHandle uint16
	EndHandle   uint16
	CharHandles map[gatt.UUID]CharHandles
}

// CharHandles stores the handle layout of a built characteristic
type CharHandles struct {
	DeclarationHandle uint16
	ValueHandle       uint16
	CCCDHandle        uint16 // 0 when the characteristic has no CCCD
	Descriptors       []uint16
}

// Table is a server-side attribute table sorted by handle
type Table struct {
	Attributes []*Attribute
	Services   []ServiceHandles
}

// Build converts service definitions into an attribute table
func Build(services []Service) *Table {
	t := &Table{}
	next := uint16(0x0001)

	for _, svc := range services {
		if svc.StartHandle != 0 {
			next = svc.StartHandle
		}
		info := t.buildService(svc, next)
		t.Services = append(t.Services, info)
		next = info.EndHandle + 1
	}
	return t
}

func (t *Table) add(handle uint16, typ gatt.UUID, value []byte) *Attribute {
	a := &Attribute{Handle: handle, Type: typ, Value: append([]byte{}, value...)}
	t.Attributes = append(t.Attributes, a)
	return a
}

func (t *Table) buildService(svc Service, handle uint16) ServiceHandles {
	info := ServiceHandles{StartHandle: handle, CharHandles: make(map[gatt.UUID]CharHandles)}

	declType := gatt.UUIDSecondaryService
	if svc.Primary {
		declType = gatt.UUIDPrimaryService
	}
	decl := t.add(handle, declType, svc.UUID.ATTWire())
	handle++

	for _, idx := range svc.Includes {
		inc := t.Services[idx]
		incUUID := t.serviceUUID(idx)
		t.add(handle, gatt.UUIDInclude, gatt.IncludeDeclarationValue(inc.StartHandle, inc.EndHandle, incUUID))
		handle++
	}

	for _, char := range svc.Characteristics {
		ch := CharHandles{DeclarationHandle: handle, ValueHandle: handle + 1}
		t.add(handle, gatt.UUIDCharacteristic, gatt.CharacteristicDeclarationValue(char.Properties, handle+1, char.UUID))
		t.add(handle+1, char.UUID, char.Value)
		handle += 2

		for _, desc := range char.Descriptors {
			t.add(handle, desc.UUID, desc.Value)
			ch.Descriptors = append(ch.Descriptors, handle)
			handle++
		}
		if char.Properties&(gatt.PropNotify|gatt.PropIndicate) != 0 {
			t.add(handle, gatt.UUIDClientCharacteristicConfig, []byte{0x00, 0x00})
			ch.CCCDHandle = handle
			ch.Descriptors = append(ch.Descriptors, handle)
			handle++
		}
		info.CharHandles[char.UUID] = ch
	}

	info.EndHandle = handle - 1
	decl.GroupEnd = info.EndHandle
	return info
}

// serviceUUID returns the UUID of the service built at index idx
func (t *Table) serviceUUID(idx int) gatt.UUID {
	a := t.Find(t.Services[idx].StartHandle)
	u, _ := gatt.UUIDFromWire(a.Value)
	return u
}

// Find returns the attribute at handle, or nil
func (t *Table) Find(handle uint16) *Attribute {
	i := sort.Search(len(t.Attributes), func(i int) bool { return t.Attributes[i].Handle >= handle })
	if i < len(t.Attributes) && t.Attributes[i].Handle == handle {
		return t.Attributes[i]
	}
	return nil
}

// Range returns the attributes in [start, end] in handle order
func (t *Table) Range(start, end uint16) []*Attribute {
	var out []*Attribute
	for _, a := range t.Attributes {
		if a.Handle >= start && a.Handle <= end {
			out = append(out, a)
		}
	}
	return out
}

// ValueHandle returns the value handle of a characteristic in service svc
func (t *Table) ValueHandle(svc int, char gatt.UUID) uint16 {
	return t.Services[svc].CharHandles[char].ValueHandle
}

// CCCDHandle returns the CCCD handle of a characteristic in service svc
func (t *Table) CCCDHandle(svc int, char gatt.UUID) uint16 {
	return t.Services[svc].CharHandles[char].CCCDHandle
}

// GenericAccessService creates the mandatory Generic Access service (0x1800)
func GenericAccessService(deviceName string, appearance uint16) Service {
	return Service{
		UUID:    gatt.UUIDGenericAccessService,
		Primary: true,
		Characteristics: []Characteristic{
			{UUID: gatt.UUID16(0x2A00), Properties: gatt.PropRead, Value: []byte(deviceName)},
			{UUID: gatt.UUID16(0x2A01), Properties: gatt.PropRead, Value: []byte{byte(appearance), byte(appearance >> 8)}},
		},
	}
}

// GenericAttributeService creates the Generic Attribute service (0x1801)
// with its Service Changed characteristic
func GenericAttributeService() Service {
	return Service{
		UUID:    gatt.UUIDGenericAttributeService,
		Primary: true,
		Characteristics: []Characteristic{
			{UUID: gatt.UUIDServiceChanged, Properties: gatt.PropIndicate, Value: []byte{0x00, 0x00, 0x00, 0x00}},
		},
	}
}
