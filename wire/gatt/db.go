package gatt

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Attribute represents a single GATT attribute with a handle
type Attribute struct {
	Handle      uint16 // ATT handle (1-based, 0x0000 is reserved)
	Type        UUID
	Value       []byte // Declaration bytes or the last value seen in this session
	Permissions uint8
}

// Service is a discovered primary or secondary service. Its structure is
// fixed once committed; only cached attribute values change afterwards.
type Service struct {
	StartHandle     uint16
	EndHandle       uint16
	UUID            UUID
	Primary         bool
	Includes        []Include
	Characteristics []*Characteristic

	attrs     []*Attribute // sorted by handle
	committed bool
}

// Include references another service by handle range. Resolve it with
// Database.ServiceAt(inc.StartHandle).
type Include struct {
	Handle      uint16
	StartHandle uint16
	EndHandle   uint16
	UUID        UUID
}

// Characteristic is a discovered characteristic; EndHandle is the last
// handle of its descriptors.
type Characteristic struct {
	DeclarationHandle  uint16
	ValueHandle        uint16
	EndHandle          uint16
	Properties         uint8
	ExtendedProperties uint16
	UUID               UUID
	Descriptors        []*Descriptor
}

// Descriptor is a discovered descriptor; its value lives in the attribute table
type Descriptor struct {
	Handle uint16
	UUID   UUID
}

// Descriptor returns the first descriptor of the given type, or nil
func (c *Characteristic) Descriptor(u UUID) *Descriptor {
	for _, d := range c.Descriptors {
		if d.UUID == u {
			return d
		}
	}
	return nil
}

// Characteristic returns the characteristic whose value handle is h, or nil
func (s *Service) Characteristic(valueHandle uint16) *Characteristic {
	i := sort.Search(len(s.Characteristics), func(i int) bool {
		return s.Characteristics[i].ValueHandle >= valueHandle
	})
	if i < len(s.Characteristics) && s.Characteristics[i].ValueHandle == valueHandle {
		return s.Characteristics[i]
	}
	return nil
}

// CharacteristicByUUID returns the first characteristic of the given type, or nil
func (s *Service) CharacteristicByUUID(u UUID) *Characteristic {
	for _, c := range s.Characteristics {
		if c.UUID == u {
			return c
		}
	}
	return nil
}

// Contains reports whether handle lies within the service range
func (s *Service) Contains(handle uint16) bool {
	return handle >= s.StartHandle && handle <= s.EndHandle
}

func (s *Service) overlaps(start, end uint16) bool {
	return s.StartHandle <= end && start <= s.EndHandle
}

func (s *Service) checkBuilding(handle uint16) error {
	if s.committed {
		return errors.Errorf("gatt: service 0x%04X-0x%04X already committed", s.StartHandle, s.EndHandle)
	}
	if handle <= s.StartHandle || handle > s.EndHandle {
		return errors.Wrapf(ErrMalformedDiscovery, "handle 0x%04X outside service 0x%04X-0x%04X",
			handle, s.StartHandle, s.EndHandle)
	}
	return nil
}

// insertAttr keeps attrs sorted and rejects a handle already in use
func (s *Service) insertAttr(a *Attribute) error {
	i := sort.Search(len(s.attrs), func(i int) bool { return s.attrs[i].Handle >= a.Handle })
	if i < len(s.attrs) && s.attrs[i].Handle == a.Handle {
		return errors.Wrapf(ErrMalformedDiscovery, "handle 0x%04X reported twice", a.Handle)
	}
	s.attrs = append(s.attrs, nil)
	copy(s.attrs[i+1:], s.attrs[i:])
	s.attrs[i] = a
	return nil
}

func (s *Service) findAttr(handle uint16) *Attribute {
	i := sort.Search(len(s.attrs), func(i int) bool { return s.attrs[i].Handle >= handle })
	if i < len(s.attrs) && s.attrs[i].Handle == handle {
		return s.attrs[i]
	}
	return nil
}

// AddInclude records an include declaration of a pending service
func (s *Service) AddInclude(handle, start, end uint16, u UUID) (Include, error) {
	if err := s.checkBuilding(handle); err != nil {
		return Include{}, err
	}
	if start == InvalidHandle || start > end {
		return Include{}, errors.Wrapf(ErrMalformedDiscovery, "include 0x%04X has range 0x%04X-0x%04X", handle, start, end)
	}
	if err := s.insertAttr(&Attribute{
		Handle:      handle,
		Type:        UUIDInclude,
		Value:       IncludeDeclarationValue(start, end, u),
		Permissions: PermReadable,
	}); err != nil {
		return Include{}, err
	}
	inc := Include{Handle: handle, StartHandle: start, EndHandle: end, UUID: u}
	s.Includes = append(s.Includes, inc)
	return inc, nil
}

// AddCharacteristic records a characteristic declaration and its value
// attribute. Declarations must arrive in ascending order.
func (s *Service) AddCharacteristic(declHandle, valueHandle uint16, props uint8, u UUID) (*Characteristic, error) {
	if err := s.checkBuilding(declHandle); err != nil {
		return nil, err
	}
	if valueHandle <= declHandle || valueHandle > s.EndHandle {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "characteristic 0x%04X has value handle 0x%04X",
			declHandle, valueHandle)
	}
	if n := len(s.Characteristics); n > 0 && declHandle <= s.Characteristics[n-1].ValueHandle {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "characteristic 0x%04X out of order", declHandle)
	}

	if err := s.insertAttr(&Attribute{
		Handle:      declHandle,
		Type:        UUIDCharacteristic,
		Value:       CharacteristicDeclarationValue(props, valueHandle, u),
		Permissions: PermReadable,
	}); err != nil {
		return nil, err
	}
	if err := s.insertAttr(&Attribute{
		Handle:      valueHandle,
		Type:        u,
		Permissions: permissionsFromProperties(props),
	}); err != nil {
		return nil, err
	}

	c := &Characteristic{
		DeclarationHandle: declHandle,
		ValueHandle:       valueHandle,
		EndHandle:         s.EndHandle,
		Properties:        props,
		UUID:              u,
	}
	if n := len(s.Characteristics); n > 0 {
		prev := s.Characteristics[n-1]
		prev.EndHandle = declHandle - 1
	}
	s.Characteristics = append(s.Characteristics, c)
	return c, nil
}

// AddDescriptor records a descriptor of characteristic c
func (s *Service) AddDescriptor(c *Characteristic, handle uint16, u UUID) (*Descriptor, error) {
	if err := s.checkBuilding(handle); err != nil {
		return nil, err
	}
	if handle <= c.ValueHandle || handle > c.EndHandle {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "descriptor 0x%04X outside characteristic 0x%04X-0x%04X",
			handle, c.ValueHandle, c.EndHandle)
	}
	if n := len(c.Descriptors); n > 0 && handle <= c.Descriptors[n-1].Handle {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "descriptor 0x%04X out of order", handle)
	}
	if err := s.insertAttr(&Attribute{Handle: handle, Type: u, Permissions: PermReadable | PermWritable}); err != nil {
		return nil, err
	}
	d := &Descriptor{Handle: handle, UUID: u}
	c.Descriptors = append(c.Descriptors, d)
	return d, nil
}

// SetExtendedProperties stores the decoded value of descriptor 0x2900
func (s *Service) SetExtendedProperties(c *Characteristic, value []byte) error {
	if len(value) < 2 {
		return errors.Wrapf(ErrInvalidValueLength, "extended properties value has %d bytes", len(value))
	}
	c.ExtendedProperties = binary.LittleEndian.Uint16(value)
	if d := c.Descriptor(UUIDCharExtProps); d != nil {
		if a := s.findAttr(d.Handle); a != nil {
			a.Value = append([]byte{}, value...)
		}
	}
	return nil
}

type dbObserver struct {
	onAdded   func(*Service)
	onRemoved func(*Service)
}

// Database is the client-side mirror of a remote GATT server. Services are
// non-overlapping and kept sorted by start handle. A service being built
// during discovery is pending and invisible until committed.
type Database struct {
	mu        sync.RWMutex
	services  []*Service
	pending   []*Service
	version   uint64
	observers map[uint]dbObserver
	nextObsID uint
}

// NewDatabase creates an empty database
func NewDatabase() *Database {
	return &Database{observers: make(map[uint]dbObserver)}
}

// NewService starts a pending service. The range must be valid and must not
// overlap any committed or pending service.
func (db *Database) NewService(start, end uint16, u UUID, primary bool) (*Service, error) {
	if start == InvalidHandle || start > end {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "service range 0x%04X-0x%04X", start, end)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if s := db.overlappingLocked(start, end); s != nil {
		return nil, errors.Wrapf(ErrMalformedDiscovery, "service 0x%04X-0x%04X overlaps 0x%04X-0x%04X",
			start, end, s.StartHandle, s.EndHandle)
	}

	typ := UUIDSecondaryService
	if primary {
		typ = UUIDPrimaryService
	}
	svc := &Service{
		StartHandle: start,
		EndHandle:   end,
		UUID:        u,
		Primary:     primary,
		attrs: []*Attribute{{
			Handle:      start,
			Type:        typ,
			Value:       u.ATTWire(),
			Permissions: PermReadable,
		}},
	}
	db.pending = append(db.pending, svc)
	return svc, nil
}

func (db *Database) overlappingLocked(start, end uint16) *Service {
	i := sort.Search(len(db.services), func(i int) bool { return db.services[i].EndHandle >= start })
	if i < len(db.services) && db.services[i].overlaps(start, end) {
		return db.services[i]
	}
	for _, p := range db.pending {
		if p.overlaps(start, end) {
			return p
		}
	}
	return nil
}

func (db *Database) removePendingLocked(svc *Service) bool {
	for i, p := range db.pending {
		if p == svc {
			db.pending = append(db.pending[:i], db.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Commit makes a pending service visible and notifies observers
func (db *Database) Commit(svc *Service) error {
	db.mu.Lock()
	if !db.removePendingLocked(svc) {
		db.mu.Unlock()
		return errors.Errorf("gatt: service 0x%04X-0x%04X is not pending", svc.StartHandle, svc.EndHandle)
	}
	svc.committed = true
	i := sort.Search(len(db.services), func(i int) bool { return db.services[i].StartHandle > svc.StartHandle })
	db.services = append(db.services, nil)
	copy(db.services[i+1:], db.services[i:])
	db.services[i] = svc
	db.version++
	observers := db.observersLocked()
	db.mu.Unlock()

	for _, o := range observers {
		if o.onAdded != nil {
			o.onAdded(svc)
		}
	}
	return nil
}

// Discard drops a pending service
func (db *Database) Discard(svc *Service) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.removePendingLocked(svc)
}

// DiscardPending drops every pending service
func (db *Database) DiscardPending() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pending = nil
}

// ClearRange removes every committed service intersecting [start, end]
func (db *Database) ClearRange(start, end uint16) []*Service {
	db.mu.Lock()
	var removed []*Service
	kept := db.services[:0]
	for _, s := range db.services {
		if s.overlaps(start, end) {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(db.services); i++ {
		db.services[i] = nil
	}
	db.services = kept
	if len(removed) > 0 {
		db.version++
	}
	observers := db.observersLocked()
	db.mu.Unlock()

	for _, s := range removed {
		for _, o := range observers {
			if o.onRemoved != nil {
				o.onRemoved(s)
			}
		}
	}
	return removed
}

// ServiceAt returns the committed service containing handle, or nil
func (db *Database) ServiceAt(handle uint16) *Service {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.serviceAtLocked(handle)
}

func (db *Database) serviceAtLocked(handle uint16) *Service {
	i := sort.Search(len(db.services), func(i int) bool { return db.services[i].EndHandle >= handle })
	if i < len(db.services) && db.services[i].Contains(handle) {
		return db.services[i]
	}
	return nil
}

// Lookup returns a copy of the attribute at handle
func (db *Database) Lookup(handle uint16) (Attribute, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if svc := db.serviceAtLocked(handle); svc != nil {
		if a := svc.findAttr(handle); a != nil {
			return Attribute{
				Handle:      a.Handle,
				Type:        a.Type,
				Value:       append([]byte{}, a.Value...),
				Permissions: a.Permissions,
			}, nil
		}
	}
	return Attribute{}, errors.Wrapf(ErrNotFound, "handle 0x%04X", handle)
}

// Characteristic returns the characteristic with the given value handle and its service
func (db *Database) Characteristic(valueHandle uint16) (*Characteristic, *Service, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if svc := db.serviceAtLocked(valueHandle); svc != nil {
		if c := svc.Characteristic(valueHandle); c != nil {
			return c, svc, nil
		}
	}
	return nil, nil, errors.Wrapf(ErrNotFound, "no characteristic with value handle 0x%04X", valueHandle)
}

// SetValue caches a value read or written for an attribute
func (db *Database) SetValue(handle uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if svc := db.serviceAtLocked(handle); svc != nil {
		if a := svc.findAttr(handle); a != nil {
			a.Value = append([]byte{}, value...)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "handle 0x%04X", handle)
}

// ForEachService visits committed services intersecting [start, end] in
// ascending order. (0, 0) means the full span. fn returning false stops.
func (db *Database) ForEachService(start, end uint16, fn func(*Service) bool) {
	if start == 0 && end == 0 {
		start, end = MinHandle, MaxHandle
	}

	db.mu.RLock()
	var visit []*Service
	for _, s := range db.services {
		if s.overlaps(start, end) {
			visit = append(visit, s)
		}
	}
	db.mu.RUnlock()

	for _, s := range visit {
		if !fn(s) {
			return
		}
	}
}

// Services returns a snapshot of the committed services
func (db *Database) Services() []*Service {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Service, len(db.services))
	copy(out, db.services)
	return out
}

// FindService returns the first committed service of the given type, or nil
func (db *Database) FindService(u UUID) *Service {
	var found *Service
	db.ForEachService(0, 0, func(s *Service) bool {
		if s.UUID == u {
			found = s
			return false
		}
		return true
	})
	return found
}

// Len returns the number of committed services
func (db *Database) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.services)
}

// Version increments on every commit and removal
func (db *Database) Version() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.version
}

// Register adds observers called after a service is committed or removed.
// Either callback may be nil.
func (db *Database) Register(onAdded, onRemoved func(*Service)) uint {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextObsID++
	db.observers[db.nextObsID] = dbObserver{onAdded: onAdded, onRemoved: onRemoved}
	return db.nextObsID
}

// Unregister removes observers added by Register
func (db *Database) Unregister(id uint) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.observers, id)
}

func (db *Database) observersLocked() []dbObserver {
	ids := make([]uint, 0, len(db.observers))
	for id := range db.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]dbObserver, 0, len(ids))
	for _, id := range ids {
		out = append(out, db.observers[id])
	}
	return out
}
