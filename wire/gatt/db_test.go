package gatt

import (
	"testing"

	"github.com/pkg/errors"
)

// buildBattery commits a battery service at 0x0010-0x0015 with one notifying characteristic
func buildBattery(t *testing.T, db *Database) *Service {
	t.Helper()
	svc, err := db.NewService(0x0010, 0x0015, UUID16(0x180F), true)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	c, err := svc.AddCharacteristic(0x0011, 0x0012, PropRead|PropNotify, UUID16(0x2A19))
	if err != nil {
		t.Fatalf("AddCharacteristic failed: %v", err)
	}
	if _, err := svc.AddDescriptor(c, 0x0013, UUIDClientCharacteristicConfig); err != nil {
		t.Fatalf("AddDescriptor failed: %v", err)
	}
	if _, err := svc.AddCharacteristic(0x0014, 0x0015, PropWrite, UUID16(0x2A1A)); err != nil {
		t.Fatalf("AddCharacteristic failed: %v", err)
	}
	if err := db.Commit(svc); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return svc
}

func TestDatabaseCommitAndLookup(t *testing.T) {
	db := NewDatabase()
	svc := buildBattery(t, db)

	if db.Len() != 1 || db.Version() != 1 {
		t.Errorf("Len=%d Version=%d", db.Len(), db.Version())
	}
	if db.ServiceAt(0x0013) != svc {
		t.Error("ServiceAt(0x0013) should return the battery service")
	}
	if db.ServiceAt(0x0016) != nil {
		t.Error("ServiceAt outside any service should be nil")
	}

	decl, err := db.Lookup(0x0010)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if decl.Type != UUIDPrimaryService || UUIDPrimaryService != MustUUIDFromWire([]byte{0x00, 0x28}) {
		t.Errorf("declaration type = %s", decl.Type)
	}

	c, owner, err := db.Characteristic(0x0012)
	if err != nil || owner != svc {
		t.Fatalf("Characteristic failed: %v", err)
	}
	if c.EndHandle != 0x0013 {
		t.Errorf("first characteristic EndHandle = 0x%04X, want 0x0013", c.EndHandle)
	}
	if c.Descriptor(UUIDClientCharacteristicConfig) == nil {
		t.Error("CCCD not recorded")
	}
	if last := svc.CharacteristicByUUID(UUID16(0x2A1A)); last == nil || last.EndHandle != 0x0015 {
		t.Errorf("last characteristic = %+v", last)
	}

	if _, _, err := db.Characteristic(0x0013); !errors.Is(err, ErrNotFound) {
		t.Errorf("Characteristic(descriptor handle) error = %v", err)
	}
	if _, err := db.Lookup(0x0100); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(missing) error = %v", err)
	}
}

func TestDatabaseSetValueCopies(t *testing.T) {
	db := NewDatabase()
	buildBattery(t, db)

	value := []byte{0x64}
	if err := db.SetValue(0x0012, value); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	value[0] = 0x00

	a, _ := db.Lookup(0x0012)
	if len(a.Value) != 1 || a.Value[0] != 0x64 {
		t.Errorf("cached value = % X", a.Value)
	}
	a.Value[0] = 0x01
	again, _ := db.Lookup(0x0012)
	if again.Value[0] != 0x64 {
		t.Error("Lookup must return a copy")
	}
	if err := db.SetValue(0x0200, value); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetValue(missing) error = %v", err)
	}
}

func TestDatabaseRejectsOverlap(t *testing.T) {
	db := NewDatabase()
	buildBattery(t, db)

	if _, err := db.NewService(0x0015, 0x0020, UUID16(0x180A), true); !errors.Is(err, ErrMalformedDiscovery) {
		t.Errorf("overlap with committed: %v", err)
	}

	pending, err := db.NewService(0x0020, 0x0030, UUID16(0x180A), true)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if _, err := db.NewService(0x0025, 0x0026, UUID16(0x1805), false); !errors.Is(err, ErrMalformedDiscovery) {
		t.Errorf("overlap with pending: %v", err)
	}
	if db.ServiceAt(0x0020) != nil {
		t.Error("pending service must be invisible")
	}

	db.Discard(pending)
	if _, err := db.NewService(0x0025, 0x0026, UUID16(0x1805), false); err != nil {
		t.Errorf("range free after Discard: %v", err)
	}
	db.DiscardPending()

	if _, err := db.NewService(0x0009, 0x0008, UUID16(0x1805), true); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := db.NewService(0x0000, 0x0008, UUID16(0x1805), true); err == nil {
		t.Error("expected error for handle 0")
	}
}

func TestServiceBuilderOrdering(t *testing.T) {
	db := NewDatabase()
	svc, _ := db.NewService(0x0001, 0x0010, UUID16(0x1800), true)

	if _, err := svc.AddCharacteristic(0x0005, 0x0005, PropRead, UUID16(0x2A00)); err == nil {
		t.Error("value handle must follow the declaration")
	}
	if _, err := svc.AddCharacteristic(0x0005, 0x0011, PropRead, UUID16(0x2A00)); err == nil {
		t.Error("value handle must lie inside the service")
	}
	if _, err := svc.AddCharacteristic(0x0005, 0x0006, PropRead, UUID16(0x2A00)); err != nil {
		t.Fatalf("AddCharacteristic failed: %v", err)
	}
	if _, err := svc.AddCharacteristic(0x0003, 0x0004, PropRead, UUID16(0x2A01)); !errors.Is(err, ErrMalformedDiscovery) {
		t.Errorf("out of order characteristic: %v", err)
	}
	if _, err := svc.AddInclude(0x0002, 0x0008, 0x0001, UUID16(0x180F)); !errors.Is(err, ErrMalformedDiscovery) {
		t.Errorf("inverted include range: %v", err)
	}

	c := svc.Characteristics[0]
	if _, err := svc.AddDescriptor(c, 0x0006, UUIDCharUserDescription); err == nil {
		t.Error("descriptor cannot reuse the value handle")
	}
	if _, err := svc.AddDescriptor(c, 0x0007, UUIDCharExtProps); err != nil {
		t.Fatalf("AddDescriptor failed: %v", err)
	}
	if err := svc.SetExtendedProperties(c, []byte{0x01, 0x00}); err != nil {
		t.Fatalf("SetExtendedProperties failed: %v", err)
	}
	if c.ExtendedProperties != ExtPropReliableWrite {
		t.Errorf("ExtendedProperties = 0x%04X", c.ExtendedProperties)
	}

	db.Commit(svc)
	if _, err := svc.AddDescriptor(c, 0x0008, UUIDCharUserDescription); err == nil {
		t.Error("committed service must not change")
	}
	if err := db.Commit(svc); err == nil {
		t.Error("second Commit should fail")
	}
}

func TestDatabaseSortedAndClearRange(t *testing.T) {
	db := NewDatabase()

	var added, removed []uint16
	id := db.Register(
		func(s *Service) { added = append(added, s.StartHandle) },
		func(s *Service) { removed = append(removed, s.StartHandle) },
	)

	for _, r := range [][2]uint16{{0x0030, 0x0035}, {0x0001, 0x0005}, {0x0010, 0x0015}} {
		svc, err := db.NewService(r[0], r[1], UUID16(0x1800+r[0]), true)
		if err != nil {
			t.Fatalf("NewService failed: %v", err)
		}
		db.Commit(svc)
	}

	services := db.Services()
	for i := 1; i < len(services); i++ {
		if services[i-1].EndHandle >= services[i].StartHandle {
			t.Fatalf("services not sorted: %v", services)
		}
	}
	if len(added) != 3 {
		t.Errorf("added = %v", added)
	}

	var visited []uint16
	db.ForEachService(0x0004, 0x0012, func(s *Service) bool {
		visited = append(visited, s.StartHandle)
		return true
	})
	if len(visited) != 2 || visited[0] != 0x0001 || visited[1] != 0x0010 {
		t.Errorf("ForEachService visited %v", visited)
	}

	gone := db.ClearRange(0x0012, 0xFFFF)
	if len(gone) != 2 || db.Len() != 1 {
		t.Errorf("ClearRange removed %d, %d left", len(gone), db.Len())
	}
	if len(removed) != 2 || removed[0] != 0x0010 || removed[1] != 0x0030 {
		t.Errorf("removed = %v", removed)
	}
	if db.FindService(UUID16(0x1801)) == nil {
		t.Error("service outside the range must survive")
	}

	db.Unregister(id)
	db.ClearRange(0, 0xFFFF)
	if len(removed) != 2 {
		t.Error("unregistered observer was called")
	}
}

func TestDatabaseSnapshot(t *testing.T) {
	db := NewDatabase()
	buildBattery(t, db)
	db.SetValue(0x0012, []byte{0x64})

	snap, err := db.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	services := snap.Fields["services"].GetListValue().GetValues()
	if len(services) != 1 {
		t.Fatalf("snapshot has %d services", len(services))
	}
	svc := services[0].GetStructValue().GetFields()
	if svc["start_handle"].GetStringValue() != "0x0010" {
		t.Errorf("start_handle = %v", svc["start_handle"])
	}
	chars := svc["characteristics"].GetListValue().GetValues()
	if len(chars) != 2 {
		t.Fatalf("snapshot has %d characteristics", len(chars))
	}
	if v := chars[0].GetStructValue().GetFields()["value_hex"].GetStringValue(); v != "64" {
		t.Errorf("value_hex = %q", v)
	}
}
