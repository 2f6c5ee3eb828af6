package gatt_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gattlink/wire/att"
	"github.com/user/gattlink/wire/gatt"
	"github.com/user/gattlink/wire/gatt/gatttest"
)

var (
	uartService = mustUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	uartRX      = mustUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	uartTX      = mustUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
	uartLog     = mustUUID("6e400004-b5a3-f393-e0a9-e50e24dcca9e")

	batteryService = gatt.UUID16(0x180F)
	batteryLevel   = gatt.UUID16(0x2A19)
	heartRate      = gatt.UUID16(0x180D)
	heartRateMeas  = gatt.UUID16(0x2A37)
	timeService    = gatt.UUID16(0x1805)
	currentTime    = gatt.UUID16(0x2A2B)
)

// service indexes in peripheralServices
const (
	idxGAP = iota
	idxGATT
	idxBattery
	idxUART
	idxTime
)

func mustUUID(s string) gatt.UUID {
	u, err := gatt.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

func peripheralServices() []gatttest.Service {
	return []gatttest.Service{
		gatttest.GenericAccessService("gattlink", 0x0341),
		gatttest.GenericAttributeService(),
		{
			UUID:    batteryService,
			Primary: true,
			Characteristics: []gatttest.Characteristic{
				{UUID: batteryLevel, Properties: gatt.PropRead | gatt.PropNotify, Value: []byte{0x64}},
			},
		},
		{
			UUID:    uartService,
			Primary: true,
			Characteristics: []gatttest.Characteristic{
				{
					UUID:       uartRX,
					Properties: gatt.PropWrite | gatt.PropWriteWithoutResponse | gatt.PropExtendedProperties,
					Descriptors: []gatttest.Descriptor{
						{UUID: gatt.UUIDCharExtProps, Value: []byte{0x01, 0x00}},
					},
				},
				{UUID: uartTX, Properties: gatt.PropNotify},
				{UUID: uartLog, Properties: gatt.PropRead | gatt.PropWrite, Value: bytes.Repeat([]byte("log."), 15)},
			},
		},
		{
			UUID:     timeService,
			Primary:  false,
			Includes: []int{idxUART},
			Characteristics: []gatttest.Characteristic{
				{UUID: currentTime, Properties: gatt.PropRead | gatt.PropIndicate, Value: make([]byte, 10)},
			},
		},
	}
}

type harness struct {
	t      *testing.T
	srv    *gatttest.Server
	table  *gatttest.Table
	client *gatt.Client
}

func newHarness(t *testing.T, services []gatttest.Service, serverMTU int, opts ...gatt.ClientOption) *harness {
	t.Helper()
	table := gatttest.Build(services)
	srv, ch := gatttest.NewServer(table, serverMTU)

	tr, err := att.Open(context.Background(), ch, 0, att.WithRequestTimeout(2*time.Second))
	require.NoError(t, err)

	client := gatt.NewClient(tr, gatt.NewDatabase(), opts...)
	t.Cleanup(func() {
		client.Stop()
		tr.Close()
		srv.Close()
	})
	return &harness{t: t, srv: srv, table: table, client: client}
}

func (h *harness) nextEvent() gatt.Event {
	h.t.Helper()
	select {
	case ev, ok := <-h.client.Events():
		require.True(h.t, ok, "event channel closed")
		return ev
	case <-time.After(3 * time.Second):
		h.t.Fatal("timed out waiting for event")
		return nil
	}
}

// start runs discovery and returns the ReadyEvent with the events before it
func (h *harness) start() (gatt.ReadyEvent, []gatt.Event) {
	h.t.Helper()
	h.client.Start()
	var before []gatt.Event
	for {
		ev := h.nextEvent()
		if ready, ok := ev.(gatt.ReadyEvent); ok {
			return ready, before
		}
		before = append(before, ev)
	}
}

// waitFor skips events until one matches
func waitFor[T gatt.Event](h *harness) T {
	h.t.Helper()
	for {
		if ev, ok := h.nextEvent().(T); ok {
			return ev
		}
	}
}

func TestDiscoveryMirrorsPeripheral(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, before := h.start()

	require.True(t, ready.Success)
	require.NoError(t, ready.Err)
	assert.Equal(t, gatt.StateReady, h.client.State())
	assert.Equal(t, att.MaxMTU, h.client.MTU())

	db := h.client.Database()
	require.Equal(t, len(h.table.Services), db.Len())
	assert.Len(t, before, db.Len(), "one ServiceAddedEvent per service")

	services := db.Services()
	for i, svc := range services {
		want := h.table.Services[i]
		assert.Equal(t, want.StartHandle, svc.StartHandle)
		assert.Equal(t, want.EndHandle, svc.EndHandle)
		if i > 0 {
			assert.Greater(t, svc.StartHandle, services[i-1].EndHandle)
		}
	}

	uart := db.FindService(uartService)
	require.NotNil(t, uart)
	assert.True(t, uart.Primary)
	require.Len(t, uart.Characteristics, 3)
	rx := uart.CharacteristicByUUID(uartRX)
	require.NotNil(t, rx)
	assert.Equal(t, h.table.ValueHandle(idxUART, uartRX), rx.ValueHandle)
	assert.Equal(t, uint16(gatt.ExtPropReliableWrite), rx.ExtendedProperties)

	tx := uart.CharacteristicByUUID(uartTX)
	require.NotNil(t, tx.Descriptor(gatt.UUIDClientCharacteristicConfig))
	assert.Equal(t, h.table.CCCDHandle(idxUART, uartTX), tx.Descriptor(gatt.UUIDClientCharacteristicConfig).Handle)

	// secondary service with a 128-bit include resolved by a Read
	ts := db.FindService(timeService)
	require.NotNil(t, ts)
	assert.False(t, ts.Primary)
	require.Len(t, ts.Includes, 1)
	assert.Equal(t, uartService, ts.Includes[0].UUID)
	assert.Equal(t, uart, db.ServiceAt(ts.Includes[0].StartHandle))

	// indications enabled on Service Changed
	scCCCD := h.table.CCCDHandle(idxGATT, gatt.UUIDServiceChanged)
	assert.Equal(t, [][]byte{{0x02, 0x00}}, h.srv.Writes(scCCCD))
}

func TestDiscoveryEmptyPeripheral(t *testing.T) {
	h := newHarness(t, nil, 0)
	ready, before := h.start()

	assert.True(t, ready.Success)
	assert.NoError(t, ready.Err)
	assert.Equal(t, uint8(0), ready.Code)
	assert.Empty(t, before)
	assert.Equal(t, 0, h.client.Database().Len())
}

func TestDiscoveryWithServiceFilter(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0, gatt.WithServiceFilter(batteryService))
	ready, _ := h.start()
	require.True(t, ready.Success)

	db := h.client.Database()
	assert.NotNil(t, db.FindService(batteryService))
	assert.Nil(t, db.FindService(uartService))
	assert.Nil(t, db.FindService(gatt.UUIDGenericAccessService))

	finds := h.srv.CountRequests(func(p att.PDU) bool {
		_, ok := p.(*att.FindByTypeValueRequest)
		return ok
	})
	assert.GreaterOrEqual(t, finds, 1)
}

func TestDiscoveryDisconnectMidway(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	h.srv.SetHandler(func(req att.PDU) (att.PDU, bool) {
		if _, ok := req.(*att.ReadByTypeRequest); ok {
			h.srv.Close()
			return nil, true
		}
		return nil, false
	})

	ready, before := h.start()
	assert.False(t, ready.Success)
	assert.True(t, errors.Is(ready.Err, att.ErrDisconnected), "ready error: %v", ready.Err)
	assert.Empty(t, before)
	assert.Equal(t, 0, h.client.Database().Len(), "pending services must be discarded")

	disc := waitFor[gatt.DisconnectEvent](h)
	assert.True(t, errors.Is(disc.Err, att.ErrDisconnected))
}

func TestDiscoveryMalformedEntryIsPartial(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	gapEnd := h.table.Services[idxGAP].EndHandle

	first := true
	h.srv.SetHandler(func(req att.PDU) (att.PDU, bool) {
		r, ok := req.(*att.ReadByGroupTypeRequest)
		if !ok || !first || !bytes.Equal(r.Type, gatt.UUIDPrimaryService.ATTWire()) {
			return nil, false
		}
		first = false
		// second entry overlaps the first
		rsp, _ := gatt.BuildReadByGroupTypeResponse([]gatt.ServiceEntry{
			{StartHandle: 0x0001, EndHandle: gapEnd, UUID: gatt.UUIDGenericAccessService},
			{StartHandle: gapEnd - 1, EndHandle: gapEnd + 3, UUID: gatt.UUIDGenericAttributeService},
		})
		return rsp, true
	})

	ready, _ := h.start()
	require.True(t, ready.Success)
	require.Error(t, ready.Err)
	assert.True(t, errors.Is(ready.Err, gatt.ErrPartialDiscovery))
	assert.True(t, errors.Is(ready.Err, gatt.ErrMalformedDiscovery))

	db := h.client.Database()
	assert.NotNil(t, db.FindService(gatt.UUIDGenericAccessService))
	assert.NotNil(t, db.FindService(batteryService))
	assert.Equal(t, len(h.table.Services)-1, db.Len())
}

func TestOperationsBeforeReady(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)

	_, err := h.client.ReadValue(context.Background(), 0x0003)
	assert.True(t, errors.Is(err, gatt.ErrNotReady))
	err = h.client.WriteValue(context.Background(), 0x0003, []byte{1}, gatt.WriteWithResponse)
	assert.True(t, errors.Is(err, gatt.ErrNotReady))
	_, err = h.client.RegisterNotify(context.Background(), 0x0003, make(chan gatt.Notification, 1))
	assert.True(t, errors.Is(err, gatt.ErrNotReady))
}

func TestReadLongValue(t *testing.T) {
	h := newHarness(t, peripheralServices(), att.DefaultMTU)
	ready, _ := h.start()
	require.True(t, ready.Success)
	require.Equal(t, att.DefaultMTU, h.client.MTU())

	handle := h.table.ValueHandle(idxUART, uartLog)
	value, err := h.client.ReadValue(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("log."), 15), value)

	blobs := h.srv.CountRequests(func(p att.PDU) bool {
		r, ok := p.(*att.ReadBlobRequest)
		return ok && r.Handle == handle
	})
	assert.Equal(t, 2, blobs)

	attr, err := h.client.Database().Lookup(handle)
	require.NoError(t, err)
	assert.Equal(t, value, attr.Value)
}

func TestConcurrentReadsAreSerialized(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	handle := h.table.ValueHandle(idxBattery, batteryLevel)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.client.ReadValue(context.Background(), handle)
			if err == nil && !bytes.Equal(v, []byte{0x64}) {
				err = errors.Errorf("unexpected value % X", v)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestWriteLongValue(t *testing.T) {
	h := newHarness(t, peripheralServices(), att.DefaultMTU)
	ready, _ := h.start()
	require.True(t, ready.Success)

	handle := h.table.ValueHandle(idxUART, uartLog)
	value := bytes.Repeat([]byte{0xA5}, 50)
	require.NoError(t, h.client.WriteValue(context.Background(), handle, value, gatt.WriteWithResponse))

	assert.Equal(t, value, h.srv.Value(handle))
	prepares := h.srv.CountRequests(func(p att.PDU) bool {
		_, ok := p.(*att.PrepareWriteRequest)
		return ok
	})
	assert.Equal(t, 3, prepares)

	done := waitFor[gatt.WriteCompleteEvent](h)
	assert.Equal(t, handle, done.Handle)
	assert.True(t, done.Success)
}

func TestWriteRejectedIsNotRetried(t *testing.T) {
	for _, code := range []uint8{att.ErrInsufficientAuthentication, att.ErrAttributeNotFound} {
		h := newHarness(t, peripheralServices(), 0)
		ready, _ := h.start()
		require.True(t, ready.Success)

		handle := h.table.ValueHandle(idxUART, uartRX)
		h.srv.SetHandler(func(req att.PDU) (att.PDU, bool) {
			if w, ok := req.(*att.WriteRequest); ok && w.Handle == handle {
				return &att.ErrorResponse{RequestOpcode: att.OpWriteRequest, Handle: handle, ErrorCode: code}, true
			}
			return nil, false
		})

		err := h.client.WriteValue(context.Background(), handle, []byte{0x01}, gatt.WriteWithResponse)
		require.Error(t, err)
		assert.True(t, att.IsATTError(err, code), "error: %v", err)

		writes := h.srv.CountRequests(func(p att.PDU) bool {
			w, ok := p.(*att.WriteRequest)
			return ok && w.Handle == handle
		})
		assert.Equal(t, 1, writes)

		done := waitFor[gatt.WriteCompleteEvent](h)
		assert.False(t, done.Success)
		assert.Equal(t, code, done.Code)
	}
}

func TestWriteWithoutResponse(t *testing.T) {
	h := newHarness(t, peripheralServices(), att.DefaultMTU)
	ready, _ := h.start()
	require.True(t, ready.Success)

	handle := h.table.ValueHandle(idxUART, uartRX)
	err := h.client.WriteValue(context.Background(), handle, make([]byte, 21), gatt.WriteWithoutResponse)
	assert.True(t, errors.Is(err, gatt.ErrValueTooLong))

	require.NoError(t, h.client.WriteValue(context.Background(), handle, []byte("hi"), gatt.WriteWithoutResponse))
	assert.True(t, h.srv.WaitFor(time.Second, func() bool {
		return bytes.Equal(h.srv.Value(handle), []byte("hi"))
	}))
}

func TestNotificationSubscriptions(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	ctx := context.Background()
	handle := h.table.ValueHandle(idxBattery, batteryLevel)
	cccd := h.table.CCCDHandle(idxBattery, batteryLevel)

	first := make(chan gatt.Notification, 4)
	second := make(chan gatt.Notification, 4)

	id1, err := h.client.RegisterNotify(ctx, handle, first)
	require.NoError(t, err)
	again, err := h.client.RegisterNotify(ctx, handle, first)
	require.NoError(t, err)
	assert.Equal(t, id1, again, "same channel registers once")

	id2, err := h.client.RegisterNotify(ctx, handle, second)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, [][]byte{{0x01, 0x00}}, h.srv.Writes(cccd), "only the first subscriber writes the CCCD")

	require.NoError(t, h.srv.Notify(handle, []byte{0x42}))
	for _, ch := range []chan gatt.Notification{first, second} {
		select {
		case n := <-ch:
			assert.Equal(t, handle, n.ValueHandle)
			assert.Equal(t, []byte{0x42}, n.Value)
			assert.False(t, n.Indication)
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	}

	require.NoError(t, h.client.UnregisterNotify(ctx, id1))
	assert.Len(t, h.srv.Writes(cccd), 1)
	require.NoError(t, h.client.UnregisterNotify(ctx, id2))
	assert.Equal(t, [][]byte{{0x01, 0x00}, {0x00, 0x00}}, h.srv.Writes(cccd))

	assert.NoError(t, h.client.UnregisterNotify(ctx, 9999))
}

func TestIndicationSubscription(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	handle := h.table.ValueHandle(idxTime, currentTime)
	ch := make(chan gatt.Notification, 1)
	_, err := h.client.RegisterNotify(context.Background(), handle, ch)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x02, 0x00}}, h.srv.Writes(h.table.CCCDHandle(idxTime, currentTime)))

	require.NoError(t, h.srv.Indicate(handle, []byte{0x01}))
	select {
	case n := <-ch:
		assert.True(t, n.Indication)
	case <-time.After(2 * time.Second):
		t.Fatal("indication not delivered")
	}
	assert.True(t, h.srv.WaitFor(time.Second, func() bool { return h.srv.Confirmations() == 1 }))
}

func TestRegisterNotifyWithoutCCCD(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	_, err := h.client.RegisterNotify(context.Background(), h.table.ValueHandle(idxUART, uartLog), make(chan gatt.Notification, 1))
	assert.True(t, errors.Is(err, gatt.ErrDescriptorNotFound))

	_, err = h.client.RegisterNotify(context.Background(), 0x0F00, make(chan gatt.Notification, 1))
	assert.True(t, errors.Is(err, gatt.ErrNotFound))
}

func TestServiceChangedRearmsSubscriptions(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	ctx := context.Background()
	handle := h.table.ValueHandle(idxBattery, batteryLevel)
	cccd := h.table.CCCDHandle(idxBattery, batteryLevel)
	ch := make(chan gatt.Notification, 4)
	_, err := h.client.RegisterNotify(ctx, handle, ch)
	require.NoError(t, err)

	// same layout plus a heart rate service at the end
	services := append(peripheralServices(), gatttest.Service{
		UUID:    heartRate,
		Primary: true,
		Characteristics: []gatttest.Characteristic{
			{UUID: heartRateMeas, Properties: gatt.PropNotify},
		},
	})
	updated := gatttest.Build(services)
	h.srv.SetTable(updated)

	start := h.table.Services[idxBattery].StartHandle
	scHandle := h.table.ValueHandle(idxGATT, gatt.UUIDServiceChanged)
	require.NoError(t, h.srv.ServiceChanged(scHandle, start, 0xFFFF))

	changed := waitFor[gatt.ServiceChangedEvent](h)
	assert.Equal(t, start, changed.StartHandle)
	assert.Equal(t, uint16(0xFFFF), changed.EndHandle)
	assert.NoError(t, changed.Err)

	db := h.client.Database()
	assert.NotNil(t, db.FindService(heartRate))
	assert.Equal(t, len(updated.Services), db.Len())
	assert.Equal(t, gatt.StateReady, h.client.State())

	assert.Equal(t, [][]byte{{0x01, 0x00}, {0x01, 0x00}}, h.srv.Writes(cccd), "subscription re-armed")
	assert.True(t, h.srv.WaitFor(time.Second, func() bool { return h.srv.Confirmations() >= 1 }))

	require.NoError(t, h.srv.Notify(handle, []byte{0x10}))
	select {
	case n := <-ch:
		assert.Equal(t, []byte{0x10}, n.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered after re-arm")
	}
}

func TestServiceChangedDropsVanishedSubscriptions(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	ctx := context.Background()
	handle := h.table.ValueHandle(idxBattery, batteryLevel)
	ch := make(chan gatt.Notification, 4)
	_, err := h.client.RegisterNotify(ctx, handle, ch)
	require.NoError(t, err)

	// the battery service is gone
	services := peripheralServices()[:idxBattery]
	h.srv.SetTable(gatttest.Build(services))

	start := h.table.Services[idxBattery].StartHandle
	scHandle := h.table.ValueHandle(idxGATT, gatt.UUIDServiceChanged)
	require.NoError(t, h.srv.ServiceChanged(scHandle, start, 0xFFFF))

	removed := waitFor[gatt.ServiceRemovedEvent](h)
	assert.Equal(t, batteryService, removed.UUID)
	waitFor[gatt.ServiceChangedEvent](h)

	db := h.client.Database()
	assert.Nil(t, db.FindService(batteryService))
	assert.Equal(t, len(services), db.Len())

	require.NoError(t, h.srv.Notify(handle, []byte{0x10}))
	select {
	case n := <-ch:
		t.Fatalf("dropped subscription received %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServiceChangedInsideServiceRediscoversWholeService(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	ctx := context.Background()
	db := h.client.Database()
	count := db.Len()

	handle := h.table.ValueHandle(idxUART, uartTX)
	cccd := h.table.CCCDHandle(idxUART, uartTX)
	ch := make(chan gatt.Notification, 4)
	_, err := h.client.RegisterNotify(ctx, handle, ch)
	require.NoError(t, err)

	// the range starts at the RX value and ends at the last UART handle
	uart := h.table.Services[idxUART]
	scHandle := h.table.ValueHandle(idxGATT, gatt.UUIDServiceChanged)
	require.NoError(t, h.srv.ServiceChanged(scHandle, uart.StartHandle+2, uart.EndHandle))

	changed := waitFor[gatt.ServiceChangedEvent](h)
	assert.Equal(t, uart.StartHandle+2, changed.StartHandle)
	assert.Equal(t, uart.EndHandle, changed.EndHandle)
	assert.NoError(t, changed.Err)

	svc := db.FindService(uartService)
	require.NotNil(t, svc, "partly covered service must be discovered again")
	assert.Equal(t, uart.StartHandle, svc.StartHandle)
	assert.Len(t, svc.Characteristics, 3)
	assert.Equal(t, count, db.Len())

	assert.Equal(t, [][]byte{{0x01, 0x00}, {0x01, 0x00}}, h.srv.Writes(cccd), "subscription re-armed")
	require.NoError(t, h.srv.Notify(handle, []byte{0x11}))
	select {
	case n := <-ch:
		assert.Equal(t, []byte{0x11}, n.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered after re-discovery")
	}
}

func TestServiceChangedLeavesOtherSubscriptions(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	ctx := context.Background()
	handle := h.table.ValueHandle(idxBattery, batteryLevel)
	cccd := h.table.CCCDHandle(idxBattery, batteryLevel)
	ch := make(chan gatt.Notification, 4)
	_, err := h.client.RegisterNotify(ctx, handle, ch)
	require.NoError(t, err)

	ts := h.table.Services[idxTime]
	scHandle := h.table.ValueHandle(idxGATT, gatt.UUIDServiceChanged)
	require.NoError(t, h.srv.ServiceChanged(scHandle, ts.StartHandle, ts.EndHandle))

	changed := waitFor[gatt.ServiceChangedEvent](h)
	assert.NoError(t, changed.Err)
	assert.NotNil(t, h.client.Database().FindService(timeService))

	assert.Equal(t, [][]byte{{0x01, 0x00}}, h.srv.Writes(cccd), "subscription outside the range is untouched")
	require.NoError(t, h.srv.Notify(handle, []byte{0x07}))
	select {
	case n := <-ch:
		assert.Equal(t, []byte{0x07}, n.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("notification outside the changed range not delivered")
	}
}

func TestServiceChangedDisconnectDuringRediscovery(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	h.srv.SetHandler(func(req att.PDU) (att.PDU, bool) {
		if _, ok := req.(*att.ReadByGroupTypeRequest); ok {
			h.srv.Close()
			return nil, true
		}
		return nil, false
	})

	start := h.table.Services[idxBattery].StartHandle
	scHandle := h.table.ValueHandle(idxGATT, gatt.UUIDServiceChanged)
	require.NoError(t, h.srv.ServiceChanged(scHandle, start, 0xFFFF))

	changed := waitFor[gatt.ServiceChangedEvent](h)
	assert.Equal(t, start, changed.StartHandle)
	assert.True(t, errors.Is(changed.Err, att.ErrDisconnected), "service changed error: %v", changed.Err)
	assert.True(t, att.IsFatal(changed.Err))
	assert.Equal(t, gatt.StateIdle, h.client.State())

	disc := waitFor[gatt.DisconnectEvent](h)
	assert.True(t, errors.Is(disc.Err, att.ErrDisconnected))
}

func TestStopClosesEvents(t *testing.T) {
	h := newHarness(t, peripheralServices(), 0)
	ready, _ := h.start()
	require.True(t, ready.Success)

	h.client.Stop()
	h.client.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-h.client.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}
