package att

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/user/gattlink/wire/l2cap"
)

// testPeer is the server end of a piped ATT bearer
type testPeer struct {
	t  *testing.T
	ch *l2cap.StreamChannel
}

func newPipe(t *testing.T) (*testPeer, l2cap.Channel) {
	a, b := net.Pipe()
	peer := &testPeer{t: t, ch: l2cap.NewStreamChannel(b)}
	t.Cleanup(func() { peer.ch.Close() })
	return peer, l2cap.NewStreamChannel(a)
}

func (p *testPeer) recv() PDU {
	p.t.Helper()
	raw, err := p.ch.Recv()
	if err != nil {
		p.t.Fatalf("peer recv: %v", err)
	}
	pdu, err := DecodePacket(raw)
	if err != nil {
		p.t.Fatalf("peer decode: %v", err)
	}
	return pdu
}

func (p *testPeer) send(pdu PDU) {
	p.t.Helper()
	raw, err := EncodePacket(pdu)
	if err != nil {
		p.t.Fatalf("peer encode: %v", err)
	}
	if err := p.ch.Send(raw); err != nil {
		p.t.Fatalf("peer send: %v", err)
	}
}

// openWithMTU opens a transport while the peer answers the MTU exchange
func openWithMTU(t *testing.T, serverMTU uint16, opts ...TransportOption) (*Transport, *testPeer) {
	peer, ch := newPipe(t)
	go func() {
		raw, err := peer.ch.Recv()
		if err != nil {
			return
		}
		if raw[0] == OpExchangeMTURequest {
			rsp, _ := EncodePacket(&ExchangeMTUResponse{ServerRxMTU: serverMTU})
			peer.ch.Send(rsp)
		}
	}()

	tr, err := Open(context.Background(), ch, 0, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, peer
}

func TestTransportNegotiatesMTU(t *testing.T) {
	tr, _ := openWithMTU(t, 100)
	if tr.MTU() != 100 {
		t.Errorf("MTU = %d, want 100", tr.MTU())
	}
}

func TestTransportMTUBelowDefaultIsClamped(t *testing.T) {
	tr, _ := openWithMTU(t, 10)
	if tr.MTU() != DefaultMTU {
		t.Errorf("MTU = %d, want %d", tr.MTU(), DefaultMTU)
	}
}

func TestTransportMTURejected(t *testing.T) {
	peer, ch := newPipe(t)
	go func() {
		if _, err := peer.ch.Recv(); err != nil {
			return
		}
		rsp, _ := EncodePacket(&ErrorResponse{RequestOpcode: OpExchangeMTURequest, ErrorCode: ErrRequestNotSupported})
		peer.ch.Send(rsp)
	}()

	tr, err := Open(context.Background(), ch, 247)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tr.Close()
	if tr.MTU() != DefaultMTU {
		t.Errorf("MTU = %d, want %d", tr.MTU(), DefaultMTU)
	}
}

func TestTransportSkipsExchangeForDefaultHint(t *testing.T) {
	_, ch := newPipe(t)
	tr, err := Open(context.Background(), ch, DefaultMTU)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tr.Close()
	if tr.MTU() != DefaultMTU {
		t.Errorf("MTU = %d", tr.MTU())
	}
}

func TestTransportOpenWithoutChannel(t *testing.T) {
	if _, err := Open(context.Background(), nil, 0); !errors.Is(err, ErrChannelUnavailable) {
		t.Errorf("Open(nil) error = %v, want ErrChannelUnavailable", err)
	}
}

func TestTransportRequestResponse(t *testing.T) {
	tr, peer := openWithMTU(t, 64)

	go func() {
		req := peer.recv().(*ReadRequest)
		peer.send(&ReadResponse{Value: []byte{byte(req.Handle)}})
	}()

	rsp, err := tr.Do(context.Background(), &ReadRequest{Handle: 0x0042})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if v := rsp.(*ReadResponse).Value; len(v) != 1 || v[0] != 0x42 {
		t.Errorf("value = % X", v)
	}
}

func TestTransportErrorResponse(t *testing.T) {
	tr, peer := openWithMTU(t, 64)

	go func() {
		peer.recv()
		peer.send(&ErrorResponse{RequestOpcode: OpWriteRequest, Handle: 0x0010, ErrorCode: ErrInsufficientAuthentication})
	}()

	_, err := tr.Do(context.Background(), &WriteRequest{Handle: 0x0010, Value: []byte{1}})
	if !IsATTError(err, ErrInsufficientAuthentication) {
		t.Fatalf("Do error = %v, want Insufficient Authentication", err)
	}
}

func TestTransportSecondRequestIsBusy(t *testing.T) {
	tr, peer := openWithMTU(t, 64)

	pending, err := tr.SendRequest(&ReadRequest{Handle: 0x0001})
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	peer.recv()

	if _, err := tr.SendRequest(&ReadRequest{Handle: 0x0002}); !errors.Is(err, ErrProtocolBusy) {
		t.Errorf("second SendRequest error = %v, want ErrProtocolBusy", err)
	}

	peer.send(&ReadResponse{Value: []byte{0x01}})
	if _, err := pending.Wait(context.Background()); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
}

func TestTransportRejectsOversizedPDU(t *testing.T) {
	tr, _ := openWithMTU(t, 23)

	err := tr.SendCommand(&WriteCommand{Handle: 0x0001, Value: make([]byte, 21)})
	if !errors.Is(err, ErrPDUTooLarge) {
		t.Errorf("SendCommand error = %v, want ErrPDUTooLarge", err)
	}
}

func TestTransportDispatchesNotifications(t *testing.T) {
	tr, peer := openWithMTU(t, 64)

	type value struct {
		handle     uint16
		data       []byte
		indication bool
	}
	got := make(chan value, 2)
	tr.RegisterHandler(func(handle uint16, data []byte, indication bool) {
		got <- value{handle, data, indication}
	})

	peer.send(&HandleValueNotification{Handle: 0x0012, Value: []byte{0x01}})
	peer.send(&HandleValueIndication{Handle: 0x0015, Value: []byte{0x02}})

	for i, want := range []value{{0x0012, []byte{0x01}, false}, {0x0015, []byte{0x02}, true}} {
		select {
		case v := <-got:
			if v.handle != want.handle || v.indication != want.indication || v.data[0] != want.data[0] {
				t.Errorf("value %d = %+v, want %+v", i, v, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for value %d", i)
		}
	}

	if _, ok := peer.recv().(*HandleValueConfirmation); !ok {
		t.Error("indication was not confirmed")
	}
}

func TestTransportRejectsServerRequests(t *testing.T) {
	_, peer := openWithMTU(t, 64)

	peer.send(&ReadRequest{Handle: 0x0007})
	rsp, ok := peer.recv().(*ErrorResponse)
	if !ok {
		t.Fatal("expected Error Response")
	}
	if rsp.RequestOpcode != OpReadRequest || rsp.Handle != 0x0007 || rsp.ErrorCode != ErrRequestNotSupported {
		t.Errorf("error response = %+v", rsp)
	}
}

func TestTransportRemoteDisconnect(t *testing.T) {
	disconnected := make(chan error, 1)
	tr, peer := openWithMTU(t, 64, WithDisconnectHandler(func(err error) { disconnected <- err }))

	pending, err := tr.SendRequest(&ReadRequest{Handle: 0x0003})
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	peer.recv()
	peer.ch.Close()

	if _, err := pending.Wait(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Wait error = %v, want ErrDisconnected", err)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler not called")
	}
	<-tr.Done()
	if tr.Err() == nil {
		t.Error("Err() should report the disconnect cause")
	}
	if _, err := tr.SendRequest(&ReadRequest{Handle: 0x0003}); !errors.Is(err, ErrDisconnected) {
		t.Errorf("SendRequest after disconnect = %v", err)
	}
}

func TestTransportCloseCancelsPending(t *testing.T) {
	tr, peer := openWithMTU(t, 64)

	pending, err := tr.SendRequest(&ReadRequest{Handle: 0x0003})
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	peer.recv()

	if err := tr.Close(); err != nil {
		t.Errorf("Close error = %v", err)
	}
	if _, err := pending.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait error = %v, want ErrCancelled", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
}

func TestTransportBusyWhileIndicationUnconfirmed(t *testing.T) {
	tr, peer := openWithMTU(t, 64)

	entered := make(chan struct{})
	release := make(chan struct{})
	tr.RegisterHandler(func(handle uint16, data []byte, indication bool) {
		close(entered)
		<-release
	})

	peer.send(&HandleValueIndication{Handle: 0x0015, Value: []byte{0x02}})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("indication handler not called")
	}

	if _, err := tr.SendRequest(&ReadRequest{Handle: 0x0001}); !errors.Is(err, ErrProtocolBusy) {
		t.Fatalf("SendRequest error = %v, want ErrProtocolBusy", err)
	}

	close(release)
	if _, ok := peer.recv().(*HandleValueConfirmation); !ok {
		t.Fatal("indication was not confirmed")
	}

	// the flag is cleared right after the confirmation is written
	var pending *PendingRequest
	deadline := time.Now().Add(time.Second)
	for {
		var err error
		pending, err = tr.SendRequest(&ReadRequest{Handle: 0x0001})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrProtocolBusy) || time.Now().After(deadline) {
			t.Fatalf("SendRequest after confirmation: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := peer.recv().(*ReadRequest); !ok {
		t.Fatal("peer did not receive the request")
	}
	peer.send(&ReadResponse{Value: []byte{0x01}})
	if _, err := pending.Wait(context.Background()); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
}

func TestTransportConfirmsSlowIndicationHandler(t *testing.T) {
	tr, peer := openWithMTU(t, 64, WithConfirmTimeout(50*time.Millisecond))

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	tr.RegisterHandler(func(handle uint16, data []byte, indication bool) {
		<-release
	})

	sent := time.Now()
	peer.send(&HandleValueIndication{Handle: 0x0015, Value: []byte{0x02}})

	confirmed := make(chan PDU, 1)
	go func() {
		raw, err := peer.ch.Recv()
		if err != nil {
			return
		}
		pdu, _ := DecodePacket(raw)
		confirmed <- pdu
	}()

	select {
	case pdu := <-confirmed:
		if _, ok := pdu.(*HandleValueConfirmation); !ok {
			t.Fatalf("peer received %T, want confirmation", pdu)
		}
	case <-time.After(time.Second):
		t.Fatal("confirmation not sent while the handler was blocked")
	}
	if elapsed := time.Since(sent); elapsed < 40*time.Millisecond {
		t.Errorf("confirmed after %s, before the confirm timeout", elapsed)
	}
}
