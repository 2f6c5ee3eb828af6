package gatttest

import (
	"net"
	"sync"
	"time"

	"github.com/user/gattlink/wire/att"
	"github.com/user/gattlink/wire/gatt"
	"github.com/user/gattlink/wire/l2cap"
)

// Handler intercepts a request before the table answers it. Returning
// handled=true sends rsp instead (nil rsp sends nothing).
type Handler func(req att.PDU) (rsp att.PDU, handled bool)

// Server answers ATT requests from a Table over one end of a net.Pipe
type Server struct {
	ch *l2cap.StreamChannel

	mu        sync.Mutex
	table     *Table
	mtu       int
	serverMTU int
	handler   Handler
	prepare   *att.PrepareQueue
	requests  []att.PDU
	writes    map[uint16][][]byte
	confirmed int

	done chan struct{}
}

// NewServer serves table and returns the client end of the channel.
// serverMTU 0 answers MTU exchanges with att.MaxMTU.
func NewServer(table *Table, serverMTU int) (*Server, l2cap.Channel) {
	if serverMTU == 0 {
		serverMTU = att.MaxMTU
	}
	serverConn, clientConn := net.Pipe()
	s := &Server{
		ch:        l2cap.NewStreamChannel(serverConn),
		table:     table,
		mtu:       att.DefaultMTU,
		serverMTU: serverMTU,
		prepare:   att.NewPrepareQueue(),
		writes:    make(map[uint16][][]byte),
		done:      make(chan struct{}),
	}
	go s.serve()
	return s, l2cap.NewStreamChannel(clientConn)
}

// SetHandler installs or clears the request hook
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetTable replaces the attribute table, for service changed scenarios
func (s *Server) SetTable(t *Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
}

// Table returns the current attribute table
func (s *Server) Table() *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// Close drops the link. It may be called from a Handler.
func (s *Server) Close() error {
	return s.ch.Close()
}

// Done is closed when the serve loop exits
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Requests returns every request and command received so far
func (s *Server) Requests() []att.PDU {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]att.PDU{}, s.requests...)
}

// CountRequests counts received PDUs matching fn
func (s *Server) CountRequests(fn func(att.PDU) bool) int {
	n := 0
	for _, r := range s.Requests() {
		if fn(r) {
			n++
		}
	}
	return n
}

// Writes returns the values written to handle, in order
func (s *Server) Writes(handle uint16) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte{}, s.writes[handle]...)
}

// Confirmations returns the number of Handle Value Confirmations received
func (s *Server) Confirmations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

// Value returns the current value of an attribute
func (s *Server) Value(handle uint16) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.table.Find(handle); a != nil {
		return append([]byte{}, a.Value...)
	}
	return nil
}

// WaitFor polls until fn holds or timeout expires
func (s *Server) WaitFor(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return fn()
}

// Notify sends a Handle Value Notification
func (s *Server) Notify(handle uint16, value []byte) error {
	return s.send(&att.HandleValueNotification{Handle: handle, Value: value})
}

// Indicate sends a Handle Value Indication
func (s *Server) Indicate(handle uint16, value []byte) error {
	return s.send(&att.HandleValueIndication{Handle: handle, Value: value})
}

// ServiceChanged indicates a changed range on the Service Changed characteristic
func (s *Server) ServiceChanged(valueHandle, start, end uint16) error {
	return s.Indicate(valueHandle, []byte{byte(start), byte(start >> 8), byte(end), byte(end >> 8)})
}

// Send transmits an arbitrary PDU, for protocol violation tests
func (s *Server) Send(pdu att.PDU) error {
	return s.send(pdu)
}

func (s *Server) send(pdu att.PDU) error {
	raw, err := att.EncodePacket(pdu)
	if err != nil {
		return err
	}
	return s.ch.Send(raw)
}

// receive keeps reading while serve is blocked writing, so a client that
// sends a confirmation mid-response never stalls the synchronous pipe
func (s *Server) receive(frames chan<- []byte) {
	defer close(frames)
	for {
		raw, err := s.ch.Recv()
		if err != nil {
			return
		}
		frames <- raw
	}
}

func (s *Server) serve() {
	defer close(s.done)

	frames := make(chan []byte, 256)
	go s.receive(frames)

	for raw := range frames {
		if len(raw) == 0 {
			continue
		}
		req, err := att.DecodePacket(raw)
		if err != nil {
			s.send(&att.ErrorResponse{RequestOpcode: raw[0], ErrorCode: att.ErrInvalidPDU})
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		h := s.handler
		s.mu.Unlock()

		if h != nil {
			if rsp, handled := h(req); handled {
				if rsp != nil {
					s.send(rsp)
				}
				continue
			}
		}

		if rsp := s.answer(req); rsp != nil {
			s.send(rsp)
		}
	}
}

func errRsp(req att.PDU, handle uint16, code uint8) *att.ErrorResponse {
	return &att.ErrorResponse{RequestOpcode: req.Opcode(), Handle: handle, ErrorCode: code}
}

// answer produces the table-driven response to req, or nil for commands
func (s *Server) answer(req att.PDU) att.PDU {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r := req.(type) {
	case *att.ExchangeMTURequest:
		s.mtu = int(r.ClientRxMTU)
		if s.serverMTU < s.mtu {
			s.mtu = s.serverMTU
		}
		if s.mtu < att.DefaultMTU {
			s.mtu = att.DefaultMTU
		}
		return &att.ExchangeMTUResponse{ServerRxMTU: uint16(s.serverMTU)}

	case *att.ReadByGroupTypeRequest:
		return s.readByGroupType(r)

	case *att.ReadByTypeRequest:
		return s.readByType(r)

	case *att.FindInformationRequest:
		return s.findInformation(r)

	case *att.FindByTypeValueRequest:
		return s.findByTypeValue(r)

	case *att.ReadRequest:
		a := s.table.Find(r.Handle)
		if a == nil {
			return errRsp(req, r.Handle, att.ErrInvalidHandle)
		}
		return &att.ReadResponse{Value: clip(a.Value, s.mtu-1)}

	case *att.ReadBlobRequest:
		a := s.table.Find(r.Handle)
		if a == nil {
			return errRsp(req, r.Handle, att.ErrInvalidHandle)
		}
		if int(r.Offset) > len(a.Value) {
			return errRsp(req, r.Handle, att.ErrInvalidOffset)
		}
		return &att.ReadBlobResponse{Value: clip(a.Value[r.Offset:], s.mtu-1)}

	case *att.WriteRequest:
		a := s.table.Find(r.Handle)
		if a == nil {
			return errRsp(req, r.Handle, att.ErrInvalidHandle)
		}
		s.store(a, r.Value)
		return &att.WriteResponse{}

	case *att.WriteCommand:
		if a := s.table.Find(r.Handle); a != nil {
			s.store(a, r.Value)
		}
		return nil

	case *att.PrepareWriteRequest:
		if s.table.Find(r.Handle) == nil {
			return errRsp(req, r.Handle, att.ErrInvalidHandle)
		}
		if err := s.prepare.Add(r); err != nil {
			return errRsp(req, r.Handle, att.GetErrorCode(err))
		}
		return &att.PrepareWriteResponse{Handle: r.Handle, Offset: r.Offset, Value: r.Value}

	case *att.ExecuteWriteRequest:
		if r.Flags == 0x01 {
			for _, h := range s.prepare.Handles() {
				if a := s.table.Find(h); a != nil {
					s.store(a, s.prepare.Value(h))
				}
			}
		}
		s.prepare.Clear()
		return &att.ExecuteWriteResponse{}

	case *att.HandleValueConfirmation:
		s.confirmed++
		return nil

	default:
		if att.IsCommand(req.Opcode()) {
			return nil
		}
		return errRsp(req, 0, att.ErrRequestNotSupported)
	}
}

func (s *Server) store(a *Attribute, value []byte) {
	a.Value = append([]byte{}, value...)
	s.writes[a.Handle] = append(s.writes[a.Handle], append([]byte{}, value...))
}

func clip(b []byte, n int) []byte {
	if len(b) > n {
		b = b[:n]
	}
	return append([]byte{}, b...)
}

func (s *Server) readByGroupType(r *att.ReadByGroupTypeRequest) att.PDU {
	typ, err := gatt.UUIDFromWire(r.Type)
	if err != nil || (typ != gatt.UUIDPrimaryService && typ != gatt.UUIDSecondaryService) {
		return errRsp(r, r.StartHandle, att.ErrUnsupportedGroupType)
	}

	var entries []gatt.ServiceEntry
	size := 2
	for _, a := range s.table.Range(r.StartHandle, r.EndHandle) {
		if a.Type != typ {
			continue
		}
		u, _ := gatt.UUIDFromWire(a.Value)
		entryLen := 4 + len(a.Value)
		if len(entries) > 0 && (len(entries[0].UUID.ATTWire()) != len(a.Value) || size+entryLen > s.mtu) {
			break
		}
		entries = append(entries, gatt.ServiceEntry{StartHandle: a.Handle, EndHandle: a.GroupEnd, UUID: u})
		size += entryLen
	}
	if len(entries) == 0 {
		return errRsp(r, r.StartHandle, att.ErrAttributeNotFound)
	}
	rsp, _ := gatt.BuildReadByGroupTypeResponse(entries)
	return rsp
}

func (s *Server) readByType(r *att.ReadByTypeRequest) att.PDU {
	typ, err := gatt.UUIDFromWire(r.Type)
	if err != nil {
		return errRsp(r, r.StartHandle, att.ErrInvalidPDU)
	}

	var entries []gatt.HandleValue
	size := 2
	for _, a := range s.table.Range(r.StartHandle, r.EndHandle) {
		if a.Type != typ {
			continue
		}
		value := clip(a.Value, s.mtu-4)
		if len(entries) > 0 && (len(entries[0].Value) != len(value) || size+2+len(value) > s.mtu) {
			break
		}
		entries = append(entries, gatt.HandleValue{Handle: a.Handle, Value: value})
		size += 2 + len(value)
	}
	if len(entries) == 0 {
		return errRsp(r, r.StartHandle, att.ErrAttributeNotFound)
	}
	rsp, _ := gatt.BuildReadByTypeResponse(entries)
	return rsp
}

func (s *Server) findInformation(r *att.FindInformationRequest) att.PDU {
	var entries []gatt.DescriptorEntry
	size := 2
	for _, a := range s.table.Range(r.StartHandle, r.EndHandle) {
		entryLen := 2 + len(a.Type.ATTWire())
		if len(entries) > 0 && (len(entries[0].UUID.ATTWire()) != len(a.Type.ATTWire()) || size+entryLen > s.mtu) {
			break
		}
		entries = append(entries, gatt.DescriptorEntry{Handle: a.Handle, UUID: a.Type})
		size += entryLen
	}
	if len(entries) == 0 {
		return errRsp(r, r.StartHandle, att.ErrAttributeNotFound)
	}
	rsp, _ := gatt.BuildFindInformationResponse(entries)
	return rsp
}

func (s *Server) findByTypeValue(r *att.FindByTypeValueRequest) att.PDU {
	typ := gatt.UUID16(r.Type)

	var data []byte
	for _, a := range s.table.Range(r.StartHandle, r.EndHandle) {
		if a.Type != typ || string(a.Value) != string(r.Value) {
			continue
		}
		if 1+len(data)+4 > s.mtu {
			break
		}
		end := a.GroupEnd
		if end == 0 {
			end = a.Handle
		}
		data = append(data, byte(a.Handle), byte(a.Handle>>8), byte(end), byte(end>>8))
	}
	if len(data) == 0 {
		return errRsp(r, r.StartHandle, att.ErrAttributeNotFound)
	}
	return &att.FindByTypeValueResponse{Data: data}
}
