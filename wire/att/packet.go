package att

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PDU is any decoded ATT protocol data unit
type PDU interface {
	Opcode() uint8
}

// Exchange MTU Request/Response (Opcodes 0x02/0x03)
type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

// Error Response (Opcode 0x01)
type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

// Find Information Request/Response (Opcodes 0x04/0x05)
type FindInformationRequest struct {
	StartHandle uint16
	EndHandle   uint16
}

type FindInformationResponse struct {
	Format uint8  // 0x01 = 16-bit UUIDs, 0x02 = 128-bit UUIDs
	Data   []byte // List of (Handle, UUID) pairs
}

// Find By Type Value Request/Response (Opcodes 0x06/0x07)
type FindByTypeValueRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        uint16 // always a 16-bit UUID on the wire
	Value       []byte
}

type FindByTypeValueResponse struct {
	Data []byte // List of (FoundHandle, GroupEndHandle) pairs
}

// Read By Type Request/Response (Opcodes 0x08/0x09)
type ReadByTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte // 2 or 16 byte UUID
}

type ReadByTypeResponse struct {
	Length        uint8
	AttributeData []byte // List of (Handle, Value) pairs
}

// Read Request/Response (Opcodes 0x0A/0x0B)
type ReadRequest struct {
	Handle uint16
}

type ReadResponse struct {
	Value []byte
}

// Read Blob Request/Response (Opcodes 0x0C/0x0D)
type ReadBlobRequest struct {
	Handle uint16
	Offset uint16
}

type ReadBlobResponse struct {
	Value []byte
}

// Read By Group Type Request/Response (Opcodes 0x10/0x11)
type ReadByGroupTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte // 2 or 16 byte UUID
}

type ReadByGroupTypeResponse struct {
	Length        uint8
	AttributeData []byte // List of (Handle, EndGroupHandle, Value) tuples
}

// Write Request/Response (Opcodes 0x12/0x13)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

// Write Command (Opcode 0x52) - no response
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// Prepare Write Request/Response (Opcodes 0x16/0x17)
type PrepareWriteRequest struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

type PrepareWriteResponse struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

// Execute Write Request/Response (Opcodes 0x18/0x19)
type ExecuteWriteRequest struct {
	Flags uint8 // 0x00 = cancel, 0x01 = execute
}

type ExecuteWriteResponse struct{}

// Handle Value Notification (Opcode 0x1B) - no confirmation
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// Handle Value Indication (Opcode 0x1D) - requires confirmation
type HandleValueIndication struct {
	Handle uint16
	Value  []byte
}

// Handle Value Confirmation (Opcode 0x1E)
type HandleValueConfirmation struct{}

func (*ExchangeMTURequest) Opcode() uint8      { return OpExchangeMTURequest }
func (*ExchangeMTUResponse) Opcode() uint8     { return OpExchangeMTUResponse }
func (*ErrorResponse) Opcode() uint8           { return OpErrorResponse }
func (*FindInformationRequest) Opcode() uint8  { return OpFindInformationRequest }
func (*FindInformationResponse) Opcode() uint8 { return OpFindInformationResponse }
func (*FindByTypeValueRequest) Opcode() uint8  { return OpFindByTypeValueRequest }
func (*FindByTypeValueResponse) Opcode() uint8 { return OpFindByTypeValueResponse }
func (*ReadByTypeRequest) Opcode() uint8       { return OpReadByTypeRequest }
func (*ReadByTypeResponse) Opcode() uint8      { return OpReadByTypeResponse }
func (*ReadRequest) Opcode() uint8             { return OpReadRequest }
func (*ReadResponse) Opcode() uint8            { return OpReadResponse }
func (*ReadBlobRequest) Opcode() uint8         { return OpReadBlobRequest }
func (*ReadBlobResponse) Opcode() uint8        { return OpReadBlobResponse }
func (*ReadByGroupTypeRequest) Opcode() uint8  { return OpReadByGroupTypeRequest }
func (*ReadByGroupTypeResponse) Opcode() uint8 { return OpReadByGroupTypeResponse }
func (*WriteRequest) Opcode() uint8            { return OpWriteRequest }
func (*WriteResponse) Opcode() uint8           { return OpWriteResponse }
func (*WriteCommand) Opcode() uint8            { return OpWriteCommand }
func (*PrepareWriteRequest) Opcode() uint8     { return OpPrepareWriteRequest }
func (*PrepareWriteResponse) Opcode() uint8    { return OpPrepareWriteResponse }
func (*ExecuteWriteRequest) Opcode() uint8     { return OpExecuteWriteRequest }
func (*ExecuteWriteResponse) Opcode() uint8    { return OpExecuteWriteResponse }
func (*HandleValueNotification) Opcode() uint8 { return OpHandleValueNotification }
func (*HandleValueIndication) Opcode() uint8   { return OpHandleValueIndication }
func (*HandleValueConfirmation) Opcode() uint8 { return OpHandleValueConfirmation }

// RequestHandle returns the attribute handle a request targets, or the start
// of its handle range. Used for error reporting and request tracking.
func RequestHandle(pdu PDU) uint16 {
	switch p := pdu.(type) {
	case *FindInformationRequest:
		return p.StartHandle
	case *FindByTypeValueRequest:
		return p.StartHandle
	case *ReadByTypeRequest:
		return p.StartHandle
	case *ReadRequest:
		return p.Handle
	case *ReadBlobRequest:
		return p.Handle
	case *ReadByGroupTypeRequest:
		return p.StartHandle
	case *WriteRequest:
		return p.Handle
	case *WriteCommand:
		return p.Handle
	case *PrepareWriteRequest:
		return p.Handle
	default:
		return 0
	}
}

func handleValue(op uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, 3+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[3:], value)
	return buf
}

func handleRange(op uint8, start, end uint16, tail []byte) []byte {
	buf := make([]byte, 5+len(tail))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], start)
	binary.LittleEndian.PutUint16(buf[3:5], end)
	copy(buf[5:], tail)
	return buf
}

func lengthPrefixed(op uint8, n uint8, data []byte) []byte {
	buf := make([]byte, 2+len(data))
	buf[0] = op
	buf[1] = n
	copy(buf[2:], data)
	return buf
}

// EncodePacket encodes an ATT packet to binary format
func EncodePacket(pkt PDU) ([]byte, error) {
	switch p := pkt.(type) {
	case *ExchangeMTURequest:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTURequest
		binary.LittleEndian.PutUint16(buf[1:3], p.ClientRxMTU)
		return buf, nil

	case *ExchangeMTUResponse:
		buf := make([]byte, 3)
		buf[0] = OpExchangeMTUResponse
		binary.LittleEndian.PutUint16(buf[1:3], p.ServerRxMTU)
		return buf, nil

	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil

	case *FindInformationRequest:
		return handleRange(OpFindInformationRequest, p.StartHandle, p.EndHandle, nil), nil

	case *FindInformationResponse:
		return lengthPrefixed(OpFindInformationResponse, p.Format, p.Data), nil

	case *FindByTypeValueRequest:
		tail := make([]byte, 2+len(p.Value))
		binary.LittleEndian.PutUint16(tail[0:2], p.Type)
		copy(tail[2:], p.Value)
		return handleRange(OpFindByTypeValueRequest, p.StartHandle, p.EndHandle, tail), nil

	case *FindByTypeValueResponse:
		return append([]byte{OpFindByTypeValueResponse}, p.Data...), nil

	case *ReadByTypeRequest:
		return handleRange(OpReadByTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByTypeResponse:
		return lengthPrefixed(OpReadByTypeResponse, p.Length, p.AttributeData), nil

	case *ReadRequest:
		buf := make([]byte, 3)
		buf[0] = OpReadRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		return buf, nil

	case *ReadResponse:
		return append([]byte{OpReadResponse}, p.Value...), nil

	case *ReadBlobRequest:
		buf := make([]byte, 5)
		buf[0] = OpReadBlobRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		binary.LittleEndian.PutUint16(buf[3:5], p.Offset)
		return buf, nil

	case *ReadBlobResponse:
		return append([]byte{OpReadBlobResponse}, p.Value...), nil

	case *ReadByGroupTypeRequest:
		return handleRange(OpReadByGroupTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByGroupTypeResponse:
		return lengthPrefixed(OpReadByGroupTypeResponse, p.Length, p.AttributeData), nil

	case *WriteRequest:
		return handleValue(OpWriteRequest, p.Handle, p.Value), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *WriteCommand:
		return handleValue(OpWriteCommand, p.Handle, p.Value), nil

	case *PrepareWriteRequest:
		return handleRange(OpPrepareWriteRequest, p.Handle, p.Offset, p.Value), nil

	case *PrepareWriteResponse:
		return handleRange(OpPrepareWriteResponse, p.Handle, p.Offset, p.Value), nil

	case *ExecuteWriteRequest:
		return []byte{OpExecuteWriteRequest, p.Flags}, nil

	case *ExecuteWriteResponse:
		return []byte{OpExecuteWriteResponse}, nil

	case *HandleValueNotification:
		return handleValue(OpHandleValueNotification, p.Handle, p.Value), nil

	case *HandleValueIndication:
		return handleValue(OpHandleValueIndication, p.Handle, p.Value), nil

	case *HandleValueConfirmation:
		return []byte{OpHandleValueConfirmation}, nil

	default:
		return nil, errors.Errorf("att: unknown packet type %T", pkt)
	}
}

func tooShort(name string) error {
	return errors.Errorf("att: %s too short", name)
}

// DecodePacket decodes binary data into an ATT packet
func DecodePacket(data []byte) (PDU, error) {
	if len(data) < 1 {
		return nil, errors.New("att: packet too short (need at least 1 byte)")
	}

	opcode := data[0]
	rest := data[1:]
	clone := func(b []byte) []byte { return append([]byte{}, b...) }

	switch opcode {
	case OpExchangeMTURequest:
		if len(rest) < 2 {
			return nil, tooShort("ExchangeMTURequest")
		}
		return &ExchangeMTURequest{ClientRxMTU: binary.LittleEndian.Uint16(rest)}, nil

	case OpExchangeMTUResponse:
		if len(rest) < 2 {
			return nil, tooShort("ExchangeMTUResponse")
		}
		return &ExchangeMTUResponse{ServerRxMTU: binary.LittleEndian.Uint16(rest)}, nil

	case OpErrorResponse:
		if len(rest) < 4 {
			return nil, tooShort("ErrorResponse")
		}
		return &ErrorResponse{
			RequestOpcode: rest[0],
			Handle:        binary.LittleEndian.Uint16(rest[1:3]),
			ErrorCode:     rest[3],
		}, nil

	case OpFindInformationRequest:
		if len(rest) < 4 {
			return nil, tooShort("FindInformationRequest")
		}
		return &FindInformationRequest{
			StartHandle: binary.LittleEndian.Uint16(rest[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(rest[2:4]),
		}, nil

	case OpFindInformationResponse:
		if len(rest) < 1 {
			return nil, tooShort("FindInformationResponse")
		}
		return &FindInformationResponse{Format: rest[0], Data: clone(rest[1:])}, nil

	case OpFindByTypeValueRequest:
		if len(rest) < 6 {
			return nil, tooShort("FindByTypeValueRequest")
		}
		return &FindByTypeValueRequest{
			StartHandle: binary.LittleEndian.Uint16(rest[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(rest[2:4]),
			Type:        binary.LittleEndian.Uint16(rest[4:6]),
			Value:       clone(rest[6:]),
		}, nil

	case OpFindByTypeValueResponse:
		return &FindByTypeValueResponse{Data: clone(rest)}, nil

	case OpReadByTypeRequest:
		if len(rest) < 6 { // start + end + min UUID
			return nil, tooShort("ReadByTypeRequest")
		}
		return &ReadByTypeRequest{
			StartHandle: binary.LittleEndian.Uint16(rest[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(rest[2:4]),
			Type:        clone(rest[4:]),
		}, nil

	case OpReadByTypeResponse:
		if len(rest) < 1 {
			return nil, tooShort("ReadByTypeResponse")
		}
		return &ReadByTypeResponse{Length: rest[0], AttributeData: clone(rest[1:])}, nil

	case OpReadRequest:
		if len(rest) < 2 {
			return nil, tooShort("ReadRequest")
		}
		return &ReadRequest{Handle: binary.LittleEndian.Uint16(rest)}, nil

	case OpReadResponse:
		return &ReadResponse{Value: clone(rest)}, nil

	case OpReadBlobRequest:
		if len(rest) < 4 {
			return nil, tooShort("ReadBlobRequest")
		}
		return &ReadBlobRequest{
			Handle: binary.LittleEndian.Uint16(rest[0:2]),
			Offset: binary.LittleEndian.Uint16(rest[2:4]),
		}, nil

	case OpReadBlobResponse:
		return &ReadBlobResponse{Value: clone(rest)}, nil

	case OpReadByGroupTypeRequest:
		if len(rest) < 6 {
			return nil, tooShort("ReadByGroupTypeRequest")
		}
		return &ReadByGroupTypeRequest{
			StartHandle: binary.LittleEndian.Uint16(rest[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(rest[2:4]),
			Type:        clone(rest[4:]),
		}, nil

	case OpReadByGroupTypeResponse:
		if len(rest) < 1 {
			return nil, tooShort("ReadByGroupTypeResponse")
		}
		return &ReadByGroupTypeResponse{Length: rest[0], AttributeData: clone(rest[1:])}, nil

	case OpWriteRequest:
		if len(rest) < 2 {
			return nil, tooShort("WriteRequest")
		}
		return &WriteRequest{Handle: binary.LittleEndian.Uint16(rest), Value: clone(rest[2:])}, nil

	case OpWriteResponse:
		return &WriteResponse{}, nil

	case OpWriteCommand:
		if len(rest) < 2 {
			return nil, tooShort("WriteCommand")
		}
		return &WriteCommand{Handle: binary.LittleEndian.Uint16(rest), Value: clone(rest[2:])}, nil

	case OpPrepareWriteRequest:
		if len(rest) < 4 {
			return nil, tooShort("PrepareWriteRequest")
		}
		return &PrepareWriteRequest{
			Handle: binary.LittleEndian.Uint16(rest[0:2]),
			Offset: binary.LittleEndian.Uint16(rest[2:4]),
			Value:  clone(rest[4:]),
		}, nil

	case OpPrepareWriteResponse:
		if len(rest) < 4 {
			return nil, tooShort("PrepareWriteResponse")
		}
		return &PrepareWriteResponse{
			Handle: binary.LittleEndian.Uint16(rest[0:2]),
			Offset: binary.LittleEndian.Uint16(rest[2:4]),
			Value:  clone(rest[4:]),
		}, nil

	case OpExecuteWriteRequest:
		if len(rest) < 1 {
			return nil, tooShort("ExecuteWriteRequest")
		}
		return &ExecuteWriteRequest{Flags: rest[0]}, nil

	case OpExecuteWriteResponse:
		return &ExecuteWriteResponse{}, nil

	case OpHandleValueNotification:
		if len(rest) < 2 {
			return nil, tooShort("HandleValueNotification")
		}
		return &HandleValueNotification{Handle: binary.LittleEndian.Uint16(rest), Value: clone(rest[2:])}, nil

	case OpHandleValueIndication:
		if len(rest) < 2 {
			return nil, tooShort("HandleValueIndication")
		}
		return &HandleValueIndication{Handle: binary.LittleEndian.Uint16(rest), Value: clone(rest[2:])}, nil

	case OpHandleValueConfirmation:
		return &HandleValueConfirmation{}, nil

	default:
		return nil, errors.Errorf("att: unknown opcode 0x%02X", opcode)
	}
}
