package l2cap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// LE signaling command codes
const (
	CodeCommandReject                     = 0x01
	CodeConnectionParameterUpdateRequest  = 0x12
	CodeConnectionParameterUpdateResponse = 0x13
)

// Connection parameter result codes
const (
	ConnectionParameterAccepted uint16 = 0x0000
	ConnectionParameterRejected uint16 = 0x0001
)

// RejectNotUnderstood is the Command Reject reason for unknown commands
const RejectNotUnderstood uint16 = 0x0000

// ConnectionParameters are the timing parameters a peripheral may ask the
// central to apply
type ConnectionParameters struct {
	// Connection interval in units of 1.25ms, 6 (7.5ms) to 3200 (4s)
	IntervalMin uint16
	IntervalMax uint16

	// Peripheral latency in connection events, 0 to 499
	SlaveLatency uint16

	// Supervision timeout in units of 10ms, 10 (100ms) to 3200 (32s).
	// Must be larger than (1 + SlaveLatency) * IntervalMax * 2
	SupervisionTimeout uint16
}

// Validate checks the parameters against the LE ranges
func (p *ConnectionParameters) Validate() error {
	if p.IntervalMin < 6 || p.IntervalMin > 3200 {
		return errors.Errorf("l2cap: IntervalMin out of range (6-3200): %d", p.IntervalMin)
	}
	if p.IntervalMax < 6 || p.IntervalMax > 3200 {
		return errors.Errorf("l2cap: IntervalMax out of range (6-3200): %d", p.IntervalMax)
	}
	if p.IntervalMax < p.IntervalMin {
		return errors.Errorf("l2cap: IntervalMax (%d) must be >= IntervalMin (%d)", p.IntervalMax, p.IntervalMin)
	}
	if p.SlaveLatency > 499 {
		return errors.Errorf("l2cap: SlaveLatency out of range (0-499): %d", p.SlaveLatency)
	}
	if p.SupervisionTimeout < 10 || p.SupervisionTimeout > 3200 {
		return errors.Errorf("l2cap: SupervisionTimeout out of range (10-3200): %d", p.SupervisionTimeout)
	}

	// (1 + latency) * interval * 2, converted from 1.25ms to 10ms units
	minTimeout := (1 + uint32(p.SlaveLatency)) * uint32(p.IntervalMax) * 25 / 100
	if uint32(p.SupervisionTimeout) <= minTimeout {
		return errors.Errorf("l2cap: SupervisionTimeout (%d * 10ms) must be > (1+latency)*interval*2 (%d * 10ms)",
			p.SupervisionTimeout, minTimeout)
	}
	return nil
}

// IntervalMaxMs returns the maximum connection interval in milliseconds
func (p *ConnectionParameters) IntervalMaxMs() float64 {
	return float64(p.IntervalMax) * 1.25
}

// SignalingCommand is one command on the LE signaling channel
// Format: [Code: 1] [Identifier: 1] [Length: 2] [Data: Length]
type SignalingCommand struct {
	Code       uint8
	Identifier uint8
	Data       []byte
}

// Encode serializes the command
func (c *SignalingCommand) Encode() []byte {
	buf := []byte{c.Code, c.Identifier}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.Data)))
	return append(buf, c.Data...)
}

// DecodeSignalingCommand parses one signaling command
func DecodeSignalingCommand(data []byte) (*SignalingCommand, error) {
	if len(data) < 4 {
		return nil, errors.Errorf("l2cap: signaling command too short: %d bytes", len(data))
	}
	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data) < 4+length {
		return nil, errors.Errorf("l2cap: signaling command claims %d bytes, got %d", length, len(data)-4)
	}
	return &SignalingCommand{
		Code:       data[0],
		Identifier: data[1],
		Data:       append([]byte{}, data[4:4+length]...),
	}, nil
}

// EncodeConnectionParameterUpdateRequest builds the command a peripheral sends
func EncodeConnectionParameterUpdateRequest(identifier uint8, p *ConnectionParameters) []byte {
	data := binary.LittleEndian.AppendUint16(nil, p.IntervalMin)
	data = binary.LittleEndian.AppendUint16(data, p.IntervalMax)
	data = binary.LittleEndian.AppendUint16(data, p.SlaveLatency)
	data = binary.LittleEndian.AppendUint16(data, p.SupervisionTimeout)
	cmd := &SignalingCommand{Code: CodeConnectionParameterUpdateRequest, Identifier: identifier, Data: data}
	return cmd.Encode()
}

func decodeConnectionParameters(data []byte) (*ConnectionParameters, error) {
	if len(data) != 8 {
		return nil, errors.Errorf("l2cap: invalid parameter length: %d", len(data))
	}
	return &ConnectionParameters{
		IntervalMin:        binary.LittleEndian.Uint16(data[0:2]),
		IntervalMax:        binary.LittleEndian.Uint16(data[2:4]),
		SlaveLatency:       binary.LittleEndian.Uint16(data[4:6]),
		SupervisionTimeout: binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// AnswerSignaling produces the central's reply to a signaling command from
// the peripheral. Connection Parameter Update Requests are accepted when
// the parameters are valid; unknown requests get a Command Reject.
// Responses from the peer need no reply and yield nil.
func AnswerSignaling(payload []byte) (reply []byte, params *ConnectionParameters, err error) {
	cmd, err := DecodeSignalingCommand(payload)
	if err != nil {
		return nil, nil, err
	}

	switch cmd.Code {
	case CodeConnectionParameterUpdateRequest:
		result := ConnectionParameterAccepted
		params, err = decodeConnectionParameters(cmd.Data)
		if err == nil {
			err = params.Validate()
		}
		if err != nil {
			result = ConnectionParameterRejected
			params = nil
		}
		rsp := &SignalingCommand{
			Code:       CodeConnectionParameterUpdateResponse,
			Identifier: cmd.Identifier,
			Data:       binary.LittleEndian.AppendUint16(nil, result),
		}
		return rsp.Encode(), params, err

	case CodeCommandReject, CodeConnectionParameterUpdateResponse:
		return nil, nil, nil

	default:
		if cmd.Code%2 == 1 {
			// odd codes are responses
			return nil, nil, nil
		}
		rej := &SignalingCommand{
			Code:       CodeCommandReject,
			Identifier: cmd.Identifier,
			Data:       binary.LittleEndian.AppendUint16(nil, RejectNotUnderstood),
		}
		return rej.Encode(), nil, errors.Errorf("l2cap: unsupported signaling command 0x%02X", cmd.Code)
	}
}
