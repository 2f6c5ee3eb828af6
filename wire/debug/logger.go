package debug

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/gattlink/util"
	"github.com/user/gattlink/wire/att"
)

// DebugLogger writes human-readable JSON lines for every ATT PDU and GATT
// operation of one session. These files are write-only trace output.
type DebugLogger struct {
	sessionID string
	debugDir  string
	enabled   bool
	mu        sync.Mutex
}

// ATTPacketLog represents a logged ATT packet
type ATTPacketLog struct {
	Timestamp  string                 `json:"timestamp"`
	Direction  string                 `json:"direction"` // "tx" or "rx"
	SessionID  string                 `json:"session_id"`
	Opcode     string                 `json:"opcode"`
	OpcodeName string                 `json:"opcode_name"`
	Data       map[string]interface{} `json:"data,omitempty"`
	RawHex     string                 `json:"raw_hex"`
}

// GATTOperationLog represents a high-level GATT operation
type GATTOperationLog struct {
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
	Operation string `json:"operation"` // "read", "write", "notify", "discover", ...
	Handle    string `json:"handle,omitempty"`
	Result    string `json:"result,omitempty"`
	DataLen   int    `json:"data_len,omitempty"`
	DataHex   string `json:"data_hex,omitempty"`
}

// NewDebugLogger creates a trace logger for a session. A disabled logger
// accepts every call and writes nothing.
func NewDebugLogger(sessionID string, enabled bool) *DebugLogger {
	if !enabled {
		return &DebugLogger{enabled: false}
	}

	debugDir := util.GetSessionDebugDir(sessionID)
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		return &DebugLogger{enabled: false}
	}

	return &DebugLogger{
		sessionID: sessionID,
		debugDir:  debugDir,
		enabled:   true,
	}
}

// Enabled reports whether trace output is written
func (d *DebugLogger) Enabled() bool {
	return d != nil && d.enabled
}

// Dir returns the directory trace files are written to
func (d *DebugLogger) Dir() string {
	return d.debugDir
}

// LogATTPacket logs an ATT packet to att_packets.jsonl
func (d *DebugLogger) LogATTPacket(direction string, packet att.PDU, rawBytes []byte) {
	if !d.Enabled() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var opcode uint8
	if packet != nil {
		opcode = packet.Opcode()
	} else if len(rawBytes) > 0 {
		opcode = rawBytes[0]
	}

	log := ATTPacketLog{
		Timestamp:  time.Now().Format(time.RFC3339Nano),
		Direction:  direction,
		SessionID:  d.sessionID,
		Opcode:     fmt.Sprintf("0x%02X", opcode),
		OpcodeName: att.OpcodeName(opcode),
		Data:       describeATTPacket(packet),
		RawHex:     hex.EncodeToString(rawBytes),
	}

	d.appendJSONL("att_packets.jsonl", log)
}

// LogGATTOperation logs a high-level GATT operation to gatt_operations.jsonl
func (d *DebugLogger) LogGATTOperation(operation string, handle uint16, data []byte, err error) {
	if !d.Enabled() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	log := GATTOperationLog{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		SessionID: d.sessionID,
		Operation: operation,
		DataLen:   len(data),
		Result:    "ok",
	}
	if handle != 0 {
		log.Handle = fmt.Sprintf("0x%04X", handle)
	}
	if err != nil {
		log.Result = err.Error()
	}
	if len(data) > 0 {
		log.DataHex = hex.EncodeToString(data)
	}

	d.appendJSONL("gatt_operations.jsonl", log)
}

// appendJSONL appends a JSON line to a file
func (d *DebugLogger) appendJSONL(filename string, data interface{}) {
	path := filepath.Join(d.debugDir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return // best-effort
	}
	defer f.Close()

	line, err := json.Marshal(data)
	if err != nil {
		return
	}

	f.Write(append(line, '\n'))
}

// describeATTPacket extracts the interesting fields of an ATT packet
func describeATTPacket(packet att.PDU) map[string]interface{} {
	data := make(map[string]interface{})
	hexHandle := func(h uint16) string { return fmt.Sprintf("0x%04X", h) }

	switch p := packet.(type) {
	case *att.ExchangeMTURequest:
		data["client_rx_mtu"] = p.ClientRxMTU

	case *att.ExchangeMTUResponse:
		data["server_rx_mtu"] = p.ServerRxMTU

	case *att.ReadByGroupTypeRequest:
		data["start_handle"] = hexHandle(p.StartHandle)
		data["end_handle"] = hexHandle(p.EndHandle)
		data["type_hex"] = hex.EncodeToString(p.Type)

	case *att.ReadByTypeRequest:
		data["start_handle"] = hexHandle(p.StartHandle)
		data["end_handle"] = hexHandle(p.EndHandle)
		data["type_hex"] = hex.EncodeToString(p.Type)

	case *att.FindInformationRequest:
		data["start_handle"] = hexHandle(p.StartHandle)
		data["end_handle"] = hexHandle(p.EndHandle)

	case *att.FindByTypeValueRequest:
		data["start_handle"] = hexHandle(p.StartHandle)
		data["end_handle"] = hexHandle(p.EndHandle)
		data["type"] = fmt.Sprintf("0x%04X", p.Type)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.ReadRequest:
		data["handle"] = hexHandle(p.Handle)

	case *att.ReadBlobRequest:
		data["handle"] = hexHandle(p.Handle)
		data["offset"] = p.Offset

	case *att.ReadResponse:
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.WriteRequest:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.WriteCommand:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.PrepareWriteRequest:
		data["handle"] = hexHandle(p.Handle)
		data["offset"] = p.Offset
		data["value_len"] = len(p.Value)

	case *att.HandleValueNotification:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.HandleValueIndication:
		data["handle"] = hexHandle(p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)

	case *att.ErrorResponse:
		data["request_opcode"] = fmt.Sprintf("0x%02X", p.RequestOpcode)
		data["request_opcode_name"] = att.OpcodeName(p.RequestOpcode)
		data["handle"] = hexHandle(p.Handle)
		data["error_code"] = fmt.Sprintf("0x%02X", p.ErrorCode)
		data["error_name"] = att.ErrorNames[p.ErrorCode]
	}

	if len(data) == 0 {
		return nil
	}
	return data
}
