package debug

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/gattlink/util"
	"github.com/user/gattlink/wire/att"
)

// DefaultSnapshotInterval is how often link health is written to disk
const DefaultSnapshotInterval = 5 * time.Second

// LinkHealthMonitor tracks ATT traffic statistics of one session in memory
// and optionally persists snapshots periodically. It implements both
// att.Tracer and gatt.OperationTracer.
type LinkHealthMonitor struct {
	mu    sync.RWMutex
	stats LinkStats

	snapshotFile string
	interval     time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// LinkStats is the health of one ATT bearer
type LinkStats struct {
	SessionID      string                     `json:"session_id"`
	OpenedAt       int64                      `json:"opened_at"` // Nanoseconds since epoch
	UptimeSeconds  int                        `json:"uptime_seconds"`
	MTU            int                        `json:"mtu"`
	PDUsSent       int                        `json:"pdus_sent"`
	PDUsReceived   int                        `json:"pdus_received"`
	Requests       int                        `json:"requests"`
	ErrorResponses int                        `json:"error_responses"`
	Notifications  int                        `json:"notifications"`
	Indications    int                        `json:"indications"`
	LastActivity   int64                      `json:"last_activity"` // Nanoseconds since epoch
	Operations     map[string]*OperationStats `json:"operations"`
	Status         string                     `json:"status"` // "healthy", "error", "disconnected", "closed"
	LastError      string                     `json:"last_error,omitempty"`
}

// OperationStats counts one kind of GATT operation
type OperationStats struct {
	Count     int    `json:"count"`
	Errors    int    `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

// NewLinkHealthMonitor creates a monitor for a session; snapshots go next
// to the session's trace files
func NewLinkHealthMonitor(sessionID string) *LinkHealthMonitor {
	return &LinkHealthMonitor{
		stats: LinkStats{
			SessionID:  sessionID,
			OpenedAt:   time.Now().UnixNano(),
			Operations: make(map[string]*OperationStats),
			Status:     "healthy",
		},
		snapshotFile: filepath.Join(util.GetSessionDebugDir(sessionID), "link_health.json"),
		interval:     DefaultSnapshotInterval,
		stopChan:     make(chan struct{}),
	}
}

// SetMTU records the negotiated MTU
func (m *LinkHealthMonitor) SetMTU(mtu int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.MTU = mtu
}

// LogATTPacket counts one PDU
func (m *LinkHealthMonitor) LogATTPacket(direction string, pdu att.PDU, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastActivity = time.Now().UnixNano()
	if direction == "tx" {
		m.stats.PDUsSent++
		if pdu != nil && att.IsRequest(pdu.Opcode()) {
			m.stats.Requests++
		}
		return
	}

	m.stats.PDUsReceived++
	switch pdu.(type) {
	case *att.ErrorResponse:
		m.stats.ErrorResponses++
	case *att.HandleValueNotification:
		m.stats.Notifications++
	case *att.HandleValueIndication:
		m.stats.Indications++
	}
}

// LogGATTOperation counts one completed GATT operation
func (m *LinkHealthMonitor) LogGATTOperation(operation string, handle uint16, data []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := m.stats.Operations[operation]
	if op == nil {
		op = &OperationStats{}
		m.stats.Operations[operation] = op
	}
	op.Count++
	if err != nil {
		op.Errors++
		op.LastError = err.Error()
		m.stats.LastError = err.Error()
		if m.stats.Status == "healthy" {
			m.stats.Status = "error"
		}
	}
}

// MarkDisconnected records that the remote side dropped the link
func (m *LinkHealthMonitor) MarkDisconnected(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Status = "disconnected"
	if cause != nil {
		m.stats.LastError = cause.Error()
	}
}

// Stats returns a copy of the current statistics
func (m *LinkHealthMonitor) Stats() LinkStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.stats
	s.UptimeSeconds = int(time.Since(time.Unix(0, s.OpenedAt)).Seconds())
	s.Operations = make(map[string]*OperationStats, len(m.stats.Operations))
	for k, v := range m.stats.Operations {
		op := *v
		s.Operations[k] = &op
	}
	return s
}

// StartPeriodicSnapshots starts the background goroutine that writes snapshots
func (m *LinkHealthMonitor) StartPeriodicSnapshots() {
	m.wg.Add(1)
	go m.snapshotLoop()
}

func (m *LinkHealthMonitor) snapshotLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			m.writeSnapshot()
			return
		case <-ticker.C:
			m.writeSnapshot()
		}
	}
}

// writeSnapshot writes the current state to disk atomically
func (m *LinkHealthMonitor) writeSnapshot() {
	data, err := json.MarshalIndent(m.Stats(), "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.snapshotFile), 0755); err != nil {
		return
	}

	tempPath := m.snapshotFile + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return
	}
	os.Rename(tempPath, m.snapshotFile)
}

// SnapshotFile returns where snapshots are written
func (m *LinkHealthMonitor) SnapshotFile() string {
	return m.snapshotFile
}

// Stop marks the link closed, stops the snapshot loop and writes a final
// snapshot if snapshots were started. It is safe to call more than once.
func (m *LinkHealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		if m.stats.Status != "disconnected" {
			m.stats.Status = "closed"
		}
		m.mu.Unlock()

		close(m.stopChan)
		m.wg.Wait()
	})
}
