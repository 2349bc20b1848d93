// Package protocol defines the frames exchanged on the two websocket
// channels: the durable agent channel and the short-lived operator shell
// channel. Every message is an Envelope whose Payload decodes per Type.
package protocol

import (
	"encoding/json"
	"time"
)

// Agent channel message types.
const (
	// agent -> broker
	TypeRegister    = "register"
	TypeSnapshot    = "snapshot"
	TypeProbeResult = "probeResult"

	// broker -> agent
	TypeRegisterAck      = "registerAck"
	TypeRequestSnapshot  = "requestSnapshot"
	TypeSetActiveTargets = "setActiveTargets"
	TypeReRegister       = "reRegister"
)

type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope stamped with now. A payload
// that fails to marshal yields an envelope with an empty payload; callers
// only pass types from this package.
func NewEnvelope(msgType string, payload any) Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Envelope{Type: msgType, Timestamp: time.Now().UnixMilli(), Payload: raw}
}

type Register struct {
	Hostname    string `json:"hostname"`
	PrivateAddr string `json:"privateAddr,omitempty"`
	Version     string `json:"version,omitempty"`
}

type RegisterAck struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type SnapshotPayload struct {
	CPUPct         float64 `json:"cpuPct"`
	MemUsedBytes   int64   `json:"memUsedBytes"`
	MemTotalBytes  int64   `json:"memTotalBytes"`
	DiskUsedBytes  int64   `json:"diskUsedBytes"`
	DiskTotalBytes int64   `json:"diskTotalBytes"`
	NetRXBytes     int64   `json:"netRxBytes"`
	NetTXBytes     int64   `json:"netTxBytes"`
	UptimeSec      int64   `json:"uptimeSec"`
}

type TargetEntry struct {
	ID          int64  `json:"id"`
	Addr        string `json:"addr"`
	Port        int    `json:"port"`
	IntervalSec int    `json:"intervalSec"`
}

// SetActiveTargets always carries the complete enabled set; agents replace
// their local timer set wholesale.
type SetActiveTargets struct {
	Targets []TargetEntry `json:"targets"`
}

type ProbeResult struct {
	TargetID  int64   `json:"targetId"`
	Port      int     `json:"port"`
	LatencyMS float64 `json:"latencyMs"`
	Failed    bool    `json:"failed"`
	Timestamp int64   `json:"timestamp"`
}

// Shell channel frame types.
const (
	ShellData   = "data"
	ShellResize = "resize"
	ShellError  = "error"
	ShellClose  = "close"
)

type ShellFrame struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Message string `json:"message,omitempty"`
}

// Terminal geometry bounds applied to resize requests before they reach the
// remote session.
const (
	MinCols = 2
	MaxCols = 512
	MinRows = 2
	MaxRows = 256
)

// ClampGeometry forces cols and rows into the supported window bounds.
func ClampGeometry(cols, rows int) (int, int) {
	if cols < MinCols {
		cols = MinCols
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows < MinRows {
		rows = MinRows
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}
