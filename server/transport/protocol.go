package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Commands understood by the device firmware.
const (
	CmdStartRecording   = "start_recording"
	CmdStopRecording    = "stop_recording"
	CmdGetStatus        = "get_status"
	CmdGetQueue         = "get_queue"
	CmdGetWindowData    = "get_window_data"
	CmdConfirmUpload    = "confirm_upload"
	CmdDeleteAllWindows = "delete_all_windows"

	// Protocol v2 only. Older firmware rejects these with unknown_command,
	// which the session treats as benign.
	CmdSetMTU         = "set_mtu"
	CmdCancelTransfer = "cancel_transfer"
	CmdNextChunk      = "next_chunk"
	CmdBinaryAck      = "binary_ack"
)

// Device response types.
const (
	RespStatus           = "status"
	RespQueue            = "queue"
	RespWindowData       = "window_data"
	RespTransferProgress = "transfer_progress"
	RespPing             = "ping"
	RespEnd              = "end"
	RespAck              = "ack"
	RespError            = "error"
	RespSyncReady        = "sync_ready"
)

// frameDelimiter wraps outgoing JSON on both sides when delimiter framing is
// active. Firmware that predates the wrapper chokes on it and reports a
// missing type field, which triggers a runtime downgrade to raw newlines.
const frameDelimiter = "#$#"

// downgradeMarker is the error substring that identifies a device rejecting
// delimiter-framed commands.
const downgradeMarker = "missing_type"

// Reserved flow-control byte values stripped from every inbound notification
// before parsing.
const (
	flowControlXON  = 0x11
	flowControlXOFF = 0x13
)

// Command is one outgoing device command.
type Command struct {
	Type     string `json:"type"`
	WindowID string `json:"windowId,omitempty"`
	MTU      int    `json:"mtu,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// Encode serializes a command, optionally wrapping it in the 3-character
// frame delimiter, always newline-terminated.
func (c Command) Encode(delimited bool) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode command %q: %w", c.Type, err)
	}
	var buf bytes.Buffer
	if delimited {
		buf.WriteString(frameDelimiter)
		buf.Write(data)
		buf.WriteString(frameDelimiter)
	} else {
		buf.Write(data)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Response is one inbound device message, decoded from a control line. Only
// the fields matching its Type are populated.
type Response struct {
	Type string `json:"type"`

	// status
	Recording       bool   `json:"recording"`
	ChunkIndex      int    `json:"chunkIndex"`
	BatteryPercent  int    `json:"batteryPercent"`
	CurrentWindowID string `json:"currentWindowId"`
	QueueLength     int    `json:"queueLength"`

	// queue
	WindowIDs []string `json:"windowIds"`

	// window_data header
	WindowID        string `json:"windowId"`
	PPGLen          int    `json:"ppgLen"`
	AccelLen        int    `json:"accelLen"`
	TotalLength     int    `json:"totalLength"`
	ProtocolVersion int    `json:"protocolVersion"`
	ChunkSize       int    `json:"chunkSize"`

	// sync_ready
	QueueLen int `json:"queueLen"`

	// error
	Cmd     string `json:"cmd"`
	Message string `json:"message"`
}

// decodeResponse parses one JSON control line.
func decodeResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Type == "" {
		return nil, fmt.Errorf("decode response: missing type")
	}
	return &resp, nil
}

// isDowngradeSignal reports whether an inbound raw line is the device
// rejecting delimiter framing.
func isDowngradeSignal(line []byte) bool {
	return strings.Contains(string(line), downgradeMarker)
}

// isBenignRejection reports whether a device error response is an old
// firmware rejecting a v2-only command.
func isBenignRejection(resp *Response) bool {
	if resp.Type != RespError {
		return false
	}
	return strings.Contains(resp.Message, "unknown_command") ||
		strings.Contains(resp.Message, "missing_type")
}
