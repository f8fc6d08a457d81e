package models

import "time"

// WindowPayload is the assembled binary payload of one recording window,
// sliced into its PPG and accelerometer segments. Partial payloads come
// from salvaged transfers that reached the salvage threshold but never saw
// the end marker.
type WindowPayload struct {
	WindowID      string `json:"windowId"`
	PPG           []byte `json:"-"`
	Accel         []byte `json:"-"`
	BytesReceived int    `json:"bytesReceived"`
	TotalLength   int    `json:"totalLength"`
	Partial       bool   `json:"partial"`
}

// DeviceStatus mirrors the device's periodic status response.
type DeviceStatus struct {
	Recording       bool   `json:"recording"`
	ChunkIndex      int    `json:"chunkIndex"`
	BatteryPercent  int    `json:"batteryPercent"`
	CurrentWindowID string `json:"currentWindowId"`
	QueueLength     int    `json:"queueLength"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// WindowManifestEntry is one row of the local window manifest, for UI
// consumption.
type WindowManifestEntry struct {
	WindowID       string    `json:"windowId"`
	PPGBytes       int       `json:"ppgBytes"`
	AccelBytes     int       `json:"accelBytes"`
	HasFeatures    bool      `json:"hasFeatures"`
	UploadConfirmed bool     `json:"uploadConfirmed"`
	StoredAt       time.Time `json:"storedAt"`
}

// WindowResult pairs a window's features with its prediction for events
// and upload. Features may be present with nil HRV fields when extraction
// could not find enough peaks; Prediction is nil when inference was
// skipped.
type WindowResult struct {
	WindowID   string          `json:"windowId"`
	Partial    bool            `json:"partial"`
	Features   *FeatureRecord  `json:"features,omitempty"`
	Prediction *RiskPrediction `json:"prediction,omitempty"`
	Rolling    *RiskPrediction `json:"rolling,omitempty"`
}
