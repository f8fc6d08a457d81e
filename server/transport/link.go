package transport

import "context"

// Advertisement is one discovered device.
type Advertisement struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	RSSI     int    `json:"rssi"`
}

// Link abstracts the physical wearable connection. Implementations must
// deliver inbound notification payloads in arrival order on Notifications
// and close Disconnected exactly once when the link drops for any reason.
type Link interface {
	// Connect establishes the link to a device, locates the command and
	// notification channels and subscribes to notifications. It must respect
	// ctx cancellation.
	Connect(ctx context.Context, deviceID string) error

	// NegotiateMTU requests a payload size and returns the granted one. On
	// negotiation failure implementations return the minimal size with a nil
	// error; a non-nil error means the link itself is broken.
	NegotiateMTU(ctx context.Context, requested int) (int, error)

	// Write sends one chunk, already sized to the negotiated MTU.
	Write(ctx context.Context, chunk []byte) error

	// Notifications yields inbound payloads. The channel is closed when the
	// link drops.
	Notifications() <-chan []byte

	// Disconnected is closed when the link drops, whether by Close or by the
	// remote side.
	Disconnected() <-chan struct{}

	Close() error
}

// Scanner discovers nearby devices carrying the expected service signature.
type Scanner interface {
	// Scan streams advertisements until ctx is done. Implementations filter
	// by service signature; deduplication is the session's job.
	Scan(ctx context.Context) (<-chan Advertisement, error)
}
