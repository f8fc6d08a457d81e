package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foursight/biolink/server/config"
	"github.com/foursight/biolink/server/models"
)

// fakeLink is a scripted in-memory link. Tests inspect decoded outgoing
// commands and inject device notifications.
type fakeLink struct {
	mu        sync.Mutex
	lineBuf   bytes.Buffer
	commands  []Command
	onCommand func(cmd Command)

	notif chan []byte
	disc  chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		notif: make(chan []byte, 256),
		disc:  make(chan struct{}),
	}
}

func (f *fakeLink) Connect(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	select {
	case <-f.disc:
		f.disc = make(chan struct{})
	default:
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) NegotiateMTU(ctx context.Context, requested int) (int, error) {
	return 4096, nil
}

func (f *fakeLink) Write(ctx context.Context, chunk []byte) error {
	var fire []Command
	f.mu.Lock()
	f.lineBuf.Write(chunk)
	for {
		raw := f.lineBuf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := string(raw[:idx])
		f.lineBuf.Next(idx + 1)
		line = strings.ReplaceAll(line, frameDelimiter, "")
		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err == nil {
			f.commands = append(f.commands, cmd)
			fire = append(fire, cmd)
		}
	}
	hook := f.onCommand
	f.mu.Unlock()

	if hook != nil {
		for _, cmd := range fire {
			hook(cmd)
		}
	}
	return nil
}

func (f *fakeLink) Notifications() <-chan []byte { return f.notif }

func (f *fakeLink) Disconnected() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disc
}

func (f *fakeLink) Close() error { return nil }

// drop simulates a device-initiated disconnect.
func (f *fakeLink) drop() {
	f.mu.Lock()
	select {
	case <-f.disc:
	default:
		close(f.disc)
	}
	f.mu.Unlock()
}

// push injects a device notification payload.
func (f *fakeLink) push(data []byte) { f.notif <- data }

func (f *fakeLink) pushLine(format string, args ...interface{}) {
	f.push([]byte(fmt.Sprintf(format, args...) + "\n"))
}

func (f *fakeLink) countCommands(cmdType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c.Type == cmdType {
			n++
		}
	}
	return n
}

func (f *fakeLink) waitForCommand(t *testing.T, cmdType string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.countCommands(cmdType) > 0
	}, 2*time.Second, 5*time.Millisecond, "command %q never written", cmdType)
}

type fakeStore struct {
	mu     sync.Mutex
	stored map[string]bool
}

func (s *fakeStore) HasWindow(ctx context.Context, windowID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored[windowID], nil
}

type fakeProcessor struct {
	mu       sync.Mutex
	payloads []*models.WindowPayload
}

func (p *fakeProcessor) Process(ctx context.Context, payload *models.WindowPayload) (*models.WindowResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return &models.WindowResult{WindowID: payload.WindowID, Partial: payload.Partial}, nil
}

func testConfig() *config.Config {
	cfg := config.LoadConfig()
	cfg.Device.ConnectTimeout = time.Second
	cfg.Device.WriteTimeout = time.Second
	cfg.Device.StatusPollInterval = time.Hour
	cfg.Device.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.Device.ReconnectMaxDelay = 100 * time.Millisecond
	cfg.Device.ReconnectMaxAttempts = 3
	cfg.Transfer.HeaderWait = 200 * time.Millisecond
	cfg.Transfer.StallBase = 150 * time.Millisecond
	cfg.Transfer.StallPerBytes = 1 << 20
	cfg.Transfer.StallCap = time.Second
	cfg.Transfer.EndWait = 150 * time.Millisecond
	cfg.Transfer.PartialThreshold = 0.9
	return cfg
}

func newTestSession(t *testing.T, link *fakeLink) (*Session, *fakeStore, *fakeProcessor, *EventBus) {
	t.Helper()
	cfg := testConfig()
	bus := NewEventBus(128)
	store := &fakeStore{stored: map[string]bool{}}
	proc := &fakeProcessor{}
	s := NewSession(cfg, link, nil, bus, store, proc, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s, store, proc, bus
}

func connect(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Connect(context.Background(), "dev-1"))
	require.Equal(t, StateConnected, s.State())
}

func TestConnectAndStatusDispatch(t *testing.T) {
	link := newFakeLink()
	s, _, _, bus := newTestSession(t, link)
	events := bus.Subscribe()

	connect(t, s)

	link.pushLine(`{"type":"status","recording":true,"batteryPercent":81,"queueLength":2}`)
	require.Eventually(t, func() bool {
		st := s.LastStatus()
		return st != nil && st.Recording && st.BatteryPercent == 81
	}, time.Second, 5*time.Millisecond)

	seen := false
	for !seen {
		select {
		case ev := <-events:
			if ev.Type == EventStatusUpdated {
				seen = true
			}
		case <-time.After(time.Second):
			t.Fatal("no status event published")
		}
	}
}

func TestDelimiterDowngrade(t *testing.T) {
	link := newFakeLink()
	s, _, _, _ := newTestSession(t, link)
	connect(t, s)

	require.NoError(t, s.SendCommand(context.Background(), Command{Type: CmdGetStatus}))

	// Device rejects the framed command with an unframed complaint.
	link.pushLine("ERR missing_type")
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.delimited
	}, time.Second, 5*time.Millisecond)

	// Subsequent writes go out raw.
	link.mu.Lock()
	link.lineBuf.Reset()
	link.mu.Unlock()
	require.NoError(t, s.SendCommand(context.Background(), Command{Type: CmdGetStatus}))
}

func TestDownloadComplete(t *testing.T) {
	link := newFakeLink()
	s, _, _, _ := newTestSession(t, link)
	connect(t, s)

	link.onCommand = func(cmd Command) {
		if cmd.Type == CmdGetWindowData {
			link.pushLine(`{"type":"window_data","windowId":"w1","ppgLen":4,"accelLen":4,"totalLength":8,"protocolVersion":2,"chunkSize":128}`)
			link.push([]byte{1, 2, 3, 4, 5, 6, 7, 8})
			link.pushLine(`{"type":"end"}`)
		}
	}

	payload, err := s.Download(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, payload.Partial)
	assert.Equal(t, 8, payload.BytesReceived)
	assert.Equal(t, []byte{1, 2, 3, 4}, payload.PPG)
	assert.Equal(t, []byte{5, 6, 7, 8}, payload.Accel)

	// v2 pull flow: first chunk requested after the header, ack at full.
	assert.GreaterOrEqual(t, link.countCommands(CmdNextChunk), 1)
	assert.Equal(t, 1, link.countCommands(CmdBinaryAck))
}

func TestDownloadHeaderMismatch(t *testing.T) {
	link := newFakeLink()
	s, _, _, bus := newTestSession(t, link)
	events := bus.Subscribe()
	connect(t, s)

	link.onCommand = func(cmd Command) {
		if cmd.Type == CmdGetWindowData {
			link.pushLine(`{"type":"window_data","windowId":"other","ppgLen":4,"accelLen":4,"totalLength":8,"protocolVersion":1}`)
		}
	}

	_, err := s.Download(context.Background(), "w1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), reasonHeaderMismatch)

	assertEvent(t, events, EventDownloadFailed)
}

func TestDownloadPartialSalvage(t *testing.T) {
	link := newFakeLink()
	s, _, _, bus := newTestSession(t, link)
	events := bus.Subscribe()
	connect(t, s)

	link.onCommand = func(cmd Command) {
		if cmd.Type == CmdGetWindowData {
			link.pushLine(`{"type":"window_data","windowId":"w1","ppgLen":600,"accelLen":400,"totalLength":1000,"protocolVersion":1}`)
			// 920 of 1000 bytes arrive, then silence until the stall fires.
			link.push(bytes.Repeat([]byte{0xAA}, 920))
		}
	}

	payload, err := s.Download(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, payload.Partial)
	assert.Equal(t, 920, payload.BytesReceived)
	assert.Equal(t, 1000, payload.TotalLength)
	assert.Len(t, payload.PPG, 600)
	assert.Len(t, payload.Accel, 320)

	assertEvent(t, events, EventDownloadPartial)
}

func TestDownloadHardFailureBelowThreshold(t *testing.T) {
	link := newFakeLink()
	s, _, _, bus := newTestSession(t, link)
	events := bus.Subscribe()
	connect(t, s)

	link.onCommand = func(cmd Command) {
		if cmd.Type == CmdGetWindowData {
			link.pushLine(`{"type":"window_data","windowId":"w1","ppgLen":600,"accelLen":400,"totalLength":1000,"protocolVersion":1}`)
			link.push(bytes.Repeat([]byte{0xAA}, 400))
		}
	}

	_, err := s.Download(context.Background(), "w1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), reasonStallTimeout)

	assertEvent(t, events, EventDownloadFailed)
	// Initial best-effort cancel plus the failure-path cancel.
	assert.GreaterOrEqual(t, link.countCommands(CmdCancelTransfer), 2)
}

func TestDownloadEndBeforeComplete(t *testing.T) {
	link := newFakeLink()
	s, _, _, _ := newTestSession(t, link)
	connect(t, s)

	link.onCommand = func(cmd Command) {
		if cmd.Type == CmdGetWindowData {
			link.pushLine(`{"type":"window_data","windowId":"w1","ppgLen":60,"accelLen":40,"totalLength":100,"protocolVersion":1}`)
			link.push(bytes.Repeat([]byte{0xAA}, 50))
			link.pushLine(`{"type":"end"}`)
		}
	}

	_, err := s.Download(context.Background(), "w1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), reasonEndBeforeComplete)
}

func TestDownloadHeaderTimeout(t *testing.T) {
	link := newFakeLink()
	s, _, _, _ := newTestSession(t, link)
	connect(t, s)

	_, err := s.Download(context.Background(), "w1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), reasonHeaderTimeout)
}

func TestOverflowBytesReroutedToControl(t *testing.T) {
	link := newFakeLink()
	s, _, _, _ := newTestSession(t, link)
	connect(t, s)

	link.onCommand = func(cmd Command) {
		if cmd.Type == CmdGetWindowData {
			link.pushLine(`{"type":"window_data","windowId":"w1","ppgLen":5,"accelLen":5,"totalLength":10,"protocolVersion":1}`)
			// Device glues a status line straight onto the final binary bytes.
			data := append(bytes.Repeat([]byte{0x01}, 10), []byte(`{"type":"status","batteryPercent":42}`+"\n")...)
			link.push(data)
			link.pushLine(`{"type":"end"}`)
		}
	}

	payload, err := s.Download(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 10, payload.BytesReceived)

	require.Eventually(t, func() bool {
		st := s.LastStatus()
		return st != nil && st.BatteryPercent == 42
	}, time.Second, 5*time.Millisecond)
}

func TestSecondDownloadRejectedWhileActive(t *testing.T) {
	link := newFakeLink()
	s, _, _, _ := newTestSession(t, link)
	connect(t, s)

	go s.Download(context.Background(), "w1")
	require.Eventually(t, func() bool {
		return link.countCommands(CmdGetWindowData) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := s.Download(context.Background(), "w2")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestAutoSyncConfirmsStoredWithoutDownload(t *testing.T) {
	link := newFakeLink()
	s, store, proc, bus := newTestSession(t, link)
	events := bus.Subscribe()
	connect(t, s)

	store.mu.Lock()
	store.stored["w1"] = true
	store.mu.Unlock()

	link.onCommand = func(cmd Command) {
		if cmd.Type == CmdGetQueue {
			link.pushLine(`{"type":"queue","windowIds":["w1"]}`)
		}
	}

	link.pushLine(`{"type":"sync_ready","queueLen":1}`)

	link.waitForCommand(t, CmdConfirmUpload)
	assertEvent(t, events, EventSyncComplete)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Empty(t, proc.payloads)
	assert.Equal(t, 0, link.countCommands(CmdGetWindowData))
}

func TestAutoSyncDownloadsAndAdvancesPastFailures(t *testing.T) {
	link := newFakeLink()
	s, _, proc, bus := newTestSession(t, link)
	events := bus.Subscribe()
	connect(t, s)

	link.onCommand = func(cmd Command) {
		switch cmd.Type {
		case CmdGetQueue:
			link.pushLine(`{"type":"queue","windowIds":["bad","good"]}`)
		case CmdGetWindowData:
			if cmd.WindowID == "good" {
				link.pushLine(`{"type":"window_data","windowId":"good","ppgLen":2,"accelLen":2,"totalLength":4,"protocolVersion":1}`)
				link.push([]byte{9, 9, 9, 9})
				link.pushLine(`{"type":"end"}`)
			}
			// "bad" gets no header at all; the header timeout handles it.
		}
	}

	s.TriggerSync(context.Background())

	assertEventWithin(t, events, EventSyncComplete, 10*time.Second)

	// The failed window never halts the run; the good one still lands.
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.payloads, 1)
	assert.Equal(t, "good", proc.payloads[0].WindowID)
}

func TestUnexpectedDisconnectReconnects(t *testing.T) {
	link := newFakeLink()
	s, _, _, _ := newTestSession(t, link)
	connect(t, s)

	link.drop()
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUserDisconnectDoesNotReconnect(t *testing.T) {
	link := newFakeLink()
	s, _, _, _ := newTestSession(t, link)
	connect(t, s)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSuspendPausesTransferTimers(t *testing.T) {
	link := newFakeLink()
	s, _, _, _ := newTestSession(t, link)
	connect(t, s)

	link.onCommand = func(cmd Command) {
		if cmd.Type == CmdGetWindowData {
			link.pushLine(`{"type":"window_data","windowId":"w1","ppgLen":2,"accelLen":2,"totalLength":4,"protocolVersion":1}`)
		}
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.Download(context.Background(), "w1")
		resultCh <- err
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.transfer != nil && s.transfer.headerSeen
	}, time.Second, 5*time.Millisecond)

	s.Suspend()

	// Stall would have fired well within this window if not parked.
	select {
	case err := <-resultCh:
		t.Fatalf("transfer resolved while suspended: %v", err)
	case <-time.After(400 * time.Millisecond):
	}

	// The payload completes in the background; resumption finishes the
	// end sequence.
	link.push([]byte{7, 7, 7, 7})
	time.Sleep(50 * time.Millisecond)
	s.Resume()
	link.pushLine(`{"type":"end"}`)

	require.Eventually(t, func() bool {
		select {
		case err := <-resultCh:
			return err == nil
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus(1)
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventStateChanged})
		// Keep the fast consumer drained.
		select {
		case <-fast:
		default:
		}
	}
	// The slow consumer kept at most its buffer; nothing deadlocked.
	assert.LessOrEqual(t, len(slow), 1)

	bus.Unsubscribe(slow)
	bus.Unsubscribe(fast)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func assertEvent(t *testing.T, events chan Event, want EventType) {
	t.Helper()
	assertEventWithin(t, events, want, 3*time.Second)
}

func assertEventWithin(t *testing.T, events chan Event, want EventType, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return
			}
		case <-deadline:
			t.Fatalf("event %q never published", want)
		}
	}
}
