package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foursight/biolink/server/config"
	"github.com/foursight/biolink/server/models"
)

// Session states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateScanning     State = "scanning"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Timer names used with the scheduler.
const (
	timerStatusPoll   = "status_poll"
	timerSettle       = "settle"
	timerReconnect    = "reconnect"
	timerHeaderWait   = "header_wait"
	timerStall        = "stall"
	timerEndWait      = "end_wait"
	timerSyncContinue = "sync_continue"
)

// settleDelay is the pause between link establishment and the first
// status/queue query.
const settleDelay = 500 * time.Millisecond

// interChunkDelay paces chunked characteristic writes.
const interChunkDelay = 10 * time.Millisecond

var (
	ErrNotConnected   = errors.New("session not connected")
	ErrBusy           = errors.New("transfer already in progress")
	ErrWriteTimeout   = errors.New("characteristic write timed out")
	ErrConnectTimeout = errors.New("connection timed out")
)

// Session is the single logical actor owning one device connection: state
// machine, serialized write queue, periodic polling, binary transfers and
// the auto-sync driver all hang off it.
type Session struct {
	cfg     *config.Config
	link    Link
	scanner Scanner
	bus     *EventBus
	logger  *zap.Logger

	mu                sync.Mutex
	state             State
	deviceID          string
	mtu               int
	delimited         bool
	suspended         bool
	userDisconnect    bool
	reconnectAttempts int
	pollTick          int
	linkEpoch         uint64
	lastStatus        *models.DeviceStatus
	lastQueue         []string
	queueWaiters      []chan []string
	transfer          *transferSession

	parser *controlParser
	timers *scheduler
	sync   *syncDriver

	writeCh  chan writeRequest
	done     chan struct{}
	loopOnce sync.Once
}

type writeRequest struct {
	payload []byte
	result  chan error
}

func NewSession(cfg *config.Config, link Link, scanner Scanner, bus *EventBus,
	store WindowStore, processor WindowProcessor, logger *zap.Logger) *Session {

	s := &Session{
		cfg:       cfg,
		link:      link,
		scanner:   scanner,
		bus:       bus,
		logger:    logger,
		state:     StateDisconnected,
		mtu:       cfg.Device.DefaultMTU,
		delimited: true,
		parser:    newControlParser(cfg.Device.ControlBufferLimit),
		timers:    newScheduler(),
		writeCh:   make(chan writeRequest, 32),
		done:      make(chan struct{}),
	}
	s.sync = newSyncDriver(s, store, processor, logger)
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastStatus returns the most recent device status, or nil before the first
// poll response.
func (s *Session) LastStatus() *models.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// Queue returns the device's last reported upload queue.
func (s *Session) Queue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lastQueue))
	copy(out, s.lastQueue)
	return out
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	deviceID := s.deviceID
	s.mu.Unlock()

	s.logger.Info("session state changed",
		zap.String("state", string(state)),
		zap.String("deviceId", deviceID))
	s.bus.Publish(Event{Type: EventStateChanged, State: string(state), DeviceID: deviceID})
}

// Scan runs device discovery until ctx expires, deduplicating by device id
// and emitting discovery events.
func (s *Session) Scan(ctx context.Context) ([]Advertisement, error) {
	if s.scanner == nil {
		return nil, errors.New("no scanner configured")
	}
	s.setState(StateScanning)
	defer func() {
		if s.State() == StateScanning {
			s.setState(StateDisconnected)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Device.ScanTimeout)
	defer cancel()

	ads, err := s.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("start scan: %w", err)
	}

	seen := make(map[string]struct{})
	var found []Advertisement
	for {
		select {
		case ad, ok := <-ads:
			if !ok {
				return found, nil
			}
			if _, dup := seen[ad.DeviceID]; dup {
				continue
			}
			seen[ad.DeviceID] = struct{}{}
			found = append(found, ad)
			s.bus.Publish(Event{Type: EventDeviceDiscovered, DeviceID: ad.DeviceID})
		case <-ctx.Done():
			return found, nil
		}
	}
}

// Connect establishes the link, negotiates the MTU and starts polling. The
// whole attempt races the configured connection timeout.
func (s *Session) Connect(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return fmt.Errorf("connect: already %s", s.state)
	}
	s.deviceID = deviceID
	s.userDisconnect = false
	s.mu.Unlock()
	s.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Device.ConnectTimeout)
	defer cancel()

	if err := s.link.Connect(ctx, deviceID); err != nil {
		s.setState(StateError)
		if ctx.Err() != nil {
			err = ErrConnectTimeout
		}
		s.bus.Publish(Event{Type: EventError, DeviceID: deviceID, Err: err.Error()})
		return fmt.Errorf("connect %s: %w", deviceID, err)
	}

	mtu, err := s.link.NegotiateMTU(ctx, 247)
	if err != nil {
		s.link.Close()
		s.setState(StateError)
		s.bus.Publish(Event{Type: EventError, DeviceID: deviceID, Err: err.Error()})
		return fmt.Errorf("negotiate mtu: %w", err)
	}
	if mtu < s.cfg.Device.DefaultMTU {
		mtu = s.cfg.Device.DefaultMTU
	}

	s.mu.Lock()
	s.mtu = mtu
	s.reconnectAttempts = 0
	s.pollTick = 0
	s.linkEpoch++
	epoch := s.linkEpoch
	s.mu.Unlock()

	s.loopOnce.Do(func() { go s.writeLoop() })
	go s.readLoop(epoch)

	s.setState(StateConnected)
	s.logger.Info("device connected",
		zap.String("deviceId", deviceID),
		zap.Int("mtu", mtu))

	// Give the device a moment before the first query burst.
	s.timers.Schedule(timerSettle, settleDelay, func() {
		s.sendCommand(Command{Type: CmdGetStatus})
		s.sendCommand(Command{Type: CmdGetQueue})
	})
	s.schedulePoll()
	return nil
}

// Disconnect tears the session down at the user's request: no reconnection
// is attempted.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.userDisconnect = true
	s.mu.Unlock()
	s.teardown()
	s.setState(StateDisconnected)
	return s.link.Close()
}

// teardown clears every pending timer and resets transfer and parser state.
// It is also the unexpected-disconnect path, before reconnection kicks in.
func (s *Session) teardown() {
	s.timers.CancelAll()
	s.sync.cancel()
	s.mu.Lock()
	if s.transfer != nil {
		s.transfer.deliver(nil, errors.New("session closed"))
		s.transfer = nil
	}
	s.parser.Reset()
	s.pollTick = 0
	s.mu.Unlock()
}

// readLoop drains link notifications until the link drops. The epoch ties
// the loop to one link generation so a stale loop cannot tear down a
// reconnected session.
func (s *Session) readLoop(epoch uint64) {
	notifications := s.link.Notifications()
	disconnected := s.link.Disconnected()
	for {
		select {
		case data, ok := <-notifications:
			if !ok {
				s.handleLinkDrop(epoch)
				return
			}
			s.handleInbound(data)
		case <-disconnected:
			s.handleLinkDrop(epoch)
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleLinkDrop(epoch uint64) {
	s.mu.Lock()
	stale := epoch != s.linkEpoch || s.userDisconnect
	s.mu.Unlock()
	if stale || s.State() == StateDisconnected {
		return
	}

	s.logger.Warn("link dropped unexpectedly", zap.String("deviceId", s.deviceID))
	s.teardown()
	s.setState(StateDisconnected)
	s.scheduleReconnect()
}

// BackoffDelay computes the reconnection delay for the given 1-based
// attempt: exponential from the base, capped at the maximum.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	deviceID := s.deviceID
	s.mu.Unlock()

	if attempt > s.cfg.Device.ReconnectMaxAttempts {
		s.logger.Error("reconnection abandoned",
			zap.String("deviceId", deviceID),
			zap.Int("attempts", attempt-1))
		s.bus.Publish(Event{Type: EventError, DeviceID: deviceID, Err: "reconnection abandoned"})
		s.setState(StateError)
		return
	}

	delay := BackoffDelay(attempt, s.cfg.Device.ReconnectBaseDelay, s.cfg.Device.ReconnectMaxDelay)
	s.logger.Info("scheduling reconnect",
		zap.String("deviceId", deviceID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	s.timers.Schedule(timerReconnect, delay, func() {
		// A manual reconnect or user disconnect may have happened since
		// this was scheduled.
		s.mu.Lock()
		stale := s.userDisconnect || s.state != StateDisconnected
		s.mu.Unlock()
		if stale {
			return
		}
		if err := s.Connect(context.Background(), deviceID); err != nil {
			s.setState(StateDisconnected)
			s.scheduleReconnect()
		}
	})
}

// schedulePoll arms the periodic status poll; queue polling piggybacks on
// every Nth tick.
func (s *Session) schedulePoll() {
	s.timers.Schedule(timerStatusPoll, s.cfg.Device.StatusPollInterval, func() {
		s.mu.Lock()
		transferActive := s.transfer != nil
		s.pollTick++
		tick := s.pollTick
		s.mu.Unlock()

		// Polling and an active transfer mutually exclude.
		if !transferActive && s.State() == StateConnected {
			s.sendCommand(Command{Type: CmdGetStatus})
			if tick%s.cfg.Device.QueuePollEvery == 0 {
				s.sendCommand(Command{Type: CmdGetQueue})
			}
		}
		if s.State() == StateConnected {
			s.schedulePoll()
		}
	})
}

// sendCommand queues a command for the serialized write path. Errors are
// logged, not returned; callers needing confirmation use SendCommand.
func (s *Session) sendCommand(cmd Command) {
	if err := s.SendCommand(context.Background(), cmd); err != nil {
		s.logger.Warn("command write failed",
			zap.String("cmd", cmd.Type),
			zap.Error(err))
	}
}

// SendCommand encodes and writes one command through the ordered write
// queue, chunked to the negotiated MTU.
func (s *Session) SendCommand(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	if s.state != StateConnected && s.state != StateConnecting {
		s.mu.Unlock()
		return ErrNotConnected
	}
	delimited := s.delimited
	s.mu.Unlock()

	payload, err := cmd.Encode(delimited)
	if err != nil {
		return err
	}

	req := writeRequest{payload: payload, result: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotConnected
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the single goroutine allowed to touch the link's write side,
// keeping outbound commands strictly ordered.
func (s *Session) writeLoop() {
	for {
		select {
		case req := <-s.writeCh:
			req.result <- s.writeChunked(req.payload)
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeChunked(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Device.WriteTimeout)
	defer cancel()

	s.mu.Lock()
	mtu := s.mtu
	s.mu.Unlock()

	for offset := 0; offset < len(payload); offset += mtu {
		end := offset + mtu
		if end > len(payload) {
			end = len(payload)
		}
		if err := s.link.Write(ctx, payload[offset:end]); err != nil {
			if ctx.Err() != nil {
				return ErrWriteTimeout
			}
			return fmt.Errorf("characteristic write: %w", err)
		}
		if end < len(payload) {
			select {
			case <-time.After(interChunkDelay):
			case <-ctx.Done():
				return ErrWriteTimeout
			}
		}
	}
	return nil
}

// handleInbound routes one notification payload: to the active transfer if
// one exists, otherwise through the control parser.
func (s *Session) handleInbound(data []byte) {
	s.mu.Lock()
	transfer := s.transfer
	s.mu.Unlock()

	if transfer != nil && transfer.acceptingBinary() {
		leftover := s.feedTransfer(transfer, data)
		if len(leftover) == 0 {
			return
		}
		// Bytes past the declared length are the start of a new control
		// line the device interleaved right behind the binary.
		data = leftover
	}

	for _, obj := range s.parser.Feed(data) {
		s.handleControlLine(obj)
	}
}

func (s *Session) handleControlLine(line []byte) {
	if len(line) == 0 {
		return
	}
	if line[0] != '{' {
		if isDowngradeSignal(line) {
			s.mu.Lock()
			wasDelimited := s.delimited
			s.delimited = false
			s.mu.Unlock()
			if wasDelimited {
				s.logger.Info("device rejected delimiter framing, downgrading to raw newlines")
			}
			return
		}
		s.logger.Debug("ignoring non-JSON control line", zap.ByteString("line", line))
		return
	}

	resp, err := decodeResponse(line)
	if err != nil {
		s.logger.Warn("malformed control line", zap.Error(err))
		return
	}
	s.dispatch(resp)
}

func (s *Session) dispatch(resp *Response) {
	switch resp.Type {
	case RespStatus:
		status := &models.DeviceStatus{
			Recording:       resp.Recording,
			ChunkIndex:      resp.ChunkIndex,
			BatteryPercent:  resp.BatteryPercent,
			CurrentWindowID: resp.CurrentWindowID,
			QueueLength:     resp.QueueLength,
			UpdatedAt:       time.Now().UnixMilli(),
		}
		s.mu.Lock()
		s.lastStatus = status
		s.mu.Unlock()
		s.bus.Publish(Event{Type: EventStatusUpdated, Status: status})

	case RespQueue:
		s.mu.Lock()
		s.lastQueue = resp.WindowIDs
		waiters := s.queueWaiters
		s.queueWaiters = nil
		s.mu.Unlock()
		for _, w := range waiters {
			w <- resp.WindowIDs
		}
		s.bus.Publish(Event{Type: EventQueueUpdated, Queue: resp.WindowIDs})

	case RespWindowData:
		s.handleTransferHeader(resp)

	case RespTransferProgress, RespPing, RespAck:
		s.logger.Debug("device message", zap.String("type", resp.Type))

	case RespEnd:
		s.handleTransferEnd()

	case RespError:
		s.handleDeviceError(resp)

	case RespSyncReady:
		s.logger.Info("device signaled sync ready", zap.Int("queueLen", resp.QueueLen))
		go s.sync.trigger(context.Background())

	default:
		s.logger.Debug("unhandled response type", zap.String("type", resp.Type))
	}
}

func (s *Session) handleDeviceError(resp *Response) {
	s.mu.Lock()
	transferActive := s.transfer != nil
	s.mu.Unlock()

	if transferActive {
		s.handleTransferFailure("device_error: " + resp.Message)
		return
	}
	if isBenignRejection(resp) {
		s.logger.Debug("device rejected optional command",
			zap.String("cmd", resp.Cmd),
			zap.String("message", resp.Message))
		return
	}
	s.logger.Warn("device reported error",
		zap.String("cmd", resp.Cmd),
		zap.String("message", resp.Message))
	s.bus.Publish(Event{Type: EventError, Err: resp.Message})
}

// FetchQueue requests a fresh device queue and waits for the response.
func (s *Session) FetchQueue(ctx context.Context) ([]string, error) {
	waiter := make(chan []string, 1)
	s.mu.Lock()
	s.queueWaiters = append(s.queueWaiters, waiter)
	s.mu.Unlock()

	if err := s.SendCommand(ctx, Command{Type: CmdGetQueue}); err != nil {
		return nil, err
	}
	select {
	case queue := <-waiter:
		return queue, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrNotConnected
	}
}

// StartRecording asks the device to begin a new recording session.
func (s *Session) StartRecording(ctx context.Context) error {
	return s.SendCommand(ctx, Command{Type: CmdStartRecording})
}

// StopRecording asks the device to stop recording.
func (s *Session) StopRecording(ctx context.Context) error {
	return s.SendCommand(ctx, Command{Type: CmdStopRecording})
}

// ConfirmUpload tells the device a window is safely stored and may be
// dropped from its queue. Confirming an id the device already removed is a
// no-op on both sides.
func (s *Session) ConfirmUpload(ctx context.Context, windowID string) error {
	return s.SendCommand(ctx, Command{Type: CmdConfirmUpload, WindowID: windowID})
}

// DeleteAllWindows wipes the device-side window storage.
func (s *Session) DeleteAllWindows(ctx context.Context) error {
	return s.SendCommand(ctx, Command{Type: CmdDeleteAllWindows})
}

// TriggerSync starts an auto-sync run, as if the device had pushed
// sync_ready.
func (s *Session) TriggerSync(ctx context.Context) {
	go s.sync.trigger(ctx)
}

// Suspend pauses polling and parks in-flight timers while the host app is
// backgrounded. Inbound notifications keep flowing and are still processed.
func (s *Session) Suspend() {
	s.mu.Lock()
	if s.suspended {
		s.mu.Unlock()
		return
	}
	s.suspended = true
	s.mu.Unlock()

	s.timers.Suspend()
	s.logger.Info("session suspended")
}

// Resume restarts parked timers. A transfer that silently reached full
// length while suspended proceeds straight to its end sequence, and a
// stalled auto-sync continuation is re-triggered.
func (s *Session) Resume() {
	s.mu.Lock()
	if !s.suspended {
		s.mu.Unlock()
		return
	}
	s.suspended = false
	transfer := s.transfer
	s.mu.Unlock()

	s.timers.Resume()
	s.logger.Info("session resumed")

	if transfer != nil && transfer.full() {
		s.beginEndWait(transfer)
	}
	s.sync.resumeIfStalled()
}

// Close shuts the session down permanently.
func (s *Session) Close() error {
	s.mu.Lock()
	s.userDisconnect = true
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.done)
	s.mu.Unlock()
	s.teardown()
	return s.link.Close()
}
