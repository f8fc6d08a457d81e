package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foursight/biolink/server/models"
)

// Transfer failure reasons.
const (
	reasonHeaderTimeout     = "header_timeout"
	reasonHeaderMismatch    = "header_mismatch"
	reasonStallTimeout      = "stall_timeout"
	reasonEndTimeout        = "end_timeout"
	reasonEndBeforeComplete = "end_before_complete"
)

// transferSession is the state of one in-flight binary window download.
// Exactly one may exist per session; its fields are guarded by the session
// mutex.
type transferSession struct {
	windowID string

	headerSeen      bool
	buf             []byte
	received        int
	total           int
	ppgLen          int
	accelLen        int
	protocolVersion int
	chunkSize       int
	ended           bool

	once   sync.Once
	result chan transferOutcome
}

type transferOutcome struct {
	payload *models.WindowPayload
	err     error
}

func newTransferSession(windowID string) *transferSession {
	return &transferSession{
		windowID: windowID,
		result:   make(chan transferOutcome, 1),
	}
}

// acceptingBinary reports whether inbound bytes should be routed into the
// receive buffer rather than the control parser.
func (t *transferSession) acceptingBinary() bool {
	return t.headerSeen && !t.full() && !t.ended
}

// full reports whether every declared byte has arrived.
func (t *transferSession) full() bool {
	return t.headerSeen && t.received >= t.total
}

// deliver resolves the transfer exactly once.
func (t *transferSession) deliver(payload *models.WindowPayload, err error) {
	t.once.Do(func() {
		t.result <- transferOutcome{payload: payload, err: err}
	})
}

// slice cuts the receive buffer into its PPG and accelerometer segments,
// clipped to the bytes actually received.
func (t *transferSession) slice() (ppg, accel []byte) {
	ppgEnd := t.ppgLen
	if ppgEnd > t.received {
		ppgEnd = t.received
	}
	accelEnd := t.ppgLen + t.accelLen
	if accelEnd > t.received {
		accelEnd = t.received
	}
	return t.buf[:ppgEnd], t.buf[ppgEnd:accelEnd]
}

// Download fetches one window's binary payload, blocking until the transfer
// completes, salvages a partial, or fails. Only one download may run at a
// time.
func (s *Session) Download(ctx context.Context, windowID string) (*models.WindowPayload, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if s.transfer != nil {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	transfer := newTransferSession(windowID)
	s.transfer = transfer
	s.mu.Unlock()

	s.logger.Info("starting window download", zap.String("windowId", windowID))

	// Clear any stale device-side transfer state first; rejection by old
	// firmware is fine.
	s.sendCommand(Command{Type: CmdCancelTransfer})
	if err := s.SendCommand(ctx, Command{Type: CmdGetWindowData, WindowID: windowID}); err != nil {
		s.clearTransfer(transfer)
		return nil, fmt.Errorf("request window %s: %w", windowID, err)
	}

	s.timers.Schedule(timerHeaderWait, s.cfg.Transfer.HeaderWait, func() {
		s.handleTransferFailure(reasonHeaderTimeout)
	})

	select {
	case outcome := <-transfer.result:
		return outcome.payload, outcome.err
	case <-ctx.Done():
		s.handleTransferFailure("canceled")
		outcome := <-transfer.result
		return outcome.payload, outcome.err
	}
}

func (s *Session) clearTransfer(t *transferSession) {
	s.timers.Cancel(timerHeaderWait)
	s.timers.Cancel(timerStall)
	s.timers.Cancel(timerEndWait)
	s.mu.Lock()
	if s.transfer == t {
		s.transfer = nil
	}
	s.mu.Unlock()
}

// stallTimeout scales with the declared payload so large windows on slow
// links are not cut off prematurely.
func (s *Session) stallTimeout(totalLength int) time.Duration {
	perBytes := s.cfg.Transfer.StallPerBytes
	if perBytes < 1 {
		perBytes = 200
	}
	timeout := s.cfg.Transfer.StallBase + time.Duration(totalLength/perBytes)*time.Second
	if timeout > s.cfg.Transfer.StallCap {
		timeout = s.cfg.Transfer.StallCap
	}
	return timeout
}

func (s *Session) handleTransferHeader(resp *Response) {
	s.mu.Lock()
	transfer := s.transfer
	if transfer == nil || transfer.headerSeen {
		s.mu.Unlock()
		s.logger.Debug("window_data header with no pending transfer",
			zap.String("windowId", resp.WindowID))
		return
	}
	if resp.WindowID != transfer.windowID {
		s.mu.Unlock()
		s.logger.Warn("transfer header mismatch",
			zap.String("requested", transfer.windowID),
			zap.String("received", resp.WindowID))
		s.handleTransferFailure(reasonHeaderMismatch)
		return
	}
	transfer.headerSeen = true
	transfer.ppgLen = resp.PPGLen
	transfer.accelLen = resp.AccelLen
	transfer.total = resp.TotalLength
	transfer.protocolVersion = resp.ProtocolVersion
	transfer.chunkSize = resp.ChunkSize
	transfer.buf = make([]byte, resp.TotalLength)
	s.mu.Unlock()

	s.timers.Cancel(timerHeaderWait)
	s.timers.Schedule(timerStall, s.stallTimeout(resp.TotalLength), func() {
		s.handleTransferFailure(reasonStallTimeout)
	})

	s.logger.Info("transfer header accepted",
		zap.String("windowId", resp.WindowID),
		zap.Int("totalLength", resp.TotalLength),
		zap.Int("protocolVersion", resp.ProtocolVersion))

	if resp.ProtocolVersion >= 2 {
		// Pull-based flow: request the first chunk.
		s.sendCommand(Command{Type: CmdNextChunk, WindowID: resp.WindowID})
	}

	if resp.TotalLength == 0 {
		s.completeTransfer(transfer)
	}
}

// feedTransfer copies binary bytes into the receive buffer, never past the
// declared length, and returns any leftover bytes for control parsing.
func (s *Session) feedTransfer(t *transferSession, data []byte) (leftover []byte) {
	s.mu.Lock()
	remaining := t.total - t.received
	n := len(data)
	if n > remaining {
		n = remaining
	}
	copy(t.buf[t.received:], data[:n])
	t.received += n
	received := t.received
	total := t.total
	version := t.protocolVersion
	full := t.full()
	s.mu.Unlock()

	if n < len(data) {
		leftover = data[n:]
	}

	if full {
		s.timers.Cancel(timerStall)
		s.logger.Debug("transfer reached declared length",
			zap.String("windowId", t.windowID),
			zap.Int("bytes", received))
		if version >= 2 {
			s.sendCommand(Command{Type: CmdBinaryAck, WindowID: t.windowID})
		}
		s.beginEndWait(t)
		return leftover
	}

	// Progress resets the stall clock.
	s.timers.Schedule(timerStall, s.stallTimeout(total), func() {
		s.handleTransferFailure(reasonStallTimeout)
	})

	if version >= 2 {
		s.sendCommand(Command{Type: CmdNextChunk, WindowID: t.windowID, Offset: received})
	}
	return leftover
}

// beginEndWait arms the short wait for the device's explicit end marker.
func (s *Session) beginEndWait(t *transferSession) {
	s.timers.Schedule(timerEndWait, s.cfg.Transfer.EndWait, func() {
		s.handleTransferFailure(reasonEndTimeout)
	})
}

func (s *Session) handleTransferEnd() {
	s.mu.Lock()
	transfer := s.transfer
	s.mu.Unlock()
	if transfer == nil {
		s.logger.Debug("end marker with no pending transfer")
		return
	}
	if !transfer.full() {
		s.handleTransferFailure(reasonEndBeforeComplete)
		return
	}
	s.completeTransfer(transfer)
}

func (s *Session) completeTransfer(t *transferSession) {
	s.mu.Lock()
	t.ended = true
	s.mu.Unlock()
	s.clearTransfer(t)

	ppg, accel := t.slice()
	payload := &models.WindowPayload{
		WindowID:      t.windowID,
		PPG:           ppg,
		Accel:         accel,
		BytesReceived: t.received,
		TotalLength:   t.total,
	}

	s.logger.Info("window download complete",
		zap.String("windowId", t.windowID),
		zap.Int("bytes", t.received))
	s.bus.Publish(Event{Type: EventDownloadComplete, WindowID: t.windowID, Payload: payload})
	t.deliver(payload, nil)
	s.resumePolling()
}

// handleTransferFailure is the single recovery path for every transfer
// breakdown: cancel device-side state and either salvage a partial result
// or report an outright failure.
func (s *Session) handleTransferFailure(reason string) {
	s.mu.Lock()
	transfer := s.transfer
	s.mu.Unlock()
	if transfer == nil {
		return
	}
	s.clearTransfer(transfer)

	s.sendCommand(Command{Type: CmdCancelTransfer})

	salvageable := transfer.headerSeen && transfer.total > 0 &&
		float64(transfer.received)/float64(transfer.total) >= s.cfg.Transfer.PartialThreshold

	if salvageable {
		ppg, accel := transfer.slice()
		payload := &models.WindowPayload{
			WindowID:      transfer.windowID,
			PPG:           ppg,
			Accel:         accel,
			BytesReceived: transfer.received,
			TotalLength:   transfer.total,
			Partial:       true,
		}
		s.logger.Warn("transfer salvaged partially",
			zap.String("windowId", transfer.windowID),
			zap.String("reason", reason),
			zap.Int("received", transfer.received),
			zap.Int("total", transfer.total))
		s.bus.Publish(Event{
			Type:     EventDownloadPartial,
			WindowID: transfer.windowID,
			Payload:  payload,
			Reason:   reason,
		})
		transfer.deliver(payload, nil)
	} else {
		s.logger.Error("transfer failed",
			zap.String("windowId", transfer.windowID),
			zap.String("reason", reason),
			zap.Int("received", transfer.received),
			zap.Int("total", transfer.total))
		s.bus.Publish(Event{
			Type:     EventDownloadFailed,
			WindowID: transfer.windowID,
			Reason:   reason,
		})
		transfer.deliver(nil, errors.New("transfer failed: "+reason))
	}
	s.resumePolling()
}

func (s *Session) resumePolling() {
	if s.State() == StateConnected {
		s.schedulePoll()
	}
}
