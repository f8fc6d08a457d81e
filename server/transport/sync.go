package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foursight/biolink/server/models"
)

// interWindowDelay is the fixed pause between sequential window downloads
// during auto-sync.
const interWindowDelay = 750 * time.Millisecond

// retryAdvanceDelay is how long the driver waits after a failed download
// before advancing to the next queued window.
const retryAdvanceDelay = 2 * time.Second

// WindowStore is the persistence collaborator the sync driver consults to
// skip windows that were already downloaded.
type WindowStore interface {
	HasWindow(ctx context.Context, windowID string) (bool, error)
}

// WindowProcessor consumes a completed payload: extraction, inference,
// aggregation, persistence and upload all happen behind this interface.
type WindowProcessor interface {
	Process(ctx context.Context, payload *models.WindowPayload) (*models.WindowResult, error)
}

// syncDriver walks the device's upload queue sequentially, downloading each
// window not yet stored locally. A failure on one window never halts the
// run; the driver always advances.
type syncDriver struct {
	session   *Session
	store     WindowStore
	processor WindowProcessor
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	stalled bool
	pending []string
	synced  int
	failed  int
}

func newSyncDriver(session *Session, store WindowStore, processor WindowProcessor, logger *zap.Logger) *syncDriver {
	return &syncDriver{
		session:   session,
		store:     store,
		processor: processor,
		logger:    logger,
	}
}

// trigger starts a sync run. A device-pushed ready signal requires a fresh
// queue fetch before acting so the driver never works off a stale queue.
func (d *syncDriver) trigger(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Debug("sync already running, ignoring trigger")
		return
	}
	d.running = true
	d.stalled = false
	d.synced = 0
	d.failed = 0
	d.mu.Unlock()

	queue, err := d.session.FetchQueue(ctx)
	if err != nil {
		d.logger.Warn("sync aborted, queue fetch failed", zap.Error(err))
		d.finish(false)
		return
	}
	if len(queue) == 0 {
		d.logger.Info("sync triggered with empty queue")
		d.finish(true)
		return
	}

	d.mu.Lock()
	d.pending = append([]string(nil), queue...)
	d.mu.Unlock()

	d.logger.Info("auto-sync started", zap.Int("queued", len(queue)))
	d.session.bus.Publish(Event{Type: EventSyncStarted, Queue: queue})
	go d.step(ctx)
}

// step processes the next queued window, then schedules itself through the
// session scheduler so suspension parks the continuation.
func (d *syncDriver) step(ctx context.Context) {
	d.mu.Lock()
	if !d.running || len(d.pending) == 0 {
		d.mu.Unlock()
		d.finish(true)
		return
	}
	windowID := d.pending[0]
	d.pending = d.pending[1:]
	remaining := len(d.pending)
	d.mu.Unlock()

	delay := interWindowDelay
	if !d.processWindow(ctx, windowID) {
		delay = retryAdvanceDelay
	}

	d.session.bus.Publish(Event{
		Type:     EventSyncProgress,
		WindowID: windowID,
		Queue:    d.pendingSnapshot(),
	})

	if remaining == 0 {
		d.finish(true)
		return
	}

	d.mu.Lock()
	d.stalled = true
	d.mu.Unlock()
	d.session.timers.Schedule(timerSyncContinue, delay, func() {
		d.mu.Lock()
		d.stalled = false
		d.mu.Unlock()
		go d.step(ctx)
	})
}

// processWindow handles one queued id and reports whether it succeeded.
func (d *syncDriver) processWindow(ctx context.Context, windowID string) bool {
	stored, err := d.store.HasWindow(ctx, windowID)
	if err != nil {
		d.logger.Warn("local storage check failed",
			zap.String("windowId", windowID),
			zap.Error(err))
	}
	if stored {
		// Already downloaded earlier; just release it from the device
		// queue. Confirming an already removed id is harmless.
		d.logger.Info("window already stored, confirming without download",
			zap.String("windowId", windowID))
		if err := d.session.ConfirmUpload(ctx, windowID); err != nil {
			d.logger.Warn("confirm failed", zap.String("windowId", windowID), zap.Error(err))
		}
		d.markSynced()
		return true
	}

	payload, err := d.session.Download(ctx, windowID)
	if err != nil {
		d.logger.Warn("window download failed, advancing",
			zap.String("windowId", windowID),
			zap.Error(err))
		d.markFailed()
		return false
	}

	result, err := d.processor.Process(ctx, payload)
	if err != nil {
		d.logger.Warn("window processing failed, advancing",
			zap.String("windowId", windowID),
			zap.Error(err))
		d.markFailed()
		return false
	}

	if err := d.session.ConfirmUpload(ctx, windowID); err != nil {
		d.logger.Warn("confirm failed", zap.String("windowId", windowID), zap.Error(err))
	}
	if result != nil {
		d.session.bus.Publish(Event{Type: EventWindowResult, WindowID: windowID, Result: result})
	}
	d.markSynced()
	return true
}

func (d *syncDriver) finish(refreshQueue bool) {
	d.mu.Lock()
	wasRunning := d.running
	d.running = false
	d.stalled = false
	d.pending = nil
	synced := d.synced
	failed := d.failed
	d.mu.Unlock()
	if !wasRunning {
		return
	}

	d.logger.Info("auto-sync complete",
		zap.Int("synced", synced),
		zap.Int("failed", failed))
	d.session.bus.Publish(Event{Type: EventSyncComplete})

	// Re-poll so the UI sees the drained device queue.
	if refreshQueue && d.session.State() == StateConnected {
		d.session.sendCommand(Command{Type: CmdGetQueue})
	}
}

// resumeIfStalled re-triggers the next download when the scheduled
// continuation never fired while the host was backgrounded.
func (d *syncDriver) resumeIfStalled() {
	d.mu.Lock()
	stalled := d.running && d.stalled && !d.session.timers.Pending(timerSyncContinue)
	if stalled {
		d.stalled = false
	}
	d.mu.Unlock()
	if stalled {
		d.logger.Info("auto-sync continuation stalled, re-triggering")
		go d.step(context.Background())
	}
}

// cancel stops the current run, used on session teardown.
func (d *syncDriver) cancel() {
	d.mu.Lock()
	d.running = false
	d.stalled = false
	d.pending = nil
	d.mu.Unlock()
}

func (d *syncDriver) markSynced() {
	d.mu.Lock()
	d.synced++
	d.mu.Unlock()
}

func (d *syncDriver) markFailed() {
	d.mu.Lock()
	d.failed++
	d.mu.Unlock()
}

func (d *syncDriver) pendingSnapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.pending))
	copy(out, d.pending)
	return out
}
