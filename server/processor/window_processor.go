package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foursight/biolink/server/cache"
	"github.com/foursight/biolink/server/features"
	"github.com/foursight/biolink/server/models"
	"github.com/foursight/biolink/server/store"
)

// Predictor scores one feature record. Satisfied by inference.Engine.
type Predictor interface {
	Predict(rec *models.FeatureRecord) *models.RiskPrediction
}

// RollingAggregator folds per-window predictions into the rolling risk
// estimate. Satisfied by inference.Aggregator.
type RollingAggregator interface {
	Push(pred *models.RiskPrediction) *models.RiskPrediction
	Current() *models.RiskPrediction
	Len() int
	Capacity() int
	Reset()
}

// Uploader pushes a completed window to the remote collector. Satisfied by
// upload.Client.
type Uploader interface {
	Enabled() bool
	Upload(ctx context.Context, features *models.FeatureRecord, prediction *models.RiskPrediction) (bool, error)
}

// WindowProcessor runs the full per-window pipeline behind a bounded worker
// queue: decode and feature extraction, inference, rolling aggregation,
// local persistence and collector upload. It implements the processing
// collaborator the transport session's sync driver hands payloads to.
type WindowProcessor struct {
	extractor  *features.Extractor
	predictor  Predictor
	aggregator RollingAggregator
	store      store.Store
	uploader   Uploader
	cache      cache.Cache
	logger     *zap.Logger
	queue      *ProcessingQueue
	stats      *ProcessorStats
	config     *ProcessorConfig
	mutex      sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

type ProcessorStats struct {
	StartTime             time.Time `json:"start_time"`
	TotalProcessed        int64     `json:"total_processed"`
	SuccessfullyProcessed int64     `json:"successfully_processed"`
	FailedProcessed       int64     `json:"failed_processed"`
	PartialWindows        int64     `json:"partial_windows"`
	WindowsWithoutHRV     int64     `json:"windows_without_hrv"`
	AverageLatency        float64   `json:"average_latency_ms"`
	QueueSize             int       `json:"queue_size"`
	ActiveWorkers         int       `json:"active_workers"`
}

type ProcessorConfig struct {
	MaxQueueSize      int `json:"max_queue_size"`
	MaxWorkers        int `json:"max_workers"`
	ProcessingTimeout int `json:"processing_timeout_seconds"`
}

func NewWindowProcessor(
	extractor *features.Extractor,
	predictor Predictor,
	aggregator RollingAggregator,
	windowStore store.Store,
	uploader Uploader,
	resultCache cache.Cache,
	logger *zap.Logger,
) *WindowProcessor {
	config := &ProcessorConfig{
		MaxQueueSize:      32,
		MaxWorkers:        2,
		ProcessingTimeout: 30,
	}

	stats := &ProcessorStats{
		StartTime:     time.Now(),
		ActiveWorkers: config.MaxWorkers,
	}

	ctx, cancel := context.WithCancel(context.Background())

	wp := &WindowProcessor{
		extractor:  extractor,
		predictor:  predictor,
		aggregator: aggregator,
		store:      windowStore,
		uploader:   uploader,
		cache:      resultCache,
		logger:     logger,
		stats:      stats,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
	}

	wp.queue = NewProcessingQueue(config.MaxQueueSize, config.MaxWorkers, wp.processItem)

	return wp
}

// Process runs one window through the pipeline and blocks until its result
// is ready or the processing timeout elapses.
func (wp *WindowProcessor) Process(ctx context.Context, payload *models.WindowPayload) (*models.WindowResult, error) {
	if payload == nil {
		return nil, fmt.Errorf("nil window payload")
	}

	wp.mutex.Lock()
	wp.stats.TotalProcessed++
	if payload.Partial {
		wp.stats.PartialWindows++
	}
	wp.mutex.Unlock()

	resultChan := make(chan *ProcessingResult, 1)
	item := &QueueItem{
		Ctx:        ctx,
		Payload:    payload,
		ResultChan: resultChan,
		StartTime:  time.Now(),
	}

	if !wp.queue.Enqueue(item) {
		wp.markFailed()
		return nil, fmt.Errorf("processing queue full, try again later")
	}

	select {
	case result := <-resultChan:
		if result.Error != nil {
			wp.markFailed()
			return nil, result.Error
		}
		wp.mutex.Lock()
		wp.updateLatencyStats(time.Since(item.StartTime))
		wp.stats.SuccessfullyProcessed++
		wp.mutex.Unlock()
		return result.Result, nil

	case <-ctx.Done():
		wp.markFailed()
		return nil, ctx.Err()

	case <-time.After(time.Duration(wp.config.ProcessingTimeout) * time.Second):
		wp.markFailed()
		return nil, fmt.Errorf("processing timeout")
	}
}

// processItem is the worker function. Persistence failure is the only hard
// error: a window that cannot be scored still gets stored, and a failed
// upload leaves the window stored but unconfirmed.
func (wp *WindowProcessor) processItem(item *QueueItem) {
	payload := item.Payload
	ctx := item.Ctx
	if ctx == nil {
		ctx = wp.ctx
	}

	rec := wp.extractor.Extract(payload.WindowID, payload.PPG, payload.Accel)

	var prediction, rolling *models.RiskPrediction
	if rec.HasHRV() {
		prediction = wp.predictor.Predict(rec)
		if prediction != nil {
			prediction.WindowID = payload.WindowID
			rolling = wp.aggregator.Push(prediction)
		}
	} else {
		wp.mutex.Lock()
		wp.stats.WindowsWithoutHRV++
		wp.mutex.Unlock()
		wp.logger.Info("window has no usable HRV, skipping inference",
			zap.String("windowId", payload.WindowID),
			zap.Bool("partial", payload.Partial))
		rolling = wp.aggregator.Current()
	}

	if err := wp.store.SaveWindow(ctx, payload.WindowID, payload.PPG, payload.Accel, rec); err != nil {
		item.ResultChan <- &ProcessingResult{Error: fmt.Errorf("failed to store window %s: %w", payload.WindowID, err)}
		return
	}

	result := &models.WindowResult{
		WindowID:   payload.WindowID,
		Partial:    payload.Partial,
		Features:   rec,
		Prediction: prediction,
		Rolling:    rolling,
	}

	wp.cacheResult(result, rolling)
	wp.uploadWindow(ctx, payload.WindowID, rec, prediction)

	item.ResultChan <- &ProcessingResult{Result: result}
}

// cacheResult stores the latest window result and rolling risk for handler
// reads. Cache failures only warn.
func (wp *WindowProcessor) cacheResult(result *models.WindowResult, rolling *models.RiskPrediction) {
	if wp.cache == nil {
		return
	}

	if err := wp.cache.Set(wp.ctx, cache.KeyLatestWindow, result); err != nil {
		wp.logger.Warn("failed to cache window result", zap.Error(err))
	}
	if err := wp.cache.Set(wp.ctx, cache.WindowResultKey(result.WindowID), result); err != nil {
		wp.logger.Warn("failed to cache window result", zap.Error(err))
	}
	if rolling != nil {
		if err := wp.cache.Set(wp.ctx, cache.KeyRollingRisk, rolling); err != nil {
			wp.logger.Warn("failed to cache rolling risk", zap.Error(err))
		}
	}
}

func (wp *WindowProcessor) uploadWindow(ctx context.Context, windowID string, rec *models.FeatureRecord, prediction *models.RiskPrediction) {
	if wp.uploader == nil || !wp.uploader.Enabled() {
		return
	}

	stored, err := wp.uploader.Upload(ctx, rec, prediction)
	if err != nil {
		wp.logger.Warn("collector upload failed, window kept locally",
			zap.String("windowId", windowID),
			zap.Error(err))
		return
	}
	if !stored {
		wp.logger.Warn("collector did not confirm storage",
			zap.String("windowId", windowID))
		return
	}

	if err := wp.store.MarkUploadConfirmed(ctx, windowID); err != nil {
		wp.logger.Warn("failed to mark upload confirmed",
			zap.String("windowId", windowID),
			zap.Error(err))
	}
}

// RollingRisk returns the current rolling aggregate, nil before any scored
// window.
func (wp *WindowProcessor) RollingRisk() *models.RiskPrediction {
	return wp.aggregator.Current()
}

// RollingStatus reports how filled the temporal window is. The estimate is
// usable before the buffer fills but only covers the windows seen so far.
func (wp *WindowProcessor) RollingStatus() RollingStatus {
	buffered := wp.aggregator.Len()
	capacity := wp.aggregator.Capacity()
	return RollingStatus{
		WindowsBuffered: buffered,
		Capacity:        capacity,
		Ready:           buffered >= capacity,
	}
}

type RollingStatus struct {
	WindowsBuffered int  `json:"windows_buffered"`
	Capacity        int  `json:"capacity"`
	Ready           bool `json:"ready"`
}

// ResetRolling clears the rolling window buffer, used when local storage is
// wiped.
func (wp *WindowProcessor) ResetRolling() {
	wp.aggregator.Reset()
	if wp.cache != nil {
		if err := wp.cache.Delete(wp.ctx, cache.KeyRollingRisk); err != nil {
			wp.logger.Warn("failed to clear rolling risk cache", zap.Error(err))
		}
	}
}

func (wp *WindowProcessor) GetStats() *ProcessorStats {
	wp.mutex.RLock()
	defer wp.mutex.RUnlock()

	stats := *wp.stats
	stats.QueueSize = wp.queue.Size()
	return &stats
}

func (wp *WindowProcessor) GetQueueStats() QueueStats {
	return wp.queue.GetQueueStats()
}

func (wp *WindowProcessor) markFailed() {
	wp.mutex.Lock()
	wp.stats.FailedProcessed++
	wp.mutex.Unlock()
}

// updateLatencyStats keeps an exponential moving average of pipeline
// latency. Caller holds the mutex.
func (wp *WindowProcessor) updateLatencyStats(latency time.Duration) {
	currentLatency := float64(latency.Milliseconds())

	if wp.stats.AverageLatency == 0 {
		wp.stats.AverageLatency = currentLatency
	} else {
		alpha := 0.1
		wp.stats.AverageLatency = alpha*currentLatency + (1-alpha)*wp.stats.AverageLatency
	}
}

// Shutdown drains the queue and stops the workers. The cache and store are
// owned by the caller and stay open.
func (wp *WindowProcessor) Shutdown() error {
	wp.logger.Info("Shutting down window processor...")

	wp.cancel()
	wp.queue.DrainQueue()

	if err := wp.queue.Shutdown(30 * time.Second); err != nil {
		wp.logger.Error("Failed to shutdown queue", zap.Error(err))
		return err
	}

	wp.logger.Info("Window processor shutdown complete")
	return nil
}
