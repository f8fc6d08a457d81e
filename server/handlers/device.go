package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foursight/biolink/server/cache"
	"github.com/foursight/biolink/server/models"
	"github.com/foursight/biolink/server/processor"
	"github.com/foursight/biolink/server/store"
	"github.com/foursight/biolink/server/transport"
)

// DeviceHandler exposes the device session, window storage and risk state
// over REST for the UI.
type DeviceHandler struct {
	session   *transport.Session
	processor *processor.WindowProcessor
	store     store.Store
	cache     cache.Cache
	logger    *zap.Logger
	startTime time.Time
}

type connectRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

func NewDeviceHandler(
	session *transport.Session,
	windowProcessor *processor.WindowProcessor,
	windowStore store.Store,
	resultCache cache.Cache,
	logger *zap.Logger,
) *DeviceHandler {
	return &DeviceHandler{
		session:   session,
		processor: windowProcessor,
		store:     windowStore,
		cache:     resultCache,
		logger:    logger,
		startTime: time.Now(),
	}
}

// RegisterRoutes wires every device and risk endpoint under the given
// router group.
func (h *DeviceHandler) RegisterRoutes(api *gin.RouterGroup) {
	device := api.Group("/device")
	{
		device.POST("/scan", h.Scan)
		device.POST("/connect", h.Connect)
		device.POST("/disconnect", h.Disconnect)
		device.GET("/status", h.Status)
		device.GET("/queue", h.Queue)
		device.POST("/suspend", h.Suspend)
		device.POST("/resume", h.Resume)
	}

	recording := api.Group("/recording")
	{
		recording.POST("/start", h.StartRecording)
		recording.POST("/stop", h.StopRecording)
	}

	api.POST("/sync", h.TriggerSync)

	windows := api.Group("/windows")
	{
		windows.GET("", h.Manifest)
		windows.DELETE("", h.DeleteAllWindows)
		windows.GET("/:window_id/result", h.WindowResult)
	}

	api.GET("/risk", h.RollingRisk)
	api.GET("/stats", h.Stats)
}

func (h *DeviceHandler) Scan(c *gin.Context) {
	devices, err := h.session.Scan(c.Request.Context())
	if err != nil {
		h.logger.Error("Scan failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Scan failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *DeviceHandler) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}

	if err := h.session.Connect(c.Request.Context(), req.DeviceID); err != nil {
		h.logger.Error("Connect failed",
			zap.String("device_id", req.DeviceID),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":     h.session.State(),
		"device_id": req.DeviceID,
	})
}

func (h *DeviceHandler) Disconnect(c *gin.Context) {
	if err := h.session.Disconnect(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.session.State()})
}

func (h *DeviceHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":  h.session.State(),
		"status": h.session.LastStatus(),
		"queue":  h.session.Queue(),
	})
}

func (h *DeviceHandler) Queue(c *gin.Context) {
	queue, err := h.session.FetchQueue(c.Request.Context())
	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": "Device not connected"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"queue": queue})
}

func (h *DeviceHandler) StartRecording(c *gin.Context) {
	if err := h.session.StartRecording(c.Request.Context()); err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recording": true})
}

func (h *DeviceHandler) StopRecording(c *gin.Context) {
	if err := h.session.StopRecording(c.Request.Context()); err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recording": false})
}

func (h *DeviceHandler) TriggerSync(c *gin.Context) {
	h.session.TriggerSync(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered"})
}

func (h *DeviceHandler) Suspend(c *gin.Context) {
	h.session.Suspend()
	c.JSON(http.StatusOK, gin.H{"suspended": true})
}

func (h *DeviceHandler) Resume(c *gin.Context) {
	h.session.Resume()
	c.JSON(http.StatusOK, gin.H{"suspended": false})
}

func (h *DeviceHandler) Manifest(c *gin.Context) {
	manifest, err := h.store.Manifest(c.Request.Context())
	if err != nil {
		h.logger.Error("Manifest query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load manifest"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"windows": manifest,
		"count":   len(manifest),
	})
}

// DeleteAllWindows wipes both the device-side queue and local storage, and
// resets the rolling risk estimate.
func (h *DeviceHandler) DeleteAllWindows(c *gin.Context) {
	if h.session.State() == transport.StateConnected {
		if err := h.session.DeleteAllWindows(c.Request.Context()); err != nil {
			h.logger.Warn("Device-side delete failed", zap.Error(err))
		}
	}

	if err := h.store.DeleteAll(c.Request.Context()); err != nil {
		h.logger.Error("Local delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete local windows"})
		return
	}

	h.processor.ResetRolling()
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *DeviceHandler) WindowResult(c *gin.Context) {
	windowID := c.Param("window_id")

	var result models.WindowResult
	err := h.cache.Get(c.Request.Context(), cache.WindowResultKey(windowID), &result)
	if errors.Is(err, cache.ErrCacheMiss) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No result for window"})
		return
	}
	if err != nil {
		h.logger.Error("Result lookup failed", zap.String("window_id", windowID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Result lookup failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *DeviceHandler) RollingRisk(c *gin.Context) {
	rolling := h.processor.RollingRisk()
	if rolling == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No scored windows yet"})
		return
	}

	c.JSON(http.StatusOK, rolling)
}

func (h *DeviceHandler) Stats(c *gin.Context) {
	cacheStats, err := h.cache.GetStats(c.Request.Context())
	if err != nil {
		cacheStats = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"session_state":  h.session.State(),
		"processor":      h.processor.GetStats(),
		"queue":          h.processor.GetQueueStats(),
		"rolling":        h.processor.RollingStatus(),
		"cache":          cacheStats,
		"uptime_seconds": time.Since(h.startTime).Seconds(),
	})
}

func (h *DeviceHandler) respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": "Device not connected"})
	case errors.Is(err, transport.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "Transfer in progress"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
