package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foursight/biolink/server/config"
	"github.com/foursight/biolink/server/models"
)

// Client pushes completed window results to the remote collector. Upload
// failures are logged and reported to the caller but never block local
// persistence; the window is only marked confirmed after a success.
type Client struct {
	http    *resty.Client
	enabled bool
	logger  *zap.Logger
}

// uploadRequest is the collector's ingest payload.
type uploadRequest struct {
	UploadID   string                 `json:"uploadId"`
	Features   *models.FeatureRecord  `json:"features"`
	Prediction *models.RiskPrediction `json:"prediction,omitempty"`
}

// uploadResponse is the collector's acknowledgment.
type uploadResponse struct {
	Stored   bool   `json:"stored"`
	UploadID string `json:"uploadId"`
	Message  string `json:"message"`
}

func NewClient(cfg config.UploadConfig, logger *zap.Logger) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    http,
		enabled: cfg.Enabled && cfg.BaseURL != "",
		logger:  logger,
	}
}

// Enabled reports whether uploads are configured at all.
func (c *Client) Enabled() bool { return c.enabled }

// Upload sends one window's features and optional prediction to the
// collector and returns whether the collector confirmed storage.
func (c *Client) Upload(ctx context.Context, features *models.FeatureRecord, prediction *models.RiskPrediction) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	if features == nil {
		return false, fmt.Errorf("upload: nil feature record")
	}

	req := uploadRequest{
		UploadID:   uuid.NewString(),
		Features:   features,
		Prediction: prediction,
	}

	var ack uploadResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&ack).
		Post("/api/v1/windows")
	if err != nil {
		c.logger.Warn("window upload failed",
			zap.String("windowId", features.WindowID),
			zap.Error(err))
		return false, fmt.Errorf("upload window %s: %w", features.WindowID, err)
	}
	if resp.IsError() {
		c.logger.Warn("collector rejected upload",
			zap.String("windowId", features.WindowID),
			zap.Int("status", resp.StatusCode()))
		return false, fmt.Errorf("upload window %s: collector returned %d", features.WindowID, resp.StatusCode())
	}

	c.logger.Debug("window uploaded",
		zap.String("windowId", features.WindowID),
		zap.Bool("stored", ack.Stored))
	return ack.Stored, nil
}
