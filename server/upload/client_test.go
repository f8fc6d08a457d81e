package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foursight/biolink/server/config"
	"github.com/foursight/biolink/server/models"
)

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	return NewClient(config.UploadConfig{
		BaseURL: url,
		Timeout: 2 * time.Second,
		Enabled: true,
	}, zap.NewNop())
}

func TestUploadConfirmed(t *testing.T) {
	var received uploadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/windows", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(uploadResponse{Stored: true, UploadID: received.UploadID})
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	features := &models.FeatureRecord{WindowID: "w1", QualityScore: 0.9}

	stored, err := client.Upload(context.Background(), features, nil)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, "w1", received.Features.WindowID)
	assert.NotEmpty(t, received.UploadID)
	assert.Nil(t, received.Prediction)
}

func TestUploadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	stored, err := client.Upload(context.Background(), &models.FeatureRecord{WindowID: "w1"}, nil)
	assert.Error(t, err)
	assert.False(t, stored)
}

func TestUploadDisabledIsNoop(t *testing.T) {
	client := NewClient(config.UploadConfig{Enabled: false}, zap.NewNop())
	assert.False(t, client.Enabled())

	stored, err := client.Upload(context.Background(), &models.FeatureRecord{WindowID: "w1"}, nil)
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestUploadNilFeatures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	_, err := client.Upload(context.Background(), nil, nil)
	assert.Error(t, err)
}
