package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foursight/biolink/server/cache"
	"github.com/foursight/biolink/server/config"
	"github.com/foursight/biolink/server/features"
	"github.com/foursight/biolink/server/models"
	"github.com/foursight/biolink/server/processor"
	"github.com/foursight/biolink/server/store"
	"github.com/foursight/biolink/server/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type idleLink struct {
	notif chan []byte
	disc  chan struct{}
}

func newIdleLink() *idleLink {
	return &idleLink{
		notif: make(chan []byte),
		disc:  make(chan struct{}),
	}
}

func (l *idleLink) Connect(ctx context.Context, deviceID string) error { return nil }
func (l *idleLink) NegotiateMTU(ctx context.Context, requested int) (int, error) {
	return requested, nil
}
func (l *idleLink) Write(ctx context.Context, chunk []byte) error { return nil }
func (l *idleLink) Notifications() <-chan []byte                  { return l.notif }
func (l *idleLink) Disconnected() <-chan struct{}                 { return l.disc }
func (l *idleLink) Close() error                                  { return nil }

type idleScanner struct{}

func (s *idleScanner) Scan(ctx context.Context) (<-chan transport.Advertisement, error) {
	ch := make(chan transport.Advertisement)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type stubPredictor struct{}

func (stubPredictor) Predict(rec *models.FeatureRecord) *models.RiskPrediction {
	return &models.RiskPrediction{Susceptibility: 0.2, AlertLevel: "none"}
}

type stubAggregator struct {
	current *models.RiskPrediction
}

func (a *stubAggregator) Push(p *models.RiskPrediction) *models.RiskPrediction {
	a.current = p
	return p
}
func (a *stubAggregator) Current() *models.RiskPrediction { return a.current }
func (a *stubAggregator) Len() int {
	if a.current == nil {
		return 0
	}
	return 1
}
func (a *stubAggregator) Capacity() int { return 5 }
func (a *stubAggregator) Reset()        { a.current = nil }

type stubUploader struct{}

func (stubUploader) Enabled() bool { return false }
func (stubUploader) Upload(ctx context.Context, f *models.FeatureRecord, p *models.RiskPrediction) (bool, error) {
	return false, nil
}

type fixture struct {
	router     *gin.Engine
	store      *store.MemoryStore
	cache      *cache.MemoryCache
	aggregator *stubAggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zap.NewNop()
	cfg := config.LoadConfig()

	memStore := store.NewMemoryStore()
	memCache := cache.NewMemoryCache(64, time.Minute, logger)
	aggregator := &stubAggregator{}

	wp := processor.NewWindowProcessor(
		features.NewExtractor(cfg, logger),
		stubPredictor{},
		aggregator,
		memStore,
		stubUploader{},
		memCache,
		logger,
	)

	bus := transport.NewEventBus(16)
	session := transport.NewSession(cfg, newIdleLink(), &idleScanner{}, bus, memStore, wp, logger)

	h := NewDeviceHandler(session, wp, memStore, memCache, logger)
	router := gin.New()
	h.RegisterRoutes(router.Group("/api/v1"))

	t.Cleanup(func() {
		session.Close()
		wp.Shutdown()
		memCache.Close()
	})

	return &fixture{
		router:     router,
		store:      memStore,
		cache:      memCache,
		aggregator: aggregator,
	}
}

func do(f *fixture, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestStatusWhileDisconnected(t *testing.T) {
	f := newFixture(t)

	w := do(f, http.MethodGet, "/api/v1/device/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "disconnected", body["state"])
}

func TestRecordingRequiresConnection(t *testing.T) {
	f := newFixture(t)

	w := do(f, http.MethodPost, "/api/v1/recording/start")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestConnectValidatesBody(t *testing.T) {
	f := newFixture(t)

	w := do(f, http.MethodPost, "/api/v1/device/connect")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestManifestListsStoredWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := do(f, http.MethodGet, "/api/v1/windows")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	require.NoError(t, f.store.SaveWindow(ctx, "w-1", []byte{1, 2}, nil, nil))

	w = do(f, http.MethodGet, "/api/v1/windows")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), "w-1")
}

func TestWindowResultLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := do(f, http.MethodGet, "/api/v1/windows/w-9/result")
	assert.Equal(t, http.StatusNotFound, w.Code)

	result := models.WindowResult{WindowID: "w-9"}
	require.NoError(t, f.cache.Set(ctx, cache.WindowResultKey("w-9"), result))

	w = do(f, http.MethodGet, "/api/v1/windows/w-9/result")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "w-9")
}

func TestRollingRiskBeforeAnyWindow(t *testing.T) {
	f := newFixture(t)

	w := do(f, http.MethodGet, "/api/v1/risk")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRollingRiskAfterScoredWindow(t *testing.T) {
	f := newFixture(t)
	f.aggregator.current = &models.RiskPrediction{Susceptibility: 0.4, AlertLevel: "low"}

	w := do(f, http.MethodGet, "/api/v1/risk")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "low")
}

func TestDeleteAllWindowsClearsLocalState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveWindow(ctx, "w-1", []byte{1}, nil, nil))
	f.aggregator.current = &models.RiskPrediction{Susceptibility: 0.4}

	w := do(f, http.MethodDelete, "/api/v1/windows")
	require.Equal(t, http.StatusOK, w.Code)

	manifest, err := f.store.Manifest(ctx)
	require.NoError(t, err)
	assert.Empty(t, manifest)
	assert.Nil(t, f.aggregator.current)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)

	w := do(f, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "session_state")
	assert.Contains(t, w.Body.String(), "processor")
}
