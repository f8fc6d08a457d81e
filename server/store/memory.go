package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/foursight/biolink/server/models"
)

// MemoryStore keeps windows in process memory. Used in tests and in
// deployments that run without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	ppg             []byte
	accel           []byte
	features        *models.FeatureRecord
	uploadConfirmed bool
	storedAt        time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memoryWindow)}
}

func (m *MemoryStore) HasWindow(ctx context.Context, windowID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.windows[windowID]
	return ok, nil
}

func (m *MemoryStore) SaveWindow(ctx context.Context, windowID string, ppg, accel []byte, features *models.FeatureRecord) error {
	ppgCopy := make([]byte, len(ppg))
	copy(ppgCopy, ppg)
	accelCopy := make([]byte, len(accel))
	copy(accelCopy, accel)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[windowID] = &memoryWindow{
		ppg:      ppgCopy,
		accel:    accelCopy,
		features: features,
		storedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) MarkUploadConfirmed(ctx context.Context, windowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[windowID]
	if !ok {
		return ErrNotFound
	}
	w.uploadConfirmed = true
	return nil
}

func (m *MemoryStore) Manifest(ctx context.Context) ([]models.WindowManifestEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]models.WindowManifestEntry, 0, len(m.windows))
	for id, w := range m.windows {
		entries = append(entries, models.WindowManifestEntry{
			WindowID:        id,
			PPGBytes:        len(w.ppg),
			AccelBytes:      len(w.accel),
			HasFeatures:     w.features != nil,
			UploadConfirmed: w.uploadConfirmed,
			StoredAt:        w.storedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StoredAt.After(entries[j].StoredAt)
	})
	return entries, nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = make(map[string]*memoryWindow)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
