package store

import (
	"context"
	"errors"

	"github.com/foursight/biolink/server/models"
)

// ErrNotFound is returned when a window id has no stored row.
var ErrNotFound = errors.New("window not found")

// Store is the local window persistence collaborator. Implementations must
// be safe for concurrent use.
type Store interface {
	// HasWindow reports whether the window's payload is already stored.
	HasWindow(ctx context.Context, windowID string) (bool, error)

	// SaveWindow persists a window's raw payload and, when extraction
	// succeeded, its feature record. Saving an existing id overwrites it.
	SaveWindow(ctx context.Context, windowID string, ppg, accel []byte, features *models.FeatureRecord) error

	// MarkUploadConfirmed flags a window as acknowledged by the remote
	// collector. Unknown ids return ErrNotFound.
	MarkUploadConfirmed(ctx context.Context, windowID string) error

	// Manifest enumerates stored windows for UI consumption, newest first.
	Manifest(ctx context.Context) ([]models.WindowManifestEntry, error)

	// DeleteAll wipes local window storage.
	DeleteAll(ctx context.Context) error

	Close() error
}
