package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/foursight/biolink/server/config"
	"github.com/foursight/biolink/server/models"
)

// PostgresStore persists windows in a single table, raw payloads as bytea
// and the feature record as jsonb.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

const createWindowsTable = `
CREATE TABLE IF NOT EXISTS windows (
    window_id        TEXT PRIMARY KEY,
    ppg              BYTEA NOT NULL,
    accel            BYTEA NOT NULL,
    features         JSONB,
    upload_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
    stored_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func NewPostgresStore(cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createWindowsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create windows table: %w", err)
	}

	logger.Info("postgres store ready",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName))
	return &PostgresStore{db: db, logger: logger}, nil
}

func (p *PostgresStore) HasWindow(ctx context.Context, windowID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM windows WHERE window_id = $1)`, windowID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check window %s: %w", windowID, err)
	}
	return exists, nil
}

func (p *PostgresStore) SaveWindow(ctx context.Context, windowID string, ppg, accel []byte, features *models.FeatureRecord) error {
	var featureJSON []byte
	if features != nil {
		data, err := json.Marshal(features)
		if err != nil {
			return fmt.Errorf("encode features for %s: %w", windowID, err)
		}
		featureJSON = data
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO windows (window_id, ppg, accel, features)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (window_id) DO UPDATE
		SET ppg = EXCLUDED.ppg,
		    accel = EXCLUDED.accel,
		    features = EXCLUDED.features,
		    stored_at = NOW()`,
		windowID, ppg, accel, featureJSON)
	if err != nil {
		return fmt.Errorf("save window %s: %w", windowID, err)
	}
	return nil
}

func (p *PostgresStore) MarkUploadConfirmed(ctx context.Context, windowID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE windows SET upload_confirmed = TRUE WHERE window_id = $1`, windowID)
	if err != nil {
		return fmt.Errorf("confirm window %s: %w", windowID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm window %s: %w", windowID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Manifest(ctx context.Context) ([]models.WindowManifestEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT window_id, octet_length(ppg), octet_length(accel),
		       features IS NOT NULL, upload_confirmed, stored_at
		FROM windows
		ORDER BY stored_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query manifest: %w", err)
	}
	defer rows.Close()

	var entries []models.WindowManifestEntry
	for rows.Next() {
		var e models.WindowManifestEntry
		if err := rows.Scan(&e.WindowID, &e.PPGBytes, &e.AccelBytes,
			&e.HasFeatures, &e.UploadConfirmed, &e.StoredAt); err != nil {
			return nil, fmt.Errorf("scan manifest row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) DeleteAll(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM windows`); err != nil {
		return fmt.Errorf("delete windows: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
