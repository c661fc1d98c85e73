package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"parkguide/go-proximity-server/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned when a method is called on a closed or zero Store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS closest_places (
			device_id TEXT PRIMARY KEY,
			place_id TEXT NOT NULL,
			detected_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS arrivals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			place_id TEXT NOT NULL,
			distance REAL NOT NULL,
			notified INTEGER NOT NULL DEFAULT 0,
			detected_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_arrivals_device_time ON arrivals(device_id, detected_at);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			place_id TEXT NOT NULL,
			identifier TEXT NOT NULL,
			sink TEXT,
			status TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL,
			recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_device_time ON notifications(device_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT,
			topic TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the connection, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	return s.db.PingContext(ctx)
}

// LoadClosestPlaces returns every persisted closest place keyed by device.
func (s *Store) LoadClosestPlaces(ctx context.Context) (map[string]model.ClosestPlace, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `SELECT device_id, place_id, detected_at FROM closest_places;`)
	if err != nil {
		return nil, fmt.Errorf("query closest places: %w", err)
	}
	defer rows.Close()

	places := make(map[string]model.ClosestPlace)
	for rows.Next() {
		var deviceID, placeID, detectedAt string
		if err := rows.Scan(&deviceID, &placeID, &detectedAt); err != nil {
			return nil, fmt.Errorf("scan closest place: %w", err)
		}
		places[deviceID] = model.ClosestPlace{ID: placeID, Timestamp: parseTime(detectedAt)}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate closest places: %w", err)
	}

	return places, nil
}

// SaveClosestPlace stores or replaces the closest place of a device.
func (s *Store) SaveClosestPlace(ctx context.Context, deviceID string, place model.ClosestPlace) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO closest_places (device_id, place_id, detected_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET place_id = excluded.place_id, detected_at = excluded.detected_at;`,
		deviceID,
		place.ID,
		formatTime(place.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save closest place: %w", err)
	}
	return nil
}

// DeleteClosestPlace removes the closest place of a device. Missing rows are not an error.
func (s *Store) DeleteClosestPlace(ctx context.Context, deviceID string) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM closest_places WHERE device_id = ?;`, deviceID); err != nil {
		return fmt.Errorf("delete closest place: %w", err)
	}
	return nil
}

// InsertArrival appends an arrival to the history.
func (s *Store) InsertArrival(ctx context.Context, a model.Arrival) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO arrivals (device_id, place_id, distance, notified, detected_at) VALUES (?, ?, ?, ?, ?);`,
		a.DeviceID,
		a.PlaceID,
		a.Distance,
		a.Notified,
		formatTime(a.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("insert arrival: %w", err)
	}
	return nil
}

// RecentArrivals returns the latest arrivals of a device, newest first.
func (s *Store) RecentArrivals(ctx context.Context, deviceID string, limit int) ([]model.Arrival, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT device_id, place_id, distance, notified, detected_at
		 FROM arrivals
		 WHERE device_id = ?
		 ORDER BY detected_at DESC, id DESC
		 LIMIT ?;`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query arrivals: %w", err)
	}
	defer rows.Close()

	arrivals := make([]model.Arrival, 0, limit)
	for rows.Next() {
		var (
			a          model.Arrival
			detectedAt string
		)
		if err := rows.Scan(&a.DeviceID, &a.PlaceID, &a.Distance, &a.Notified, &detectedAt); err != nil {
			return nil, fmt.Errorf("scan arrival: %w", err)
		}
		a.DetectedAt = parseTime(detectedAt)
		arrivals = append(arrivals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate arrivals: %w", err)
	}

	return arrivals, nil
}

// InsertNotification records the outcome of a notification attempt.
func (s *Store) InsertNotification(ctx context.Context, rec model.NotificationRecord) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO notifications (id, device_id, place_id, identifier, sink, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET sink = excluded.sink, status = excluded.status, error = excluded.error;`,
		rec.ID,
		rec.DeviceID,
		rec.PlaceID,
		rec.Identifier,
		nullString(rec.Sink),
		rec.Status,
		nullString(rec.Error),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// RecentNotifications returns the latest notification records of a device, newest first.
func (s *Store) RecentNotifications(ctx context.Context, deviceID string, limit int) ([]model.NotificationRecord, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, device_id, place_id, identifier, sink, status, error, created_at
		 FROM notifications
		 WHERE device_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?;`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	records := make([]model.NotificationRecord, 0, limit)
	for rows.Next() {
		var (
			rec       model.NotificationRecord
			sink      sql.NullString
			errMsg    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.PlaceID, &rec.Identifier, &sink, &rec.Status, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rec.Sink = sink.String
		rec.Error = errMsg.String
		rec.CreatedAt = parseTime(createdAt)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}

	return records, nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (device_id, topic, payload, error) VALUES (?, ?, ?, ?);`,
		nullString(e.DeviceID),
		e.Topic,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// CountIngestionErrors returns how many payloads have been rejected.
func (s *Store) CountIngestionErrors(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, ErrNotInitialized
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_errors;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ingestion errors: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
