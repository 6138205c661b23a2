package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KnownDevice is one row of known_devices.
type KnownDevice struct {
	ID        string
	Host      string
	Gen       int
	Model     string
	Firmware  string
	SleepMode bool
	LastSeen  time.Time
}

// Repository defines known-device persistence.
type Repository interface {
	Upsert(ctx context.Context, d KnownDevice) error
	Get(ctx context.Context, id string) (*KnownDevice, error)
	List(ctx context.Context) ([]KnownDevice, error)
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Upsert inserts d or replaces the stored row with the same id.
func (r *SQLiteRepository) Upsert(ctx context.Context, d KnownDevice) error {
	if d.ID == "" || d.Host == "" || d.Gen < 1 {
		return fmt.Errorf("%w: id=%q host=%q gen=%d", ErrInvalidDevice, d.ID, d.Host, d.Gen)
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}
	const query = `INSERT INTO known_devices (id, host, gen, model, firmware, sleep_mode, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			gen = excluded.gen,
			model = excluded.model,
			firmware = excluded.firmware,
			sleep_mode = excluded.sleep_mode,
			last_seen = excluded.last_seen`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.Host, d.Gen, d.Model, d.Firmware, boolInt(d.SleepMode),
		d.LastSeen.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", d.ID, err)
	}
	return nil
}

// Get returns the row for id, or ErrNotFound.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*KnownDevice, error) {
	const query = `SELECT id, host, gen, model, firmware, sleep_mode, last_seen
		FROM known_devices WHERE id = ?`
	d, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting device %s: %w", id, err)
	}
	return d, nil
}

// List returns every known device ordered by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]KnownDevice, error) {
	const query = `SELECT id, host, gen, model, firmware, sleep_mode, last_seen
		FROM known_devices ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []KnownDevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// Delete removes the row for id. Deleting an unknown id is not an error.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM known_devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*KnownDevice, error) {
	var (
		d        KnownDevice
		sleep    int
		lastSeen string
	)
	if err := s.Scan(&d.ID, &d.Host, &d.Gen, &d.Model, &d.Firmware, &sleep, &lastSeen); err != nil {
		return nil, err
	}
	d.SleepMode = sleep != 0
	d.LastSeen, _ = time.Parse(time.RFC3339, lastSeen) //nolint:errcheck // written by Upsert
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
