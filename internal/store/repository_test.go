package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/shelly-core/internal/infrastructure/config"
	"github.com/nerrad567/shelly-core/internal/infrastructure/database"
	"github.com/nerrad567/shelly-core/migrations"
)

// setupTestRepo opens a migrated database in a temp dir.
func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "store.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestUpsertAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seen := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

	d := KnownDevice{
		ID:       "shellyplus1pm-441793d69718",
		Host:     "192.168.1.41",
		Gen:      2,
		Model:    "SNSW-001P16EU",
		Firmware: "1.4.4",
		LastSeen: seen,
	}
	if err := repo.Upsert(ctx, d); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := repo.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != d.ID || got.Host != d.Host || got.Gen != 2 || got.Model != d.Model || got.Firmware != d.Firmware {
		t.Errorf("Get() = %+v, want %+v", *got, d)
	}
	if !got.LastSeen.Equal(seen) || got.SleepMode {
		t.Errorf("Get() LastSeen=%v SleepMode=%v", got.LastSeen, got.SleepMode)
	}

	// Second upsert updates in place.
	d.Host = "192.168.1.42"
	d.Firmware = "1.5.0"
	d.SleepMode = true
	if err := repo.Upsert(ctx, d); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err = repo.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Host != "192.168.1.42" || got.Firmware != "1.5.0" || !got.SleepMode {
		t.Errorf("Get() after update = %+v", *got)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List() = %d rows, want 1", len(all))
	}
}

func TestUpsert_Invalid(t *testing.T) {
	repo := setupTestRepo(t)

	tests := map[string]KnownDevice{
		"no id":   {Host: "10.0.0.1", Gen: 1},
		"no host": {ID: "shelly1-b929cc", Gen: 1},
		"no gen":  {ID: "shelly1-b929cc", Host: "10.0.0.1"},
	}
	for name, d := range tests {
		t.Run(name, func(t *testing.T) {
			if err := repo.Upsert(context.Background(), d); !errors.Is(err, ErrInvalidDevice) {
				t.Errorf("Upsert() error = %v, want ErrInvalidDevice", err)
			}
		})
	}
}

func TestUpsert_DefaultsLastSeen(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.Upsert(ctx, KnownDevice{ID: "shelly1-b929cc", Host: "10.0.0.7", Gen: 1}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err := repo.Get(ctx, "shelly1-b929cc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if time.Since(got.LastSeen) > time.Minute {
		t.Errorf("LastSeen = %v, want about now", got.LastSeen)
	}
}

func TestListOrderAndDelete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"shellyplus1-b", "shelly1-a", "shellypro4pm-c"} {
		if err := repo.Upsert(ctx, KnownDevice{ID: id, Host: "10.0.0.1", Gen: 2}); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}

	if err := repo.Delete(ctx, "shellyplus1-b"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, "never-stored"); err != nil {
		t.Errorf("Delete() of unknown id error = %v", err)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != "shelly1-a" || all[1].ID != "shellypro4pm-c" {
		t.Errorf("List() = %+v", all)
	}

	if _, err := repo.Get(ctx, "shellyplus1-b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}
