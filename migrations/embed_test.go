package migrations_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/gray-logic-dobiss/internal/device"
	"github.com/nerrad567/gray-logic-dobiss/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-dobiss/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-dobiss/migrations"
)

func TestEmbeddedMigrations(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "dobiss.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	_, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d after Migrate", len(pending))
	}

	repo := device.NewSQLiteStateHistoryRepository(db.DB)
	if err := repo.RecordStateChange(ctx, "light-wc", device.State{"on": true}, device.StateHistorySourceAck); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}
	states, err := repo.LatestStates(ctx)
	if err != nil {
		t.Fatalf("LatestStates() error = %v", err)
	}
	if on, _ := states["light-wc"]["on"].(bool); !on {
		t.Errorf("LatestStates()[light-wc] = %v, want on", states["light-wc"])
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}
