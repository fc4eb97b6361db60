package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/e-jigsaw/l1nk/internal/pages"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsPageSlugs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&pages.Page{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Date(2026, 9, 30, 8, 0, 0, 0, time.UTC)
	seeded := []pages.Page{
		{ID: "page-1", Slug: "", Title: "Hello  World", CreatedAt: now, UpdatedAt: now},
		{ID: "page-2", Slug: "kept", Title: "Other Title", CreatedAt: now, UpdatedAt: now},
	}
	if err := database.Create(&seeded).Error; err != nil {
		testContext.Fatalf("failed to insert pages: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var backfilled pages.Page
	if err := database.Where("id = ?", "page-1").Take(&backfilled).Error; err != nil {
		testContext.Fatalf("failed to reload page: %v", err)
	}
	if backfilled.Slug != "hello-world" {
		testContext.Fatalf("expected backfilled slug hello-world, got %q", backfilled.Slug)
	}
	var untouched pages.Page
	if err := database.Where("id = ?", "page-2").Take(&untouched).Error; err != nil {
		testContext.Fatalf("failed to reload page: %v", err)
	}
	if untouched.Slug != "kept" {
		testContext.Fatalf("expected existing slug to be kept, got %q", untouched.Slug)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillPageSlugs).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "l1nk.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"pages", "links", "users", "document_snapshots", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
