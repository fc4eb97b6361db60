package database

import (
	"errors"
	"time"

	"github.com/e-jigsaw/l1nk/internal/pages"
	"github.com/e-jigsaw/l1nk/internal/projector"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPageSlugs = "2026-10-01_backfill_page_slugs"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillPageSlugs, apply: backfillPageSlugs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPageSlugs derives slugs for pages created before slugs were projected.
func backfillPageSlugs(tx *gorm.DB) error {
	var missing []pages.Page
	if err := tx.Where("slug = '' AND title <> ''").Find(&missing).Error; err != nil {
		return err
	}
	for _, page := range missing {
		slug := projector.DeriveSlug(page.Title)
		if slug == "" {
			continue
		}
		if err := tx.Model(&pages.Page{}).Where("id = ?", page.ID).Update("slug", slug).Error; err != nil {
			return err
		}
	}
	return nil
}
