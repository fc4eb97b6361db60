package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps snapshots in the application database.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStore returns a Store writing to the document_snapshots table. The
// table is created by the database package migrations.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database handle is required", ErrInvalidInput)
	}
	return &GormStore{db: db, clock: time.Now}, nil
}

func (s *GormStore) Get(ctx context.Context, documentID, key string) ([]byte, error) {
	if err := validateAddress(documentID, key); err != nil {
		return nil, err
	}
	var record Record
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND snapshot_key = ?", documentID, key).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("snapshots: get %s/%s: %w", documentID, key, err)
	}
	return record.Value, nil
}

func (s *GormStore) Put(ctx context.Context, documentID, key string, value []byte) error {
	if err := validateAddress(documentID, key); err != nil {
		return err
	}
	record := Record{
		DocumentID: documentID,
		Key:        key,
		Value:      append([]byte(nil), value...),
		UpdatedAt:  s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "snapshot_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("snapshots: put %s/%s: %w", documentID, key, err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *GormStore) Close() error {
	return nil
}
