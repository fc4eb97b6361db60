package snapshots

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	// KeyCRDT holds the full-state encoding of a document.
	KeyCRDT = "crdt"
	// KeyPage holds the relational page id a document projects to.
	KeyPage = "page"

	maxKeyLength = 64
)

var (
	// ErrNotFound indicates that no value is stored under the requested key.
	ErrNotFound = errors.New("snapshots: not found")
	// ErrInvalidInput indicates an empty document id or key.
	ErrInvalidInput = errors.New("snapshots: invalid input")
	// ErrUnsupportedScheme indicates a DSN scheme without a backend.
	ErrUnsupportedScheme = errors.New("snapshots: unsupported scheme")
)

// Store is the durable per-document key/value storage for session state.
type Store interface {
	Get(ctx context.Context, documentID, key string) ([]byte, error)
	Put(ctx context.Context, documentID, key string, value []byte) error
	Close() error
}

// Record is the relational row backing the gorm store.
type Record struct {
	DocumentID string    `gorm:"column:document_id;primaryKey;size:190"`
	Key        string    `gorm:"column:snapshot_key;primaryKey;size:64"`
	Value      []byte    `gorm:"column:value;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "document_snapshots"
}

func validateAddress(documentID, key string) error {
	if strings.TrimSpace(documentID) == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if len(key) > maxKeyLength {
		return ErrInvalidInput
	}
	return nil
}
