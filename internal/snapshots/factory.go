package snapshots

import (
	"fmt"
	"net/url"
	"strings"

	"gorm.io/gorm"
)

// BuildStoreFromDSN selects a backend by DSN scheme. An empty DSN stores
// snapshots alongside pages in db.
func BuildStoreFromDSN(dsn string, db *gorm.DB) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewGormStore(db)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshots: parse dsn: %w", err)
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}
