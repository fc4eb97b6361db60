package pages

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190

	// MaxSlugLength is the storage bound of a slug in bytes.
	MaxSlugLength = 190
	// MaxTitleLength is the storage bound of a title in bytes.
	MaxTitleLength = 512
)

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("pages: invalid page id")
	// ErrInvalidSlug indicates that a slug is empty or exceeds storage bounds.
	ErrInvalidSlug = errors.New("pages: invalid slug")
	// ErrInvalidTitle indicates that a title is empty or exceeds storage bounds.
	ErrInvalidTitle = errors.New("pages: invalid title")
	// ErrPageNotFound indicates that no page matched the lookup.
	ErrPageNotFound = errors.New("pages: page not found")
)

// PageID represents a validated page identifier. Documents share the id of the
// page they project to.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPageID, maxIdentifierLength)
	}
	return PageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// Page is the relational record of a page. Title and slug are projections of
// the collaborative document and may lag behind it.
type Page struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Slug      string    `gorm:"column:slug;size:190;not null;index:slug_idx" json:"slug"`
	Title     string    `gorm:"column:title;size:512;not null" json:"title"`
	ImageURL  *string   `gorm:"column:image_url;size:512" json:"imageUrl"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index:pages_updated_idx" json:"updatedAt"`
	Views     int64     `gorm:"column:views;not null;default:0" json:"views"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// Link is a directed edge from a page to the slug of another page.
type Link struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SourcePageID   string    `gorm:"column:source_page_id;size:190;not null;index:source_idx"`
	TargetPageSlug string    `gorm:"column:target_page_slug;size:190;not null;index:target_idx"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Link) TableName() string {
	return "links"
}

// Metadata is the projected subset of a page written by the projector.
type Metadata struct {
	PageID    PageID
	Title     string
	Slug      string
	UpdatedAt time.Time
}

func (m Metadata) validate() error {
	if m.PageID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPageID)
	}
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(m.Title) > MaxTitleLength {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidTitle, MaxTitleLength)
	}
	return validateSlug(m.Slug)
}

// CreateRequest describes a page created through the HTTP API.
type CreateRequest struct {
	Slug  string
	Title string
}

func validateSlug(slug string) error {
	trimmed := strings.TrimSpace(slug)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSlug)
	}
	if len(trimmed) > MaxSlugLength {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidSlug, MaxSlugLength)
	}
	return nil
}
