package pages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew          = "pages.service.new"
	opGetPage             = "pages.get_page"
	opGetPageBySlug       = "pages.get_page_by_slug"
	opListPages           = "pages.list_pages"
	opCreatePage          = "pages.create_page"
	opUpsertPageMetadata  = "pages.upsert_page_metadata"
	opReplaceLinks        = "pages.replace_links"
	opListLinks           = "pages.list_links"
	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonQueryFailed     = "query_failed"
	reasonNotFound        = "not_found"
	reasonIDFailed        = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonDeleteFailed    = "delete_failed"
	fieldPageID           = "page_id"
	fieldSlug             = "slug"
)

// ServiceError carries a stable "<operation>.<reason>" code for a failure.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the failure code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// IDProvider issues identifiers for new pages.
type IDProvider func() (string, error)

// NewUUIDv7 issues time-ordered UUID identifiers.
func NewUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ServiceConfig describes the dependencies of the page store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the relational system of record for page metadata.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDv7
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// GetPage returns the page with the given id or ErrPageNotFound.
func (s *Service) GetPage(ctx context.Context, pageID PageID) (*Page, error) {
	var page Page
	err := s.db.WithContext(ctx).Where("id = ?", pageID.String()).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opGetPage, reasonNotFound, ErrPageNotFound)
	}
	if err != nil {
		s.logError(opGetPage, reasonQueryFailed, err, zap.String(fieldPageID, pageID.String()))
		return nil, newServiceError(opGetPage, reasonQueryFailed, err)
	}
	return &page, nil
}

// GetPageBySlug returns the most recently updated page holding slug, or
// ErrPageNotFound. Slugs are not unique, so the newest page wins.
func (s *Service) GetPageBySlug(ctx context.Context, slug string) (*Page, error) {
	trimmed := strings.TrimSpace(slug)
	if err := validateSlug(trimmed); err != nil {
		return nil, newServiceError(opGetPageBySlug, reasonInvalidInput, err)
	}
	var page Page
	err := s.db.WithContext(ctx).
		Where("slug = ?", trimmed).
		Order("updated_at DESC").
		Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opGetPageBySlug, reasonNotFound, ErrPageNotFound)
	}
	if err != nil {
		s.logError(opGetPageBySlug, reasonQueryFailed, err, zap.String(fieldSlug, trimmed))
		return nil, newServiceError(opGetPageBySlug, reasonQueryFailed, err)
	}
	return &page, nil
}

// ListPages returns every page, most recently updated first.
func (s *Service) ListPages(ctx context.Context) ([]Page, error) {
	var pages []Page
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&pages).Error; err != nil {
		s.logError(opListPages, reasonQueryFailed, err)
		return nil, newServiceError(opListPages, reasonQueryFailed, err)
	}
	return pages, nil
}

// CreatePage inserts a new page with a fresh identifier.
func (s *Service) CreatePage(ctx context.Context, request CreateRequest) (*Page, error) {
	slug := strings.TrimSpace(request.Slug)
	title := strings.TrimSpace(request.Title)
	if err := validateSlug(slug); err != nil {
		return nil, newServiceError(opCreatePage, reasonInvalidInput, err)
	}
	if title == "" || len(title) > MaxTitleLength {
		return nil, newServiceError(opCreatePage, reasonInvalidInput, ErrInvalidTitle)
	}

	pageID, err := s.idProvider()
	if err != nil {
		s.logError(opCreatePage, reasonIDFailed, err)
		return nil, newServiceError(opCreatePage, reasonIDFailed, err)
	}

	now := s.clock().UTC()
	page := Page{
		ID:        pageID,
		Slug:      slug,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&page).Error; err != nil {
		s.logError(opCreatePage, reasonInsertFailed, err, zap.String(fieldPageID, pageID))
		return nil, newServiceError(opCreatePage, reasonInsertFailed, err)
	}
	return &page, nil
}

// UpsertPageMetadata writes the projected title and slug. A missing row is
// created so documents opened before their page existed still get a record.
func (s *Service) UpsertPageMetadata(ctx context.Context, metadata Metadata) error {
	if err := metadata.validate(); err != nil {
		return newServiceError(opUpsertPageMetadata, reasonInvalidInput, err)
	}
	updatedAt := metadata.UpdatedAt.UTC()
	if metadata.UpdatedAt.IsZero() {
		updatedAt = s.clock().UTC()
	}
	page := Page{
		ID:        metadata.PageID.String(),
		Slug:      metadata.Slug,
		Title:     metadata.Title,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "slug", "updated_at"}),
	}).Create(&page).Error
	if err != nil {
		s.logError(opUpsertPageMetadata, reasonUpsertFailed, err,
			zap.String(fieldPageID, metadata.PageID.String()),
			zap.String(fieldSlug, metadata.Slug))
		return newServiceError(opUpsertPageMetadata, reasonUpsertFailed, err)
	}
	return nil
}

// ReplaceLinks stores targetSlugs as the complete outbound link set of a page.
func (s *Service) ReplaceLinks(ctx context.Context, pageID PageID, targetSlugs []string) error {
	if pageID == "" {
		return newServiceError(opReplaceLinks, reasonInvalidInput, ErrInvalidPageID)
	}
	now := s.clock().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source_page_id = ?", pageID.String()).Delete(&Link{}).Error; err != nil {
			s.logError(opReplaceLinks, reasonDeleteFailed, err, zap.String(fieldPageID, pageID.String()))
			return newServiceError(opReplaceLinks, reasonDeleteFailed, err)
		}
		if len(targetSlugs) == 0 {
			return nil
		}
		links := make([]Link, 0, len(targetSlugs))
		for _, target := range targetSlugs {
			if validateSlug(target) != nil {
				continue
			}
			links = append(links, Link{
				SourcePageID:   pageID.String(),
				TargetPageSlug: target,
				CreatedAt:      now,
			})
		}
		if len(links) == 0 {
			return nil
		}
		if err := tx.Create(&links).Error; err != nil {
			s.logError(opReplaceLinks, reasonInsertFailed, err, zap.String(fieldPageID, pageID.String()))
			return newServiceError(opReplaceLinks, reasonInsertFailed, err)
		}
		return nil
	})
}

// ListLinks returns the outbound links of a page ordered by target slug.
func (s *Service) ListLinks(ctx context.Context, pageID PageID) ([]Link, error) {
	var links []Link
	if err := s.db.WithContext(ctx).
		Where("source_page_id = ?", pageID.String()).
		Order("target_page_slug ASC").
		Find(&links).Error; err != nil {
		s.logError(opListLinks, reasonQueryFailed, err, zap.String(fieldPageID, pageID.String()))
		return nil, newServiceError(opListLinks, reasonQueryFailed, err)
	}
	return links, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("pages service error", attrs...)
}
