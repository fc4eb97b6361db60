package projector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/e-jigsaw/l1nk/internal/pages"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// DefaultTitleMaxLength bounds derived titles in runes.
	DefaultTitleMaxLength = 100

	reservedSuffix   = "-page"
	collisionHexSize = 8
	breakerName      = "projector.relational_store"

	// maxDerivedSlugBytes leaves room for the reserved and collision suffixes.
	maxDerivedSlugBytes = pages.MaxSlugLength - len(reservedSuffix) - 1 - collisionHexSize
)

// DefaultReservedSlugs collide with application routes.
var DefaultReservedSlugs = []string{"new"}

var (
	// ErrStoreUnavailable indicates that relational writes are currently rejected
	// by the circuit breaker.
	ErrStoreUnavailable = errors.New("projector: relational store unavailable")
	// ErrMissingStore indicates that the projector was configured without a store.
	ErrMissingStore = errors.New("projector: store is required")

	bracketLinkPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)
)

// Store is the relational surface the projector writes through.
type Store interface {
	GetPageBySlug(ctx context.Context, slug string) (*pages.Page, error)
	UpsertPageMetadata(ctx context.Context, metadata pages.Metadata) error
	ReplaceLinks(ctx context.Context, pageID pages.PageID, targetSlugs []string) error
}

// Config describes projector dependencies and derivation settings.
type Config struct {
	Store          Store
	TitleMaxLength int
	ReservedSlugs  []string
	Clock          func() time.Time
	Logger         *zap.Logger
	// BreakerTimeout is how long an open breaker rejects writes before probing.
	BreakerTimeout time.Duration
}

// Result reports what a projection wrote.
type Result struct {
	Skipped bool
	Title   string
	Slug    string
	Links   []string
}

// Projector derives page metadata from document plain text.
type Projector struct {
	store          Store
	titleMaxLength int
	reserved       map[string]struct{}
	clock          func() time.Time
	logger         *zap.Logger
	breaker        *gobreaker.CircuitBreaker
}

// New validates cfg and returns a Projector.
func New(cfg Config) (*Projector, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	titleMaxLength := cfg.TitleMaxLength
	if titleMaxLength <= 0 {
		titleMaxLength = DefaultTitleMaxLength
	}
	reservedSlugs := cfg.ReservedSlugs
	if reservedSlugs == nil {
		reservedSlugs = DefaultReservedSlugs
	}
	reserved := make(map[string]struct{}, len(reservedSlugs))
	for _, slug := range reservedSlugs {
		normalized := strings.ToLower(strings.TrimSpace(slug))
		if normalized != "" {
			reserved[normalized] = struct{}{}
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Projector{
		store:          cfg.Store,
		titleMaxLength: titleMaxLength,
		reserved:       reserved,
		clock:          clock,
		logger:         logger,
		breaker:        breaker,
	}, nil
}

// Project writes the title, slug and outbound links derived from plainText.
// Text without a non-blank line is skipped so an existing title is never erased.
func (p *Projector) Project(ctx context.Context, pageID pages.PageID, plainText string) (Result, error) {
	title := DeriveTitle(plainText, p.titleMaxLength)
	if title == "" {
		return Result{Skipped: true}, nil
	}

	slug := p.guardReserved(DeriveSlug(title))
	slug, err := p.resolveCollision(ctx, pageID, slug)
	if err != nil {
		return Result{}, err
	}
	links := p.captureLinks(plainText)

	_, err = p.breaker.Execute(func() (interface{}, error) {
		if err := p.store.UpsertPageMetadata(ctx, pages.Metadata{
			PageID:    pageID,
			Title:     title,
			Slug:      slug,
			UpdatedAt: p.clock().UTC(),
		}); err != nil {
			return nil, err
		}
		return nil, p.store.ReplaceLinks(ctx, pageID, links)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		p.logger.Error("projection write failed",
			zap.String("page_id", pageID.String()),
			zap.String("slug", slug),
			zap.Error(err))
		return Result{}, err
	}

	p.logger.Debug("projected page metadata",
		zap.String("page_id", pageID.String()),
		zap.String("title", title),
		zap.String("slug", slug),
		zap.Int("links", len(links)))
	return Result{Title: title, Slug: slug, Links: links}, nil
}

// DeriveTitle returns the first non-empty trimmed line of text, truncated to
// maxLength runes and to the stored title bound in bytes.
func DeriveTitle(text string, maxLength int) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if maxLength > 0 && utf8.RuneCountInString(trimmed) > maxLength {
			trimmed = string([]rune(trimmed)[:maxLength])
		}
		return strings.TrimSpace(truncateBytes(trimmed, pages.MaxTitleLength))
	}
	return ""
}

// DeriveSlug lowercases title and collapses whitespace runs into single
// hyphens. Long slugs are cut on a rune boundary so that a suffixed slug still
// fits the stored bound.
func DeriveSlug(title string) string {
	slug := strings.Join(strings.Fields(strings.ToLower(title)), "-")
	return strings.TrimRight(truncateBytes(slug, maxDerivedSlugBytes), "-")
}

func truncateBytes(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func (p *Projector) guardReserved(slug string) string {
	if _, reserved := p.reserved[slug]; reserved {
		return slug + reservedSuffix
	}
	return slug
}

// resolveCollision suffixes slug with a short hash of the page id when another
// page already holds it. Concurrent projections can still race.
func (p *Projector) resolveCollision(ctx context.Context, pageID pages.PageID, slug string) (string, error) {
	existing, err := p.store.GetPageBySlug(ctx, slug)
	if errors.Is(err, pages.ErrPageNotFound) {
		return slug, nil
	}
	if err != nil {
		p.logger.Error("slug lookup failed",
			zap.String("page_id", pageID.String()),
			zap.String("slug", slug),
			zap.Error(err))
		return "", err
	}
	if existing.ID == pageID.String() {
		return slug, nil
	}
	return fmt.Sprintf("%s-%s", slug, shortHash(pageID.String())), nil
}

func (p *Projector) captureLinks(text string) []string {
	matches := bracketLinkPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	links := make([]string, 0, len(matches))
	for _, match := range matches {
		slug := p.guardReserved(DeriveSlug(match[1]))
		if slug == "" {
			continue
		}
		if _, duplicate := seen[slug]; duplicate {
			continue
		}
		seen[slug] = struct{}{}
		links = append(links, slug)
	}
	return links
}

func shortHash(value string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(value))[:collisionHexSize]
}
