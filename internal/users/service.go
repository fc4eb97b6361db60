package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/e-jigsaw/l1nk/internal/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves session claims to users, creating accounts on first sight.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	// cache maps provider:subject to a cachedUser; cacheKeys maps a user id to
	// the one identity key currently cached for it.
	cache     sync.Map
	cacheKeys sync.Map
}

type cachedUser struct {
	user    User
	profile claimsProfile
}

// claimsProfile is the part of the claims copied onto a user record. A cached
// user is only reused while the claims still carry the same profile.
type claimsProfile struct {
	email       string
	name        string
	displayName string
	avatarURL   string
}

func profileOf(claims auth.SessionClaims) claimsProfile {
	return claimsProfile{
		email:       strings.ToLower(normalize(claims.UserEmail)),
		name:        normalize(claims.UserName),
		displayName: normalize(claims.UserDisplayName),
		avatarURL:   normalize(claims.UserAvatarURL),
	}
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveUser returns the user for claims. Unknown identities are matched by
// email before a new account is created.
func (s *Service) ResolveUser(ctx context.Context, claims auth.SessionClaims) (*User, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return nil, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	profile := profileOf(claims)
	if cached, ok := s.cache.Load(cacheKey); ok {
		if entry, ok := cached.(cachedUser); ok && entry.profile == profile {
			user := entry.user
			return &user, nil
		}
	}

	var user User
	err := s.db.WithContext(ctx).
		Where("auth_provider = ? AND auth_provider_id = ?", provider, subject).
		First(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		email := profile.email
		if email == "" {
			return nil, ErrInvalidIdentity
		}
		err = s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created, createErr := s.createUser(ctx, provider, subject, email, claims)
			if createErr != nil {
				return nil, createErr
			}
			user = *created
		} else if err != nil {
			return nil, err
		} else {
			s.logger.Info("linking login identity to existing user",
				zap.String("user_id", user.ID),
				zap.String("provider", provider))
			user.AuthProvider = provider
			user.AuthProviderID = subject
			s.refreshProfile(ctx, &user, claims)
		}
	} else if err != nil {
		return nil, err
	} else {
		s.refreshProfile(ctx, &user, claims)
	}

	s.remember(cacheKey, user, profile)
	return &user, nil
}

// remember caches user under cacheKey and drops the key it was cached under
// before, which goes stale when an email match moves the login identity.
func (s *Service) remember(cacheKey string, user User, profile claimsProfile) {
	if previous, loaded := s.cacheKeys.Swap(user.ID, cacheKey); loaded {
		if previousKey, ok := previous.(string); ok && previousKey != cacheKey {
			s.cache.Delete(previousKey)
		}
	}
	s.cache.Store(cacheKey, cachedUser{user: user, profile: profile})
}

func (s *Service) createUser(ctx context.Context, provider, subject, email string, claims auth.SessionClaims) (*User, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := User{
		ID:             identifier.String(),
		Email:          email,
		AuthProvider:   provider,
		AuthProviderID: subject,
		Name:           normalize(claims.UserName),
		DisplayName:    normalize(claims.UserDisplayName),
		PhotoURL:       normalize(claims.UserAvatarURL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if user.Name == "" {
		user.Name = user.DisplayName
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	s.logger.Info("created user", zap.String("user_id", user.ID), zap.String("provider", provider))
	return &user, nil
}

// refreshProfile copies newer profile fields from claims. Failures are logged
// and do not block the request.
func (s *Service) refreshProfile(ctx context.Context, user *User, claims auth.SessionClaims) {
	updates := map[string]interface{}{
		"auth_provider":    user.AuthProvider,
		"auth_provider_id": user.AuthProviderID,
	}
	if name := normalize(claims.UserName); name != "" && name != user.Name {
		updates["name"] = name
		user.Name = name
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != user.DisplayName {
		updates["display_name"] = display
		user.DisplayName = display
	}
	if photo := normalize(claims.UserAvatarURL); photo != "" && photo != user.PhotoURL {
		updates["photo_url"] = photo
		user.PhotoURL = photo
	}
	user.UpdatedAt = s.now().UTC()
	updates["updated_at"] = user.UpdatedAt
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		s.logger.Warn("failed to refresh user profile", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := normalize(claims.Provider)
	if provider == "" {
		provider = defaultProvider
	}
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}
	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return provider, subject
}
