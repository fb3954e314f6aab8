package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/auth"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	profile, err := s.ResolveProfile(ctx, claims)
	if err != nil {
		return "", err
	}
	return profile.UserID, nil
}

// ResolveProfile returns the canonical identity and display profile for the provided session
// claims. It creates the identity mapping when the provider+subject pair has not been seen before
// and records newer profile values presented by later tokens.
func (s *Service) ResolveProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}

	presented := Profile{
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
	}
	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if profile, ok := cached.(Profile); ok && !profileChanged(profile, presented) {
			return profile, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       presented.Email,
			DisplayName: presented.DisplayName,
			AvatarURL:   presented.AvatarURL,
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, err
	} else {
		updates := map[string]interface{}{}
		if presented.Email != "" && presented.Email != identity.Email {
			updates["user_email"] = presented.Email
			identity.Email = presented.Email
		}
		if presented.DisplayName != "" && presented.DisplayName != identity.DisplayName {
			updates["user_display_name"] = presented.DisplayName
			identity.DisplayName = presented.DisplayName
		}
		if presented.AvatarURL != "" && presented.AvatarURL != identity.AvatarURL {
			updates["user_avatar_url"] = presented.AvatarURL
			identity.AvatarURL = presented.AvatarURL
		}
		updates["last_seen_at"] = s.now()
		_ = s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	profile := identity.profile()
	s.cache.Store(cacheKey, profile)
	return profile, nil
}

// profileChanged reports whether the token presents profile values the cached entry lacks.
func profileChanged(cached, presented Profile) bool {
	return (presented.Email != "" && presented.Email != cached.Email) ||
		(presented.DisplayName != "" && presented.DisplayName != cached.DisplayName) ||
		(presented.AvatarURL != "" && presented.AvatarURL != cached.AvatarURL)
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
