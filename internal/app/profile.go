package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/samber/lo"

	"tigerden/api/internal/anonymity"
	"tigerden/api/internal/rbac"
	"tigerden/api/internal/store"
)

const (
	leaderboardKey  = "leaderboard:top"
	leaderboardSize = 10
	leaderboardTTL  = 30 * time.Second
)

type aliasInput struct {
	Alias string `json:"alias" validate:"required,alias"`
}

// ChangeAlias enforces the cooldown from the stored last change. The
// remaining wait is rounded up to whole days.
func (s *Service) ChangeAlias(ctx context.Context, actor Actor, alias string) (map[string]any, error) {
	if err := require(actor, rbac.ActionEditProfile, "Your account must be approved before you can change your alias."); err != nil {
		return nil, err
	}
	input := aliasInput{Alias: strings.TrimSpace(alias)}
	if err := s.check(input); err != nil {
		return nil, err
	}

	now := s.now()
	if last := actor.Profile.LastAliasChange; last != nil {
		if wait := s.cfg.AliasCooldown - now.Sub(*last); wait > 0 {
			days := int(math.Ceil(wait.Hours() / 24))
			return nil, validationError(
				fmt.Sprintf("You can change your alias again in %d days.", days),
				map[string]any{"daysRemaining": days},
			)
		}
	}

	if err := s.store.UpdateAlias(ctx, actor.ID(), input.Alias, now); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, conflict("This alias is already taken. Try another.")
		}
		return nil, missing(err, "Profile not found")
	}
	profile := actor.Profile
	profile.Alias = input.Alias
	profile.LastAliasChange = &now
	return ownProfilePayload(profile), nil
}

type CompleteProfileInput struct {
	RealName string `json:"realName" validate:"required,max=100"`
	Branch   string `json:"branch" validate:"max=60"`
	Year     string `json:"year" validate:"max=10"`
	Bio      string `json:"bio" validate:"max=300"`
}

// CompleteProfile is allowed while pending so new students can fill in
// their details before approval.
func (s *Service) CompleteProfile(ctx context.Context, actor Actor, input CompleteProfileInput) (map[string]any, error) {
	if actor.Caps.IsBlocked {
		return nil, unauthorized("Your account cannot edit its profile.")
	}
	input.RealName = strings.TrimSpace(input.RealName)
	input.Branch = strings.TrimSpace(input.Branch)
	input.Year = strings.TrimSpace(input.Year)
	input.Bio = strings.TrimSpace(input.Bio)
	if err := s.check(input); err != nil {
		return nil, err
	}

	ok, err := s.store.CompleteProfile(ctx, actor.ID(), store.Profile{
		RealName: input.RealName,
		Branch:   input.Branch,
		Year:     input.Year,
		Bio:      input.Bio,
	})
	if err != nil {
		return nil, fmt.Errorf("complete profile: %w", err)
	}
	if !ok {
		return nil, notFound("Profile not found")
	}
	profile, err := s.store.GetProfile(ctx, actor.ID())
	if err != nil {
		return nil, missing(err, "Profile not found")
	}
	return ownProfilePayload(profile), nil
}

// Leaderboard shows aliases only and is cached briefly.
func (s *Service) Leaderboard(ctx context.Context, actor Actor) ([]map[string]any, error) {
	if err := require(actor, rbac.ActionRead, "Your account cannot view the leaderboard."); err != nil {
		return nil, err
	}
	if s.leaders != nil {
		if cached, ok := s.leaders.Get(leaderboardKey); ok {
			if entries, ok := cached.([]map[string]any); ok {
				return entries, nil
			}
		}
	}

	profiles, err := s.store.TopKarma(ctx, leaderboardSize)
	if err != nil {
		return nil, err
	}
	entries := lo.Map(profiles, func(profile store.Profile, index int) map[string]any {
		return map[string]any{
			"rank":      index + 1,
			"alias":     anonymity.FallbackLabel(profile.Alias, ""),
			"avatarUrl": anonymity.AvatarURL(profile.ID),
			"karma":     profile.Karma,
		}
	})
	if s.leaders != nil {
		s.leaders.SetWithTTL(leaderboardKey, entries, 1, leaderboardTTL)
	}
	return entries, nil
}
