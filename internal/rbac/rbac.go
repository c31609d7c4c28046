// Package rbac decides what a profile may do. Decisions are pure functions
// of the stored profile and the admin allowlist.
package rbac

import (
	"strings"

	"github.com/samber/lo"

	"tigerden/api/internal/store"
)

type Tier string
type Action string

const (
	TierAdmin   Tier = "admin"
	TierMember  Tier = "member"
	TierPending Tier = "pending"
	TierBlocked Tier = "blocked"
)

const (
	ActionViewOwnProfile Action = "view_own_profile"
	ActionRead           Action = "read"
	ActionPost           Action = "post"
	ActionComment        Action = "comment"
	ActionLike           Action = "like"
	ActionVote           Action = "vote"
	ActionReport         Action = "report"
	ActionEditProfile    Action = "edit_profile"
	ActionShareResource  Action = "share_resource"
	ActionModerate       Action = "moderate"
	ActionViewIdentity   Action = "view_identity"
)

// Can is the tier/action matrix. Unknown tiers get nothing.
func Can(tier Tier, action Action) bool {
	switch tier {
	case TierAdmin:
		return true
	case TierMember:
		switch action {
		case ActionViewOwnProfile, ActionRead, ActionPost, ActionComment, ActionLike,
			ActionVote, ActionReport, ActionEditProfile, ActionShareResource:
			return true
		default:
			return false
		}
	case TierPending:
		return action == ActionViewOwnProfile || action == ActionRead
	case TierBlocked:
		return action == ActionViewOwnProfile
	default:
		return false
	}
}

// Capabilities is the resolved permission set for one request.
type Capabilities struct {
	Tier                Tier `json:"tier"`
	CanPost             bool `json:"canPost"`
	CanModerate         bool `json:"canModerate"`
	CanViewRealIdentity bool `json:"canViewRealIdentity"`
	IsBlocked           bool `json:"isBlocked"`
}

func (c Capabilities) Can(action Action) bool {
	return Can(c.Tier, action)
}

func capabilitiesFor(tier Tier) Capabilities {
	return Capabilities{
		Tier:                tier,
		CanPost:             Can(tier, ActionPost),
		CanModerate:         Can(tier, ActionModerate),
		CanViewRealIdentity: Can(tier, ActionViewIdentity),
		IsBlocked:           tier == TierBlocked,
	}
}

// Decision carries the capabilities plus whether the stored profile
// disagrees with the allowlist and should be rewritten to admin/approved.
type Decision struct {
	Capabilities
	Reconcile bool
}

type Policy struct {
	admins map[string]struct{}
}

func NewPolicy(adminEmails []string) *Policy {
	cleaned := lo.FilterMap(adminEmails, func(email string, _ int) (string, bool) {
		normalized := normalizeEmail(email)
		return normalized, normalized != ""
	})
	return &Policy{admins: lo.SliceToMap(lo.Uniq(cleaned), func(email string) (string, struct{}) {
		return email, struct{}{}
	})}
}

func (p *Policy) IsAdminEmail(email string) bool {
	if p == nil {
		return false
	}
	_, ok := p.admins[normalizeEmail(email)]
	return ok
}

// AdminEmails lists the allowlist in no particular order.
func (p *Policy) AdminEmails() []string {
	if p == nil {
		return nil
	}
	return lo.Keys(p.admins)
}

// Evaluate applies, in order: allowlist, admin role, approved status,
// pending status. Anything else is blocked.
func (p *Policy) Evaluate(profile store.Profile) Decision {
	if p.IsAdminEmail(profile.Email) {
		return Decision{
			Capabilities: capabilitiesFor(TierAdmin),
			Reconcile:    profile.Role != store.RoleAdmin || profile.Status != store.StatusApproved,
		}
	}

	normalized := Normalize(profile)
	if normalized.Role == store.RoleAdmin {
		return Decision{Capabilities: capabilitiesFor(TierAdmin)}
	}
	switch normalized.Status {
	case store.StatusApproved:
		return Decision{Capabilities: capabilitiesFor(TierMember)}
	case store.StatusPending:
		return Decision{Capabilities: capabilitiesFor(TierPending)}
	default:
		return Decision{Capabilities: capabilitiesFor(TierBlocked)}
	}
}

// Normalize maps stored values onto the known enumerations, failing closed:
// an unknown role reads as student, an unknown status as banned, and an
// admin always reads as approved.
func Normalize(profile store.Profile) store.Profile {
	switch profile.Role {
	case store.RoleAdmin, store.RoleStudent:
	default:
		profile.Role = store.RoleStudent
	}
	switch profile.Status {
	case store.StatusPending, store.StatusApproved, store.StatusBanned:
	default:
		profile.Status = store.StatusBanned
	}
	if profile.Role == store.RoleAdmin {
		profile.Status = store.StatusApproved
	}
	return profile
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
