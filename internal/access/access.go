// Package access resolves actor identities to allocation priority tiers and
// eligibility verdicts. Resolution is pure: unknown actors get the lowest tier
// and are eligible until explicitly blacklisted.
package access

import (
	"strings"
	"sync"
)

// Role is the closed set of labels an actor may carry.
type Role string

const (
	RoleUser     Role = "USER"
	RoleVerified Role = "VERIFIED"
	RoleBusiness Role = "BUSINESS"
	RolePremium  Role = "PREMIUM"
	RoleAdmin    Role = "ADMIN"
)

// Tier ranks an actor's allocation privilege, 1 (lowest) to 5.
type Tier int

const (
	TierUser     Tier = 1
	TierVerified Tier = 2
	TierBusiness Tier = 3
	TierPremium  Tier = 4
	TierAdmin    Tier = 5
)

// MaxTier is the highest assignable priority tier.
const MaxTier = TierAdmin

// ParseRole normalises a label to a known role. Unknown labels resolve to
// RoleUser rather than failing.
func ParseRole(label string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(label))) {
	case RoleVerified:
		return RoleVerified
	case RoleBusiness:
		return RoleBusiness
	case RolePremium:
		return RolePremium
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Tier maps a role to its priority tier. The mapping is total.
func (r Role) Tier() Tier {
	switch r {
	case RoleAdmin:
		return TierAdmin
	case RolePremium:
		return TierPremium
	case RoleBusiness:
		return TierBusiness
	case RoleVerified:
		return TierVerified
	default:
		return TierUser
	}
}

// Valid reports whether t is inside the 1..5 range.
func (t Tier) Valid() bool { return t >= TierUser && t <= TierAdmin }

// Directory holds role and blacklist state for actors. Safe for concurrent use.
type Directory struct {
	mu        sync.RWMutex
	roles     map[string]Role
	blacklist map[string]bool
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		roles:     make(map[string]Role),
		blacklist: make(map[string]bool),
	}
}

// SetRole assigns a role label to an actor.
func (d *Directory) SetRole(actor string, role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[actor] = role
}

// SetBlacklisted flips the independent blacklist flag for an actor.
func (d *Directory) SetBlacklisted(actor string, blacklisted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if blacklisted {
		d.blacklist[actor] = true
	} else {
		delete(d.blacklist, actor)
	}
}

// RoleOf returns the actor's role, defaulting to RoleUser.
func (d *Directory) RoleOf(actor string) Role {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.roles[actor]; ok {
		return r
	}
	return RoleUser
}

// TierOf resolves the actor's priority tier.
func (d *Directory) TierOf(actor string) Tier {
	return d.RoleOf(actor).Tier()
}

// Eligible reports whether the actor is not blacklisted. Tier sufficiency is
// the caller's concern, not this check's.
func (d *Directory) Eligible(actor string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.blacklist[actor]
}
