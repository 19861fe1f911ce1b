// Package authz implements the role and membership checks that gate every
// mutating and scoped-read operation in internal/core.
//
// A core-level Gate is consulted directly by service methods, with a
// thin Gin middleware adapter in internal/api/middleware for the transport
// layer.
package authz

import (
	"context"
	"fmt"

	"github.com/campaignforge/core/internal/domain"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
)

// Permission enumerates the gate's permission vocabulary.
type Permission string

const (
	PermCampaignRead   Permission = "CAMPAIGN_READ"
	PermCampaignWrite  Permission = "CAMPAIGN_WRITE"
	PermCampaignDelete Permission = "CAMPAIGN_DELETE"
	PermBranchRead     Permission = "BRANCH_READ"
	PermBranchCreate   Permission = "BRANCH_CREATE"
	PermBranchWrite    Permission = "BRANCH_WRITE"
	PermBranchDelete   Permission = "BRANCH_DELETE"
	PermAuditRead      Permission = "AUDIT_READ"
	PermAuditExport    Permission = "AUDIT_EXPORT"
	PermSpatialRead    Permission = "SPATIAL_READ"
	PermSpatialWrite   Permission = "SPATIAL_WRITE"
	PermEffectExecute  Permission = "EFFECT_EXECUTE"
)

// matrix maps each role to the set of permissions it holds. OWNER is
// granted every permission implicitly (see Can).
var matrix = map[domain.Role]map[Permission]bool{
	domain.RoleGM: {
		PermCampaignRead:  true,
		PermCampaignWrite: true,
		PermBranchRead:    true,
		PermBranchCreate:  true,
		PermBranchWrite:   true,
		PermAuditRead:     true,
		PermAuditExport:   true,
		PermSpatialRead:   true,
		PermSpatialWrite:  true,
		PermEffectExecute: true,
		// GM may not delete branches.
	},
	domain.RolePlayer: {
		PermCampaignRead: true,
		PermBranchRead:   true,
		PermAuditRead:    true,
		PermSpatialRead:  true,
	},
	domain.RoleViewer: {
		PermCampaignRead: true,
		PermBranchRead:   true,
		PermSpatialRead:  true,
	},
}

// MembershipLookup resolves a user's role on a campaign. It returns
// (role, false, nil) when the user is not a member.
type MembershipLookup func(ctx context.Context, campaignID, userID string) (domain.Role, bool, error)

// Gate performs permission checks. It is safe for concurrent use.
type Gate struct {
	lookup MembershipLookup
}

// NewGate creates a Gate backed by lookup.
func NewGate(lookup MembershipLookup) *Gate {
	return &Gate{lookup: lookup}
}

// Can reports whether role holds permission. OWNER holds every permission.
func Can(role domain.Role, permission Permission) bool {
	if role == domain.RoleOwner {
		return true
	}
	return matrix[role][permission]
}

// RoleOf returns the caller's role on campaignID, or an error if they are
// not a member.
func (g *Gate) RoleOf(ctx context.Context, campaignID, userID string) (domain.Role, error) {
	role, ok, err := g.lookup(ctx, campaignID, userID)
	if err != nil {
		return "", fmt.Errorf("authz: resolve membership: %w", err)
	}
	if !ok {
		return "", apperrors.Forbidden(apperrors.CodeNotAMember, "not a campaign member")
	}
	return role, nil
}

// Require checks that userID holds permission on campaignID, returning a
// *apperrors.AppError (Forbidden or NotAMember) if not.
func (g *Gate) Require(ctx context.Context, campaignID, userID string, permission Permission) error {
	role, err := g.RoleOf(ctx, campaignID, userID)
	if err != nil {
		return err
	}
	if !Can(role, permission) {
		return apperrors.Forbidden(apperrors.CodeForbidden, fmt.Sprintf("role %s lacks permission %s", role, permission))
	}
	return nil
}
