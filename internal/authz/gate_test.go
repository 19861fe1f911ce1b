package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/campaignforge/core/internal/domain"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
)

func TestCan_OwnerHoldsEveryPermission(t *testing.T) {
	for _, p := range []Permission{PermBranchDelete, PermCampaignDelete, PermAuditExport} {
		if !Can(domain.RoleOwner, p) {
			t.Errorf("Can(OWNER, %s) = false, want true", p)
		}
	}
}

func TestCan_GMCannotDeleteBranch(t *testing.T) {
	if Can(domain.RoleGM, PermBranchDelete) {
		t.Fatal("Can(GM, BRANCH_DELETE) = true, want false")
	}
	if !Can(domain.RoleGM, PermBranchWrite) {
		t.Fatal("Can(GM, BRANCH_WRITE) = false, want true")
	}
}

func TestCan_ViewerReadOnly(t *testing.T) {
	if Can(domain.RoleViewer, PermCampaignWrite) {
		t.Fatal("Can(VIEWER, CAMPAIGN_WRITE) = true, want false")
	}
	if !Can(domain.RoleViewer, PermCampaignRead) {
		t.Fatal("Can(VIEWER, CAMPAIGN_READ) = false, want true")
	}
}

func TestGate_Require_NotAMember(t *testing.T) {
	gate := NewGate(func(ctx context.Context, campaignID, userID string) (domain.Role, bool, error) {
		return "", false, nil
	})

	err := gate.Require(context.Background(), "cmp-1", "user-1", PermCampaignRead)
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != apperrors.CodeNotAMember {
		t.Fatalf("Require() error = %v, want NOT_A_MEMBER", err)
	}
}

func TestGate_Require_InsufficientRole(t *testing.T) {
	gate := NewGate(func(ctx context.Context, campaignID, userID string) (domain.Role, bool, error) {
		return domain.RoleViewer, true, nil
	})

	err := gate.Require(context.Background(), "cmp-1", "user-1", PermBranchCreate)
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != apperrors.CodeForbidden {
		t.Fatalf("Require() error = %v, want FORBIDDEN", err)
	}
}

func TestGate_Require_Allowed(t *testing.T) {
	gate := NewGate(func(ctx context.Context, campaignID, userID string) (domain.Role, bool, error) {
		return domain.RoleGM, true, nil
	})

	if err := gate.Require(context.Background(), "cmp-1", "user-1", PermBranchCreate); err != nil {
		t.Fatalf("Require() error = %v, want nil", err)
	}
}

func TestGate_RoleOf_LookupError(t *testing.T) {
	gate := NewGate(func(ctx context.Context, campaignID, userID string) (domain.Role, bool, error) {
		return "", false, errors.New("db down")
	})

	_, err := gate.RoleOf(context.Background(), "cmp-1", "user-1")
	if err == nil {
		t.Fatal("RoleOf() expected error, got nil")
	}
}
