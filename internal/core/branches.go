package core

import (
	"context"
	"encoding/json"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/branch"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/events"
)

// EntityRef names one entity to carry into a fork.
type EntityRef struct {
	EntityType domain.EntityType
	EntityID   string
}

// CreateBranch validates and inserts a new branch under campaignID.
func (s *Service) CreateBranch(ctx context.Context, campaignID, userID string, in branch.CreateInput) (*domain.Branch, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermBranchCreate); err != nil {
		return nil, err
	}
	b, err := s.Branches.Create(ctx, campaignID, in, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Audit.Log(ctx, userID, "BRANCH", b.ID, "CREATE", nil, marshalOrNil(b), nil, ""); err != nil {
		return nil, err
	}
	s.publishAfterCommit(events.CampaignRoom(campaignID), newEvent(events.TypeEntityUpdated, b, userID, ""))
	return b, nil
}

// ForkBranch creates a child of sourceBranchID, copying the resolvable
// version of each (entityType, entityID) pair in entities as of worldTime.
func (s *Service) ForkBranch(ctx context.Context, campaignID, userID, sourceBranchID, name, description, worldTime string, entities []EntityRef) (*branch.ForkResult, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermBranchCreate); err != nil {
		return nil, err
	}

	result, err := s.Branches.Fork(ctx, sourceBranchID, name, description, worldTime, userID, toResolvable(entities))
	if err != nil {
		return nil, err
	}

	if _, err := s.Audit.Log(ctx, userID, "BRANCH", result.Branch.ID, "CREATE", nil, marshalOrNil(result.Branch), nil, "fork of "+sourceBranchID); err != nil {
		return nil, err
	}
	s.publishAfterCommit(events.CampaignRoom(campaignID), newEvent(events.TypeEntityUpdated, result.Branch, userID, ""))
	return result, nil
}

// UpdateBranch applies in's fields to branchID.
func (s *Service) UpdateBranch(ctx context.Context, campaignID, userID, branchID string, in branch.UpdateInput) (*domain.Branch, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermBranchWrite); err != nil {
		return nil, err
	}
	b, err := s.Branches.Update(ctx, branchID, in, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Audit.Log(ctx, userID, "BRANCH", b.ID, "UPDATE", nil, marshalOrNil(b), nil, ""); err != nil {
		return nil, err
	}
	s.publishAfterCommit(events.CampaignRoom(campaignID), newEvent(events.TypeEntityUpdated, b, userID, ""))
	return b, nil
}

// DeleteBranch soft-deletes branchID. Roots and branches with live children
// are rejected by the underlying manager.
func (s *Service) DeleteBranch(ctx context.Context, campaignID, userID, branchID string) error {
	if err := s.require(ctx, campaignID, userID, authz.PermBranchDelete); err != nil {
		return err
	}
	if err := s.Branches.Delete(ctx, branchID, userID); err != nil {
		return err
	}
	if _, err := s.Audit.Log(ctx, userID, "BRANCH", branchID, "DELETE", nil, nil, nil, ""); err != nil {
		return err
	}
	s.publishAfterCommit(events.CampaignRoom(campaignID), newEvent(events.TypeEntityUpdated, map[string]string{"id": branchID, "status": "deleted"}, userID, ""))
	return nil
}

// GetBranchHierarchy returns the forest of non-deleted branches in
// campaignID.
func (s *Service) GetBranchHierarchy(ctx context.Context, campaignID, userID string) ([]*branch.Node, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermBranchRead); err != nil {
		return nil, err
	}
	return s.Branches.GetHierarchy(ctx, campaignID)
}

// GetBranchAncestry returns [branchId, ..., rootId].
func (s *Service) GetBranchAncestry(ctx context.Context, campaignID, userID, branchID string) ([]string, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermBranchRead); err != nil {
		return nil, err
	}
	return s.Branches.GetAncestry(ctx, branchID)
}

func toResolvable(entities []EntityRef) []branch.ResolvableEntity {
	out := make([]branch.ResolvableEntity, len(entities))
	for i, e := range entities {
		out[i] = branch.ResolvableEntity{EntityType: e.EntityType, EntityID: e.EntityID}
	}
	return out
}

func marshalOrNil(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
