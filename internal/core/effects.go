package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/effects"
	"github.com/campaignforge/core/internal/events"
	"github.com/campaignforge/core/internal/ids"
	"github.com/campaignforge/core/internal/rules/condition"
)

// CreateEffect inserts an effect triggered by trigger (typically a condition
// or lifecycle operation name).
func (s *Service) CreateEffect(ctx context.Context, campaignID, userID, trigger string, e domain.Effect) (*domain.Effect, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}
	e.ID = ids.NewID(ids.PrefixEffect)
	e.Trigger = trigger

	patchOps, err := json.Marshal(e.PatchOps)
	if err != nil {
		return nil, fmt.Errorf("core: marshal patch ops: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO effects (id, campaign_id, trigger, phase, priority, patch_ops)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, campaignID, e.Trigger, string(e.Phase), e.Priority, patchOps)
	if err != nil {
		return nil, fmt.Errorf("core: insert effect: %w", err)
	}
	if _, err := s.Audit.Log(ctx, userID, "EFFECT", e.ID, "CREATE", nil, marshalOrNil(e), nil, ""); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEffect replaces an effect's phase/priority/patch ops.
func (s *Service) UpdateEffect(ctx context.Context, campaignID, userID string, e domain.Effect) (*domain.Effect, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}
	patchOps, err := json.Marshal(e.PatchOps)
	if err != nil {
		return nil, fmt.Errorf("core: marshal patch ops: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE effects SET trigger = $1, phase = $2, priority = $3, patch_ops = $4
		WHERE id = $5 AND campaign_id = $6`,
		e.Trigger, string(e.Phase), e.Priority, patchOps, e.ID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("core: update effect: %w", err)
	}
	if _, err := s.Audit.Log(ctx, userID, "EFFECT", e.ID, "UPDATE", nil, marshalOrNil(e), nil, ""); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEffect soft-deletes an effect.
func (s *Service) DeleteEffect(ctx context.Context, campaignID, userID, effectID string) error {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `UPDATE effects SET deleted_at = now() WHERE id = $1 AND campaign_id = $2`, effectID, campaignID); err != nil {
		return fmt.Errorf("core: soft-delete effect: %w", err)
	}
	if _, err := s.Audit.Log(ctx, userID, "EFFECT", effectID, "DELETE", nil, nil, nil, ""); err != nil {
		return err
	}
	return nil
}

// ExecuteForEntity runs every non-deleted effect whose Trigger matches
// trigger against entityID's current state on branchID, applying the
// resulting patch (when dryRun is false and no op failed) as a new version.
func (s *Service) ExecuteForEntity(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, branchID, worldTime, trigger string, expectedVersion int, dryRun bool) (*effects.Result, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermEffectExecute); err != nil {
		return nil, err
	}

	all, err := s.loadEffects(ctx, campaignID, trigger)
	if err != nil {
		return nil, err
	}

	current, err := s.GetEntity(ctx, campaignID, userID, entityType, entityID, branchID)
	if err != nil {
		return nil, err
	}

	evalCtx := condition.Context{WorldTime: worldTime}
	if err := json.Unmarshal(current.State, &evalCtx.Entity); err != nil {
		return nil, fmt.Errorf("core: unmarshal entity state: %w", err)
	}

	result := effects.Execute(all, trigger, evalCtx, current.State)
	if len(result.Errors) > 0 || dryRun {
		return &result, nil
	}

	if _, err := s.UpdateEntity(ctx, campaignID, userID, entityType, entityID, result.AfterState, branchID, worldTime, expectedVersion); err != nil {
		return nil, err
	}
	s.publishAfterCommit(events.CampaignRoom(campaignID), newEvent(events.TypeEntityUpdated, map[string]interface{}{
		"entityType": entityType, "entityId": entityID, "trigger": trigger, "patchesApplied": result.PatchesApplied,
	}, userID, ""))
	return &result, nil
}

func (s *Service) loadEffects(ctx context.Context, campaignID, trigger string) ([]domain.Effect, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trigger, phase, priority, patch_ops
		FROM effects WHERE campaign_id = $1 AND trigger = $2 AND deleted_at IS NULL`, campaignID, trigger)
	if err != nil {
		return nil, fmt.Errorf("core: load effects: %w", err)
	}
	defer rows.Close()

	var out []domain.Effect
	for rows.Next() {
		var e domain.Effect
		var phase string
		var patchOps []byte
		if err := rows.Scan(&e.ID, &e.Trigger, &phase, &e.Priority, &patchOps); err != nil {
			return nil, fmt.Errorf("core: scan effect: %w", err)
		}
		e.Phase = domain.Phase(phase)
		if err := json.Unmarshal(patchOps, &e.PatchOps); err != nil {
			return nil, fmt.Errorf("core: unmarshal patch ops: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
