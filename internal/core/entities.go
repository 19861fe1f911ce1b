package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/depgraph"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/events"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
	"github.com/campaignforge/core/internal/store"
)

// Entity is the decoded, branch-resolved view of one versioned entity.
type Entity struct {
	EntityType domain.EntityType
	EntityID   string
	BranchID   string
	Version    int
	ValidFrom  string
	Author     string
	State      json.RawMessage
}

// GetEntity resolves the latest version of (entityType, entityID) on
// branchID.
func (s *Service) GetEntity(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, branchID string) (*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return nil, err
	}
	v, err := s.Store.LatestVersion(ctx, branchID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return decodeEntity(v)
}

// GetEntityAsOf resolves the version of (entityType, entityID) visible on
// branchID at worldTime, walking branch ancestry as needed.
func (s *Service) GetEntityAsOf(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, branchID, worldTime string) (*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return nil, err
	}
	v, err := s.Store.ResolveVersion(ctx, branchID, entityType, entityID, worldTime)
	if err != nil {
		return nil, err
	}
	return decodeEntity(v)
}

// ListEntities returns the latest version of every non-tombstoned entity of
// entityType on branchID.
func (s *Service) ListEntities(ctx context.Context, campaignID, userID string, entityType domain.EntityType, branchID string) ([]*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignRead); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (entity_id) id, branch_id, entity_type, entity_id, version, payload, checksum, world_time, author, created_at
		FROM entity_versions
		WHERE branch_id = $1 AND entity_type = $2
		ORDER BY entity_id, version DESC`, branchID, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("core: list entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var v domain.Version
		var et string
		if err := rows.Scan(&v.ID, &v.BranchID, &et, &v.EntityID, &v.Version, &v.Payload, &v.Checksum, &v.ValidFrom, &v.Author, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("core: scan entity: %w", err)
		}
		v.EntityType = domain.EntityType(et)
		e, err := decodeEntity(&v)
		if err != nil {
			return nil, err
		}
		if !isTombstoned(e.State) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("core: list entities rows: %w", err)
	}
	return out, nil
}

// CreateEntity inserts the first version of a new entity on branchID.
func (s *Service) CreateEntity(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID string, state json.RawMessage, branchID, worldTime string) (*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}

	zero := 0
	v, err := s.Store.CreateVersion(ctx, branchID, entityType, entityID, state, userID, worldTime, &zero)
	if err != nil {
		return nil, err
	}

	if _, err := s.Audit.Log(ctx, userID, string(entityType), entityID, string(domain.OpCreate), nil, state, nil, ""); err != nil {
		return nil, err
	}

	e, err := decodeEntity(v)
	if err != nil {
		return nil, err
	}
	s.publishEntityUpdated(campaignID, e, userID)
	return e, nil
}

// UpdateEntity writes a new version of an existing entity, optimistically
// locked on expectedVersion, then invalidates and republishes every
// dependency-graph node downstream of the changed entity.
func (s *Service) UpdateEntity(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID string, state json.RawMessage, branchID, worldTime string, expectedVersion int) (*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}

	previous, err := s.Store.LatestVersion(ctx, branchID, entityType, entityID)
	if err != nil && !isEntityNotFound(err) {
		return nil, err
	}
	var previousState json.RawMessage
	if previous != nil {
		previousState, err = store.DecompressPayload(previous)
		if err != nil {
			return nil, err
		}
	}

	v, err := s.Store.CreateVersion(ctx, branchID, entityType, entityID, state, userID, worldTime, &expectedVersion)
	if err != nil {
		return nil, err
	}

	if _, err := s.Audit.Log(ctx, userID, string(entityType), entityID, string(domain.OpUpdate), previousState, state, nil, ""); err != nil {
		return nil, err
	}

	e, err := decodeEntity(v)
	if err != nil {
		return nil, err
	}
	s.publishEntityUpdated(campaignID, e, userID)

	for _, field := range changedFields(previousState, state) {
		for _, node := range s.Graph.Invalidate(depgraph.Node{EntityType: entityType, EntityID: entityID, Field: field}) {
			s.publishAfterCommit(events.CampaignRoom(campaignID), newEvent(events.TypeStateInvalidated, node, userID, ""))
		}
	}
	return e, nil
}

// changedFields returns the top-level field names present in next whose
// value differs from (or is absent from) previous, used to seed dependency
// graph invalidation from an entity update.
func changedFields(previous, next json.RawMessage) []string {
	var prevDoc, nextDoc map[string]json.RawMessage
	_ = json.Unmarshal(previous, &prevDoc)
	if err := json.Unmarshal(next, &nextDoc); err != nil {
		return nil
	}
	var changed []string
	for field, v := range nextDoc {
		if string(prevDoc[field]) != string(v) {
			changed = append(changed, field)
		}
	}
	return changed
}

// ArchiveEntity writes a tombstone version with deletedAt set, without
// removing history.
func (s *Service) ArchiveEntity(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, branchID, worldTime string, expectedVersion int) (*Entity, error) {
	return s.markDeleted(ctx, campaignID, userID, entityType, entityID, branchID, worldTime, expectedVersion, domain.OpArchive)
}

// DeleteEntity writes a terminal tombstone version: version history is
// never hard-deleted, so "delete" is itself a recorded, auditable operation.
func (s *Service) DeleteEntity(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, branchID, worldTime string, expectedVersion int) (*Entity, error) {
	return s.markDeleted(ctx, campaignID, userID, entityType, entityID, branchID, worldTime, expectedVersion, domain.OpDelete)
}

func (s *Service) markDeleted(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, branchID, worldTime string, expectedVersion int, op domain.Operation) (*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}
	previous, err := s.Store.LatestVersion(ctx, branchID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	previousState, err := store.DecompressPayload(previous)
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(previousState, &doc); err != nil {
		doc = map[string]interface{}{}
	}
	doc["deletedAt"] = time.Now().UTC().Format(time.RFC3339)
	newState, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("core: marshal tombstone: %w", err)
	}

	v, err := s.Store.CreateVersion(ctx, branchID, entityType, entityID, newState, userID, worldTime, &expectedVersion)
	if err != nil {
		return nil, err
	}
	if _, err := s.Audit.Log(ctx, userID, string(entityType), entityID, string(op), previousState, newState, nil, ""); err != nil {
		return nil, err
	}

	e, err := decodeEntity(v)
	if err != nil {
		return nil, err
	}
	s.publishEntityUpdated(campaignID, e, userID)
	return e, nil
}

// RestoreEntity clears a tombstone's deletedAt marker, writing a new
// version.
func (s *Service) RestoreEntity(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, branchID, worldTime string, expectedVersion int) (*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermCampaignWrite); err != nil {
		return nil, err
	}
	previous, err := s.Store.LatestVersion(ctx, branchID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	previousState, err := store.DecompressPayload(previous)
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(previousState, &doc); err != nil {
		doc = map[string]interface{}{}
	}
	delete(doc, "deletedAt")
	newState, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("core: marshal restore: %w", err)
	}

	v, err := s.Store.CreateVersion(ctx, branchID, entityType, entityID, newState, userID, worldTime, &expectedVersion)
	if err != nil {
		return nil, err
	}
	if _, err := s.Audit.Log(ctx, userID, string(entityType), entityID, string(domain.OpRestore), previousState, newState, nil, ""); err != nil {
		return nil, err
	}
	e, err := decodeEntity(v)
	if err != nil {
		return nil, err
	}
	s.publishEntityUpdated(campaignID, e, userID)
	return e, nil
}

func (s *Service) publishEntityUpdated(campaignID string, e *Entity, actor string) {
	s.publishAfterCommit(events.CampaignRoom(campaignID), newEvent(events.TypeEntityUpdated, e, actor, ""))
	if e.EntityType == domain.EntitySettlement {
		s.publishAfterCommit(events.SettlementRoom(e.EntityID), newEvent(events.TypeSettlementUpdated, e, actor, ""))
	}
	if e.EntityType == domain.EntityStructure {
		s.publishAfterCommit(events.StructureRoom(e.EntityID), newEvent(events.TypeStructureUpdated, e, actor, ""))
	}
}

func decodeEntity(v *domain.Version) (*Entity, error) {
	raw, err := store.DecompressPayload(v)
	if err != nil {
		return nil, err
	}
	return &Entity{
		EntityType: v.EntityType,
		EntityID:   v.EntityID,
		BranchID:   v.BranchID,
		Version:    v.Version,
		ValidFrom:  v.ValidFrom,
		Author:     v.Author,
		State:      raw,
	}, nil
}

func isTombstoned(state json.RawMessage) bool {
	var doc map[string]interface{}
	if json.Unmarshal(state, &doc) != nil {
		return false
	}
	_, ok := doc["deletedAt"]
	return ok
}

func isEntityNotFound(err error) bool {
	ae, ok := apperrors.IsAppError(err)
	return ok && ae.Code == apperrors.CodeEntityNotFound
}
