package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/events"
	"github.com/campaignforge/core/internal/merge"
	"github.com/campaignforge/core/internal/store"
)

// MergePreview pairs one entity's three-way diff with its identifying
// reference, so callers resolving conflicts know which entity a Preview
// belongs to.
type MergePreview struct {
	Ref     EntityRef
	Preview merge.Preview
}

// PreviewMerge computes a three-way diff, against their common ancestor
// branch, for every entity in entities between sourceBranchID and
// targetBranchID as of worldTime.
func (s *Service) PreviewMerge(ctx context.Context, campaignID, userID, sourceBranchID, targetBranchID string, entities []EntityRef, worldTime string) ([]MergePreview, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermBranchWrite); err != nil {
		return nil, err
	}

	ancestorID, baseAsOf, err := s.commonAncestor(ctx, sourceBranchID, targetBranchID)
	if err != nil {
		return nil, err
	}

	out := make([]MergePreview, 0, len(entities))
	for _, ref := range entities {
		baseMap, err := s.fieldMapAt(ctx, ancestorID, ref.EntityType, ref.EntityID, baseAsOf)
		if err != nil {
			return nil, err
		}
		sourceMap, err := s.fieldMapAt(ctx, sourceBranchID, ref.EntityType, ref.EntityID, worldTime)
		if err != nil {
			return nil, err
		}
		targetMap, err := s.fieldMapAt(ctx, targetBranchID, ref.EntityType, ref.EntityID, worldTime)
		if err != nil {
			return nil, err
		}
		out = append(out, MergePreview{Ref: ref, Preview: merge.DiffEntity(ref.EntityID, baseMap, sourceMap, targetMap)})
	}
	return out, nil
}

// EntityResolution carries the conflict resolutions for one entity's merge.
type EntityResolution struct {
	Ref         EntityRef
	Resolutions []merge.Resolution
}

// ExecuteMerge re-previews every entity named in resolutions and applies the
// resolved field set as a new version on targetBranchID.
func (s *Service) ExecuteMerge(ctx context.Context, campaignID, userID, sourceBranchID, targetBranchID, worldTime string, resolutions []EntityResolution) ([]*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermBranchWrite); err != nil {
		return nil, err
	}

	refs := make([]EntityRef, len(resolutions))
	for i, r := range resolutions {
		refs[i] = r.Ref
	}
	previews, err := s.PreviewMerge(ctx, campaignID, userID, sourceBranchID, targetBranchID, refs, worldTime)
	if err != nil {
		return nil, err
	}

	ancestorID, baseAsOf, err := s.commonAncestor(ctx, sourceBranchID, targetBranchID)
	if err != nil {
		return nil, err
	}

	out := make([]*Entity, 0, len(resolutions))
	for i, r := range resolutions {
		resolved, err := merge.Resolve(previews[i].Preview, r.Resolutions)
		if err != nil {
			return nil, err
		}

		// Resolve only carries Clean fields plus resolved Conflicts: fields
		// Unchanged across base/source/target are dropped by DiffEntity.
		// Seed the merged snapshot with the target's current field set (or
		// the common ancestor's, if the entity doesn't exist on the target
		// yet) so those untouched fields survive the merge.
		seed, err := s.fieldMapAt(ctx, targetBranchID, r.Ref.EntityType, r.Ref.EntityID, worldTime)
		if err != nil {
			return nil, err
		}
		if len(seed) == 0 {
			seed, err = s.fieldMapAt(ctx, ancestorID, r.Ref.EntityType, r.Ref.EntityID, baseAsOf)
			if err != nil {
				return nil, err
			}
		}
		merged := make(map[string]json.RawMessage, len(seed)+len(resolved))
		for field, v := range seed {
			merged[field] = v
		}
		for field, v := range resolved {
			merged[field] = v
		}

		newState, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("core: marshal merged state: %w", err)
		}

		target, err := s.Store.LatestVersion(ctx, targetBranchID, r.Ref.EntityType, r.Ref.EntityID)
		expectedVersion := 0
		if err == nil {
			expectedVersion = target.Version
		} else if !isEntityNotFound(err) {
			return nil, err
		}

		e, err := s.UpdateEntity(ctx, campaignID, userID, r.Ref.EntityType, r.Ref.EntityID, newState, targetBranchID, worldTime, expectedVersion)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	if _, err := s.Audit.Log(ctx, userID, "BRANCH", targetBranchID, "MERGE", nil, marshalOrNil(resolutions), nil, "merge from "+sourceBranchID); err != nil {
		return nil, err
	}
	return out, nil
}

// CherryPick copies entityID's version resolved on sourceBranchID as of
// worldTime onto targetBranchID as a new version, optimistically locked on
// expectedVersion.
func (s *Service) CherryPick(ctx context.Context, campaignID, userID, sourceBranchID, targetBranchID string, entityType domain.EntityType, entityID, worldTime string, expectedVersion int) (*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermBranchWrite); err != nil {
		return nil, err
	}

	sourceVersion, err := s.Store.ResolveVersion(ctx, sourceBranchID, entityType, entityID, worldTime)
	if err != nil {
		return nil, err
	}
	state, err := store.DecompressPayload(sourceVersion)
	if err != nil {
		return nil, err
	}

	e, err := s.UpdateEntity(ctx, campaignID, userID, entityType, entityID, state, targetBranchID, worldTime, expectedVersion)
	if err != nil {
		return nil, err
	}

	if _, err := s.Audit.Log(ctx, userID, string(entityType), entityID, "CHERRY_PICK", nil, state, nil, "from "+sourceBranchID); err != nil {
		return nil, err
	}
	s.publishAfterCommit(events.CampaignRoom(campaignID), newEvent(events.TypeEntityUpdated, e, userID, ""))
	return e, nil
}

// commonAncestor returns the nearest branch common to both a's and b's
// ancestry, plus the world-time bound at which both sides diverged from it
// (the smaller of the two immediate descendants' DivergedAt, so the base
// snapshot never includes history from after either fork).
func (s *Service) commonAncestor(ctx context.Context, a, b string) (string, string, error) {
	ancestryA, err := s.Branches.GetAncestry(ctx, a)
	if err != nil {
		return "", "", err
	}
	ancestryB, err := s.Branches.GetAncestry(ctx, b)
	if err != nil {
		return "", "", err
	}

	inB := map[string]bool{}
	for _, id := range ancestryB {
		inB[id] = true
	}

	var ancestorID string
	for _, id := range ancestryA {
		if inB[id] {
			ancestorID = id
			break
		}
	}
	if ancestorID == "" {
		return "", "", fmt.Errorf("core: branches %s and %s share no common ancestor", a, b)
	}

	divergedA := s.divergedAtTowards(ctx, ancestryA, ancestorID)
	divergedB := s.divergedAtTowards(ctx, ancestryB, ancestorID)

	baseAsOf := divergedA
	if baseAsOf == "" || (divergedB != "" && divergedB < baseAsOf) {
		baseAsOf = divergedB
	}
	return ancestorID, baseAsOf, nil
}

// divergedAtTowards returns the DivergedAt of the branch in ancestry
// (ordered [start, ..., root]) whose parent is ancestorID, i.e. the point
// where that side's lineage split from the common ancestor.
func (s *Service) divergedAtTowards(ctx context.Context, ancestry []string, ancestorID string) string {
	for i, id := range ancestry {
		if id == ancestorID {
			if i == 0 {
				return ""
			}
			b, err := s.Branches.Get(ctx, ancestry[i-1])
			if err != nil || b.DivergedAt == nil {
				return ""
			}
			return *b.DivergedAt
		}
	}
	return ""
}

func (s *Service) fieldMapAt(ctx context.Context, branchID string, entityType domain.EntityType, entityID, asOf string) (map[string]json.RawMessage, error) {
	if asOf == "" {
		return map[string]json.RawMessage{}, nil
	}
	v, err := s.Store.ResolveVersion(ctx, branchID, entityType, entityID, asOf)
	if err != nil {
		if isEntityNotFound(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	raw, err := store.DecompressPayload(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("core: unmarshal entity fields: %w", err)
	}
	return m, nil
}
