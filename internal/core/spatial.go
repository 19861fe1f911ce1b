package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/spatial"
	"github.com/campaignforge/core/internal/store"
)

// UpdateLocationGeometry validates geometry (GeoJSON) and writes it into
// entityID's current version under its "geometry" field, creating a new
// version optimistically locked on expectedVersion.
func (s *Service) UpdateLocationGeometry(ctx context.Context, campaignID, userID string, entityType domain.EntityType, entityID, branchID, worldTime string, geometry json.RawMessage, srid, expectedVersion int) (*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermSpatialWrite); err != nil {
		return nil, err
	}

	geom, err := spatial.FromGeoJSON(geometry, srid)
	if err != nil {
		return nil, err
	}
	normalized, err := spatial.ToGeoJSON(geom)
	if err != nil {
		return nil, fmt.Errorf("core: reserialize geometry: %w", err)
	}

	current, err := s.Store.LatestVersion(ctx, branchID, entityType, entityID)
	var doc map[string]json.RawMessage
	if err == nil {
		state, derr := store.DecompressPayload(current)
		if derr != nil {
			return nil, derr
		}
		if json.Unmarshal(state, &doc) != nil {
			doc = map[string]json.RawMessage{}
		}
	} else if isEntityNotFound(err) {
		doc = map[string]json.RawMessage{}
	} else {
		return nil, err
	}

	doc["geometry"] = normalized
	doc["srid"] = json.RawMessage(fmt.Sprintf("%d", geom.SRID))

	newState, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("core: marshal geometry state: %w", err)
	}
	return s.UpdateEntity(ctx, campaignID, userID, entityType, entityID, newState, branchID, worldTime, expectedVersion)
}

// LocationsInBounds returns every LOCATION entity on branchID whose stored
// geometry's bounding box intersects [minLng,minLat,maxLng,maxLat].
func (s *Service) LocationsInBounds(ctx context.Context, campaignID, userID, branchID string, minLng, minLat, maxLng, maxLat float64) ([]*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermSpatialRead); err != nil {
		return nil, err
	}
	locations, err := s.ListEntities(ctx, campaignID, userID, domain.EntityLocation, branchID)
	if err != nil {
		return nil, err
	}
	box := orb.Polygon{orb.Ring{
		{minLng, minLat}, {maxLng, minLat}, {maxLng, maxLat}, {minLng, maxLat}, {minLng, minLat},
	}}

	var out []*Entity
	for _, e := range locations {
		g, ok := geometryOf(e)
		if !ok {
			continue
		}
		if spatial.BoundsIntersect(g, box) {
			out = append(out, e)
		}
	}
	return out, nil
}

// LocationsNear returns LOCATION entities on branchID within radius of
// center, nearest first. Non-point geometries are skipped: proximity search
// only makes sense against a single coordinate.
func (s *Service) LocationsNear(ctx context.Context, campaignID, userID, branchID string, center orb.Point, radius float64) ([]*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermSpatialRead); err != nil {
		return nil, err
	}
	locations, err := s.ListEntities(ctx, campaignID, userID, domain.EntityLocation, branchID)
	if err != nil {
		return nil, err
	}

	byID := map[string]*Entity{}
	candidates := map[string]orb.Point{}
	for _, e := range locations {
		g, ok := geometryOf(e)
		if !ok {
			continue
		}
		pt, ok := g.(orb.Point)
		if !ok {
			continue
		}
		byID[e.EntityID] = e
		candidates[e.EntityID] = pt
	}

	ranked := spatial.WithinRadius(center, radius, candidates)
	out := make([]*Entity, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, byID[r.ID])
	}
	return out, nil
}

// LocationsInRegion returns LOCATION entities on branchID covered by (point
// geometries) or overlapping (polygon geometries) region.
func (s *Service) LocationsInRegion(ctx context.Context, campaignID, userID, branchID string, region orb.Polygon) ([]*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermSpatialRead); err != nil {
		return nil, err
	}
	locations, err := s.ListEntities(ctx, campaignID, userID, domain.EntityLocation, branchID)
	if err != nil {
		return nil, err
	}

	var out []*Entity
	for _, e := range locations {
		g, ok := geometryOf(e)
		if !ok {
			continue
		}
		switch v := g.(type) {
		case orb.Point:
			if spatial.Covers(region, v) {
				out = append(out, e)
			}
		case orb.Polygon:
			if spatial.Overlaps(region, v) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// CheckRegionOverlap reports whether two LOCATION entities' polygon
// geometries share any area.
func (s *Service) CheckRegionOverlap(ctx context.Context, campaignID, userID, branchID, regionAID, regionBID string) (bool, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermSpatialRead); err != nil {
		return false, err
	}
	a, err := s.GetEntity(ctx, campaignID, userID, domain.EntityLocation, regionAID, branchID)
	if err != nil {
		return false, err
	}
	b, err := s.GetEntity(ctx, campaignID, userID, domain.EntityLocation, regionBID, branchID)
	if err != nil {
		return false, err
	}
	ga, ok := geometryOf(a)
	if !ok {
		return false, nil
	}
	gb, ok := geometryOf(b)
	if !ok {
		return false, nil
	}
	polyA, ok := ga.(orb.Polygon)
	if !ok {
		return false, nil
	}
	polyB, ok := gb.(orb.Polygon)
	if !ok {
		return false, nil
	}
	return spatial.Overlaps(polyA, polyB), nil
}

// SettlementsInRegion returns SETTLEMENT entities whose "geometry" field is
// a point that falls within region.
func (s *Service) SettlementsInRegion(ctx context.Context, campaignID, userID, branchID string, region orb.Polygon) ([]*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermSpatialRead); err != nil {
		return nil, err
	}
	settlements, err := s.ListEntities(ctx, campaignID, userID, domain.EntitySettlement, branchID)
	if err != nil {
		return nil, err
	}
	var out []*Entity
	for _, e := range settlements {
		pt, ok := positionOf(e)
		if !ok {
			continue
		}
		if spatial.Covers(region, pt) {
			out = append(out, e)
		}
	}
	return out, nil
}

// SettlementAtLocation returns every SETTLEMENT entity whose "locationId"
// field equals locationID.
func (s *Service) SettlementAtLocation(ctx context.Context, campaignID, userID, branchID, locationID string) ([]*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermSpatialRead); err != nil {
		return nil, err
	}
	settlements, err := s.ListEntities(ctx, campaignID, userID, domain.EntitySettlement, branchID)
	if err != nil {
		return nil, err
	}
	var out []*Entity
	for _, e := range settlements {
		var doc map[string]json.RawMessage
		if json.Unmarshal(e.State, &doc) != nil {
			continue
		}
		var id string
		if raw, ok := doc["locationId"]; ok {
			if json.Unmarshal(raw, &id) == nil && id == locationID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// SettlementsNear returns SETTLEMENT entities within radius of center,
// nearest first.
func (s *Service) SettlementsNear(ctx context.Context, campaignID, userID, branchID string, center orb.Point, radius float64) ([]*Entity, error) {
	if err := s.require(ctx, campaignID, userID, authz.PermSpatialRead); err != nil {
		return nil, err
	}
	settlements, err := s.ListEntities(ctx, campaignID, userID, domain.EntitySettlement, branchID)
	if err != nil {
		return nil, err
	}

	byID := map[string]*Entity{}
	candidates := map[string]orb.Point{}
	for _, e := range settlements {
		pt, ok := positionOf(e)
		if !ok {
			continue
		}
		byID[e.EntityID] = e
		candidates[e.EntityID] = pt
	}

	ranked := spatial.WithinRadius(center, radius, candidates)
	out := make([]*Entity, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, byID[r.ID])
	}
	return out, nil
}

func geometryOf(e *Entity) (orb.Geometry, bool) {
	var doc map[string]json.RawMessage
	if json.Unmarshal(e.State, &doc) != nil {
		return nil, false
	}
	raw, ok := doc["geometry"]
	if !ok {
		return nil, false
	}
	g, err := spatial.FromGeoJSON(raw, spatial.DefaultSRID)
	if err != nil {
		return nil, false
	}
	return g.Value, true
}

func positionOf(e *Entity) (orb.Point, bool) {
	g, ok := geometryOf(e)
	if !ok {
		return orb.Point{}, false
	}
	pt, ok := g.(orb.Point)
	return pt, ok
}
