package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/campaignforge/core/internal/branch"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/infrastructure"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
	"github.com/campaignforge/core/internal/testutil"
)

// newTestService wires a Service over a fresh, schema-migrated Postgres
// pool with no authorization gate, seeded with one world/campaign/root
// branch. Gate is nil: the permission matrix is exercised separately in
// internal/authz, not re-proven here.
func newTestService(t *testing.T) (*Service, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.OpenPGXPool(t, "core")
	ctx := context.Background()
	_, err := pool.Exec(ctx, infrastructure.Schema())
	require.NoError(t, err)
	return New(pool, nil), pool
}

func seedCampaign(t *testing.T, pool *pgxpool.Pool, worldID, campaignID, rootBranchID string) {
	t.Helper()
	ctx := context.Background()

	calendarJSON := `{
		"id": "gregorian", "name": "Gregorian", "monthsPerYear": 12,
		"daysPerMonth": [31,28,31,30,31,30,31,31,30,31,30,31],
		"monthNames": ["January","February","March","April","May","June","July","August","September","October","November","December"],
		"epoch": "0001-01-01T00:00:00Z"
	}`
	_, err := pool.Exec(ctx, `
		INSERT INTO worlds (id, owner_id, name, calendar) VALUES ($1, 'user-1', 'World', $2)`,
		worldID, calendarJSON)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO campaigns (id, world_id, name) VALUES ($1, $2, 'Campaign')`,
		campaignID, worldID)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO branches (id, campaign_id, name) VALUES ($1, $2, 'main')`,
		rootBranchID, campaignID)
	require.NoError(t, err)
}

func TestAdvanceWorldTime_ThenRead(t *testing.T) {
	s, pool := newTestService(t)
	seedCampaign(t, pool, "wld-1", "cmp-1", "br-main")
	ctx := context.Background()

	current, err := s.GetCurrentWorldTime(ctx, "cmp-1", "gm-1")
	require.NoError(t, err)
	require.Equal(t, "", current)

	to, err := s.AdvanceWorldTime(ctx, "cmp-1", "gm-1", "4707-03-15T12:00:00Z", 1)
	require.NoError(t, err)
	require.Equal(t, "4707-03-15T12:00:00Z", to)

	current, err = s.GetCurrentWorldTime(ctx, "cmp-1", "gm-1")
	require.NoError(t, err)
	require.Equal(t, "4707-03-15T12:00:00Z", current)

	// Re-advancing to the exact same world time, with the correct
	// (now-current) expectedVersion, is still rejected: world time must
	// move strictly forward, not just non-backward.
	_, err = s.AdvanceWorldTime(ctx, "cmp-1", "gm-1", "4707-03-15T12:00:00Z", 2)
	require.Error(t, err)
	ae, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodePastOrEqualTime, ae.Code)

	// A stale expectedVersion is rejected independently, with VersionConflict.
	_, err = s.AdvanceWorldTime(ctx, "cmp-1", "gm-1", "4707-04-01T00:00:00Z", 1)
	require.Error(t, err)
	ae, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeVersionConflict, ae.Code)
}

func TestAdvanceWorldTime_RejectsRegression(t *testing.T) {
	s, pool := newTestService(t)
	seedCampaign(t, pool, "wld-1", "cmp-1", "br-main")
	ctx := context.Background()

	_, err := s.AdvanceWorldTime(ctx, "cmp-1", "gm-1", "4707-03-15T12:00:00Z", 1)
	require.NoError(t, err)

	_, err = s.AdvanceWorldTime(ctx, "cmp-1", "gm-1", "4707-01-01T00:00:00Z", 2)
	require.Error(t, err)
}

func TestForkBranch_PreservesResolvedState(t *testing.T) {
	s, pool := newTestService(t)
	seedCampaign(t, pool, "wld-1", "cmp-1", "br-main")
	ctx := context.Background()

	_, err := s.CreateEntity(ctx, "cmp-1", "gm-1", domain.EntitySettlement, "stl-1",
		json.RawMessage(`{"name":"Oakhaven","level":3}`), "br-main", "4707-01-01T00:00:00Z")
	require.NoError(t, err)

	result, err := s.ForkBranch(ctx, "cmp-1", "gm-1", "br-main", "what-if", "", "4707-02-01T00:00:00Z",
		[]EntityRef{{EntityType: domain.EntitySettlement, EntityID: "stl-1"}})
	require.NoError(t, err)
	require.Equal(t, 1, result.VersionsCopied)

	forked, err := s.GetEntityAsOf(ctx, "cmp-1", "gm-1", domain.EntitySettlement, "stl-1", result.Branch.ID, "4707-02-01T00:00:00Z")
	require.NoError(t, err)
	original, err := s.GetEntityAsOf(ctx, "cmp-1", "gm-1", domain.EntitySettlement, "stl-1", "br-main", "4707-02-01T00:00:00Z")
	require.NoError(t, err)
	require.JSONEq(t, string(original.State), string(forked.State))

	// Updating the fork afterward must not leak back into main.
	_, err = s.UpdateEntity(ctx, "cmp-1", "gm-1", domain.EntitySettlement, "stl-1",
		json.RawMessage(`{"name":"Oakhaven","level":4}`), result.Branch.ID, "4707-03-01T00:00:00Z", forked.Version)
	require.NoError(t, err)

	stillOriginal, err := s.GetEntityAsOf(ctx, "cmp-1", "gm-1", domain.EntitySettlement, "stl-1", "br-main", "4707-03-01T00:00:00Z")
	require.NoError(t, err)
	require.JSONEq(t, string(original.State), string(stillOriginal.State))
}

func TestForkBranch_EmptySourceYieldsZeroCopied(t *testing.T) {
	s, pool := newTestService(t)
	seedCampaign(t, pool, "wld-1", "cmp-1", "br-main")
	ctx := context.Background()

	result, err := s.ForkBranch(ctx, "cmp-1", "gm-1", "br-main", "empty-fork", "", "4707-01-01T00:00:00Z", nil)
	require.NoError(t, err)
	require.Equal(t, 0, result.VersionsCopied)
}

func TestUpdateEntity_InvalidatesDependentConditionAndRecomputes(t *testing.T) {
	s, pool := newTestService(t)
	seedCampaign(t, pool, "wld-1", "cmp-1", "br-main")
	ctx := context.Background()

	_, err := s.CreateEntity(ctx, "cmp-1", "gm-1", domain.EntityStructure, "str-1",
		json.RawMessage(`{"name":"Watchtower","level":2,"available":false}`), "br-main", "4707-01-01T00:00:00Z")
	require.NoError(t, err)

	fc := domain.FieldCondition{
		EntityType: domain.EntityStructure,
		EntityID:   "str-1",
		Field:      "available",
		Expression: json.RawMessage(`{">=": [{"var": "entity.level"}, 3]}`),
		Priority:   1,
	}
	created, err := s.CreateCondition(ctx, "cmp-1", "gm-1", fc)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	// Evaluate at a world time the update below will also target, so the
	// result is cached under that exact (branchId, worldTime, node) key.
	result, err := s.EvaluateField(ctx, "cmp-1", "gm-1", domain.EntityStructure, "str-1", "available",
		"br-main", "4707-02-01T00:00:00Z", nil, json.RawMessage(`false`))
	require.NoError(t, err)
	require.JSONEq(t, `false`, string(result))

	updated, err := s.UpdateEntity(ctx, "cmp-1", "gm-1", domain.EntityStructure, "str-1",
		json.RawMessage(`{"name":"Watchtower","level":3,"available":false}`), "br-main", "4707-02-01T00:00:00Z", 1)
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	// Re-evaluating at the exact same world time must not return the
	// stale cached value: the level change invalidated the dependency
	// graph node "available" reads, forcing a recompute against the
	// updated state.
	result, err = s.EvaluateField(ctx, "cmp-1", "gm-1", domain.EntityStructure, "str-1", "available",
		"br-main", "4707-02-01T00:00:00Z", nil, json.RawMessage(`false`))
	require.NoError(t, err)
	require.JSONEq(t, `true`, string(result))
}

func TestCreateEntity_ThenArchiveAndRestore(t *testing.T) {
	s, pool := newTestService(t)
	seedCampaign(t, pool, "wld-1", "cmp-1", "br-main")
	ctx := context.Background()

	created, err := s.CreateEntity(ctx, "cmp-1", "gm-1", domain.EntityLocation, "loc-1",
		json.RawMessage(`{"name":"Oakhaven Ruins"}`), "br-main", "4707-01-01T00:00:00Z")
	require.NoError(t, err)

	archived, err := s.ArchiveEntity(ctx, "cmp-1", "gm-1", domain.EntityLocation, "loc-1", "br-main", "4707-01-02T00:00:00Z", created.Version)
	require.NoError(t, err)
	require.True(t, isTombstoned(archived.State))

	restored, err := s.RestoreEntity(ctx, "cmp-1", "gm-1", domain.EntityLocation, "loc-1", "br-main", "4707-01-03T00:00:00Z", archived.Version)
	require.NoError(t, err)
	require.False(t, isTombstoned(restored.State))
}

func TestCreateBranch_RejectsDuplicateNameViaService(t *testing.T) {
	s, pool := newTestService(t)
	seedCampaign(t, pool, "wld-1", "cmp-1", "br-main")
	ctx := context.Background()

	_, err := s.CreateBranch(ctx, "cmp-1", "gm-1", branch.CreateInput{Name: "main"})
	require.Error(t, err)
}
