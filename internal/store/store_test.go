package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/infrastructure"
	"github.com/campaignforge/core/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.OpenPGXPool(t, "store")
	ctx := context.Background()

	_, err := pool.Exec(ctx, infrastructure.Schema())
	require.NoError(t, err)

	return NewStore(pool), pool
}

func seedBranch(t *testing.T, pool *pgxpool.Pool, id, campaignID string, parentID *string, divergedAt string) {
	t.Helper()
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO worlds (id, owner_id, name, calendar) VALUES ('wld-1', 'user-1', 'World', '{}')
		ON CONFLICT (id) DO NOTHING`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO campaigns (id, world_id, name) VALUES ($1, 'wld-1', 'Campaign')
		ON CONFLICT (id) DO NOTHING`, campaignID)
	require.NoError(t, err)

	var divergedAtArg interface{}
	if divergedAt != "" {
		divergedAtArg = divergedAt
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO branches (id, campaign_id, name, parent_id, diverged_at)
		VALUES ($1, $2, $1, $3, $4)`, id, campaignID, parentID, divergedAtArg)
	require.NoError(t, err)
}

func TestCreateVersion_FirstVersionIsOne(t *testing.T) {
	s, pool := newTestStore(t)
	seedBranch(t, pool, "br-main", "cmp-1", nil, "")

	v, err := s.CreateVersion(context.Background(), "br-main", domain.EntitySettlement, "stl-1",
		json.RawMessage(`{"name":"Oakhaven"}`), "user-1", "2026-01-01T00:00:00Z", nil)
	require.NoError(t, err)
	require.Equal(t, 1, v.Version)
}

func TestCreateVersion_OptimisticLockRejectsStaleExpectedVersion(t *testing.T) {
	s, pool := newTestStore(t)
	seedBranch(t, pool, "br-main", "cmp-1", nil, "")
	ctx := context.Background()

	_, err := s.CreateVersion(ctx, "br-main", domain.EntitySettlement, "stl-1",
		json.RawMessage(`{"name":"Oakhaven"}`), "user-1", "2026-01-01T00:00:00Z", nil)
	require.NoError(t, err)

	stale := 0
	_, err = s.CreateVersion(ctx, "br-main", domain.EntitySettlement, "stl-1",
		json.RawMessage(`{"name":"Renamed"}`), "user-1", "2026-01-02T00:00:00Z", &stale)
	require.Error(t, err)
}

func TestCreateVersion_OptimisticLockAcceptsCurrentExpectedVersion(t *testing.T) {
	s, pool := newTestStore(t)
	seedBranch(t, pool, "br-main", "cmp-1", nil, "")
	ctx := context.Background()

	v1, err := s.CreateVersion(ctx, "br-main", domain.EntitySettlement, "stl-1",
		json.RawMessage(`{"name":"Oakhaven"}`), "user-1", "2026-01-01T00:00:00Z", nil)
	require.NoError(t, err)

	expected := v1.Version
	v2, err := s.CreateVersion(ctx, "br-main", domain.EntitySettlement, "stl-1",
		json.RawMessage(`{"name":"Renamed"}`), "user-1", "2026-01-02T00:00:00Z", &expected)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)
}

func TestLatestVersion_ReturnsHighest(t *testing.T) {
	s, pool := newTestStore(t)
	seedBranch(t, pool, "br-main", "cmp-1", nil, "")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := s.CreateVersion(ctx, "br-main", domain.EntitySettlement, "stl-1",
			json.RawMessage(`{"n":1}`), "user-1", fmt.Sprintf("2026-01-0%dT00:00:00Z", i), nil)
		require.NoError(t, err)
	}

	v, err := s.LatestVersion(ctx, "br-main", domain.EntitySettlement, "stl-1")
	require.NoError(t, err)
	require.Equal(t, 3, v.Version)
}

func TestDecompressPayload_RoundTrips(t *testing.T) {
	s, pool := newTestStore(t)
	seedBranch(t, pool, "br-main", "cmp-1", nil, "")
	ctx := context.Background()

	payload := json.RawMessage(`{"population":400}`)
	v, err := s.CreateVersion(ctx, "br-main", domain.EntitySettlement, "stl-1",
		payload, "user-1", "2026-01-01T00:00:00Z", nil)
	require.NoError(t, err)

	decompressed, err := DecompressPayload(v)
	require.NoError(t, err)
	require.JSONEq(t, string(payload), string(decompressed))
}

func TestResolveVersion_FallsBackToParentBranch(t *testing.T) {
	s, pool := newTestStore(t)
	seedBranch(t, pool, "br-main", "cmp-1", nil, "")
	ctx := context.Background()

	_, err := s.CreateVersion(ctx, "br-main", domain.EntitySettlement, "stl-1",
		json.RawMessage(`{"name":"Oakhaven"}`), "user-1", "2026-01-01T00:00:00Z", nil)
	require.NoError(t, err)

	parent := "br-main"
	seedBranch(t, pool, "br-feature", "cmp-1", &parent, "2026-02-01T00:00:00Z")

	v, err := s.ResolveVersion(ctx, "br-feature", domain.EntitySettlement, "stl-1", "2026-03-01T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, "br-main", v.BranchID)
}

func TestResolveVersion_NotFoundAcrossEntireAncestry(t *testing.T) {
	s, pool := newTestStore(t)
	seedBranch(t, pool, "br-main", "cmp-1", nil, "")

	_, err := s.ResolveVersion(context.Background(), "br-main", domain.EntitySettlement, "stl-missing", "2026-01-01T00:00:00Z")
	require.Error(t, err)
}
