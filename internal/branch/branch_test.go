package branch

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/infrastructure"
	"github.com/campaignforge/core/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.OpenPGXPool(t, "branch")
	ctx := context.Background()

	_, err := pool.Exec(ctx, infrastructure.Schema())
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO worlds (id, owner_id, name, calendar) VALUES ('wld-1', 'user-1', 'World', '{}')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO campaigns (id, world_id, name) VALUES ('cmp-1', 'wld-1', 'Campaign')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO branches (id, campaign_id, name) VALUES ('br-main', 'cmp-1', 'main')`)
	require.NoError(t, err)

	return NewManager(pool), pool
}

func TestCreate_RejectsDuplicateName(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "cmp-1", CreateInput{Name: "feature"}, "user-1")
	require.NoError(t, err)

	_, err = m.Create(ctx, "cmp-1", CreateInput{Name: "feature"}, "user-1")
	require.Error(t, err)
}

func TestCreate_RejectsInvalidColor(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(context.Background(), "cmp-1", CreateInput{Name: "feature", Color: "not-a-color"}, "user-1")
	require.Error(t, err)
}

func TestCreate_RejectsDivergedAtAfterCurrentWorldTime(t *testing.T) {
	m, pool := newTestManager(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `UPDATE campaigns SET current_world_time = '4707-03-15T12:00:00Z' WHERE id = 'cmp-1'`)
	require.NoError(t, err)

	divergedAt := "4707-04-01T00:00:00Z"
	_, err = m.Create(ctx, "cmp-1", CreateInput{Name: "feature", DivergedAt: &divergedAt}, "user-1")
	require.Error(t, err)

	divergedAt = "4707-03-01T00:00:00Z"
	_, err = m.Create(ctx, "cmp-1", CreateInput{Name: "feature", DivergedAt: &divergedAt}, "user-1")
	require.NoError(t, err)
}

func TestDelete_ForbidsRoot(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Delete(context.Background(), "br-main", "user-1")
	require.Error(t, err)
}

func TestDelete_ForbidsLiveChildren(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	root := "br-main"

	child, err := m.Create(ctx, "cmp-1", CreateInput{Name: "child", ParentID: &root}, "user-1")
	require.NoError(t, err)

	err = m.Delete(ctx, root, "user-1")
	require.Error(t, err)

	err = m.Delete(ctx, child.ID, "user-1")
	require.NoError(t, err)
}

func TestGetAncestry_WalksToRoot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	root := "br-main"

	child, err := m.Create(ctx, "cmp-1", CreateInput{Name: "child", ParentID: &root}, "user-1")
	require.NoError(t, err)
	childID := child.ID

	grandchild, err := m.Create(ctx, "cmp-1", CreateInput{Name: "grandchild", ParentID: &childID}, "user-1")
	require.NoError(t, err)

	ancestry, err := m.GetAncestry(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Equal(t, []string{grandchild.ID, child.ID, "br-main"}, ancestry)
}

func TestGetHierarchy_TreatsOrphanAsRoot(t *testing.T) {
	m, pool := newTestManager(t)
	ctx := context.Background()
	root := "br-main"

	child, err := m.Create(ctx, "cmp-1", CreateInput{Name: "child", ParentID: &root}, "user-1")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE branches SET deleted_at = now() WHERE id = $1`, root)
	require.NoError(t, err)

	nodes, err := m.GetHierarchy(ctx, "cmp-1")
	require.NoError(t, err)

	var foundAsRoot bool
	for _, n := range nodes {
		if n.Branch.ID == child.ID {
			foundAsRoot = true
		}
	}
	require.True(t, foundAsRoot, "orphaned branch should surface as its own root")
}

func TestFork_CopiesResolvableEntities(t *testing.T) {
	m, pool := newTestManager(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO entity_versions (id, branch_id, entity_type, entity_id, version, payload, checksum, world_time, author)
		VALUES ('ver-1', 'br-main', 'SETTLEMENT', 'stl-1', 1, '\x1f8b0000', 'deadbeef', '2026-01-01T00:00:00Z', 'user-1')`)
	require.NoError(t, err)

	result, err := m.Fork(ctx, "br-main", "what-if", "", "2026-02-01T00:00:00Z", "user-1",
		[]ResolvableEntity{{EntityType: domain.EntitySettlement, EntityID: "stl-1"}})
	require.NoError(t, err)
	require.Equal(t, 1, result.VersionsCopied)
	require.Equal(t, "br-main", *result.Branch.ParentID)
}

func TestFork_EmptySourceYieldsZeroCopied(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.Fork(context.Background(), "br-main", "what-if", "", "2026-02-01T00:00:00Z", "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, 0, result.VersionsCopied)
}
