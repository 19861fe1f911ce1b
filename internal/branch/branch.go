// Package branch implements the branch manager: branch CRUD,
// ancestry queries, and transactional fork with version copy.
package branch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/ids"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
)

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Manager creates, updates, deletes, and queries branches.
type Manager struct {
	pool *pgxpool.Pool
}

// NewManager creates a Manager backed by pool.
func NewManager(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// CreateInput carries the fields accepted by Create.
type CreateInput struct {
	Name        string
	Description string
	ParentID    *string
	DivergedAt  *string
	IsPinned    bool
	Color       string
	Tags        []string
}

// Create validates and inserts a new branch.
func (m *Manager) Create(ctx context.Context, campaignID string, in CreateInput, actor string) (*domain.Branch, error) {
	if in.Color != "" && !hexColor.MatchString(in.Color) {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidColor, "color must be a 6-digit hex code").
			WithDetail("color", in.Color)
	}

	var exists bool
	if err := m.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM branches WHERE campaign_id = $1 AND name = $2 AND deleted_at IS NULL)`,
		campaignID, in.Name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("branch: check name uniqueness: %w", err)
	}
	if exists {
		return nil, apperrors.BadRequest(apperrors.CodeDuplicateBranchName, "branch name already exists in campaign").
			WithDetail("name", in.Name)
	}

	if in.ParentID != nil {
		if err := m.ensureNonCyclic(ctx, *in.ParentID, *in.ParentID); err != nil {
			return nil, err
		}
	}

	if in.DivergedAt != nil {
		var current *string
		if err := m.pool.QueryRow(ctx, `SELECT current_world_time FROM campaigns WHERE id = $1`, campaignID).Scan(&current); err != nil {
			if err == pgx.ErrNoRows {
				return nil, apperrors.NotFound(apperrors.CodeCampaignNotFound, "campaign not found").WithDetail("campaignId", campaignID)
			}
			return nil, fmt.Errorf("branch: load campaign world time: %w", err)
		}
		if current != nil && *in.DivergedAt > *current {
			return nil, apperrors.BadRequest(apperrors.CodeValidation, "divergedAt cannot be after the campaign's current world time").
				WithDetail("divergedAt", *in.DivergedAt).WithDetail("currentWorldTime", *current)
		}
	}

	b := &domain.Branch{
		ID:          ids.NewID(ids.PrefixBranch),
		CampaignID:  campaignID,
		Name:        in.Name,
		Description: in.Description,
		ParentID:    in.ParentID,
		DivergedAt:  in.DivergedAt,
		IsPinned:    in.IsPinned,
		Color:       in.Color,
		Tags:        in.Tags,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := m.pool.Exec(ctx, `
		INSERT INTO branches (id, campaign_id, name, description, parent_id, diverged_at, is_pinned, color, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.CampaignID, b.Name, b.Description, b.ParentID, b.DivergedAt, b.IsPinned, b.Color, tagsJSON(b.Tags), b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("branch: insert: %w", err)
	}
	return b, nil
}

// ensureNonCyclic walks parentID's ancestry looking for root (the branch
// being created or updated), failing if the walk would close a cycle.
func (m *Manager) ensureNonCyclic(ctx context.Context, start, root string) error {
	visited := map[string]bool{}
	current := start
	for {
		if current == root && visited[current] {
			return apperrors.ErrCyclicBranch(root)
		}
		if visited[current] {
			return apperrors.ErrCyclicBranch(root)
		}
		visited[current] = true

		var parentID *string
		err := m.pool.QueryRow(ctx, `SELECT parent_id FROM branches WHERE id = $1`, current).Scan(&parentID)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("branch: walk ancestry: %w", err)
		}
		if parentID == nil {
			return nil
		}
		if *parentID == root {
			return apperrors.ErrCyclicBranch(root)
		}
		current = *parentID
	}
}

// UpdateInput carries the mutable fields accepted by Update. Nil fields are
// left unchanged.
type UpdateInput struct {
	Name        *string
	Description *string
	IsPinned    *bool
	Color       *string
	Tags        []string
}

// Update applies fields to branch id, re-checking name uniqueness.
func (m *Manager) Update(ctx context.Context, id string, in UpdateInput, actor string) (*domain.Branch, error) {
	b, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil && *in.Name != b.Name {
		var exists bool
		if err := m.pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM branches WHERE campaign_id = $1 AND name = $2 AND id != $3 AND deleted_at IS NULL)`,
			b.CampaignID, *in.Name, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("branch: check name uniqueness: %w", err)
		}
		if exists {
			return nil, apperrors.BadRequest(apperrors.CodeDuplicateBranchName, "branch name already exists in campaign").
				WithDetail("name", *in.Name)
		}
		b.Name = *in.Name
	}
	if in.Description != nil {
		b.Description = *in.Description
	}
	if in.IsPinned != nil {
		b.IsPinned = *in.IsPinned
	}
	if in.Color != nil {
		if *in.Color != "" && !hexColor.MatchString(*in.Color) {
			return nil, apperrors.BadRequest(apperrors.CodeInvalidColor, "color must be a 6-digit hex code").
				WithDetail("color", *in.Color)
		}
		b.Color = *in.Color
	}
	if in.Tags != nil {
		b.Tags = in.Tags
	}

	_, err = m.pool.Exec(ctx, `
		UPDATE branches SET name = $1, description = $2, is_pinned = $3, color = $4, tags = $5 WHERE id = $6`,
		b.Name, b.Description, b.IsPinned, b.Color, tagsJSON(b.Tags), id)
	if err != nil {
		return nil, fmt.Errorf("branch: update: %w", err)
	}
	return b, nil
}

// Delete soft-deletes branch id. Roots (no parent) and branches with live
// children are forbidden.
func (m *Manager) Delete(ctx context.Context, id string, actor string) error {
	b, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.ParentID == nil {
		return apperrors.BadRequest(apperrors.CodeValidation, "root branch cannot be deleted").
			WithDetail("branchId", id)
	}

	var childCount int
	if err := m.pool.QueryRow(ctx, `
		SELECT count(*) FROM branches WHERE parent_id = $1 AND deleted_at IS NULL`, id).Scan(&childCount); err != nil {
		return fmt.Errorf("branch: count children: %w", err)
	}
	if childCount > 0 {
		return apperrors.BadRequest(apperrors.CodeValidation, "branch has live children").
			WithDetail("branchId", id).WithDetail("childCount", childCount)
	}

	now := time.Now().UTC()
	if _, err := m.pool.Exec(ctx, `UPDATE branches SET deleted_at = $1 WHERE id = $2`, now, id); err != nil {
		return fmt.Errorf("branch: soft delete: %w", err)
	}
	return nil
}

// Get loads a single branch, regardless of soft-delete state.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Branch, error) {
	row := m.pool.QueryRow(ctx, `
		SELECT id, campaign_id, name, description, parent_id, diverged_at, is_pinned, color, tags, created_at, deleted_at
		FROM branches WHERE id = $1`, id)
	b, err := scanBranch(row)
	if err != nil {
		if ae, ok := apperrors.IsAppError(err); ok && ae.Code == apperrors.CodeBranchNotFound {
			return nil, apperrors.ErrBranchNotFound(id)
		}
		return nil, err
	}
	return b, nil
}

// Node is one entry in the tree returned by GetHierarchy.
type Node struct {
	Branch   *domain.Branch
	Children []*Node
}

// GetHierarchy returns the forest of non-deleted branches in campaignID,
// rooted at branches with no parent or whose parent is soft-deleted.
func (m *Manager) GetHierarchy(ctx context.Context, campaignID string) ([]*Node, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT id, campaign_id, name, description, parent_id, diverged_at, is_pinned, color, tags, created_at, deleted_at
		FROM branches WHERE campaign_id = $1 AND deleted_at IS NULL`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("branch: query hierarchy: %w", err)
	}
	defer rows.Close()

	byID := map[string]*Node{}
	var all []*domain.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, b)
		byID[b.ID] = &Node{Branch: b}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("branch: scan hierarchy: %w", err)
	}

	var roots []*Node
	for _, b := range all {
		node := byID[b.ID]
		if b.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := byID[*b.ParentID]
		if !ok {
			// Parent is missing or soft-deleted: treat as a new root.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return roots, nil
}

// GetAncestry returns [branchId, ..., rootId].
func (m *Manager) GetAncestry(ctx context.Context, branchID string) ([]string, error) {
	var chain []string
	visited := map[string]bool{}
	current := branchID

	for {
		if visited[current] {
			return nil, apperrors.ErrCyclicBranch(current)
		}
		visited[current] = true
		chain = append(chain, current)

		var parentID *string
		err := m.pool.QueryRow(ctx, `SELECT parent_id FROM branches WHERE id = $1`, current).Scan(&parentID)
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrBranchNotFound(current)
		}
		if err != nil {
			return nil, fmt.Errorf("branch: query ancestry: %w", err)
		}
		if parentID == nil {
			return chain, nil
		}
		current = *parentID
	}
}

// ForkResult reports the outcome of Fork.
type ForkResult struct {
	Branch         *domain.Branch
	VersionsCopied int
}

// ResolvableEntity identifies one entity the caller wants Fork to attempt
// to copy from the source branch's ancestry.
type ResolvableEntity struct {
	EntityType domain.EntityType
	EntityID   string
}

// Fork creates a child of sourceBranchID and, within the same transaction,
// copies a resolvable version of every entity in entities (as resolved in
// the source branch's ancestry at worldTime) into the child as a new
// Version with validFrom = worldTime, reusing the compressed payload bytes
// unchanged. An empty entities list yields a branch with zero copied
// versions.
func (m *Manager) Fork(ctx context.Context, sourceBranchID string, name, description, worldTime, actor string, entities []ResolvableEntity) (*ForkResult, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("branch: begin fork tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM branches b JOIN branches s ON s.campaign_id = b.campaign_id
			WHERE s.id = $1 AND b.name = $2 AND b.deleted_at IS NULL)`, sourceBranchID, name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("branch: check fork name uniqueness: %w", err)
	}
	if exists {
		return nil, apperrors.BadRequest(apperrors.CodeDuplicateBranchName, "branch name already exists in campaign").
			WithDetail("name", name)
	}

	var campaignID string
	if err := tx.QueryRow(ctx, `SELECT campaign_id FROM branches WHERE id = $1`, sourceBranchID).Scan(&campaignID); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrBranchNotFound(sourceBranchID)
		}
		return nil, fmt.Errorf("branch: load source campaign: %w", err)
	}

	child := &domain.Branch{
		ID:         ids.NewID(ids.PrefixBranch),
		CampaignID: campaignID,
		Name:       name,
		DivergedAt: &worldTime,
		ParentID:   &sourceBranchID,
		CreatedAt:  time.Now().UTC(),
	}
	child.Description = description

	_, err = tx.Exec(ctx, `
		INSERT INTO branches (id, campaign_id, name, description, parent_id, diverged_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		child.ID, child.CampaignID, child.Name, child.Description, child.ParentID, child.DivergedAt, child.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("branch: insert fork child: %w", err)
	}

	copied := 0
	for _, e := range entities {
		version, payload, checksum, err := m.resolveInTx(ctx, tx, sourceBranchID, e.EntityType, e.EntityID, worldTime)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}

		newVersionID := ids.NewID(ids.PrefixVersion)
		_, err = tx.Exec(ctx, `
			INSERT INTO entity_versions
				(id, branch_id, entity_type, entity_id, version, payload, checksum, world_time, author, created_at)
			VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, $9)`,
			newVersionID, child.ID, string(e.EntityType), e.EntityID, payload, checksum, worldTime, actor, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("branch: copy version for %s/%s: %w", e.EntityType, e.EntityID, err)
		}
		_ = version
		copied++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("branch: commit fork tx: %w", err)
	}

	return &ForkResult{Branch: child, VersionsCopied: copied}, nil
}

// resolveInTx walks branch ancestry inside tx to find the entity version
// visible at worldTime, ties broken toward the greatest version counter.
func (m *Manager) resolveInTx(ctx context.Context, tx pgx.Tx, branchID string, entityType domain.EntityType, entityID, worldTime string) (int, []byte, string, error) {
	visited := map[string]bool{}
	current := branchID
	upperBound := worldTime

	for {
		if visited[current] {
			return 0, nil, "", apperrors.ErrCyclicBranch(current)
		}
		visited[current] = true

		var version int
		var payload []byte
		var checksum string
		err := tx.QueryRow(ctx, `
			SELECT version, payload, checksum FROM entity_versions
			WHERE branch_id = $1 AND entity_type = $2 AND entity_id = $3 AND world_time <= $4
			ORDER BY world_time DESC, version DESC LIMIT 1`,
			current, string(entityType), entityID, upperBound).Scan(&version, &payload, &checksum)
		if err == nil {
			return version, payload, checksum, nil
		}
		if err != pgx.ErrNoRows {
			return 0, nil, "", fmt.Errorf("branch: resolve in fork: %w", err)
		}

		var parentID *string
		var divergedAt *string
		err = tx.QueryRow(ctx, `SELECT parent_id, diverged_at FROM branches WHERE id = $1`, current).Scan(&parentID, &divergedAt)
		if err != nil {
			return 0, nil, "", fmt.Errorf("branch: query branch ancestor in fork: %w", err)
		}
		if parentID == nil {
			return 0, nil, "", apperrors.ErrEntityNotFound(string(entityType), entityID)
		}
		if divergedAt != nil && *divergedAt < upperBound {
			upperBound = *divergedAt
		}
		current = *parentID
	}
}

func isNotFound(err error) bool {
	ae, ok := apperrors.IsAppError(err)
	return ok && ae.Code == apperrors.CodeEntityNotFound
}

func scanBranch(row pgx.Row) (*domain.Branch, error) {
	var b domain.Branch
	var tags []byte
	err := row.Scan(&b.ID, &b.CampaignID, &b.Name, &b.Description, &b.ParentID, &b.DivergedAt,
		&b.IsPinned, &b.Color, &tags, &b.CreatedAt, &b.DeletedAt)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrBranchNotFound("")
	}
	if err != nil {
		return nil, fmt.Errorf("branch: scan: %w", err)
	}
	b.Tags = decodeTags(tags)
	return &b, nil
}

func tagsJSON(tags []string) []byte {
	if tags == nil {
		tags = []string{}
	}
	out, err := json.Marshal(tags)
	if err != nil {
		return []byte(`[]`)
	}
	return out
}

func decodeTags(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}
