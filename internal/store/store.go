// Package store implements the version store: immutable,
// gzip-compressed entity snapshots addressed by (branch, entity, version),
// with branch-ancestry-aware point-in-time resolution.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/ids"
	apperrors "github.com/campaignforge/core/internal/pkg/errors"
)

// Store persists and resolves entity versions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateVersion compresses payload and inserts the next version for
// (branchID, entityType, entityID). When expectedVersion is non-nil, the
// write is optimistically locked: it fails with VersionConflict unless the
// current latest version equals *expectedVersion (0 meaning "no version
// yet").
func (s *Store) CreateVersion(ctx context.Context, branchID string, entityType domain.EntityType, entityID string, payload json.RawMessage, author, worldTime string, expectedVersion *int) (*domain.Version, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin create version tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := s.latestVersionTx(ctx, tx, branchID, entityType, entityID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	currentNum := 0
	if current != nil {
		currentNum = current.Version
	}
	if expectedVersion != nil && *expectedVersion != currentNum {
		return nil, apperrors.ErrVersionConflict(string(entityType), entityID, *expectedVersion, currentNum)
	}

	compressed, err := ids.Compress(payload)
	if err != nil {
		return nil, fmt.Errorf("store: compress payload: %w", err)
	}
	checksum := ids.Checksum(payload)

	v := &domain.Version{
		ID:         ids.NewID(ids.PrefixVersion),
		EntityType: entityType,
		EntityID:   entityID,
		BranchID:   branchID,
		Version:    currentNum + 1,
		ValidFrom:  worldTime,
		Payload:    compressed,
		Checksum:   checksum,
		Author:     author,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO entity_versions
			(id, branch_id, entity_type, entity_id, version, payload, checksum, world_time, author, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.BranchID, string(v.EntityType), v.EntityID, v.Version,
		v.Payload, v.Checksum, v.ValidFrom, v.Author, v.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit create version tx: %w", err)
	}
	return v, nil
}

// LatestVersion returns the highest-numbered version of an entity on
// branchID, ignoring ancestor branches.
func (s *Store) LatestVersion(ctx context.Context, branchID string, entityType domain.EntityType, entityID string) (*domain.Version, error) {
	return s.latestVersionTx(ctx, s.pool, branchID, entityType, entityID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *Store) latestVersionTx(ctx context.Context, q querier, branchID string, entityType domain.EntityType, entityID string) (*domain.Version, error) {
	row := q.QueryRow(ctx, `
		SELECT id, branch_id, entity_type, entity_id, version, payload, checksum, world_time, author, created_at
		FROM entity_versions
		WHERE branch_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY version DESC
		LIMIT 1`, branchID, string(entityType), entityID)

	v, err := scanVersion(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrEntityNotFound(string(entityType), entityID)
		}
		return nil, fmt.Errorf("store: query latest version: %w", err)
	}
	return v, nil
}

// branchAncestor describes one step of branch ancestry, used by
// ResolveVersion to walk toward the root when a branch has no version of
// its own at or before asOf.
type branchAncestor struct {
	parentID   string
	divergedAt string
	hasParent  bool
}

func (s *Store) ancestorOf(ctx context.Context, branchID string) (branchAncestor, error) {
	var parentID, divergedAt *string
	err := s.pool.QueryRow(ctx, `SELECT parent_id, diverged_at FROM branches WHERE id = $1`, branchID).
		Scan(&parentID, &divergedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return branchAncestor{}, apperrors.ErrBranchNotFound(branchID)
		}
		return branchAncestor{}, fmt.Errorf("store: query branch ancestor: %w", err)
	}
	if parentID == nil {
		return branchAncestor{}, nil
	}
	a := branchAncestor{parentID: *parentID, hasParent: true}
	if divergedAt != nil {
		a.divergedAt = *divergedAt
	}
	return a, nil
}

// ResolveVersion returns the version of an entity visible on branchID as of
// asOf (an ISO 8601 or world-calendar formatted string compared
// lexicographically against stored world_time values, which are always
// normalized to a sortable representation by callers). If branchID has no
// matching version, the walk continues up branch ancestry, bounded at each
// step by that branch's divergedAt so history from after a fork does not
// leak backward into descendants.
func (s *Store) ResolveVersion(ctx context.Context, branchID string, entityType domain.EntityType, entityID, asOf string) (*domain.Version, error) {
	visited := make(map[string]bool)
	currentBranch := branchID
	upperBound := asOf

	for {
		if visited[currentBranch] {
			return nil, apperrors.ErrCyclicBranch(currentBranch)
		}
		visited[currentBranch] = true

		v, err := s.queryAsOf(ctx, currentBranch, entityType, entityID, upperBound)
		if err == nil {
			return v, nil
		}
		if !isNotFound(err) {
			return nil, err
		}

		ancestor, aerr := s.ancestorOf(ctx, currentBranch)
		if aerr != nil {
			return nil, aerr
		}
		if !ancestor.hasParent {
			return nil, apperrors.ErrEntityNotFound(string(entityType), entityID)
		}
		if ancestor.divergedAt != "" && ancestor.divergedAt < upperBound {
			upperBound = ancestor.divergedAt
		}
		currentBranch = ancestor.parentID
	}
}

func (s *Store) queryAsOf(ctx context.Context, branchID string, entityType domain.EntityType, entityID, asOf string) (*domain.Version, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, branch_id, entity_type, entity_id, version, payload, checksum, world_time, author, created_at
		FROM entity_versions
		WHERE branch_id = $1 AND entity_type = $2 AND entity_id = $3 AND world_time <= $4
		ORDER BY world_time DESC, version DESC
		LIMIT 1`, branchID, string(entityType), entityID, asOf)

	v, err := scanVersion(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrEntityNotFound(string(entityType), entityID)
		}
		return nil, fmt.Errorf("store: query version as of: %w", err)
	}
	return v, nil
}

// DecompressPayload decompresses v.Payload and verifies it against
// v.Checksum, returning IntegrityError on any mismatch or corrupt stream.
func DecompressPayload(v *domain.Version) (json.RawMessage, error) {
	raw, err := ids.Decompress(v.Payload)
	if err != nil {
		return nil, apperrors.ErrIntegrityError(fmt.Sprintf("decompress version %s: %v", v.ID, err))
	}
	if !ids.VerifyChecksum(raw, v.Checksum) {
		return nil, apperrors.ErrIntegrityError(fmt.Sprintf("checksum mismatch for version %s", v.ID))
	}
	return json.RawMessage(raw), nil
}

func scanVersion(row pgx.Row) (*domain.Version, error) {
	var v domain.Version
	var entityType string
	if err := row.Scan(&v.ID, &v.BranchID, &entityType, &v.EntityID, &v.Version,
		&v.Payload, &v.Checksum, &v.ValidFrom, &v.Author, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.EntityType = domain.EntityType(entityType)
	return &v, nil
}

func isNotFound(err error) bool {
	ae, ok := apperrors.IsAppError(err)
	return ok && (ae.Code == apperrors.CodeEntityNotFound || ae.Code == apperrors.CodeVersionNotFound)
}
