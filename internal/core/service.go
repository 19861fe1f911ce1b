// Package core is the facade: one Service
// wiring the version store, branch manager, variable registry, condition
// evaluator, dependency graph, effect executor, merge engine, spatial
// kernel, audit log, event hub, and authorization gate behind a single
// capability surface a transport layer wraps. One cohesive struct fits
// better than a per-module use-case split here, since this domain's
// operations cut across every sub-store on nearly every call (a branch
// fork touches the version store and the audit log; a merge touches the
// version store, the dependency graph, and events) rather than
// partitioning cleanly by module.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignforge/core/internal/authz"
	"github.com/campaignforge/core/internal/branch"
	"github.com/campaignforge/core/internal/depgraph"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/events"
	"github.com/campaignforge/core/internal/governance/audit"
	"github.com/campaignforge/core/internal/store"
	"github.com/campaignforge/core/internal/variables"
)

// Service is the world-state core's capability surface.
type Service struct {
	pool *pgxpool.Pool

	Store     *store.Store
	Branches  *branch.Manager
	Variables *variables.Registry
	Audit     *audit.Logger
	Gate      *authz.Gate
	Hub       *events.Hub
	Graph     *depgraph.Graph
}

// New wires a Service over pool. gate's MembershipLookup should be backed
// by the memberships table (see authz.NewGate).
func New(pool *pgxpool.Pool, gate *authz.Gate) *Service {
	return &Service{
		pool:      pool,
		Store:     store.NewStore(pool),
		Branches:  branch.NewManager(pool),
		Variables: variables.NewRegistry(pool),
		Audit:     audit.NewLogger(pool),
		Gate:      gate,
		Hub:       events.NewHub(),
		Graph:     depgraph.New(),
	}
}

// MembershipLookupFromDB builds an authz.MembershipLookup backed by the
// memberships table.
func MembershipLookupFromDB(pool *pgxpool.Pool) authz.MembershipLookup {
	return func(ctx context.Context, campaignID, userID string) (domain.Role, bool, error) {
		var role string
		err := pool.QueryRow(ctx, `
			SELECT role FROM memberships WHERE campaign_id = $1 AND user_id = $2`,
			campaignID, userID).Scan(&role)
		if err != nil {
			if isNoRows(err) {
				return "", false, nil
			}
			return "", false, fmt.Errorf("core: lookup membership: %w", err)
		}
		return domain.Role(role), true, nil
	}
}

func (s *Service) require(ctx context.Context, campaignID, userID string, perm authz.Permission) error {
	if s.Gate == nil {
		return nil
	}
	return s.Gate.Require(ctx, campaignID, userID, perm)
}

// campaignIDForBranch resolves the owning campaign of a branch, used when
// a mutation carries only a branchID and needs the campaign for the gate
// check and for event room naming.
func (s *Service) campaignIDForBranch(ctx context.Context, branchID string) (string, error) {
	b, err := s.Branches.Get(ctx, branchID)
	if err != nil {
		return "", err
	}
	return b.CampaignID, nil
}

// publishAfterCommit schedules e for publication to room; callers invoke
// this only once their transaction has committed.
func (s *Service) publishAfterCommit(room string, e events.Event) {
	s.Hub.Publish(context.Background(), room, e)
}

func newEvent(t events.Type, payload interface{}, actor, correlationID string) events.Event {
	raw, _ := json.Marshal(payload)
	return events.Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
		Metadata: events.Metadata{
			Actor:         actor,
			Source:        "core",
			CorrelationID: correlationID,
		},
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
