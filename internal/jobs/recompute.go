package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/campaignforge/core/internal/core"
	"github.com/campaignforge/core/internal/depgraph"
	"github.com/campaignforge/core/internal/domain"
	"github.com/campaignforge/core/internal/events"
	"github.com/campaignforge/core/internal/pkg/logger"
)

// RecomputeArgs asks the dependency graph what (entityType, entityId,
// field) nodes are downstream of a changed field and re-evaluates each of
// them, so a condition's consumers see a fresh value on their next read
// instead of a stale cache entry.
type RecomputeArgs struct {
	CampaignID string            `json:"campaign_id"`
	BranchID   string            `json:"branch_id"`
	WorldTime  string            `json:"world_time"`
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Field      string            `json:"field"`
	ScopeChain core.ScopeChain   `json:"scope_chain"`
}

// Kind returns the job kind identifier for dependency-graph recomputation.
func (RecomputeArgs) Kind() string { return "depgraph_recompute" }

// InsertOpts collapses repeated recomputation requests for the same node
// within one branch into a single run.
func (RecomputeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: time.Second,
		},
	}
}

// RecomputeWorker walks the dependency graph outward from a changed node
// and re-evaluates every downstream condition.
type RecomputeWorker struct {
	river.WorkerDefaults[RecomputeArgs]
	svc *core.Service
}

// NewRecomputeWorker creates a recompute worker bound to svc.
func NewRecomputeWorker(svc *core.Service) *RecomputeWorker {
	return &RecomputeWorker{svc: svc}
}

// Work invalidates the changed node's cached value and re-runs
// EvaluateField for everything it feeds, so the cache is warm again by the
// time a subscriber asks for it.
func (w *RecomputeWorker) Work(ctx context.Context, job *river.Job[RecomputeArgs]) error {
	args := job.Args
	changed := depgraph.Node{EntityType: args.EntityType, EntityID: args.EntityID, Field: args.Field}
	affected := w.svc.Graph.Invalidate(changed)

	for _, node := range affected {
		value, err := w.svc.RecomputeField(ctx, args.CampaignID, node.EntityType, node.EntityID, node.Field, args.BranchID, args.WorldTime, args.ScopeChain)
		if err != nil {
			logger.Warn("recompute: field re-evaluation failed",
				zap.String("node", node.String()),
				zap.Error(err),
			)
			continue
		}
		w.publishInvalidated(args.CampaignID, node, value)
	}

	logger.Info("dependency recomputation completed",
		zap.String("campaign_id", args.CampaignID),
		zap.String("changed_node", changed.String()),
		zap.Int("affected_count", len(affected)),
	)
	return nil
}

func (w *RecomputeWorker) publishInvalidated(campaignID string, node depgraph.Node, value json.RawMessage) {
	payload, err := json.Marshal(map[string]interface{}{
		"entityType": node.EntityType,
		"entityId":   node.EntityID,
		"field":      node.Field,
		"value":      json.RawMessage(value),
	})
	if err != nil {
		return
	}
	w.svc.Hub.Publish(context.Background(), events.CampaignRoom(campaignID), events.Event{
		Type:      events.TypeStateInvalidated,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  events.Metadata{Source: "depgraph_recompute"},
	})
}
