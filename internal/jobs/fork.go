package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/campaignforge/core/internal/core"
	"github.com/campaignforge/core/internal/pkg/logger"
)

// ForkArgs enqueues a branch fork for campaigns where the entity set is
// large enough that copying it inline on the request goroutine would hold
// the HTTP connection open too long.
type ForkArgs struct {
	CampaignID     string          `json:"campaign_id"`
	UserID         string          `json:"user_id"`
	SourceBranchID string          `json:"source_branch_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	WorldTime      string          `json:"world_time"`
	Entities       []core.EntityRef `json:"entities"`
}

// Kind returns the job kind identifier for asynchronous branch forks.
func (ForkArgs) Kind() string { return "branch_fork" }

// InsertOpts ensures a given fork request is only ever enqueued once.
func (ForkArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
		},
	}
}

// ForkWorker runs Service.ForkBranch outside the request path.
type ForkWorker struct {
	river.WorkerDefaults[ForkArgs]
	svc *core.Service
}

// NewForkWorker creates a fork worker bound to svc.
func NewForkWorker(svc *core.Service) *ForkWorker {
	return &ForkWorker{svc: svc}
}

// Work copies the named entities from the source branch into a new branch.
func (w *ForkWorker) Work(ctx context.Context, job *river.Job[ForkArgs]) error {
	args := job.Args
	result, err := w.svc.ForkBranch(ctx, args.CampaignID, args.UserID, args.SourceBranchID, args.Name, args.Description, args.WorldTime, args.Entities)
	if err != nil {
		return fmt.Errorf("fork branch %s from %s: %w", args.Name, args.SourceBranchID, err)
	}
	logger.Info("branch fork completed",
		zap.String("campaign_id", args.CampaignID),
		zap.String("source_branch_id", args.SourceBranchID),
		zap.String("new_branch_id", result.Branch.ID),
		zap.Int("versions_copied", result.VersionsCopied),
	)
	return nil
}
