package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/campaignforge/core/internal/core"
	"github.com/campaignforge/core/internal/pkg/logger"
)

// MergeArgs enqueues a branch merge once the caller has resolved every
// conflict PreviewMerge surfaced; the merge itself then runs off the
// request path so a large resolution set can't time out an HTTP call.
type MergeArgs struct {
	CampaignID     string                 `json:"campaign_id"`
	UserID         string                 `json:"user_id"`
	SourceBranchID string                 `json:"source_branch_id"`
	TargetBranchID string                 `json:"target_branch_id"`
	WorldTime      string                 `json:"world_time"`
	Resolutions    []core.EntityResolution `json:"resolutions"`
}

// Kind returns the job kind identifier for asynchronous branch merges.
func (MergeArgs) Kind() string { return "branch_merge" }

// InsertOpts ensures a given merge request is only ever enqueued once.
func (MergeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
		},
	}
}

// MergeWorker runs Service.ExecuteMerge outside the request path.
type MergeWorker struct {
	river.WorkerDefaults[MergeArgs]
	svc *core.Service
}

// NewMergeWorker creates a merge worker bound to svc.
func NewMergeWorker(svc *core.Service) *MergeWorker {
	return &MergeWorker{svc: svc}
}

// Work applies the resolved merge from the source branch onto the target.
func (w *MergeWorker) Work(ctx context.Context, job *river.Job[MergeArgs]) error {
	args := job.Args
	merged, err := w.svc.ExecuteMerge(ctx, args.CampaignID, args.UserID, args.SourceBranchID, args.TargetBranchID, args.WorldTime, args.Resolutions)
	if err != nil {
		return fmt.Errorf("merge branch %s into %s: %w", args.SourceBranchID, args.TargetBranchID, err)
	}
	logger.Info("branch merge completed",
		zap.String("campaign_id", args.CampaignID),
		zap.String("source_branch_id", args.SourceBranchID),
		zap.String("target_branch_id", args.TargetBranchID),
		zap.Int("entities_merged", len(merged)),
	)
	return nil
}
