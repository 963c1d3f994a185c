package orchestrator

import (
	"context"

	"github.com/fleetmaint/dispatchd/internal/model"
)

// AggregateStatus reduces a set of task-asset statuses to one task-level
// status:
//
//   - all entries Scheduled -> Scheduled
//   - all entries Complete  -> Complete
//   - at least one InProgress, or some but not all Scheduled -> InProgress
//   - otherwise -> Failure
//
// The Failure branch also covers an empty set and an all-terminal-error
// set; partial success is not distinguished from total failure at task
// level.
func AggregateStatus(assets []*model.TaskAsset) model.TaskStatus {
	var scheduled, inProgress, complete int

	total := len(assets)

	for _, asset := range assets {
		switch asset.Status {
		case model.TaskAssetScheduled:
			scheduled++
		case model.TaskAssetInProgress:
			inProgress++
		case model.TaskAssetComplete:
			complete++
		}
	}

	switch {
	case total > 0 && scheduled == total:
		return model.TaskScheduled
	case total > 0 && complete == total:
		return model.TaskComplete
	case inProgress > 0 || scheduled > 0:
		return model.TaskInProgress
	default:
		return model.TaskFailure
	}
}

// Finalize re-reads the task and persists the aggregated status, but only
// when the stored status is InProgress and the computed status is a
// terminal one. Any other combination is a safe no-op, which keeps
// finalization idempotent under repeated invocation.
func (d *Driver) Finalize(ctx context.Context, taskID string) error {
	task, err := d.repo.TaskByID(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Status != model.TaskInProgress {
		return nil
	}

	computed := AggregateStatus(task.Assets)
	if computed != model.TaskComplete && computed != model.TaskFailure {
		return nil
	}

	return d.repo.UpdateTaskStatus(ctx, taskID, computed)
}
