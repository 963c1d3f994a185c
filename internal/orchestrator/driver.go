package orchestrator

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/fleetmaint/dispatchd/internal/audit"
	"github.com/fleetmaint/dispatchd/internal/bus"
	"github.com/fleetmaint/dispatchd/internal/fleet"
	"github.com/fleetmaint/dispatchd/internal/metrics"
	"github.com/fleetmaint/dispatchd/internal/model"
	"github.com/fleetmaint/dispatchd/internal/session"
	"github.com/fleetmaint/dispatchd/internal/store"
	"github.com/fleetmaint/dispatchd/internal/transfer"
)

const (
	pkgName = "internal/orchestrator"
)

var (
	// ErrTaskKind indicates a task was triggered through the wrong
	// operation entry point.
	ErrTaskKind = errors.New("task kind mismatch")

	// ErrTaskStart indicates the task could not be started.
	ErrTaskStart = errors.New("error starting task")
)

// Driver is the per-task orchestration entry point. It guards the
// start-once invariant, iterates task-assets strictly sequentially and
// wires resolver, session opener, dispatcher and audit recorder together.
type Driver struct {
	repo      store.Repository
	monitor   fleet.Monitor
	sessions  session.Opener
	publisher bus.Publisher
	recorder  *audit.Recorder
	transfer  *transfer.Builder
	logger    *logrus.Logger
}

func NewDriver(
	repo store.Repository,
	monitor fleet.Monitor,
	sessions session.Opener,
	publisher bus.Publisher,
	recorder *audit.Recorder,
	builder *transfer.Builder,
	logger *logrus.Logger,
) *Driver {
	return &Driver{
		repo:      repo,
		monitor:   monitor,
		sessions:  sessions,
		publisher: publisher,
		recorder:  recorder,
		transfer:  builder,
		logger:    logger,
	}
}

// operation binds a task kind to its target resolution and dispatch behavior.
type operation struct {
	kind model.TaskKind

	// desiredTypeID is the asset type the command must reach: the
	// task-asset's own type for retrieve-log, the package's target
	// hardware model for download-package.
	desiredTypeID func(task *model.Task, taskAsset *model.TaskAsset) string

	dispatch func(ctx context.Context, task *model.Task, taskAsset *model.TaskAsset, resolved *model.AssetStatus) error
}

// RunDownloadPackage triggers a previously scheduled download-package task.
func (d *Driver) RunDownloadPackage(ctx context.Context, taskID string) error {
	return d.run(ctx, taskID, &operation{
		kind: model.TaskKindDownloadPackage,
		desiredTypeID: func(task *model.Task, _ *model.TaskAsset) string {
			return task.Package.TargetTypeID
		},
		dispatch: d.dispatchDownloadPackage,
	})
}

// RunRetrieveLog triggers a previously scheduled retrieve-log task.
func (d *Driver) RunRetrieveLog(ctx context.Context, taskID string) error {
	return d.run(ctx, taskID, &operation{
		kind: model.TaskKindRetrieveLog,
		desiredTypeID: func(_ *model.Task, taskAsset *model.TaskAsset) string {
			return taskAsset.TypeID
		},
		dispatch: d.dispatchRetrieveLog,
	})
}

// run loads and starts the task, processes its task-assets one at a time
// against a single up-front availability snapshot, then aggregates the
// task level status exactly once.
func (d *Driver) run(ctx context.Context, taskID string, op *operation) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Driver.run")
	defer span.End()

	task, err := d.repo.TaskByID(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Kind != op.kind {
		return errors.Wrapf(ErrTaskKind, "task %s is a %s task", taskID, task.Kind)
	}

	// idempotency guard: a task is only started while Scheduled, a
	// duplicate trigger is a no-op success.
	if task.Status != model.TaskScheduled {
		d.logger.WithFields(
			logrus.Fields{
				"taskID": taskID,
				"status": task.Status,
			}).Info("task already started, nothing to do")

		metrics.TaskRunsTotal.With(prometheus.Labels{"kind": string(op.kind), "outcome": "noop"}).Inc()

		return nil
	}

	// one snapshot up front, reused for every task-asset so later
	// classification decisions see a consistent view of the fleet. The
	// snapshot is fetched before the task is started: a monitor outage
	// leaves the task Scheduled and a later trigger retries the whole run.
	refs := make([]model.AssetRef, 0, len(task.Assets))
	for _, taskAsset := range task.Assets {
		refs = append(refs, model.AssetRef{TypeID: taskAsset.TypeID, AssetID: taskAsset.AssetID})
	}

	snapshot, err := d.monitor.Snapshot(ctx, refs)
	if err != nil {
		return errors.Wrap(ErrTaskStart, err.Error())
	}

	started, err := d.repo.MarkTaskInProgress(ctx, taskID)
	if err != nil {
		return errors.Wrap(ErrTaskStart, err.Error())
	}

	if !started {
		// lost the start race against a concurrent duplicate trigger
		metrics.TaskRunsTotal.With(prometheus.Labels{"kind": string(op.kind), "outcome": "noop"}).Inc()

		return nil
	}

	// task-assets are processed strictly sequentially, one asset's full
	// pipeline completes before the next begins, and one asset's failure
	// never aborts the task.
	var runErrs *multierror.Error

	for _, taskAsset := range task.Assets {
		if err := d.processAsset(ctx, task, taskAsset, snapshot, op); err != nil {
			runErrs = multierror.Append(runErrs, err)

			d.logger.WithFields(
				logrus.Fields{
					"taskID":  taskID,
					"typeID":  taskAsset.TypeID,
					"assetID": taskAsset.AssetID,
				}).WithError(err).Error("task asset processing aborted")
		}
	}

	outcome := "completed"
	if runErrs.ErrorOrNil() != nil {
		outcome = "asset_errors"
	}

	metrics.TaskRunsTotal.With(prometheus.Labels{"kind": string(op.kind), "outcome": outcome}).Inc()

	if err := d.Finalize(ctx, taskID); err != nil {
		// per-asset outcomes are already durable; the caller polls the
		// task record, so a finalize error is not surfaced.
		d.logger.WithField("taskID", taskID).WithError(err).Error("task status aggregation failed")
	}

	return nil
}

// processAsset runs the per-asset pipeline: resolve, classify, open a
// session, dispatch, audit. A returned error means an unexpected
// collaborator failure that aborted this asset's remaining steps.
func (d *Driver) processAsset(ctx context.Context, task *model.Task, taskAsset *model.TaskAsset, snapshot []*model.AssetStatus, op *operation) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Driver.processAsset")
	defer span.End()

	ref := model.AssetRef{TypeID: taskAsset.TypeID, AssetID: taskAsset.AssetID}

	resolved, err := fleet.Resolve(ref, op.desiredTypeID(task, taskAsset), snapshot)

	switch {
	case errors.Is(err, fleet.ErrDuplicateRootAsset):
		// integrity violation in the snapshot, not attributable to this
		// task-asset: no status is written for it.
		return err

	case errors.Is(err, fleet.ErrAssetNotFound):
		// the task references an asset topology that does not exist - a
		// configuration defect, not a transient condition.
		return d.failAsset(ctx, taskAsset, model.TaskAssetSystemError)

	case err != nil:
		return err
	}

	if resolved.Status == model.AssetHealthMissing {
		// the device is not currently reachable; safe to retry the whole
		// task later.
		return d.failAsset(ctx, taskAsset, model.TaskAssetConnectionError)
	}

	if err := op.dispatch(ctx, task, taskAsset, resolved); err != nil {
		return err
	}

	d.recorder.RecordExecute(ctx, task.ID, taskAsset.TypeID, taskAsset.AssetID)

	return d.repo.UpdateTaskAssetStatus(ctx, task.ID, taskAsset.TypeID, taskAsset.AssetID, model.TaskAssetInProgress)
}

// failAsset records a pre-flight classification as the task-asset's
// terminal status along with a fail audit event. No session is opened and
// no command is published for the asset.
func (d *Driver) failAsset(ctx context.Context, taskAsset *model.TaskAsset, status model.TaskAssetStatus) error {
	metrics.PreflightFailuresTotal.With(prometheus.Labels{"classification": string(status)}).Inc()

	d.logger.WithFields(
		logrus.Fields{
			"taskID":         taskAsset.TaskID,
			"typeID":         taskAsset.TypeID,
			"assetID":        taskAsset.AssetID,
			"classification": status,
		}).Warn("task asset failed pre-flight classification")

	if err := d.repo.UpdateTaskAssetStatus(ctx, taskAsset.TaskID, taskAsset.TypeID, taskAsset.AssetID, status); err != nil {
		return err
	}

	d.recorder.RecordFail(ctx, taskAsset.TaskID, taskAsset.TypeID, taskAsset.AssetID, string(status))

	return nil
}
