package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fleetmaint/dispatchd/internal/app"
	"github.com/fleetmaint/dispatchd/internal/model"
	"github.com/fleetmaint/dispatchd/internal/store/sqlite"
)

var (
	ErrStore = errors.New("store error")
)

// Repository is the durable task record store.
//
// All operations are individually transactionally safe; callers do not
// wrap multi-step sequences in their own transaction.
type Repository interface {
	// TaskByID returns the task identified by taskID along with its
	// task-asset records, in scheduling order.
	TaskByID(ctx context.Context, taskID string) (*model.Task, error)

	// CreateTask inserts the task and its task-asset records in one transaction.
	CreateTask(ctx context.Context, task *model.Task) error

	// MarkTaskInProgress transitions the task from Scheduled to InProgress.
	// It reports whether the transition was applied; a task in any other
	// state is left untouched.
	MarkTaskInProgress(ctx context.Context, taskID string) (bool, error)

	// UpdateTaskStatus sets the task level status.
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error

	// UpdateTaskAssetStatus sets the status of one task-asset record.
	UpdateTaskAssetStatus(ctx context.Context, taskID, typeID, assetID string, status model.TaskAssetStatus) error

	// InsertExpectedLogArtifact records the file path a device is expected
	// to upload its diagnostic log archive to.
	InsertExpectedLogArtifact(ctx context.Context, taskID, typeID, assetID, filePath string) error

	// InsertAuditEvent appends one audit event to the side channel.
	InsertAuditEvent(ctx context.Context, event *model.AuditEvent) error

	// Close releases the underlying store handle.
	Close() error
}

func NewRepository(ctx context.Context, cfg *app.Configuration, logger *logrus.Logger) (Repository, error) {
	switch cfg.StoreOptions.Kind {
	case "sqlite", "":
		return sqlite.New(ctx, cfg.StoreOptions.DBPath, logger)

	default:
		return nil, errors.Wrap(ErrStore, "unsupported store kind: "+cfg.StoreOptions.Kind)
	}
}
