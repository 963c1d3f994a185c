package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetmaint/dispatchd/internal/metrics"
	"github.com/fleetmaint/dispatchd/internal/model"
)

// Sink is the audit event side channel.
type Sink interface {
	InsertAuditEvent(ctx context.Context, event *model.AuditEvent) error
}

// Recorder writes workflow milestone events for task-assets.
//
// The audit channel is strictly best-effort: a failing sink write is
// logged with the attempted parameters attached and then swallowed - it
// never affects task outcome.
type Recorder struct {
	sink   Sink
	logger *logrus.Entry
}

func NewRecorder(sink Sink, logger *logrus.Logger) *Recorder {
	return &Recorder{
		sink:   sink,
		logger: logger.WithField("component", "audit.recorder"),
	}
}

// RecordCreate records the scheduling of a task-asset.
func (r *Recorder) RecordCreate(ctx context.Context, taskID, typeID, assetID string) {
	r.record(ctx, &model.AuditEvent{
		TaskID:  taskID,
		TypeID:  typeID,
		AssetID: assetID,
		Action:  model.AuditActionCreate,
	})
}

// RecordExecute records a successfully dispatched command for a task-asset.
func (r *Recorder) RecordExecute(ctx context.Context, taskID, typeID, assetID string) {
	r.record(ctx, &model.AuditEvent{
		TaskID:  taskID,
		TypeID:  typeID,
		AssetID: assetID,
		Action:  model.AuditActionExecute,
	})
}

// RecordFail records a failed task-asset along with the classified error kind.
func (r *Recorder) RecordFail(ctx context.Context, taskID, typeID, assetID, errorKind string) {
	r.record(ctx, &model.AuditEvent{
		TaskID:  taskID,
		TypeID:  typeID,
		AssetID: assetID,
		Action:  model.AuditActionFail,
		Error:   errorKind,
	})
}

func (r *Recorder) record(ctx context.Context, event *model.AuditEvent) {
	event.CreatedAt = time.Now()

	if err := r.sink.InsertAuditEvent(ctx, event); err != nil {
		metrics.AuditWriteErrorsTotal.Inc()

		r.logger.WithFields(
			logrus.Fields{
				"taskID":  event.TaskID,
				"typeID":  event.TypeID,
				"assetID": event.AssetID,
				"action":  event.Action,
				"error":   event.Error,
			}).WithError(err).Error("audit event write failed")
	}
}
