package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/fleetmaint/dispatchd/internal/metrics"
	"github.com/fleetmaint/dispatchd/internal/model"
	"github.com/fleetmaint/dispatchd/internal/transfer"
)

// Command names on the bus.
const (
	CommandDownloadPackage = "DownloadPackage"
	CommandUploadLogs      = "UploadLogs"
)

var (
	ErrDispatch = errors.New("command dispatch error")
)

// commandMeta is the correlation metadata every command payload carries.
// MessageID is the owning task ID.
type commandMeta struct {
	TypeID    string `json:"typeId"`
	AssetID   string `json:"assetId"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type downloadPackageCommand struct {
	commandMeta
	transfer.Endpoint
	PackageID      string `json:"packageId"`
	PackageName    string `json:"packageName"`
	PackageVersion string `json:"packageVersion"`
}

type uploadLogsCommand struct {
	commandMeta
	transfer.UploadEndpoint
	LogType string `json:"logType"`
}

// CommandTopic returns the bus topic a command is published to.
func CommandTopic(topicPrefix, commandName string) string {
	return topicPrefix + "/command/" + commandName
}

// dispatchDownloadPackage opens one session for the resolved target
// sub-asset and publishes a single retained download command.
func (d *Driver) dispatchDownloadPackage(ctx context.Context, task *model.Task, _ *model.TaskAsset, resolved *model.AssetStatus) error {
	sess, err := d.sessions.Open(ctx, resolved.TypeID, resolved.AssetID)
	if err != nil {
		metrics.SessionOpenErrorsTotal.With(prometheus.Labels{"kind": string(task.Kind)}).Inc()

		return err
	}

	command := &downloadPackageCommand{
		commandMeta: commandMeta{
			TypeID:    resolved.TypeID,
			AssetID:   resolved.AssetID,
			SessionID: sess.SessionID,
			MessageID: task.ID,
		},
		Endpoint:       d.transfer.DownloadURL(task.Package.Name),
		PackageID:      task.Package.ID,
		PackageName:    task.Package.Name,
		PackageVersion: task.Package.Version,
	}

	return d.publish(ctx, CommandTopic(sess.TopicPrefix, CommandDownloadPackage), CommandDownloadPackage, command)
}

// dispatchRetrieveLog fans out over every sub-component of the resolved
// root device: per sub-asset it opens its own session, records the
// expected log artifact and publishes a retained upload command.
//
// Sub-assets are processed sequentially and a failure is not isolated
// from the rest - it propagates, the remaining sub-assets are skipped and
// the task-asset level execute audit is never written.
func (d *Driver) dispatchRetrieveLog(ctx context.Context, task *model.Task, taskAsset *model.TaskAsset, root *model.AssetStatus) error {
	for _, sub := range root.SubAssets {
		sess, err := d.sessions.Open(ctx, sub.TypeID, sub.AssetID)
		if err != nil {
			metrics.SessionOpenErrorsTotal.With(prometheus.Labels{"kind": string(task.Kind)}).Inc()

			return err
		}

		endpoint := d.transfer.UploadURL(task.ID, sub.TypeID, sub.AssetID)

		err = d.repo.InsertExpectedLogArtifact(
			ctx,
			task.ID,
			sub.TypeID,
			sub.AssetID,
			d.transfer.UploadPath(task.ID, sub.TypeID, sub.AssetID),
		)
		if err != nil {
			return err
		}

		command := &uploadLogsCommand{
			commandMeta: commandMeta{
				TypeID:    sub.TypeID,
				AssetID:   sub.AssetID,
				SessionID: sess.SessionID,
				MessageID: task.ID,
			},
			UploadEndpoint: endpoint,
			LogType:        task.LogType,
		}

		if err := d.publish(ctx, CommandTopic(sess.TopicPrefix, CommandUploadLogs), CommandUploadLogs, command); err != nil {
			return err
		}

		d.logger.WithFields(
			logrus.Fields{
				"taskID":     task.ID,
				"rootTypeID": taskAsset.TypeID,
				"typeID":     sub.TypeID,
				"assetID":    sub.AssetID,
			}).Debug("log upload command dispatched")
	}

	return nil
}

func (d *Driver) publish(ctx context.Context, topic, commandName string, command interface{}) error {
	payload, err := json.Marshal(command)
	if err != nil {
		return errors.Wrap(ErrDispatch, err.Error())
	}

	if err := d.publisher.PublishRetained(ctx, topic, payload); err != nil {
		return err
	}

	metrics.CommandsPublishedTotal.With(prometheus.Labels{"command": commandName}).Inc()

	return nil
}
