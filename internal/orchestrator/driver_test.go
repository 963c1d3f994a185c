package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fleetmaint/dispatchd/internal/app"
	"github.com/fleetmaint/dispatchd/internal/audit"
	"github.com/fleetmaint/dispatchd/internal/fleet"
	"github.com/fleetmaint/dispatchd/internal/model"
	"github.com/fleetmaint/dispatchd/internal/store/mock"
	"github.com/fleetmaint/dispatchd/internal/transfer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testTaskID = "ac64c0ea-9b74-4dbe-bb4e-68755b152b11"

	rootTypeID = "chassis-9000"
	rootAsset  = "asset-001"

	targetTypeID = "bmc-ctrl"
	targetAsset  = "asset-001-bmc"
)

type fakeMonitor struct {
	snapshot []*model.AssetStatus
	err      error
	calls    int
}

func (f *fakeMonitor) Snapshot(_ context.Context, _ []model.AssetRef) ([]*model.AssetStatus, error) {
	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	return f.snapshot, nil
}

type fakeOpener struct {
	calls int
	// failAt fails the n-th Open call, 0 disables.
	failAt int
}

func (f *fakeOpener) Open(_ context.Context, typeID, assetID string) (*model.Session, error) {
	f.calls++

	if f.failAt != 0 && f.calls == f.failAt {
		return nil, errors.New("session manager unavailable")
	}

	return &model.Session{
		TypeID:      typeID,
		AssetID:     assetID,
		SessionID:   "6fa459ea-ee8a-3ca4-894e-db77e160355e",
		TopicPrefix: "fleet/device/" + assetID,
	}, nil
}

type publishedCommand struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	published []publishedCommand
	err       error
}

func (f *fakePublisher) PublishRetained(_ context.Context, topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}

	f.published = append(f.published, publishedCommand{topic: topic, payload: payload})

	return nil
}

func (f *fakePublisher) Close() error { return nil }

type driverFixture struct {
	driver    *Driver
	repo      *mock.Mock
	monitor   *fakeMonitor
	opener    *fakeOpener
	publisher *fakePublisher
}

func newDriverFixture(snapshot []*model.AssetStatus) *driverFixture {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := mock.New()
	monitor := &fakeMonitor{snapshot: snapshot}
	opener := &fakeOpener{}
	publisher := &fakePublisher{}

	builder := transfer.NewBuilder(&app.TransferOptions{
		DownloadProtocol: "http",
		DownloadHost:     "packages.internal",
		DownloadBasePath: "firmware",
		UploadProtocol:   "http",
		UploadHost:       "logs.internal",
		UploadBasePath:   "artifacts",
	})

	return &driverFixture{
		driver:    NewDriver(repo, monitor, opener, publisher, audit.NewRecorder(repo, logger), builder, logger),
		repo:      repo,
		monitor:   monitor,
		opener:    opener,
		publisher: publisher,
	}
}

func downloadTask() *model.Task {
	return &model.Task{
		ID:     testTaskID,
		Kind:   model.TaskKindDownloadPackage,
		Status: model.TaskScheduled,
		Package: &model.Package{
			ID:           "pkg-77",
			Name:         "bmc-fw-2.1.0.bin",
			Version:      "2.1.0",
			TargetTypeID: targetTypeID,
		},
		Assets: []*model.TaskAsset{
			{
				TaskID:  testTaskID,
				TypeID:  rootTypeID,
				AssetID: rootAsset,
				Status:  model.TaskAssetScheduled,
			},
		},
	}
}

func retrieveLogTask() *model.Task {
	return &model.Task{
		ID:      testTaskID,
		Kind:    model.TaskKindRetrieveLog,
		Status:  model.TaskScheduled,
		LogType: "diagnostic",
		Assets: []*model.TaskAsset{
			{
				TaskID:  testTaskID,
				TypeID:  rootTypeID,
				AssetID: rootAsset,
				Status:  model.TaskAssetScheduled,
			},
		},
	}
}

func healthySnapshot() []*model.AssetStatus {
	return []*model.AssetStatus{
		{
			TypeID:  rootTypeID,
			AssetID: rootAsset,
			Status:  model.AssetHealthGood,
			SubAssets: []*model.AssetStatus{
				{TypeID: targetTypeID, AssetID: targetAsset, Status: model.AssetHealthGood},
			},
		},
	}
}

func TestRunDownloadPackageDispatchesToResolvedSubAsset(t *testing.T) {
	fixture := newDriverFixture(healthySnapshot())
	require.NoError(t, fixture.repo.CreateTask(context.Background(), downloadTask()))

	err := fixture.driver.RunDownloadPackage(context.Background(), testTaskID)
	require.NoError(t, err)

	require.Len(t, fixture.publisher.published, 1)
	assert.Equal(t, "fleet/device/"+targetAsset+"/command/DownloadPackage", fixture.publisher.published[0].topic)

	command := &downloadPackageCommand{}
	require.NoError(t, json.Unmarshal(fixture.publisher.published[0].payload, command))

	assert.Equal(t, targetTypeID, command.TypeID)
	assert.Equal(t, targetAsset, command.AssetID)
	assert.Equal(t, testTaskID, command.MessageID)
	assert.Equal(t, "pkg-77", command.PackageID)
	assert.Equal(t, "http://packages.internal/firmware/bmc-fw-2.1.0.bin", command.URL)

	task, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, task.Status)
	assert.Equal(t, model.TaskAssetInProgress, task.Assets[0].Status)

	assert.Len(t, fixture.repo.EventsByAction(model.AuditActionExecute), 1)
	assert.Equal(t, 1, fixture.opener.calls)
}

func TestRunDownloadPackageTargetsRootWhenTypesMatch(t *testing.T) {
	task := downloadTask()
	task.Package.TargetTypeID = rootTypeID

	fixture := newDriverFixture(healthySnapshot())
	require.NoError(t, fixture.repo.CreateTask(context.Background(), task))

	require.NoError(t, fixture.driver.RunDownloadPackage(context.Background(), testTaskID))

	require.Len(t, fixture.publisher.published, 1)
	assert.Equal(t, "fleet/device/"+rootAsset+"/command/DownloadPackage", fixture.publisher.published[0].topic)
}

func TestRunIsIdempotentForStartedTasks(t *testing.T) {
	task := downloadTask()
	task.Status = model.TaskInProgress

	fixture := newDriverFixture(healthySnapshot())
	require.NoError(t, fixture.repo.CreateTask(context.Background(), task))

	err := fixture.driver.RunDownloadPackage(context.Background(), testTaskID)
	require.NoError(t, err)

	assert.Zero(t, fixture.monitor.calls)
	assert.Zero(t, fixture.opener.calls)
	assert.Empty(t, fixture.publisher.published)
}

func TestRunRejectsKindMismatch(t *testing.T) {
	fixture := newDriverFixture(healthySnapshot())
	require.NoError(t, fixture.repo.CreateTask(context.Background(), retrieveLogTask()))

	err := fixture.driver.RunDownloadPackage(context.Background(), testTaskID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskKind))

	task, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskScheduled, task.Status)
}

func TestRunUnknownTask(t *testing.T) {
	fixture := newDriverFixture(nil)

	err := fixture.driver.RunDownloadPackage(context.Background(), testTaskID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTaskNotFound))
}

func TestRunSnapshotFailureAbortsStart(t *testing.T) {
	fixture := newDriverFixture(nil)
	fixture.monitor.err = errors.New("fleet monitor unreachable")

	require.NoError(t, fixture.repo.CreateTask(context.Background(), downloadTask()))

	err := fixture.driver.RunDownloadPackage(context.Background(), testTaskID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskStart))
	assert.Empty(t, fixture.publisher.published)

	// the task was never started, a later trigger can retry it
	stored, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskScheduled, stored.Status)
	assert.Equal(t, model.TaskAssetScheduled, stored.Assets[0].Status)
}

func TestRunRetriesAfterMonitorRecovery(t *testing.T) {
	fixture := newDriverFixture(healthySnapshot())
	fixture.monitor.err = errors.New("fleet monitor unreachable")

	require.NoError(t, fixture.repo.CreateTask(context.Background(), downloadTask()))

	err := fixture.driver.RunDownloadPackage(context.Background(), testTaskID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskStart))

	// monitor recovers, the retried trigger runs the task to dispatch
	fixture.monitor.err = nil

	require.NoError(t, fixture.driver.RunDownloadPackage(context.Background(), testTaskID))

	require.Len(t, fixture.publisher.published, 1)

	stored, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, stored.Status)
	assert.Equal(t, model.TaskAssetInProgress, stored.Assets[0].Status)
}

func TestRunClassifiesUnknownAssetAsSystemError(t *testing.T) {
	fixture := newDriverFixture([]*model.AssetStatus{})
	require.NoError(t, fixture.repo.CreateTask(context.Background(), downloadTask()))

	require.NoError(t, fixture.driver.RunDownloadPackage(context.Background(), testTaskID))

	task, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskAssetSystemError, task.Assets[0].Status)
	assert.Equal(t, model.TaskFailure, task.Status)

	// pre-flight failures must not open sessions or publish commands
	assert.Zero(t, fixture.opener.calls)
	assert.Empty(t, fixture.publisher.published)

	failEvents := fixture.repo.EventsByAction(model.AuditActionFail)
	require.Len(t, failEvents, 1)
	assert.Equal(t, string(model.TaskAssetSystemError), failEvents[0].Error)
}

func TestRunClassifiesMissingAssetAsConnectionError(t *testing.T) {
	snapshot := healthySnapshot()
	snapshot[0].Status = model.AssetHealthMissing

	fixture := newDriverFixture(snapshot)

	task := downloadTask()
	task.Package.TargetTypeID = rootTypeID
	require.NoError(t, fixture.repo.CreateTask(context.Background(), task))

	require.NoError(t, fixture.driver.RunDownloadPackage(context.Background(), testTaskID))

	stored, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskAssetConnectionError, stored.Assets[0].Status)
	assert.Equal(t, model.TaskFailure, stored.Status)
	assert.Zero(t, fixture.opener.calls)
}

func TestRunMissingTargetSubAssetIsSystemError(t *testing.T) {
	snapshot := healthySnapshot()
	snapshot[0].SubAssets = nil

	fixture := newDriverFixture(snapshot)
	require.NoError(t, fixture.repo.CreateTask(context.Background(), downloadTask()))

	require.NoError(t, fixture.driver.RunDownloadPackage(context.Background(), testTaskID))

	stored, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskAssetSystemError, stored.Assets[0].Status)
}

func TestRunDuplicateRootWritesNoAssetStatus(t *testing.T) {
	snapshot := append(healthySnapshot(), healthySnapshot()...)

	fixture := newDriverFixture(snapshot)
	require.NoError(t, fixture.repo.CreateTask(context.Background(), downloadTask()))

	require.NoError(t, fixture.driver.RunDownloadPackage(context.Background(), testTaskID))

	stored, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)

	// a snapshot integrity violation is not attributed to the task-asset
	assert.Equal(t, model.TaskAssetScheduled, stored.Assets[0].Status)
	assert.Equal(t, model.TaskInProgress, stored.Status)
	assert.Empty(t, fixture.repo.EventsByAction(model.AuditActionFail))
}

func TestRunProcessesAssetsSequentiallyAndIsolatesFailures(t *testing.T) {
	secondAsset := "asset-002"
	snapshot := healthySnapshot()
	// second task-asset has no snapshot entry at all

	task := downloadTask()
	task.Assets = append(task.Assets, &model.TaskAsset{
		TaskID:  testTaskID,
		TypeID:  rootTypeID,
		AssetID: secondAsset,
		Status:  model.TaskAssetScheduled,
	})

	fixture := newDriverFixture(snapshot)
	require.NoError(t, fixture.repo.CreateTask(context.Background(), task))

	require.NoError(t, fixture.driver.RunDownloadPackage(context.Background(), testTaskID))

	stored, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)

	assert.Equal(t, model.TaskAssetInProgress, stored.Assets[0].Status)
	assert.Equal(t, model.TaskAssetSystemError, stored.Assets[1].Status)
	assert.Equal(t, model.TaskInProgress, stored.Status)
	require.Len(t, fixture.publisher.published, 1)
}

func TestRunRetrieveLogFansOutPerSubAsset(t *testing.T) {
	snapshot := healthySnapshot()
	snapshot[0].SubAssets = []*model.AssetStatus{
		{TypeID: rootTypeID, AssetID: rootAsset, Status: model.AssetHealthGood},
		{TypeID: "bmc-ctrl", AssetID: "asset-001-bmc", Status: model.AssetHealthGood},
		{TypeID: "io-board", AssetID: "asset-001-io", Status: model.AssetHealthGood},
	}

	fixture := newDriverFixture(snapshot)
	require.NoError(t, fixture.repo.CreateTask(context.Background(), retrieveLogTask()))

	require.NoError(t, fixture.driver.RunRetrieveLog(context.Background(), testTaskID))

	require.Len(t, fixture.publisher.published, 3)
	assert.Equal(t, 3, fixture.opener.calls)

	for i, entry := range fixture.publisher.published {
		sub := snapshot[0].SubAssets[i]
		assert.Equal(t, "fleet/device/"+sub.AssetID+"/command/UploadLogs", entry.topic)

		command := &uploadLogsCommand{}
		require.NoError(t, json.Unmarshal(entry.payload, command))
		assert.Equal(t, sub.TypeID, command.TypeID)
		assert.Equal(t, sub.AssetID, command.AssetID)
		assert.Equal(t, "diagnostic", command.LogType)
		assert.Equal(t, sub.TypeID+"-"+sub.AssetID+".tar.gz", command.Filename)
	}

	require.Len(t, fixture.repo.Artifacts, 3)
	assert.Equal(t, "/artifacts/"+testTaskID+"/"+rootTypeID+"-"+rootAsset+".tar.gz", fixture.repo.Artifacts[0])

	stored, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskAssetInProgress, stored.Assets[0].Status)
	assert.Len(t, fixture.repo.EventsByAction(model.AuditActionExecute), 1)
}

func TestRunRetrieveLogFanOutFailsFast(t *testing.T) {
	snapshot := healthySnapshot()
	snapshot[0].SubAssets = []*model.AssetStatus{
		{TypeID: rootTypeID, AssetID: rootAsset, Status: model.AssetHealthGood},
		{TypeID: "bmc-ctrl", AssetID: "asset-001-bmc", Status: model.AssetHealthGood},
		{TypeID: "io-board", AssetID: "asset-001-io", Status: model.AssetHealthGood},
	}

	fixture := newDriverFixture(snapshot)
	fixture.opener.failAt = 2
	require.NoError(t, fixture.repo.CreateTask(context.Background(), retrieveLogTask()))

	require.NoError(t, fixture.driver.RunRetrieveLog(context.Background(), testTaskID))

	// the first sub-asset went out, the failure stopped the rest
	require.Len(t, fixture.publisher.published, 1)
	assert.Equal(t, 2, fixture.opener.calls)
	assert.Len(t, fixture.repo.Artifacts, 1)

	// the task-asset never reached the execute milestone
	assert.Empty(t, fixture.repo.EventsByAction(model.AuditActionExecute))

	stored, err := fixture.repo.TaskByID(context.Background(), testTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskAssetScheduled, stored.Assets[0].Status)
	assert.Equal(t, model.TaskInProgress, stored.Status)
}

func TestDuplicateRootSnapshotResolveError(t *testing.T) {
	snapshot := append(healthySnapshot(), healthySnapshot()...)

	_, err := fleet.Resolve(
		model.AssetRef{TypeID: rootTypeID, AssetID: rootAsset},
		targetTypeID,
		snapshot,
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrDuplicateRootAsset))
}
