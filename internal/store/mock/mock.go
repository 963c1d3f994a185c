package mock

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/fleetmaint/dispatchd/internal/model"
)

// Mock is an in-memory task record store.
type Mock struct {
	mu     sync.Mutex
	tasks  map[string]*model.Task
	Events []*model.AuditEvent
	// Artifacts collects InsertExpectedLogArtifact calls as file paths.
	Artifacts []string

	// FailAuditWrites makes InsertAuditEvent return an error.
	FailAuditWrites bool
}

func New() *Mock {
	return &Mock{tasks: map[string]*model.Task{}}
}

func (m *Mock) TaskByID(_ context.Context, taskID string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[taskID]
	if !exists {
		return nil, errors.Wrap(model.ErrTaskNotFound, taskID)
	}

	return copyTask(task), nil
}

func (m *Mock) CreateTask(_ context.Context, task *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[task.ID] = copyTask(task)

	return nil
}

func (m *Mock) MarkTaskInProgress(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[taskID]
	if !exists {
		return false, errors.Wrap(model.ErrTaskNotFound, taskID)
	}

	if task.Status != model.TaskScheduled {
		return false, nil
	}

	task.Status = model.TaskInProgress

	return true, nil
}

func (m *Mock) UpdateTaskStatus(_ context.Context, taskID string, status model.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[taskID]
	if !exists {
		return errors.Wrap(model.ErrTaskNotFound, taskID)
	}

	task.Status = status

	return nil
}

func (m *Mock) UpdateTaskAssetStatus(_ context.Context, taskID, typeID, assetID string, status model.TaskAssetStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[taskID]
	if !exists {
		return errors.Wrap(model.ErrTaskNotFound, taskID)
	}

	for _, asset := range task.Assets {
		if asset.TypeID == typeID && asset.AssetID == assetID {
			asset.Status = status
			return nil
		}
	}

	return errors.Wrap(model.ErrStoreQuery, "no task asset record")
}

func (m *Mock) InsertExpectedLogArtifact(_ context.Context, _, _, _, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Artifacts = append(m.Artifacts, filePath)

	return nil
}

func (m *Mock) InsertAuditEvent(_ context.Context, event *model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAuditWrites {
		return errors.New("audit sink unavailable")
	}

	m.Events = append(m.Events, event)

	return nil
}

func (m *Mock) Close() error { return nil }

// EventsByAction returns recorded audit events matching the action.
func (m *Mock) EventsByAction(action model.AuditAction) []*model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := []*model.AuditEvent{}

	for _, event := range m.Events {
		if event.Action == action {
			matched = append(matched, event)
		}
	}

	return matched
}

func copyTask(task *model.Task) *model.Task {
	copied := *task
	copied.Assets = make([]*model.TaskAsset, 0, len(task.Assets))

	for _, asset := range task.Assets {
		a := *asset
		copied.Assets = append(copied.Assets, &a)
	}

	if task.Package != nil {
		pkg := *task.Package
		copied.Package = &pkg
	}

	return &copied
}
