package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fleetmaint/dispatchd/internal/audit"
	"github.com/fleetmaint/dispatchd/internal/model"
	"github.com/fleetmaint/dispatchd/internal/orchestrator"
	"github.com/fleetmaint/dispatchd/internal/store"
)

// TaskRunner triggers a previously scheduled task, one entry point per
// operation kind.
type TaskRunner interface {
	RunDownloadPackage(ctx context.Context, taskID string) error
	RunRetrieveLog(ctx context.Context, taskID string) error
}

// Handler serves the task scheduling and operation trigger endpoints.
type Handler struct {
	runner   TaskRunner
	repo     store.Repository
	recorder *audit.Recorder
	validate *validator.Validate
	logger   *logrus.Logger
}

func NewHandler(runner TaskRunner, repo store.Repository, recorder *audit.Recorder, logger *logrus.Logger) *Handler {
	return &Handler{
		runner:   runner,
		repo:     repo,
		recorder: recorder,
		validate: validator.New(),
		logger:   logger,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type runTaskRequest struct {
	TaskID string `json:"taskId" validate:"required,uuid"`
}

type assetRefRequest struct {
	TypeID  string `json:"typeId" validate:"required"`
	AssetID string `json:"assetId" validate:"required"`
}

type packageRequest struct {
	ID           string `json:"id" validate:"required"`
	Name         string `json:"name" validate:"required"`
	Version      string `json:"version"`
	TargetTypeID string `json:"targetTypeId" validate:"required"`
}

type createTaskRequest struct {
	Kind    model.TaskKind    `json:"kind" validate:"required,oneof=download-package retrieve-log"`
	Package *packageRequest   `json:"package,omitempty"`
	LogType string            `json:"logType,omitempty"`
	Assets  []assetRefRequest `json:"assets" validate:"required,min=1,dive"`
}

type taskAssetResponse struct {
	TypeID    string                `json:"typeId"`
	AssetID   string                `json:"assetId"`
	Status    model.TaskAssetStatus `json:"status"`
	StartedAt *time.Time            `json:"startedAt,omitempty"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

type taskResponse struct {
	TaskID  string              `json:"taskId"`
	Kind    model.TaskKind      `json:"kind"`
	Status  model.TaskStatus    `json:"status"`
	LogType string              `json:"logType,omitempty"`
	Package *packageRequest     `json:"package,omitempty"`
	Assets  []taskAssetResponse `json:"assets"`
}

// RunDownloadPackage handles POST /operations/download-package.
func (h *Handler) RunDownloadPackage(w http.ResponseWriter, r *http.Request) {
	h.runTask(w, r, h.runner.RunDownloadPackage)
}

// RunRetrieveLog handles POST /operations/retrieve-log.
func (h *Handler) RunRetrieveLog(w http.ResponseWriter, r *http.Request) {
	h.runTask(w, r, h.runner.RunRetrieveLog)
}

// runTask triggers the task and answers no content on success, including
// the already-started no-op case. Per-asset failures are captured in
// task-asset rows, never surfaced as HTTP errors.
func (h *Handler) runTask(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, taskID string) error) {
	ctx := r.Context()

	var req runTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := run(ctx, req.TaskID)

	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)

	case errors.Is(err, model.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", err.Error())

	case errors.Is(err, orchestrator.ErrTaskKind):
		writeError(w, http.StatusBadRequest, "task_kind_mismatch", err.Error())

	default:
		h.logger.WithField("taskID", req.TaskID).WithError(err).Error("task trigger failed")
		writeError(w, http.StatusInternalServerError, "task_start_failed", err.Error())
	}
}

// CreateTask handles POST /tasks - schedules a task with its task-asset
// records in one transaction.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch req.Kind {
	case model.TaskKindDownloadPackage:
		if req.Package == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "download-package tasks require a package")
			return
		}
	case model.TaskKindRetrieveLog:
		if req.LogType == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "retrieve-log tasks require a logType")
			return
		}
	}

	task := &model.Task{
		ID:      uuid.New().String(),
		Kind:    req.Kind,
		Status:  model.TaskScheduled,
		LogType: req.LogType,
	}

	if req.Package != nil {
		task.Package = &model.Package{
			ID:           req.Package.ID,
			Name:         req.Package.Name,
			Version:      req.Package.Version,
			TargetTypeID: req.Package.TargetTypeID,
		}
	}

	for _, ref := range req.Assets {
		task.Assets = append(task.Assets, &model.TaskAsset{
			TaskID:  task.ID,
			TypeID:  ref.TypeID,
			AssetID: ref.AssetID,
			Status:  model.TaskAssetScheduled,
		})
	}

	if err := h.repo.CreateTask(ctx, task); err != nil {
		h.logger.WithError(err).Error("task create failed")
		writeError(w, http.StatusInternalServerError, "task_create_failed", err.Error())

		return
	}

	for _, asset := range task.Assets {
		h.recorder.RecordCreate(ctx, task.ID, asset.TypeID, asset.AssetID)
	}

	h.logger.WithFields(
		logrus.Fields{
			"taskID": task.ID,
			"kind":   task.Kind,
			"assets": len(task.Assets),
		}).Info("task scheduled")

	writeJSON(w, http.StatusCreated, map[string]string{"taskId": task.ID})
}

// GetTask handles GET /tasks/{taskID} - the status polling surface.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskID := chi.URLParam(r, "taskID")
	if _, err := uuid.Parse(taskID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid task ID")
		return
	}

	task, err := h.repo.TaskByID(ctx, taskID)

	switch {
	case errors.Is(err, model.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", err.Error())
		return

	case err != nil:
		h.logger.WithField("taskID", taskID).WithError(err).Error("task lookup failed")
		writeError(w, http.StatusInternalServerError, "task_lookup_failed", err.Error())

		return
	}

	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func toTaskResponse(task *model.Task) *taskResponse {
	response := &taskResponse{
		TaskID:  task.ID,
		Kind:    task.Kind,
		Status:  task.Status,
		LogType: task.LogType,
		Assets:  []taskAssetResponse{},
	}

	if task.Package != nil {
		response.Package = &packageRequest{
			ID:           task.Package.ID,
			Name:         task.Package.Name,
			Version:      task.Package.Version,
			TargetTypeID: task.Package.TargetTypeID,
		}
	}

	for _, asset := range task.Assets {
		entry := taskAssetResponse{
			TypeID:    asset.TypeID,
			AssetID:   asset.AssetID,
			Status:    asset.Status,
			UpdatedAt: asset.UpdatedAt,
		}

		if !asset.StartedAt.IsZero() {
			startedAt := asset.StartedAt
			entry.StartedAt = &startedAt
		}

		response.Assets = append(response.Assets, entry)
	}

	return response
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &errorResponse{Code: code, Message: message})
}
