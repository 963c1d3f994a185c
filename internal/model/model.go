package model

import (
	"time"

	"github.com/pkg/errors"
)

const (
	// AppName identifies this application in env vars and metrics.
	AppName = "dispatchd"

	LogLevelInfo  = "info"
	LogLevelDebug = "debug"
	LogLevelTrace = "trace"
)

var (
	// ErrTaskNotFound is returned when a task lookup matches no row.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStoreQuery wraps unexpected persistence errors.
	ErrStoreQuery = errors.New("store query error")

	// ErrConfig is returned on invalid or missing configuration.
	ErrConfig = errors.New("configuration error")
)

// TaskKind identifies the maintenance operation a task carries out.
type TaskKind string

const (
	TaskKindDownloadPackage TaskKind = "download-package"
	TaskKindRetrieveLog     TaskKind = "retrieve-log"
)

// TaskStatus is the task level status.
//
// Transitions are monotone forward: Scheduled -> InProgress -> {Complete, Failure}.
type TaskStatus string

const (
	TaskScheduled  TaskStatus = "Scheduled"
	TaskInProgress TaskStatus = "InProgress"
	TaskComplete   TaskStatus = "Complete"
	TaskFailure    TaskStatus = "Failure"
)

// TaskAssetStatus is the per-device-per-task status.
type TaskAssetStatus string

const (
	TaskAssetScheduled       TaskAssetStatus = "Scheduled"
	TaskAssetInProgress      TaskAssetStatus = "InProgress"
	TaskAssetComplete        TaskAssetStatus = "Complete"
	TaskAssetConnectionError TaskAssetStatus = "ConnectionError"
	TaskAssetDeviceError     TaskAssetStatus = "DeviceError"
	TaskAssetSystemError     TaskAssetStatus = "SystemError"
)

// AssetHealth is the live availability state of an asset as reported
// by the fleet monitor.
type AssetHealth string

const (
	AssetHealthGood    AssetHealth = "Good"
	AssetHealthError   AssetHealth = "Error"
	AssetHealthMissing AssetHealth = "Missing"
	AssetHealthOnline  AssetHealth = "Online"
)

// Task is one scheduled maintenance operation spanning one or more assets.
type Task struct {
	// ID is the task identifier, a UUID.
	ID string
	// Kind selects the operation - package download or log retrieval.
	Kind TaskKind
	// Status is the task level status.
	Status TaskStatus
	// Package is set for download-package tasks.
	Package *Package
	// LogType selects the diagnostic log class for retrieve-log tasks.
	LogType string
	// Assets are the per-device progress records, in scheduling order.
	Assets []*TaskAsset

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Package references a firmware package to be delivered to a device.
type Package struct {
	// ID is the package identifier.
	ID string
	// Name is the package file name on the transfer endpoint.
	Name string
	// Version is the package firmware version.
	Version string
	// TargetTypeID is the hardware model the package applies to,
	// a documented sub-component of the addressed device.
	TargetTypeID string
}

// TaskAsset is the per-device-per-task progress row.
//
// Rows are created when the task is scheduled and mutated once per
// terminal outcome; they are never deleted.
type TaskAsset struct {
	TaskID  string
	TypeID  string
	AssetID string
	Status  TaskAssetStatus

	StartedAt time.Time
	UpdatedAt time.Time
}

// AssetRef identifies one physical asset.
type AssetRef struct {
	TypeID  string `json:"typeId"`
	AssetID string `json:"assetId"`
}

// AssetStatus is one entry of a point-in-time availability snapshot.
// A root entry represents a composite physical device; SubAssets are
// its addressable sub-components.
type AssetStatus struct {
	TypeID    string         `json:"typeId"`
	AssetID   string         `json:"assetId"`
	Status    AssetHealth    `json:"status"`
	SubAssets []*AssetStatus `json:"subAssets"`
}

// Session is a short-lived correlation identifier for one
// command/response exchange over the message bus.
type Session struct {
	TypeID      string
	AssetID     string
	SessionID   string
	TopicPrefix string
}

// AuditAction is a recorded workflow milestone for a task-asset.
type AuditAction string

const (
	AuditActionCreate  AuditAction = "create"
	AuditActionExecute AuditAction = "execute"
	AuditActionFail    AuditAction = "fail"
)

// AuditEvent is an immutable record of one workflow milestone.
type AuditEvent struct {
	TaskID  string
	TypeID  string
	AssetID string
	Action  AuditAction
	// Error carries the classified error kind on fail events.
	Error string

	CreatedAt time.Time
}
