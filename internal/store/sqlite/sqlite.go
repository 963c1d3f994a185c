package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"github.com/prometheus/client_golang/prometheus"

	// database/sql driver
	_ "modernc.org/sqlite"

	"github.com/fleetmaint/dispatchd/internal/metrics"
	"github.com/fleetmaint/dispatchd/internal/model"
)

const (
	pkgName = "internal/store/sqlite"
)

var (
	ErrOpen = errors.New("error opening sqlite store")
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                     TEXT PRIMARY KEY,
	kind                   TEXT NOT NULL,
	status                 TEXT NOT NULL,
	package_id             TEXT,
	package_name           TEXT,
	package_version        TEXT,
	package_target_type_id TEXT,
	log_type               TEXT,
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_assets (
	task_id    TEXT NOT NULL REFERENCES tasks (id),
	type_id    TEXT NOT NULL,
	asset_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (task_id, type_id, asset_id)
);

CREATE TABLE IF NOT EXISTS log_artifacts (
	task_id    TEXT NOT NULL,
	type_id    TEXT NOT NULL,
	asset_id   TEXT NOT NULL,
	file_path  TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	task_id    TEXT NOT NULL,
	type_id    TEXT NOT NULL,
	asset_id   TEXT NOT NULL,
	action     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// Store is a sqlite backed task record store.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// New opens the sqlite database at dbPath and bootstraps the schema.
func New(ctx context.Context, dbPath string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(ErrOpen, err.Error())
	}

	// serialize access, the modernc driver does not support concurrent writers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, errors.Wrap(ErrOpen, "schema bootstrap: "+err.Error())
	}

	logger.WithField("dbPath", dbPath).Info("sqlite task store opened")

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// TaskByID returns the task and its task-asset records in scheduling order.
func (s *Store) TaskByID(ctx context.Context, taskID string) (*model.Task, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Sqlite.TaskByID")
	defer span.End()

	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, kind, status,
			COALESCE(package_id, ''), COALESCE(package_name, ''),
			COALESCE(package_version, ''), COALESCE(package_target_type_id, ''),
			COALESCE(log_type, ''), created_at, updated_at
		 FROM tasks WHERE id = ?`,
		taskID,
	)

	task := &model.Task{}
	pkg := &model.Package{}

	var createdAt, updatedAt int64

	err := row.Scan(
		&task.ID,
		&task.Kind,
		&task.Status,
		&pkg.ID,
		&pkg.Name,
		&pkg.Version,
		&pkg.TargetTypeID,
		&task.LogType,
		&createdAt,
		&updatedAt,
	)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errors.Wrap(model.ErrTaskNotFound, taskID)
	case err != nil:
		span.SetStatus(codes.Error, "task query failed")
		metrics.StoreQueryErrorsTotal.With(prometheus.Labels{"query": "task_by_id"}).Inc()

		return nil, errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	task.CreatedAt = time.Unix(createdAt, 0).UTC()
	task.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	if task.Kind == model.TaskKindDownloadPackage {
		task.Package = pkg
	}

	assets, err := s.taskAssets(ctx, taskID)
	if err != nil {
		return nil, err
	}

	task.Assets = assets

	return task, nil
}

func (s *Store) taskAssets(ctx context.Context, taskID string) ([]*model.TaskAsset, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT task_id, type_id, asset_id, status, started_at, updated_at
		 FROM task_assets WHERE task_id = ? ORDER BY rowid`,
		taskID,
	)
	if err != nil {
		metrics.StoreQueryErrorsTotal.With(prometheus.Labels{"query": "task_assets"}).Inc()

		return nil, errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	defer rows.Close()

	assets := []*model.TaskAsset{}

	for rows.Next() {
		asset := &model.TaskAsset{}

		var startedAt, updatedAt int64

		if err := rows.Scan(&asset.TaskID, &asset.TypeID, &asset.AssetID, &asset.Status, &startedAt, &updatedAt); err != nil {
			return nil, errors.Wrap(model.ErrStoreQuery, err.Error())
		}

		if startedAt != 0 {
			asset.StartedAt = time.Unix(startedAt, 0).UTC()
		}

		asset.UpdatedAt = time.Unix(updatedAt, 0).UTC()

		assets = append(assets, asset)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	return assets, nil
}

// CreateTask inserts the task and its task-asset records in one transaction.
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Sqlite.CreateTask")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().Unix()

	pkg := task.Package
	if pkg == nil {
		pkg = &model.Package{}
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO tasks
			(id, kind, status, package_id, package_name, package_version, package_target_type_id, log_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Kind,
		task.Status,
		pkg.ID,
		pkg.Name,
		pkg.Version,
		pkg.TargetTypeID,
		task.LogType,
		now,
		now,
	)
	if err != nil {
		span.SetStatus(codes.Error, "task insert failed")
		metrics.StoreQueryErrorsTotal.With(prometheus.Labels{"query": "create_task"}).Inc()

		return errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	for _, asset := range task.Assets {
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO task_assets (task_id, type_id, asset_id, status, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			task.ID,
			asset.TypeID,
			asset.AssetID,
			model.TaskAssetScheduled,
			now,
		)
		if err != nil {
			span.SetStatus(codes.Error, "task asset insert failed")
			metrics.StoreQueryErrorsTotal.With(prometheus.Labels{"query": "create_task"}).Inc()

			return errors.Wrap(model.ErrStoreQuery, err.Error())
		}
	}

	return tx.Commit()
}

// MarkTaskInProgress transitions the task from Scheduled to InProgress and
// reports whether the transition was applied.
func (s *Store) MarkTaskInProgress(ctx context.Context, taskID string) (bool, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Sqlite.MarkTaskInProgress")
	defer span.End()

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.TaskInProgress,
		time.Now().Unix(),
		taskID,
		model.TaskScheduled,
	)
	if err != nil {
		span.SetStatus(codes.Error, "task update failed")
		metrics.StoreQueryErrorsTotal.With(prometheus.Labels{"query": "mark_in_progress"}).Inc()

		return false, errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	return affected > 0, nil
}

// UpdateTaskStatus sets the task level status.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Sqlite.UpdateTaskStatus")
	defer span.End()

	_, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		time.Now().Unix(),
		taskID,
	)
	if err != nil {
		span.SetStatus(codes.Error, "task update failed")
		metrics.StoreQueryErrorsTotal.With(prometheus.Labels{"query": "update_task_status"}).Inc()

		return errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	return nil
}

// UpdateTaskAssetStatus sets the status of one task-asset record. Moving a
// record to InProgress stamps its started_at once.
func (s *Store) UpdateTaskAssetStatus(ctx context.Context, taskID, typeID, assetID string, status model.TaskAssetStatus) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Sqlite.UpdateTaskAssetStatus")
	defer span.End()

	now := time.Now().Unix()

	_, err := s.db.ExecContext(
		ctx,
		`UPDATE task_assets
		 SET status = ?, updated_at = ?,
		     started_at = CASE WHEN ? = ? AND started_at = 0 THEN ? ELSE started_at END
		 WHERE task_id = ? AND type_id = ? AND asset_id = ?`,
		status,
		now,
		status,
		model.TaskAssetInProgress,
		now,
		taskID,
		typeID,
		assetID,
	)
	if err != nil {
		span.SetStatus(codes.Error, "task asset update failed")
		metrics.StoreQueryErrorsTotal.With(prometheus.Labels{"query": "update_task_asset_status"}).Inc()

		return errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	return nil
}

// InsertExpectedLogArtifact records the file path a device is expected to
// upload its diagnostic log archive to.
func (s *Store) InsertExpectedLogArtifact(ctx context.Context, taskID, typeID, assetID, filePath string) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Sqlite.InsertExpectedLogArtifact")
	defer span.End()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO log_artifacts (task_id, type_id, asset_id, file_path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		taskID,
		typeID,
		assetID,
		filePath,
		time.Now().Unix(),
	)
	if err != nil {
		span.SetStatus(codes.Error, "log artifact insert failed")
		metrics.StoreQueryErrorsTotal.With(prometheus.Labels{"query": "insert_log_artifact"}).Inc()

		return errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	return nil
}

// InsertAuditEvent appends one audit event.
func (s *Store) InsertAuditEvent(ctx context.Context, event *model.AuditEvent) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Sqlite.InsertAuditEvent")
	defer span.End()

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO audit_events (task_id, type_id, asset_id, action, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.TaskID,
		event.TypeID,
		event.AssetID,
		event.Action,
		event.Error,
		createdAt.Unix(),
	)
	if err != nil {
		span.SetStatus(codes.Error, "audit event insert failed")
		metrics.StoreQueryErrorsTotal.With(prometheus.Labels{"query": "insert_audit_event"}).Inc()

		return errors.Wrap(model.ErrStoreQuery, err.Error())
	}

	return nil
}
