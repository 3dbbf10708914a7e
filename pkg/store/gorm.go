package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/types"
)

// GormStore implements Store on a relational database via GORM.
// SQLite is the default single-host driver; Postgres is selected by
// configuration when the task log should outlive the host.
type GormStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open connects to the configured database and runs migrations
func Open(cfg config.StoreConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}

	s := &GormStore{
		db:     db,
		logger: log.WithComponent("store"),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrate ensures the schema exists. AutoMigrate is forward-only and
// idempotent: it creates missing tables and adds missing columns without
// rewriting existing rows.
func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(
		&types.Worker{},
		&types.Task{},
		&types.Model{},
		&types.SystemMetric{},
		&types.WorkerMetric{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CreateTask atomically inserts a task row. The task id is the primary
// key; a conflicting insert returns ErrDuplicateTask so the caller can
// mint a fresh id.
func (s *GormStore) CreateTask(task *types.Task) error {
	now := time.Now()
	if task.SubmitTime == nil {
		task.SubmitTime = &now
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = types.TaskStatusQueued
	}

	if err := s.db.Create(task).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask fetches one task row by id
func (s *GormStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.Where("task_id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &task, nil
}

// ListTasks returns tasks, optionally filtered to the given statuses,
// newest first.
func (s *GormStore) ListTasks(statuses ...types.TaskStatus) ([]*types.Task, error) {
	q := s.db.Model(&types.Task{}).Order("created_at DESC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var tasks []*types.Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus advances a task along its state machine and writes
// the side-fields of the transition. A missing row or an illegal
// transition is a warned no-op, not an error: the scheduler keeps its
// in-memory truth and retries store writes opportunistically.
func (s *GormStore) UpdateTaskStatus(id string, status types.TaskStatus, update TaskUpdate) error {
	var current types.Task
	err := s.db.Where("task_id = ?", id).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn().Str("task_id", id).Str("status", string(status)).
			Msg("status update for unknown task ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read task %s: %w", id, err)
	}

	if current.Status != status && !current.Status.CanTransition(status) {
		s.logger.Warn().Str("task_id", id).
			Str("from", string(current.Status)).Str("to", string(status)).
			Msg("illegal task transition ignored")
		return nil
	}

	now := time.Now()
	fields := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if update.WorkerID != nil {
		fields["worker_id"] = *update.WorkerID
	}
	if update.StartTime != nil && current.StartTime == nil {
		fields["start_time"] = *update.StartTime
	}
	if update.OutputPath != nil {
		fields["output_path"] = *update.OutputPath
	}
	if update.ErrorMessage != nil {
		fields["error_message"] = *update.ErrorMessage
	}
	if update.ProcessingSeconds != nil {
		fields["processing_time_seconds"] = *update.ProcessingSeconds
	}
	if status.IsTerminal() && current.CompletionTime == nil {
		if update.CompletionTime != nil {
			fields["completion_time"] = *update.CompletionTime
		} else {
			fields["completion_time"] = now
		}
	}

	if err := s.db.Model(&types.Task{}).Where("task_id = ?", id).Updates(fields).Error; err != nil {
		return fmt.Errorf("failed to update task %s to %s: %w", id, status, err)
	}
	return nil
}

// GetPendingTasks returns tasks awaiting dispatch or recovery (queued
// and assigned), oldest submit first. A non-positive limit returns all
// of them; the restart recovery pass must not strand any row.
func (s *GormStore) GetPendingTasks(limit int) ([]*types.Task, error) {
	q := s.db.Where("status IN ?", []types.TaskStatus{types.TaskStatusQueued, types.TaskStatusAssigned}).
		Order("submit_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var tasks []*types.Task
	err := q.Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get pending tasks: %w", err)
	}
	return tasks, nil
}

// FailInFlightTasks resolves every assigned or running task to failed
// with the given reason. Used by the startup recovery pass; after it
// runs, no task references a worker that no longer exists.
func (s *GormStore) FailInFlightTasks(reason string) (int, error) {
	now := time.Now()
	res := s.db.Model(&types.Task{}).
		Where("status IN ?", []types.TaskStatus{types.TaskStatusAssigned, types.TaskStatusRunning}).
		Updates(map[string]interface{}{
			"status":          types.TaskStatusFailed,
			"error_message":   reason,
			"completion_time": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to resolve in-flight tasks: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// RegisterWorker upserts a worker row; on conflict the device id is
// refreshed and status returns to starting.
func (s *GormStore) RegisterWorker(workerID string, deviceID int) error {
	now := time.Now()
	worker := types.Worker{
		ID:           workerID,
		DeviceID:     deviceID,
		Status:       types.WorkerStatusStarting,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.db.Create(&worker).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return s.db.Model(&types.Worker{}).Where("worker_id = ?", workerID).
			Updates(map[string]interface{}{
				"device_id":     deviceID,
				"status":        types.WorkerStatusStarting,
				"last_activity": now,
				"error_message": "",
				"updated_at":    now,
			}).Error
	}
	if err != nil {
		return fmt.Errorf("failed to register worker %s: %w", workerID, err)
	}
	return nil
}

// UpdateWorkerStatus upserts the mutable fields of a worker row
func (s *GormStore) UpdateWorkerStatus(workerID string, status types.WorkerStatus, currentModel string, vramUsageMB float64) error {
	now := time.Now()
	res := s.db.Model(&types.Worker{}).Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"status":        status,
			"current_model": currentModel,
			"vram_usage_mb": vramUsageMB,
			"last_activity": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update worker %s: %w", workerID, res.Error)
	}
	if res.RowsAffected == 0 {
		worker := types.Worker{
			ID:           workerID,
			Status:       status,
			CurrentModel: currentModel,
			VRAMUsageMB:  vramUsageMB,
			LastActivity: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.db.Create(&worker).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("failed to upsert worker %s: %w", workerID, err)
		}
	}
	return nil
}

// GetWorker fetches one worker row by id
func (s *GormStore) GetWorker(workerID string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.Where("worker_id = ?", workerID).First(&worker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %s: %w", workerID, err)
	}
	return &worker, nil
}

// ListWorkers returns all worker rows
func (s *GormStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	if err := s.db.Order("device_id ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workers, nil
}

// DeleteWorker removes a worker row
func (s *GormStore) DeleteWorker(workerID string) error {
	if err := s.db.Where("worker_id = ?", workerID).Delete(&types.Worker{}).Error; err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", workerID, err)
	}
	return nil
}

// UpsertModel inserts or refreshes a model catalog row
func (s *GormStore) UpsertModel(model *types.Model) error {
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now()
	}
	err := s.db.Create(model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return s.db.Model(&types.Model{}).Where("model_name = ?", model.Name).
			Updates(map[string]interface{}{
				"model_path": model.Path,
				"size_mb":    model.SizeMB,
			}).Error
	}
	if err != nil {
		return fmt.Errorf("failed to upsert model %s: %w", model.Name, err)
	}
	return nil
}

// GetModel fetches one model catalog row by name
func (s *GormStore) GetModel(name string) (*types.Model, error) {
	var model types.Model
	err := s.db.Where("model_name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model %s: %w", name, err)
	}
	return &model, nil
}

// ListModels returns the full model catalog
func (s *GormStore) ListModels() ([]*types.Model, error) {
	var models []*types.Model
	if err := s.db.Order("model_name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return models, nil
}

// TouchModel bumps usage_count and last_used after a successful load
func (s *GormStore) TouchModel(name string) error {
	now := time.Now()
	return s.db.Model(&types.Model{}).Where("model_name = ?", name).
		Updates(map[string]interface{}{
			"usage_count": gorm.Expr("usage_count + 1"),
			"last_used":   now,
		}).Error
}

// RecordSystemMetric appends one host-level sample
func (s *GormStore) RecordSystemMetric(sample *types.SystemMetric) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	return s.db.Create(sample).Error
}

// RecordWorkerMetric appends one per-device sample
func (s *GormStore) RecordWorkerMetric(sample *types.WorkerMetric) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	return s.db.Create(sample).Error
}

// CleanupOldRecords deletes completed tasks and metric rows older than
// the retention cutoff. Failed rows younger than the cutoff are kept.
func (s *GormStore) CleanupOldRecords(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var removed int64

	res := s.db.Where("status = ? AND completion_time < ?", types.TaskStatusCompleted, cutoff).
		Delete(&types.Task{})
	if res.Error != nil {
		return removed, fmt.Errorf("failed to clean up tasks: %w", res.Error)
	}
	removed += res.RowsAffected

	res = s.db.Where("timestamp < ?", cutoff).Delete(&types.SystemMetric{})
	if res.Error != nil {
		return removed, fmt.Errorf("failed to clean up system metrics: %w", res.Error)
	}
	removed += res.RowsAffected

	res = s.db.Where("timestamp < ?", cutoff).Delete(&types.WorkerMetric{})
	if res.Error != nil {
		return removed, fmt.Errorf("failed to clean up worker metrics: %w", res.Error)
	}
	removed += res.RowsAffected

	return removed, nil
}

// Close releases the underlying database handle
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
