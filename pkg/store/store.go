package store

import (
	"errors"
	"time"

	"github.com/kilnworks/kiln/pkg/types"
)

var (
	// ErrDuplicateTask is returned when a task id already exists
	ErrDuplicateTask = errors.New("task id already exists")

	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("record not found")
)

// TaskUpdate carries the optional side-fields of a status transition.
// Only non-nil fields are written.
type TaskUpdate struct {
	WorkerID          *string
	StartTime         *time.Time
	CompletionTime    *time.Time
	OutputPath        *string
	ErrorMessage      *string
	ProcessingSeconds *float64
}

// Store defines the interface for durable orchestrator state
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks(statuses ...types.TaskStatus) ([]*types.Task, error)
	UpdateTaskStatus(id string, status types.TaskStatus, update TaskUpdate) error
	GetPendingTasks(limit int) ([]*types.Task, error)
	FailInFlightTasks(reason string) (int, error)

	// Workers
	RegisterWorker(workerID string, deviceID int) error
	UpdateWorkerStatus(workerID string, status types.WorkerStatus, currentModel string, vramUsageMB float64) error
	GetWorker(workerID string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(workerID string) error

	// Models
	UpsertModel(model *types.Model) error
	GetModel(name string) (*types.Model, error)
	ListModels() ([]*types.Model, error)
	TouchModel(name string) error

	// Metrics
	RecordSystemMetric(sample *types.SystemMetric) error
	RecordWorkerMetric(sample *types.WorkerMetric) error

	// Maintenance
	CleanupOldRecords(retentionDays int) (int64, error)
	Close() error
}
