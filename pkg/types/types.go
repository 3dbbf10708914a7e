package types

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// taskTransitions lists the permitted forward edges of the task state machine.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:   {TaskStatusAssigned, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusAssigned: {TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses permit no further transitions.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskParams holds the immutable generation parameters of a task
type TaskParams struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	GuidanceScale  float64 `json:"cfg_scale"`
	Seed           *int64  `json:"seed,omitempty"`
	ModelName      string  `json:"model_name"`
}

// Task represents a single image-generation request
type Task struct {
	ID             string     `json:"task_id" gorm:"column:task_id;primaryKey"`
	Prompt         string     `json:"prompt" gorm:"column:prompt"`
	NegativePrompt string     `json:"negative_prompt" gorm:"column:negative_prompt"`
	Width          int        `json:"width" gorm:"column:width"`
	Height         int        `json:"height" gorm:"column:height"`
	Steps          int        `json:"steps" gorm:"column:steps"`
	GuidanceScale  float64    `json:"cfg_scale" gorm:"column:guidance_scale"`
	Seed           *int64     `json:"seed,omitempty" gorm:"column:seed"`
	Status         TaskStatus `json:"status" gorm:"column:status;index"`
	WorkerID       string     `json:"worker_id,omitempty" gorm:"column:worker_id;index"`
	ModelName      string     `json:"model_name" gorm:"column:model_name"`
	ModelPath      string     `json:"model_path,omitempty" gorm:"-"`

	SubmitTime     *time.Time `json:"submit_time,omitempty" gorm:"column:submit_time"`
	StartTime      *time.Time `json:"start_time,omitempty" gorm:"column:start_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty" gorm:"column:completion_time"`

	OutputPath        string  `json:"output_path,omitempty" gorm:"column:output_path"`
	ErrorMessage      string  `json:"error_message,omitempty" gorm:"column:error_message"`
	ProcessingSeconds float64 `json:"processing_time_seconds,omitempty" gorm:"column:processing_time_seconds"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName maps Task onto the tasks table
func (Task) TableName() string { return "tasks" }

// Params returns the immutable generation parameters of the task
func (t *Task) Params() TaskParams {
	return TaskParams{
		Prompt:         t.Prompt,
		NegativePrompt: t.NegativePrompt,
		Width:          t.Width,
		Height:         t.Height,
		Steps:          t.Steps,
		GuidanceScale:  t.GuidanceScale,
		Seed:           t.Seed,
		ModelName:      t.ModelName,
	}
}

// WorkerStatus represents the current state of a worker process
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusError    WorkerStatus = "error"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// WorkerIDForDevice derives the canonical worker id for a device.
// At most one worker exists per device.
func WorkerIDForDevice(deviceID int) string {
	return fmt.Sprintf("worker_%d", deviceID)
}

// Worker represents one per-device worker process
type Worker struct {
	ID           string       `json:"worker_id" gorm:"column:worker_id;primaryKey"`
	DeviceID     int          `json:"device_id" gorm:"column:device_id"`
	Status       WorkerStatus `json:"status" gorm:"column:status;index"`
	CurrentModel string       `json:"current_model,omitempty" gorm:"column:current_model"`
	VRAMUsageMB  float64      `json:"vram_usage_mb" gorm:"column:vram_usage_mb"`
	LastActivity time.Time    `json:"last_activity" gorm:"column:last_activity"`
	ErrorMessage string       `json:"error_message,omitempty" gorm:"column:error_message"`
	CreatedAt    time.Time    `json:"created_at" gorm:"column:created_at"`
	UpdatedAt    time.Time    `json:"updated_at" gorm:"column:updated_at"`

	// In-memory only; owned by the registry, never persisted.
	CurrentTaskID string       `json:"current_task_id,omitempty" gorm:"-"`
	Capabilities  Capabilities `json:"capabilities,omitempty" gorm:"-"`
	PID           int          `json:"pid,omitempty" gorm:"-"`
}

// TableName maps Worker onto the workers table
func (Worker) TableName() string { return "workers" }

// Capabilities describes what a worker declares at registration
type Capabilities struct {
	Engine    string `json:"engine"`
	MaxWidth  int    `json:"max_width"`
	MaxHeight int    `json:"max_height"`
	Hostname  string `json:"hostname,omitempty"`
}

// Model is a catalog row for a known set of weights
type Model struct {
	Name       string     `json:"model_name" gorm:"column:model_name;primaryKey"`
	Path       string     `json:"model_path" gorm:"column:model_path"`
	SizeMB     float64    `json:"size_mb" gorm:"column:size_mb"`
	LastUsed   *time.Time `json:"last_used,omitempty" gorm:"column:last_used"`
	UsageCount int64      `json:"usage_count" gorm:"column:usage_count"`
	CreatedAt  time.Time  `json:"created_at" gorm:"column:created_at"`
}

// TableName maps Model onto the models table
func (Model) TableName() string { return "models" }

// SystemMetric is one sample of host-level state
type SystemMetric struct {
	ID             uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp      time.Time `gorm:"column:timestamp;index"`
	TotalRAMGB     float64   `gorm:"column:total_ram_gb"`
	UsedRAMGB      float64   `gorm:"column:used_ram_gb"`
	AvailableRAMGB float64   `gorm:"column:available_ram_gb"`
	RAMPercent     float64   `gorm:"column:ram_percent"`
	ActiveTasks    int       `gorm:"column:active_tasks"`
	QueuedTasks    int       `gorm:"column:queued_tasks"`
	CompletedTasks int       `gorm:"column:completed_tasks"`
}

// TableName maps SystemMetric onto the system_metrics table
func (SystemMetric) TableName() string { return "system_metrics" }

// WorkerMetric is one sample of per-device state
type WorkerMetric struct {
	ID                 uint      `gorm:"column:id;primaryKey;autoIncrement"`
	WorkerID           string    `gorm:"column:worker_id;index"`
	Timestamp          time.Time `gorm:"column:timestamp;index"`
	VRAMUsedMB         float64   `gorm:"column:vram_used_mb"`
	VRAMTotalMB        float64   `gorm:"column:vram_total_mb"`
	GPUUtilizationPct  float64   `gorm:"column:gpu_utilization_percent"`
	TemperatureCelsius float64   `gorm:"column:temperature_celsius"`
	PowerUsageWatts    float64   `gorm:"column:power_usage_watts"`
}

// TableName maps WorkerMetric onto the worker_metrics table
func (WorkerMetric) TableName() string { return "worker_metrics" }
