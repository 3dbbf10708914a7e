package types

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MessageType identifies the kind of message exchanged between the
// orchestrator and a worker process.
type MessageType string

const (
	MessageRegistration MessageType = "registration"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageInstruction  MessageType = "instruction"
	MessageStatus       MessageType = "status"
	MessageResult       MessageType = "result"
	MessageError        MessageType = "error"
	MessageDisconnect   MessageType = "disconnect"
	MessageShutdown     MessageType = "shutdown"
)

// InstructionAction is the closed set of actions a worker executes
type InstructionAction string

const (
	ActionLoadModelToRAM  InstructionAction = "load_model_to_ram"
	ActionLoadRAMToVRAM   InstructionAction = "load_model_from_ram_to_vram"
	ActionClearRAM        InstructionAction = "clear_ram"
	ActionClearVRAM       InstructionAction = "clear_vram"
	ActionCleanVRAM       InstructionAction = "clean_vram"
	ActionRunInference    InstructionAction = "run_inference"
	ActionRunTask         InstructionAction = "run_task"
	ActionShutdown        InstructionAction = "shutdown"
)

// StatusValue is a worker-emitted lifecycle transition
type StatusValue string

const (
	StatusAccepted          StatusValue = "accepted"
	StatusProcessingStarted StatusValue = "processing_started"
	StatusCompleted         StatusValue = "completed"
	StatusReady             StatusValue = "ready"
	StatusError             StatusValue = "error"
)

// Instruction is the payload of an orchestrator -> worker message
type Instruction struct {
	Action    InstructionAction `json:"action"`
	ModelName string            `json:"model_name,omitempty"`
	ModelPath string            `json:"model_path,omitempty"`
	Task      *Task             `json:"task,omitempty"`
}

// StatusEvent is the payload of a worker -> orchestrator status message
type StatusEvent struct {
	Status  StatusValue `json:"status"`
	TaskID  string      `json:"task_id,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Result is the payload of a worker -> orchestrator result message
type Result struct {
	Success       bool              `json:"success"`
	Action        InstructionAction `json:"action"`
	TaskID        string            `json:"task_id,omitempty"`
	OutputPath    string            `json:"output_path,omitempty"`
	Duration      float64           `json:"duration,omitempty"`
	Seed          *int64            `json:"seed,omitempty"`
	RAMUsageMB    float64           `json:"ram_usage_mb,omitempty"`
	VRAMUsageMB   float64           `json:"vram_usage_mb,omitempty"`
	VRAMCleanedMB float64           `json:"vram_cleaned_mb,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Registration is the payload a worker sends once its process is up
type Registration struct {
	DeviceID     int          `json:"device_id"`
	PID          int          `json:"pid"`
	Capabilities Capabilities `json:"capabilities"`
}

// Heartbeat is the payload of a periodic worker liveness message
type Heartbeat struct {
	Status        WorkerStatus `json:"status"`
	CurrentModel  string       `json:"current_model,omitempty"`
	VRAMUsageMB   float64      `json:"vram_usage_mb"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
}

// WorkerFault is the payload of a worker-level error message
type WorkerFault struct {
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message"`
}

// Message is the envelope for all orchestrator <-> worker traffic.
// Exactly one payload field is set, matching Type.
type Message struct {
	ID        string      `json:"message_id"`
	WorkerID  string      `json:"worker_id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	Instruction  *Instruction  `json:"instruction,omitempty"`
	Status       *StatusEvent  `json:"status,omitempty"`
	Result       *Result       `json:"result,omitempty"`
	Registration *Registration `json:"registration,omitempty"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty"`
	Fault        *WorkerFault  `json:"fault,omitempty"`
}

var messageSeq atomic.Uint64

// NewMessageID mints a monotone, timestamped message id
func NewMessageID() string {
	return fmt.Sprintf("msg_%d_%d", time.Now().UnixNano(), messageSeq.Add(1))
}

// NewMessage builds an envelope with a fresh id and timestamp
func NewMessage(workerID string, typ MessageType) Message {
	return Message{
		ID:        NewMessageID(),
		WorkerID:  workerID,
		Type:      typ,
		Timestamp: time.Now(),
	}
}

// Validate checks that the envelope carries the payload its type requires
func (m *Message) Validate() error {
	switch m.Type {
	case MessageInstruction:
		if m.Instruction == nil {
			return fmt.Errorf("instruction message %s has no instruction payload", m.ID)
		}
	case MessageStatus:
		if m.Status == nil {
			return fmt.Errorf("status message %s has no status payload", m.ID)
		}
	case MessageResult:
		if m.Result == nil {
			return fmt.Errorf("result message %s has no result payload", m.ID)
		}
	case MessageRegistration:
		if m.Registration == nil {
			return fmt.Errorf("registration message %s has no registration payload", m.ID)
		}
	case MessageHeartbeat:
		if m.Heartbeat == nil {
			return fmt.Errorf("heartbeat message %s has no heartbeat payload", m.ID)
		}
	case MessageError:
		if m.Fault == nil {
			return fmt.Errorf("error message %s has no fault payload", m.ID)
		}
	case MessageDisconnect, MessageShutdown:
		// No payload.
	default:
		return fmt.Errorf("message %s has unknown type %q", m.ID, m.Type)
	}
	return nil
}
