package types

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a join job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCommitted JobStatus = "committed"
	JobFailed    JobStatus = "failed"
)

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// WorkerStatus represents the health status of a worker
type WorkerStatus string

const (
	WorkerHealthy   WorkerStatus = "healthy"
	WorkerUnhealthy WorkerStatus = "unhealthy"
	WorkerDead      WorkerStatus = "dead"
)

// JobStats are the counters reported for a finished job.
type JobStats struct {
	OrderRecords    int64 `json:"order_records"`
	CustomerRecords int64 `json:"customer_records"`
	SkippedRecords  int64 `json:"skipped_records"`
	Keys            int64 `json:"keys"`
	JoinedRecords   int64 `json:"joined_records"`
	DroppedValues   int64 `json:"dropped_values"`
}

// JoinJob is a join job as recorded in the cluster ledger
type JoinJob struct {
	ID            string     `json:"id"`
	OrdersPath    string     `json:"orders_path"`
	CustomersPath string     `json:"customers_path"`
	OutputPath    string     `json:"output_path"`
	Status        JobStatus  `json:"status"`
	Stats         JobStats   `json:"stats"`
	Error         string     `json:"error,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	Submitted     time.Time  `json:"submitted"`
	Finished      *time.Time `json:"finished,omitempty"`
}

// JobTask is a single map or reduce task of a job
type JobTask struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	Kind      TaskKind   `json:"kind"`
	Input     string     `json:"input"`
	WorkerID  string     `json:"worker_id"` // slot the task is attributed to
	Status    TaskStatus `json:"status"`
	Records   int64      `json:"records"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Worker represents a worker node in the system
type Worker struct {
	ID             string       `json:"id"`
	Address        string       `json:"address"`
	Status         WorkerStatus `json:"status"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	TasksCompleted int64        `json:"tasks_completed"`
	TasksRunning   int64        `json:"tasks_running"`
}

// ClusterState represents the shared state across all Raft nodes
type ClusterState struct {
	Jobs    map[string]*JoinJob `json:"jobs"`
	Tasks   map[string]*JobTask `json:"tasks"`
	Workers map[string]*Worker  `json:"workers"`
	Leader  string              `json:"leader"`
	Version int64               `json:"version"`
}

// NewClusterState returns an empty state.
func NewClusterState() *ClusterState {
	return &ClusterState{
		Jobs:    make(map[string]*JoinJob),
		Tasks:   make(map[string]*JobTask),
		Workers: make(map[string]*Worker),
	}
}

// Log entry types and operations.
const (
	EntryJob    = "job"
	EntryTask   = "task"
	EntryWorker = "worker"

	OpSubmit   = "submit"
	OpFinish   = "finish"
	OpAssign   = "assign"
	OpComplete = "complete"
	OpRegister = "register"
	OpHealth   = "health"
)

// LogEntry represents an entry in the Raft log
type LogEntry struct {
	Type      string          `json:"type"`      // "job", "task", "worker"
	Operation string          `json:"operation"` // "submit", "finish", "assign", "complete", "register", "health"
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobSubmission is a log entry operation
type JobSubmission struct {
	JobID         string `json:"job_id"`
	OrdersPath    string `json:"orders_path"`
	CustomersPath string `json:"customers_path"`
	OutputPath    string `json:"output_path"`
}

// JobCompletion is a log entry operation
type JobCompletion struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Stats     JobStats  `json:"stats"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// TaskAssignment is a log entry operation
type TaskAssignment struct {
	TaskID   string   `json:"task_id"`
	JobID    string   `json:"job_id"`
	WorkerID string   `json:"worker_id"`
	Kind     TaskKind `json:"kind"`
	Input    string   `json:"input"`
}

// TaskCompletion is a log entry operation
type TaskCompletion struct {
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
	Records int64      `json:"records"`
	Error   string     `json:"error,omitempty"`
}

// WorkerRegistration is a log entry operation
type WorkerRegistration struct {
	WorkerID string `json:"worker_id"`
	Address  string `json:"address"`
}

// WorkerHeartbeat is a log entry operation
type WorkerHeartbeat struct {
	WorkerID       string       `json:"worker_id"`
	Status         WorkerStatus `json:"status"`
	TasksCompleted int64        `json:"tasks_completed"`
	TasksRunning   int64        `json:"tasks_running"`
}
