package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	raft "github.com/hashicorp/raft"

	"naturaljoin/internal/logger"
	"naturaljoin/internal/types"
)

// FSM implements the Finite State Machine for Raft
// It maintains the job ledger that all nodes agree on
type FSM struct {
	mu     sync.RWMutex
	state  *types.ClusterState
	logger *logger.Logger
}

// NewFSM creates a new FSM with initial state
func NewFSM() *FSM {
	return &FSM{
		state:  types.NewClusterState(),
		logger: logger.New("INFO"),
	}
}

// Apply implements raft.FSM - processes a log entry committed by Raft
func (f *FSM) Apply(log *raft.Log) interface{} {
	var entry types.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.Debug("Applying log entry: type=%s operation=%s", entry.Type, entry.Operation)

	var err error
	switch entry.Type {
	case types.EntryJob:
		err = f.applyJobOperation(&entry)
	case types.EntryTask:
		err = f.applyTaskOperation(&entry)
	case types.EntryWorker:
		err = f.applyWorkerOperation(&entry)
	default:
		err = fmt.Errorf("unknown log entry type: %s", entry.Type)
	}

	if err != nil {
		f.logger.Warn("Rejected log entry: type=%s operation=%s err=%v", entry.Type, entry.Operation, err)
		return err
	}
	f.state.Version++
	return nil
}

// applyJobOperation handles job lifecycle changes
func (f *FSM) applyJobOperation(entry *types.LogEntry) error {
	switch entry.Operation {
	case types.OpSubmit:
		var sub types.JobSubmission
		if err := json.Unmarshal(entry.Data, &sub); err != nil {
			return fmt.Errorf("invalid job submission: %w", err)
		}
		if _, exists := f.state.Jobs[sub.JobID]; exists {
			return fmt.Errorf("job already exists: %s", sub.JobID)
		}
		f.state.Jobs[sub.JobID] = &types.JoinJob{
			ID:            sub.JobID,
			OrdersPath:    sub.OrdersPath,
			CustomersPath: sub.CustomersPath,
			OutputPath:    sub.OutputPath,
			Status:        types.JobPending,
			Submitted:     entry.Timestamp,
		}
		f.logger.Info("Job submitted: job_id=%s output=%s", sub.JobID, sub.OutputPath)
		return nil

	case types.OpFinish:
		var done types.JobCompletion
		if err := json.Unmarshal(entry.Data, &done); err != nil {
			return fmt.Errorf("invalid job completion: %w", err)
		}
		job, exists := f.state.Jobs[done.JobID]
		if !exists {
			return fmt.Errorf("job not found: %s", done.JobID)
		}
		finished := entry.Timestamp
		job.Status = done.Status
		job.Stats = done.Stats
		job.Error = done.Error
		job.ErrorKind = done.ErrorKind
		job.Finished = &finished
		f.logger.Info("Job finished: job_id=%s status=%s", done.JobID, done.Status)
		return nil

	default:
		return fmt.Errorf("unknown job operation: %s", entry.Operation)
	}
}

// applyTaskOperation handles task-related state changes
func (f *FSM) applyTaskOperation(entry *types.LogEntry) error {
	switch entry.Operation {
	case types.OpAssign:
		var a types.TaskAssignment
		if err := json.Unmarshal(entry.Data, &a); err != nil {
			return fmt.Errorf("invalid task assignment: %w", err)
		}
		job, exists := f.state.Jobs[a.JobID]
		if !exists {
			return fmt.Errorf("job not found: %s", a.JobID)
		}
		if job.Status == types.JobPending {
			job.Status = types.JobRunning
		}

		f.state.Tasks[a.TaskID] = &types.JobTask{
			ID:        a.TaskID,
			JobID:     a.JobID,
			Kind:      a.Kind,
			Input:     a.Input,
			WorkerID:  a.WorkerID,
			Status:    types.TaskRunning,
			Timestamp: entry.Timestamp,
		}
		if w, ok := f.state.Workers[a.WorkerID]; ok {
			w.TasksRunning++
		}
		f.logger.Debug("Task assigned: task_id=%s worker_id=%s", a.TaskID, a.WorkerID)
		return nil

	case types.OpComplete:
		var done types.TaskCompletion
		if err := json.Unmarshal(entry.Data, &done); err != nil {
			return fmt.Errorf("invalid task completion: %w", err)
		}
		task, exists := f.state.Tasks[done.TaskID]
		if !exists {
			return fmt.Errorf("task not found: %s", done.TaskID)
		}
		task.Status = done.Status
		task.Records = done.Records
		task.Error = done.Error
		task.Timestamp = entry.Timestamp

		if w, ok := f.state.Workers[task.WorkerID]; ok {
			if w.TasksRunning > 0 {
				w.TasksRunning--
			}
			if done.Status == types.TaskCompleted {
				w.TasksCompleted++
			}
		}
		f.logger.Debug("Task completed: task_id=%s status=%s records=%d", done.TaskID, done.Status, done.Records)
		return nil

	default:
		return fmt.Errorf("unknown task operation: %s", entry.Operation)
	}
}

// applyWorkerOperation handles worker-related state changes
func (f *FSM) applyWorkerOperation(entry *types.LogEntry) error {
	switch entry.Operation {
	case types.OpRegister:
		var reg types.WorkerRegistration
		if err := json.Unmarshal(entry.Data, &reg); err != nil {
			return fmt.Errorf("invalid worker registration: %w", err)
		}
		f.state.Workers[reg.WorkerID] = &types.Worker{
			ID:            reg.WorkerID,
			Address:       reg.Address,
			Status:        types.WorkerHealthy,
			LastHeartbeat: entry.Timestamp,
		}
		f.logger.Info("Worker registered: worker_id=%s address=%s", reg.WorkerID, reg.Address)
		return nil

	case types.OpHealth:
		var hb types.WorkerHeartbeat
		if err := json.Unmarshal(entry.Data, &hb); err != nil {
			return fmt.Errorf("invalid worker heartbeat: %w", err)
		}
		worker, exists := f.state.Workers[hb.WorkerID]
		if !exists {
			return fmt.Errorf("worker not found: %s", hb.WorkerID)
		}
		worker.Status = hb.Status
		worker.LastHeartbeat = entry.Timestamp
		f.logger.Debug("Worker heartbeat: worker_id=%s status=%s", hb.WorkerID, hb.Status)
		return nil

	default:
		return fmt.Errorf("unknown worker operation: %s", entry.Operation)
	}
}

// Snapshot implements raft.FSM - creates a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	// Serialize under the lock so later Applies cannot race the snapshot.
	data, err := json.Marshal(f.state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return &snapshot{data: data}, nil
}

// Restore implements raft.FSM - restores state from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := types.NewClusterState()
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	return nil
}

// GetState returns a deep copy of the current cluster state
func (f *FSM) GetState() *types.ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stateCopy := types.NewClusterState()
	stateCopy.Leader = f.state.Leader
	stateCopy.Version = f.state.Version

	for k, v := range f.state.Jobs {
		j := *v
		stateCopy.Jobs[k] = &j
	}
	for k, v := range f.state.Tasks {
		t := *v
		stateCopy.Tasks[k] = &t
	}
	for k, v := range f.state.Workers {
		w := *v
		stateCopy.Workers[k] = &w
	}

	return stateCopy
}

// GetJob returns a copy of a job, or nil if unknown
func (f *FSM) GetJob(jobID string) *types.JoinJob {
	f.mu.RLock()
	defer f.mu.RUnlock()
	j, ok := f.state.Jobs[jobID]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// GetJobTasks returns copies of a job's tasks ordered by task ID
func (f *FSM) GetJobTasks(jobID string) []*types.JobTask {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var tasks []*types.JobTask
	for _, t := range f.state.Tasks {
		if t.JobID == jobID {
			cp := *t
			tasks = append(tasks, &cp)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// GetWorker returns a copy of a worker, or nil if unknown
func (f *FSM) GetWorker(workerID string) *types.Worker {
	f.mu.RLock()
	defer f.mu.RUnlock()
	w, ok := f.state.Workers[workerID]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// GetHealthyWorkers returns all healthy workers ordered by ID
func (f *FSM) GetHealthyWorkers() []*types.Worker {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var healthy []*types.Worker
	for _, w := range f.state.Workers {
		if w.Status == types.WorkerHealthy {
			cp := *w
			healthy = append(healthy, &cp)
		}
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].ID < healthy[j].ID })
	return healthy
}

// snapshot implements raft.FSMSnapshot
type snapshot struct {
	data []byte
}

// Persist writes the snapshot to a sink
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is called when we are done with the snapshot
func (s *snapshot) Release() {}

var _ raft.FSM = (*FSM)(nil)
