package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"naturaljoin/internal/discovery"
	"naturaljoin/internal/join"
	"naturaljoin/internal/logger"
	"naturaljoin/internal/raft"
	"naturaljoin/internal/types"
)

// Master coordinates join jobs and records their progress in a Raft ledger
type Master struct {
	cluster *raft.Cluster
	mu      sync.RWMutex
	jobs    map[string]join.Options
	nodes   map[string][]string // discovery node ID -> worker IDs
	logger  *logger.Logger
}

// NewMaster creates a new master with Raft consensus
func NewMaster(cfg raft.Config) (*Master, error) {
	cluster, err := raft.NewCluster(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft cluster: %w", err)
	}

	lg := logger.New("INFO")
	lg.Info("Master initialized: node_id=%s", cfg.NodeID)

	return &Master{
		cluster: cluster,
		jobs:    make(map[string]join.Options),
		nodes:   make(map[string][]string),
		logger:  lg,
	}, nil
}

// RegisterWorker registers a new worker with the master
func (m *Master) RegisterWorker(address string) (string, error) {
	workerID := "worker-" + uuid.New().String()[:8]

	if !m.cluster.IsLeader() {
		m.logger.Warn("Not leader, forwarding to: %s", m.cluster.GetLeader())
		return "", fmt.Errorf("not the leader, current leader: %s", m.cluster.GetLeader())
	}

	if err := m.cluster.RegisterWorker(workerID, address); err != nil {
		m.logger.Error("Failed to register worker: %v", err)
		return "", fmt.Errorf("failed to register worker: %w", err)
	}

	m.logger.Info("Worker registered: worker_id=%s address=%s", workerID, address)
	return workerID, nil
}

// MarkWorker updates a worker's health in the ledger
func (m *Master) MarkWorker(workerID string, status types.WorkerStatus) error {
	if !m.cluster.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	return m.cluster.WorkerHeartbeat(types.WorkerHeartbeat{WorkerID: workerID, Status: status})
}

// AttachDiscovery registers one worker per advertised slot for every node
// in the membership and marks them dead when the node leaves.
func (m *Master) AttachDiscovery(nd *discovery.NodeDiscovery) {
	nd.RegisterJoinCallback(func(member discovery.Member) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, known := m.nodes[member.NodeID]; known {
			return
		}

		var ids []string
		for i := 0; i < member.Slots; i++ {
			workerID, err := m.RegisterWorker(member.Addr())
			if err != nil {
				m.logger.Warn("Failed to register discovered node: node_id=%s err=%v", member.NodeID, err)
				break
			}
			ids = append(ids, workerID)
		}
		m.nodes[member.NodeID] = ids
	})
	nd.RegisterLeaveCallback(func(nodeID string) {
		m.mu.Lock()
		ids := m.nodes[nodeID]
		delete(m.nodes, nodeID)
		m.mu.Unlock()

		for _, workerID := range ids {
			if err := m.MarkWorker(workerID, types.WorkerDead); err != nil {
				m.logger.Warn("Failed to mark worker dead: worker_id=%s err=%v", workerID, err)
			}
		}
	})
}

// SubmitJob records a join job in the ledger and returns its ID
func (m *Master) SubmitJob(opts join.Options) (string, error) {
	if !m.cluster.IsLeader() {
		return "", fmt.Errorf("not the leader, current leader: %s", m.cluster.GetLeader())
	}

	if opts.JobID == "" {
		opts.JobID = "job-" + uuid.New().String()[:8]
	}

	err := m.cluster.SubmitJob(types.JobSubmission{
		JobID:         opts.JobID,
		OrdersPath:    opts.OrdersPath,
		CustomersPath: opts.CustomersPath,
		OutputPath:    opts.OutputPath,
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}

	m.mu.Lock()
	m.jobs[opts.JobID] = opts
	m.mu.Unlock()

	m.logger.Info("Job submitted: job_id=%s output=%s", opts.JobID, opts.OutputPath)
	return opts.JobID, nil
}

// RunJob executes a submitted job in this process, recording every task and
// the final outcome in the ledger. Each task is attributed to a registered
// worker slot for accounting; no task is shipped to another node.
func (m *Master) RunJob(ctx context.Context, jobID string) (*join.Report, error) {
	m.mu.RLock()
	opts, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	workers := m.cluster.GetFSM().GetHealthyWorkers()
	if len(workers) == 0 {
		m.logger.Warn("No healthy worker slots available for task attribution")
		return nil, fmt.Errorf("no healthy workers available")
	}

	opts.Observer = &taskRecorder{master: m, jobID: jobID, workers: workers}
	report, runErr := join.NewJob(opts).Run(ctx)

	done := types.JobCompletion{JobID: jobID, Status: types.JobCommitted}
	if runErr != nil {
		done.Status = types.JobFailed
		done.Error = runErr.Error()
		done.ErrorKind = join.Classify(runErr)
	} else {
		done.Stats = report.Stats
	}
	if err := m.cluster.FinishJob(done); err != nil {
		m.logger.Error("Failed to record job outcome: job_id=%s err=%v", jobID, err)
		if runErr == nil {
			return report, fmt.Errorf("job committed but ledger update failed: %w", err)
		}
	}

	return report, runErr
}

// GetJob returns a job as recorded in the ledger
func (m *Master) GetJob(jobID string) (*types.JoinJob, error) {
	job := m.cluster.GetFSM().GetJob(jobID)
	if job == nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

// GetJobTasks returns the ledger's tasks for a job
func (m *Master) GetJobTasks(jobID string) []*types.JobTask {
	return m.cluster.GetFSM().GetJobTasks(jobID)
}

// GetClusterState returns the current cluster state
func (m *Master) GetClusterState() *types.ClusterState {
	return m.cluster.GetClusterState()
}

// IsLeader returns true if this master is the current leader
func (m *Master) IsLeader() bool {
	return m.cluster.IsLeader()
}

// GetLeader returns the current leader address
func (m *Master) GetLeader() string {
	return m.cluster.GetLeader()
}

// WaitForLeader waits until this master is the leader
func (m *Master) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if m.cluster.IsLeader() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("not elected leader within %v (leader: %q)", timeout, m.cluster.GetLeader())
}

// GetPeers returns all known peers in the cluster
func (m *Master) GetPeers() map[string]string {
	peers := m.cluster.GetPeers()
	result := make(map[string]string)

	for id, server := range peers {
		result[id] = string(server.Address)
	}

	return result
}

// GetStats returns Raft statistics
func (m *Master) GetStats() map[string]string {
	return m.cluster.Stats()
}

// Close closes the master and its Raft cluster
func (m *Master) Close() error {
	return m.cluster.Close()
}

// taskRecorder attributes in-process engine tasks to worker slots
// round-robin and writes their lifecycle to the ledger. The attributed slot
// is a capacity account, not the place the task ran.
type taskRecorder struct {
	master  *Master
	jobID   string
	workers []*types.Worker
	next    atomic.Int64
}

func (r *taskRecorder) taskID(task types.Task) string {
	if task.Kind == types.MapTask {
		return fmt.Sprintf("%s/map-%03d", r.jobID, task.ID)
	}
	return fmt.Sprintf("%s/reduce-%03d", r.jobID, task.Partition)
}

func (r *taskRecorder) TaskStarted(task types.Task) {
	worker := r.workers[int(r.next.Add(1)-1)%len(r.workers)]
	input := task.InputFile
	if task.Kind == types.ReduceTask {
		input = fmt.Sprintf("partition-%d", task.Partition)
	}

	err := r.master.cluster.AssignTask(types.TaskAssignment{
		TaskID:   r.taskID(task),
		JobID:    r.jobID,
		WorkerID: worker.ID,
		Kind:     task.Kind,
		Input:    input,
	})
	if err != nil {
		r.master.logger.Warn("Failed to record task assignment: task=%s err=%v", task, err)
	}
}

func (r *taskRecorder) TaskFinished(task types.Task, records int64, taskErr error) {
	done := types.TaskCompletion{
		TaskID:  r.taskID(task),
		Status:  types.TaskCompleted,
		Records: records,
	}
	if taskErr != nil {
		done.Status = types.TaskFailed
		done.Error = taskErr.Error()
	}
	if err := r.master.cluster.CompleteTask(done); err != nil {
		r.master.logger.Warn("Failed to record task completion: task=%s err=%v", task, err)
	}
}
