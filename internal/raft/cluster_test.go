package raft

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"naturaljoin/internal/types"
)

func newTestCluster(t testing.TB, port int, dataDir string) *Cluster {
	t.Helper()
	cluster, err := NewCluster(Config{
		NodeID:   "master1",
		BindAddr: "127.0.0.1",
		BindPort: port,
		DataDir:  dataDir,
	})
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	waitForLeadership(t, cluster)
	return cluster
}

func waitForLeadership(t testing.TB, c *Cluster) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsLeader() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Node did not become leader")
}

// TestRaftClusterConsensus tests single node bootstrap and election
func TestRaftClusterConsensus(t *testing.T) {
	cluster := newTestCluster(t, 5101, filepath.Join(t.TempDir(), "master1"))
	defer cluster.Close()

	if err := cluster.WaitForLeader(time.Second); err != nil {
		t.Fatalf("No leader known: %v", err)
	}
	if len(cluster.GetPeers()) != 1 {
		t.Fatalf("Expected 1 peer, got %d", len(cluster.GetPeers()))
	}

	t.Logf("Single node elected as leader: %s", cluster.GetLeader())
}

// TestRaftJobReplication tests that a job and its tasks are replicated through Raft
func TestRaftJobReplication(t *testing.T) {
	cluster := newTestCluster(t, 5102, filepath.Join(t.TempDir(), "master1"))
	defer cluster.Close()

	if err := cluster.RegisterWorker("worker-1", "127.0.0.1:9001"); err != nil {
		t.Fatalf("Failed to register worker: %v", err)
	}
	if err := cluster.SubmitJob(types.JobSubmission{JobID: "job-1", OutputPath: "/tmp/out"}); err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}
	if err := cluster.SubmitJob(types.JobSubmission{JobID: "job-1"}); err == nil {
		t.Fatalf("Duplicate job submission should be rejected")
	}

	err := cluster.AssignTask(types.TaskAssignment{
		TaskID:   "job-1/map-000",
		JobID:    "job-1",
		WorkerID: "worker-1",
		Kind:     types.MapTask,
		Input:    "orders.csv",
	})
	if err != nil {
		t.Fatalf("Failed to assign task: %v", err)
	}

	err = cluster.CompleteTask(types.TaskCompletion{TaskID: "job-1/map-000", Status: types.TaskCompleted, Records: 4})
	if err != nil {
		t.Fatalf("Failed to complete task: %v", err)
	}

	err = cluster.FinishJob(types.JobCompletion{JobID: "job-1", Status: types.JobCommitted})
	if err != nil {
		t.Fatalf("Failed to finish job: %v", err)
	}

	state := cluster.GetClusterState()
	job, exists := state.Jobs["job-1"]
	if !exists {
		t.Fatalf("Job not found in cluster state")
	}
	if job.Status != types.JobCommitted {
		t.Fatalf("Job status mismatch: expected %s, got %s", types.JobCommitted, job.Status)
	}

	task, exists := state.Tasks["job-1/map-000"]
	if !exists {
		t.Fatalf("Task not found in cluster state")
	}
	if task.Status != types.TaskCompleted || task.Records != 4 {
		t.Fatalf("Task mismatch: status=%s records=%d", task.Status, task.Records)
	}
	if state.Workers["worker-1"].TasksCompleted != 1 {
		t.Fatalf("Worker should have 1 completed task, got %d", state.Workers["worker-1"].TasksCompleted)
	}

	t.Logf("Job replicated through Raft: %s", job.ID)
}

// TestRaftWorkerHeartbeat tests worker status updates through Raft
func TestRaftWorkerHeartbeat(t *testing.T) {
	cluster := newTestCluster(t, 5103, filepath.Join(t.TempDir(), "master1"))
	defer cluster.Close()

	for i := 1; i <= 3; i++ {
		if err := cluster.RegisterWorker(fmt.Sprintf("worker-%d", i), fmt.Sprintf("127.0.0.1:%d", 9000+i)); err != nil {
			t.Fatalf("Failed to register worker: %v", err)
		}
	}

	err := cluster.WorkerHeartbeat(types.WorkerHeartbeat{WorkerID: "worker-2", Status: types.WorkerDead})
	if err != nil {
		t.Fatalf("Failed to send heartbeat: %v", err)
	}

	healthy := cluster.GetFSM().GetHealthyWorkers()
	if len(healthy) != 2 {
		t.Fatalf("Expected 2 healthy workers, got %d", len(healthy))
	}
	for _, w := range healthy {
		if w.ID == "worker-2" {
			t.Fatalf("worker-2 should be dead")
		}
	}
}

// TestRaftStateSurvivesRestart tests that the ledger is rebuilt from the bolt stores
func TestRaftStateSurvivesRestart(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "master1")

	cluster := newTestCluster(t, 5104, dataDir)
	if err := cluster.SubmitJob(types.JobSubmission{JobID: "job-1", OutputPath: "/tmp/out"}); err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}
	if err := cluster.Close(); err != nil {
		t.Fatalf("Failed to close cluster: %v", err)
	}

	cluster = newTestCluster(t, 5104, dataDir)
	defer cluster.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job := cluster.GetFSM().GetJob("job-1"); job != nil {
			if job.OutputPath != "/tmp/out" {
				t.Fatalf("Output path mismatch: %s", job.OutputPath)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Job was not restored after restart")
}

// TestRaftRejectsWritesWhenClosed tests that a stopped node refuses new entries
func TestRaftRejectsWritesWhenClosed(t *testing.T) {
	cluster := newTestCluster(t, 5105, filepath.Join(t.TempDir(), "master1"))
	cluster.Close()

	if err := cluster.RegisterWorker("worker-1", "127.0.0.1:9001"); err == nil {
		t.Fatalf("Expected error after shutdown")
	}
}

func TestNewClusterValidatesConfig(t *testing.T) {
	if _, err := NewCluster(Config{DataDir: t.TempDir()}); err == nil {
		t.Fatalf("Expected error for empty NodeID")
	}
	if _, err := NewCluster(Config{NodeID: "n"}); err == nil {
		t.Fatalf("Expected error for empty DataDir")
	}
}

// BenchmarkRaftTaskReplication benchmarks task replication through Raft
func BenchmarkRaftTaskReplication(b *testing.B) {
	cluster := newTestCluster(b, 5106, filepath.Join(b.TempDir(), "master1"))
	defer cluster.Close()

	cluster.SubmitJob(types.JobSubmission{JobID: "job-bench"})
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		cluster.AssignTask(types.TaskAssignment{
			TaskID: fmt.Sprintf("job-bench/map-%03d", i),
			JobID:  "job-bench",
			Kind:   types.MapTask,
		})
	}
}
