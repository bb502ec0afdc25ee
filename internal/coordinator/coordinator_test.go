package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naturaljoin/internal/discovery"
	"naturaljoin/internal/join"
	"naturaljoin/internal/raft"
	"naturaljoin/internal/types"
)

func newTestMaster(t *testing.T, port int) *Master {
	t.Helper()
	master, err := NewMaster(raft.Config{
		NodeID:   "master1",
		BindAddr: "127.0.0.1",
		BindPort: port,
		DataDir:  filepath.Join(t.TempDir(), "master1"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { master.Close() })

	require.NoError(t, master.WaitForLeader(5*time.Second))
	return master
}

func writeInputs(t *testing.T, orders ...string) (string, string, string) {
	t.Helper()
	dir := t.TempDir()
	ordersPath := filepath.Join(dir, "orders.csv")
	customersPath := filepath.Join(dir, "customers.csv")

	var data []byte
	for _, o := range orders {
		data = append(data, o+"\n"...)
	}
	require.NoError(t, os.WriteFile(ordersPath, data, 0644))
	require.NoError(t, os.WriteFile(customersPath, []byte("C1,Alice,Consumer\nC2,Bob,Corporate\n"), 0644))
	return ordersPath, customersPath, filepath.Join(dir, "out")
}

func TestMasterRunJobRecordsLedger(t *testing.T) {
	master := newTestMaster(t, 5111)

	w1, err := master.RegisterWorker("127.0.0.1:9001")
	require.NoError(t, err)
	w2, err := master.RegisterWorker("127.0.0.1:9002")
	require.NoError(t, err)

	orders, customers, out := writeInputs(t, "O1,d,d,Air,C1", "O2,d,d,Air,C1", "O3,d,d,Air,C9")
	jobID, err := master.SubmitJob(join.DefaultOptions(orders, customers, out))
	require.NoError(t, err)

	job, err := master.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)

	report, err := master.RunJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.Stats.JoinedRecords)
	assert.DirExists(t, out)

	job, err = master.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCommitted, job.Status)
	assert.EqualValues(t, 2, job.Stats.JoinedRecords)
	assert.EqualValues(t, 3, job.Stats.Keys)

	tasks := master.GetJobTasks(jobID)
	require.Len(t, tasks, 3)
	assert.Equal(t, jobID+"/map-000", tasks[0].ID)
	assert.Equal(t, jobID+"/map-001", tasks[1].ID)
	assert.Equal(t, jobID+"/reduce-000", tasks[2].ID)
	assert.Equal(t, "partition-0", tasks[2].Input)
	for _, task := range tasks {
		assert.Equal(t, types.TaskCompleted, task.Status)
		assert.Contains(t, []string{w1, w2}, task.WorkerID)
	}
	assert.EqualValues(t, 3, tasks[0].Records)

	state := master.GetClusterState()
	assert.NotEmpty(t, state.Leader)
	var completed int64
	for _, w := range state.Workers {
		completed += w.TasksCompleted
		assert.Zero(t, w.TasksRunning)
	}
	assert.EqualValues(t, 3, completed)
}

func TestMasterRunJobRecordsFailure(t *testing.T) {
	master := newTestMaster(t, 5112)
	_, err := master.RegisterWorker("127.0.0.1:9001")
	require.NoError(t, err)

	orders, customers, out := writeInputs(t, "O1,d,d,Air,C1", "short,line")
	jobID, err := master.SubmitJob(join.DefaultOptions(orders, customers, out))
	require.NoError(t, err)

	_, err = master.RunJob(context.Background(), jobID)
	require.Error(t, err)

	job, err := master.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, join.KindMalformedRecord, job.ErrorKind)
	assert.NotEmpty(t, job.Error)
	assert.NoDirExists(t, out)
}

func TestMasterRunJobNeedsWorkers(t *testing.T) {
	master := newTestMaster(t, 5113)

	orders, customers, out := writeInputs(t, "O1,d,d,Air,C1")
	jobID, err := master.SubmitJob(join.DefaultOptions(orders, customers, out))
	require.NoError(t, err)

	_, err = master.RunJob(context.Background(), jobID)
	assert.ErrorContains(t, err, "no healthy workers")

	_, err = master.RunJob(context.Background(), "job-missing")
	assert.ErrorContains(t, err, "job not found")

	_, err = master.GetJob("job-missing")
	assert.Error(t, err)
}

func TestMasterAttachDiscovery(t *testing.T) {
	master := newTestMaster(t, 5114)

	nd, err := discovery.NewNodeDiscovery(discovery.Config{
		NodeID:       "node-1",
		LocalAddress: "127.0.0.1",
		LocalPort:    5124,
		Slots:        3,
	})
	require.NoError(t, err)
	defer nd.Shutdown()

	master.AttachDiscovery(nd)

	workers := master.GetClusterState().Workers
	require.Len(t, workers, 3)
	for _, w := range workers {
		assert.Equal(t, "127.0.0.1:5124", w.Address)
		assert.Equal(t, types.WorkerHealthy, w.Status)
	}

	// Leaving marks the node's workers dead.
	master.mu.RLock()
	ids := master.nodes["node-1"]
	master.mu.RUnlock()
	require.Len(t, ids, 3)
	for _, id := range ids {
		require.NoError(t, master.MarkWorker(id, types.WorkerDead))
	}
	assert.Empty(t, master.cluster.GetFSM().GetHealthyWorkers())
}
