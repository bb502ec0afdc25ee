package raft

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"naturaljoin/internal/logger"
	"naturaljoin/internal/types"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const applyTimeout = 5 * time.Second

// Cluster is a Raft node replicating the job ledger
type Cluster struct {
	nodeID        string
	raft          *raft.Raft
	fsm           *FSM
	logStore      *raftboltdb.BoltStore
	stableStore   *raftboltdb.BoltStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	logger        *logger.Logger
}

// Config for creating a new cluster
type Config struct {
	NodeID   string   // Unique node identifier
	BindAddr string   // Address to bind Raft transport
	BindPort int      // Port for Raft transport
	DataDir  string   // Directory for log store and snapshots
	Peers    []string // List of peer addresses (nodeID@address:port); empty bootstraps a new cluster
}

// NewCluster creates a new Raft cluster node
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DataDir cannot be empty")
	}

	lg := logger.New("INFO")
	lg.Info("Initializing Raft ledger node: node_id=%s bind_addr=%s:%d", cfg.NodeID, cfg.BindAddr, cfg.BindPort)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Cluster{
		nodeID: cfg.NodeID,
		fsm:    NewFSM(),
		logger: lg,
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-logs.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	c.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	c.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		c.closeStores()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	c.snapshotStore = snapshotStore

	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort))
	if err != nil {
		c.closeStores()
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(addr.String(), addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		c.closeStores()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	c.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.SnapshotInterval = 2 * time.Second
	raftCfg.SnapshotThreshold = 64

	r, err := raft.NewRaft(raftCfg, c.fsm, c.logStore, c.stableStore, c.snapshotStore, transport)
	if err != nil {
		transport.Close()
		c.closeStores()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	c.raft = r

	if len(cfg.Peers) == 0 {
		hasState, err := raft.HasExistingState(c.logStore, c.stableStore, c.snapshotStore)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to inspect raft state: %w", err)
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{
					{
						Suffrage: raft.Voter,
						ID:       raft.ServerID(cfg.NodeID),
						Address:  transport.LocalAddr(),
					},
				},
			}
			if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
				c.Close()
				return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			lg.Info("Ledger bootstrapped as first node: node_id=%s", cfg.NodeID)
		}
	}

	return c, nil
}

// AddPeer adds a peer to the Raft cluster
func (c *Cluster) AddPeer(nodeID, address string) error {
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 0).Error()
}

// RemovePeer removes a peer from the Raft cluster
func (c *Cluster) RemovePeer(nodeID string) error {
	return c.raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error()
}

// IsLeader returns true if this node is the current leader
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// GetLeader returns the current leader address
func (c *Cluster) GetLeader() string {
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader blocks until this node knows a leader or timeout elapses
func (c *Cluster) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.GetLeader() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %v", timeout)
}

// apply replicates one typed entry and returns the FSM's error, if any.
// This should only be called on the leader
func (c *Cluster) apply(entryType, op string, payload interface{}) error {
	if !c.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", c.GetLeader())
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s payload: %w", entryType, op, err)
	}
	entry, err := json.Marshal(&types.LogEntry{
		Type:      entryType,
		Operation: op,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := c.raft.Apply(entry, applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}

// SubmitJob records a new pending job
func (c *Cluster) SubmitJob(sub types.JobSubmission) error {
	return c.apply(types.EntryJob, types.OpSubmit, sub)
}

// FinishJob records the terminal state of a job
func (c *Cluster) FinishJob(done types.JobCompletion) error {
	return c.apply(types.EntryJob, types.OpFinish, done)
}

// AssignTask records a task as running on a worker
func (c *Cluster) AssignTask(a types.TaskAssignment) error {
	return c.apply(types.EntryTask, types.OpAssign, a)
}

// CompleteTask records the outcome of a task
func (c *Cluster) CompleteTask(done types.TaskCompletion) error {
	return c.apply(types.EntryTask, types.OpComplete, done)
}

// RegisterWorker registers a new worker in the cluster
func (c *Cluster) RegisterWorker(workerID, address string) error {
	return c.apply(types.EntryWorker, types.OpRegister, types.WorkerRegistration{
		WorkerID: workerID,
		Address:  address,
	})
}

// WorkerHeartbeat updates worker health status
func (c *Cluster) WorkerHeartbeat(hb types.WorkerHeartbeat) error {
	return c.apply(types.EntryWorker, types.OpHealth, hb)
}

// GetClusterState returns the current cluster state
func (c *Cluster) GetClusterState() *types.ClusterState {
	state := c.fsm.GetState()
	state.Leader = c.GetLeader()
	return state
}

// GetPeers returns all known peers in the cluster
func (c *Cluster) GetPeers() map[string]raft.Server {
	config := c.raft.GetConfiguration()
	peers := make(map[string]raft.Server)

	if config.Error() == nil {
		for _, server := range config.Configuration().Servers {
			peers[string(server.ID)] = server
		}
	}

	return peers
}

// GetFSM returns the underlying FSM
func (c *Cluster) GetFSM() *FSM {
	return c.fsm
}

// Close shuts the Raft node down and releases its stores
func (c *Cluster) Close() error {
	if err := c.raft.Shutdown().Error(); err != nil {
		return err
	}
	if err := c.transport.Close(); err != nil {
		return err
	}
	return c.closeStores()
}

func (c *Cluster) closeStores() error {
	if c.logStore != nil {
		if err := c.logStore.Close(); err != nil {
			return err
		}
	}
	if c.stableStore != nil {
		if err := c.stableStore.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the Raft statistics
func (c *Cluster) Stats() map[string]string {
	return c.raft.Stats()
}
