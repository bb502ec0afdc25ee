package discovery

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"naturaljoin/internal/logger"
)

// Member is a node taking part in the membership.
type Member struct {
	NodeID  string
	Address string
	Port    int
	Slots   int // task slots the node offers
}

func (m Member) Addr() string {
	return fmt.Sprintf("%s:%d", m.Address, m.Port)
}

// EventDelegate implements memberlist.EventDelegate for handling membership changes
type EventDelegate struct {
	discovery *NodeDiscovery
}

func (ed *EventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

func (ed *EventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.discovery.handleNodeLeave(node)
}

func (ed *EventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

// metaDelegate advertises the local slot count as node metadata.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// NodeDiscovery uses memberlist to track which worker nodes are alive
type NodeDiscovery struct {
	memberlist *memberlist.Memberlist
	logger     *logger.Logger
	mu         sync.RWMutex

	onNodeJoin  func(Member)
	onNodeLeave func(nodeID string)

	members     map[string]Member
	localNodeID string
}

// Config for node discovery
type Config struct {
	NodeID       string   // Unique node identifier
	LocalAddress string   // Address to bind to
	LocalPort    int      // Port to bind to
	Slots        int      // Task slots advertised to other nodes
	JoinAddrs    []string // Addresses to join cluster (format: "host:port")
}

// NewNodeDiscovery creates a new node discovery service
func NewNodeDiscovery(cfg Config) (*NodeDiscovery, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}

	lg := logger.New("INFO")
	lg.Info("Initializing node discovery: node_id=%s addr=%s:%d slots=%d", cfg.NodeID, cfg.LocalAddress, cfg.LocalPort, cfg.Slots)

	nd := &NodeDiscovery{
		logger:      lg,
		localNodeID: cfg.NodeID,
		members:     make(map[string]Member),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindPort = cfg.LocalPort
	mlConfig.BindAddr = cfg.LocalAddress
	mlConfig.AdvertiseAddr = cfg.LocalAddress
	mlConfig.AdvertisePort = cfg.LocalPort
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = 1 * time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.LogOutput = &glogWriter{logger: lg}
	mlConfig.Events = &EventDelegate{discovery: nd}
	mlConfig.Delegate = &metaDelegate{meta: encodeSlots(cfg.Slots)}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	nd.memberlist = ml

	if len(cfg.JoinAddrs) > 0 {
		n, err := ml.Join(cfg.JoinAddrs)
		if err != nil {
			lg.Warn("Failed to join cluster: %v (continuing as single node)", err)
		} else {
			lg.Info("Joined cluster: contacted=%d members=%d", n, ml.NumMembers())
		}
	}

	return nd, nil
}

// Members returns all live members ordered by node ID
func (nd *NodeDiscovery) Members() []Member {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	result := make([]Member, 0, len(nd.members))
	for _, m := range nd.members {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NodeID < result[j].NodeID })
	return result
}

// TotalSlots sums the slots advertised by live members
func (nd *NodeDiscovery) TotalSlots() int {
	total := 0
	for _, m := range nd.Members() {
		total += m.Slots
	}
	return total
}

// RegisterJoinCallback registers a callback for when nodes join. Nodes
// already known are replayed to the callback immediately.
func (nd *NodeDiscovery) RegisterJoinCallback(callback func(Member)) {
	nd.mu.Lock()
	nd.onNodeJoin = callback
	nd.mu.Unlock()

	for _, m := range nd.Members() {
		callback(m)
	}
}

// RegisterLeaveCallback registers a callback for when nodes leave
func (nd *NodeDiscovery) RegisterLeaveCallback(callback func(nodeID string)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeLeave = callback
}

// handleNodeJoin processes a node join or metadata update
func (nd *NodeDiscovery) handleNodeJoin(node *memberlist.Node) {
	m := Member{
		NodeID:  node.Name,
		Address: node.Addr.String(),
		Port:    int(node.Port),
		Slots:   decodeSlots(node.Meta),
	}

	nd.mu.Lock()
	_, known := nd.members[m.NodeID]
	nd.members[m.NodeID] = m
	callback := nd.onNodeJoin
	nd.mu.Unlock()

	if known {
		nd.logger.Debug("Node updated: node_id=%s address=%s slots=%d", m.NodeID, m.Addr(), m.Slots)
		return
	}
	nd.logger.Info("Node joined: node_id=%s address=%s slots=%d", m.NodeID, m.Addr(), m.Slots)

	if callback != nil {
		// memberlist delegates must not block.
		go callback(m)
	}
}

// handleNodeLeave processes a node leave event
func (nd *NodeDiscovery) handleNodeLeave(node *memberlist.Node) {
	nd.mu.Lock()
	delete(nd.members, node.Name)
	callback := nd.onNodeLeave
	nd.mu.Unlock()

	nd.logger.Info("Node left: node_id=%s", node.Name)

	if callback != nil {
		go callback(node.Name)
	}
}

// NumMembers returns the number of known cluster members
func (nd *NodeDiscovery) NumMembers() int {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return len(nd.members)
}

// LocalNodeID returns this node's name in the membership
func (nd *NodeDiscovery) LocalNodeID() string {
	return nd.localNodeID
}

// Leave gracefully leaves the cluster
func (nd *NodeDiscovery) Leave(timeout time.Duration) error {
	return nd.memberlist.Leave(timeout)
}

// Shutdown shuts down the discovery service
func (nd *NodeDiscovery) Shutdown() error {
	return nd.memberlist.Shutdown()
}

func encodeSlots(n int) []byte {
	buf := make([]byte, binary.MaxVarintLen32)
	return buf[:binary.PutUvarint(buf, uint64(n))]
}

func decodeSlots(meta []byte) int {
	n, size := binary.Uvarint(meta)
	if size <= 0 || n == 0 {
		return 1
	}
	return int(n)
}

// glogWriter routes memberlist's internal log lines to the debug log.
type glogWriter struct {
	logger *logger.Logger
}

func (w *glogWriter) Write(p []byte) (int, error) {
	w.logger.Debug("memberlist: %s", string(p))
	return len(p), nil
}
