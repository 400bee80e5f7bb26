package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// TopologyConfig holds gossip protocol configuration
type TopologyConfig struct {
	Enabled        bool
	NodeID         string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NodeMeta is what a member advertises about itself. A member is a directory
// server, a replication server or both.
type NodeMeta struct {
	DS *model.DSInfo `json:"ds,omitempty"`
	RS *model.RSInfo `json:"rs,omitempty"`
}

// stateMessage carries the ServerState of one server
type stateMessage struct {
	NodeID   string   `json:"node_id"`
	ServerID uint16   `json:"server_id"`
	State    []string `json:"state"`
}

// pushPull is exchanged on full state syncs
type pushPull struct {
	NodeID string              `json:"node_id"`
	Meta   NodeMeta            `json:"meta"`
	States map[uint16][]string `json:"states"`
}

type stateBroadcast struct {
	serverID uint16
	msg      []byte
}

// Invalidates implements memberlist.Broadcast; a newer state of the same server replaces an older one
func (b *stateBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*stateBroadcast)
	return ok && o.serverID == b.serverID
}

func (b *stateBroadcast) Message() []byte { return b.msg }

func (b *stateBroadcast) Finished() {}

// TopologyService gossips replication topology between members and delivers
// a fresh TopologySnapshot to subscribers whenever it changes.
type TopologyService struct {
	config     TopologyConfig
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu          sync.RWMutex
	local       NodeMeta
	members     map[string]NodeMeta
	states      map[uint16]*model.ServerState
	subscribers []func(*model.TopologySnapshot)
}

// NewTopologyService creates the service. Gossip starts with Start.
func NewTopologyService(cfg TopologyConfig, local NodeMeta, m *metrics.Metrics, logger *zap.Logger) *TopologyService {
	ts := &TopologyService{
		config:  cfg,
		metrics: m,
		logger:  logger,
		local:   local,
		members: make(map[string]NodeMeta),
		states:  make(map[uint16]*model.ServerState),
	}
	ts.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes: func() int {
			if ts.memberlist == nil {
				return 1
			}
			return ts.memberlist.NumMembers()
		},
		RetransmitMult: 3,
	}
	return ts
}

// Start creates the memberlist and joins the seed nodes
func (s *TopologyService) Start() error {
	if !s.config.Enabled {
		return nil
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = s.config.NodeID
	if s.config.BindAddr != "" {
		mlConfig.BindAddr = s.config.BindAddr
	}
	mlConfig.BindPort = s.config.BindPort
	mlConfig.AdvertisePort = s.config.BindPort
	if s.config.GossipInterval > 0 {
		mlConfig.GossipInterval = s.config.GossipInterval
	}
	if s.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.config.ProbeTimeout
	}
	if s.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.config.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &TopologyEventDelegate{service: s}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(s.config.SeedNodes) > 0 {
		if _, err := ml.Join(s.config.SeedNodes); err != nil {
			s.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers fn to receive every new snapshot
func (s *TopologyService) Subscribe(fn func(*model.TopologySnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// NodeMeta implements memberlist.Delegate
func (s *TopologyService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	data, err := json.Marshal(s.local)
	s.mu.RUnlock()
	if err != nil || len(data) > limit {
		s.logger.Warn("Node meta does not fit", zap.Int("size", len(data)), zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *TopologyService) NotifyMsg(data []byte) {
	var msg stateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	s.metrics.RecordGossipMessage("state")

	state, err := model.DecodeServerState(msg.State)
	if err != nil {
		s.metrics.RecordDecodeError("gossip")
		s.logger.Warn("Dropping undecodable server state",
			zap.String("node_id", msg.NodeID),
			zap.Error(err))
		return
	}
	if s.mergeState(msg.ServerID, state) {
		s.notify()
	}
}

// GetBroadcasts implements memberlist.Delegate
func (s *TopologyService) GetBroadcasts(overhead, limit int) [][]byte {
	return s.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate
func (s *TopologyService) LocalState(join bool) []byte {
	s.mu.RLock()
	pp := pushPull{
		NodeID: s.config.NodeID,
		Meta:   s.local,
		States: make(map[uint16][]string, len(s.states)),
	}
	for id, state := range s.states {
		pp.States[id] = state.Encode()
	}
	s.mu.RUnlock()

	data, _ := json.Marshal(pp)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *TopologyService) MergeRemoteState(buf []byte, join bool) {
	var pp pushPull
	if err := json.Unmarshal(buf, &pp); err != nil {
		s.logger.Warn("Failed to unmarshal remote state", zap.Error(err))
		return
	}
	s.metrics.RecordGossipMessage("push_pull")

	changed := false
	if pp.NodeID != "" && pp.NodeID != s.config.NodeID {
		changed = s.setMember(pp.NodeID, pp.Meta)
	}
	for id, tokens := range pp.States {
		state, err := model.DecodeServerState(tokens)
		if err != nil {
			s.metrics.RecordDecodeError("gossip")
			continue
		}
		if s.mergeState(id, state) {
			changed = true
		}
	}
	if changed {
		s.notify()
	}
}

// AnnounceState records the state of serverID and gossips it
func (s *TopologyService) AnnounceState(serverID uint16, state *model.ServerState) {
	if !s.mergeState(serverID, state) {
		return
	}
	data, err := json.Marshal(stateMessage{NodeID: s.config.NodeID, ServerID: serverID, State: state.Encode()})
	if err != nil {
		return
	}
	s.broadcasts.QueueBroadcast(&stateBroadcast{serverID: serverID, msg: data})
}

// UpdateHealth refreshes the advertised status of the local directory server
func (s *TopologyService) UpdateHealth(health model.ReplicationHealth) {
	s.mu.Lock()
	if s.local.DS == nil {
		s.mu.Unlock()
		return
	}
	status := model.StatusNormal
	if health.Isolated {
		status = model.StatusDegraded
	}
	changed := s.local.DS.Status != status || s.local.DS.RSID != health.ReplicationServerID
	s.local.DS.Status = status
	s.local.DS.RSID = health.ReplicationServerID
	s.mu.Unlock()

	if changed && s.memberlist != nil {
		if err := s.memberlist.UpdateNode(s.config.ProbeTimeout); err != nil {
			s.logger.Warn("Failed to update node meta", zap.Error(err))
		}
	}
}

func (s *TopologyService) mergeState(serverID uint16, state *model.ServerState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, ok := s.states[serverID]
	if !ok {
		s.states[serverID] = state.Duplicate()
		return true
	}
	return known.UpdateState(state)
}

func (s *TopologyService) setMember(nodeID string, meta NodeMeta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.members[nodeID]
	s.members[nodeID] = meta
	if !ok {
		return true
	}
	oldData, _ := json.Marshal(old)
	newData, _ := json.Marshal(meta)
	return string(oldData) != string(newData)
}

func (s *TopologyService) removeMember(nodeID string) {
	s.mu.Lock()
	delete(s.members, nodeID)
	s.mu.Unlock()
}

// Snapshot builds the current topology view, the local node included
func (s *TopologyService) Snapshot() *model.TopologySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.TopologySnapshot{States: make(map[uint16]*model.ServerState, len(s.states))}
	add := func(meta NodeMeta) {
		if meta.RS != nil {
			snap.ReplicationServers = append(snap.ReplicationServers, *meta.RS)
		}
		if meta.DS != nil {
			snap.DirectoryServers = append(snap.DirectoryServers, *meta.DS)
		}
	}
	add(s.local)
	for _, meta := range s.members {
		add(meta)
	}
	for id, state := range s.states {
		snap.States[id] = state.Duplicate()
	}

	sort.Slice(snap.ReplicationServers, func(i, j int) bool {
		return snap.ReplicationServers[i].ID < snap.ReplicationServers[j].ID
	})
	sort.Slice(snap.DirectoryServers, func(i, j int) bool {
		return snap.DirectoryServers[i].ID < snap.DirectoryServers[j].ID
	})
	return snap
}

func (s *TopologyService) notify() {
	s.mu.RLock()
	subscribers := append([]func(*model.TopologySnapshot){}, s.subscribers...)
	members := len(s.members) + 1
	s.mu.RUnlock()

	s.metrics.UpdateTopology(members)
	snap := s.Snapshot()
	for _, fn := range subscribers {
		fn(snap)
	}
}

// Shutdown leaves the cluster and stops gossiping
func (s *TopologyService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// TopologyEventDelegate handles memberlist events
type TopologyEventDelegate struct {
	service *TopologyService
}

func decodeMeta(node *memberlist.Node) (NodeMeta, bool) {
	var meta NodeMeta
	if len(node.Meta) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		return meta, false
	}
	return meta, true
}

// NotifyJoin is called when a node joins
func (d *TopologyEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))

	if node.Name == d.service.config.NodeID {
		return
	}
	meta, ok := decodeMeta(node)
	if !ok {
		d.service.logger.Warn("Ignoring node without topology meta", zap.String("node_id", node.Name))
		return
	}
	d.service.setMember(node.Name, meta)
	d.service.notify()
}

// NotifyLeave is called when a node leaves
func (d *TopologyEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))

	d.service.removeMember(node.Name)
	d.service.notify()
}

// NotifyUpdate is called when a node is updated
func (d *TopologyEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))

	if node.Name == d.service.config.NodeID {
		return
	}
	if meta, ok := decodeMeta(node); ok && d.service.setMember(node.Name, meta) {
		d.service.notify()
	}
}
