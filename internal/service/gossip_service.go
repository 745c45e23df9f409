package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/model"
)

// RingLister reports the rings hosted locally.
type RingLister interface {
	Discover() []model.RingInfo
}

// GossipService shares each node's address and hosted rings with the cluster so
// joins can find an entry node without being told one.
type GossipService struct {
	config     config.GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	self       model.NodeAddress
	rings      RingLister
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.RWMutex
	peers map[string]model.PeerState

	// members is maintained from join/leave events; memberlist holds its node lock
	// while delivering them, so NumMembers cannot be called there.
	members atomic.Int64
}

// NewGossipService creates a gossip service and joins the seed nodes.
func NewGossipService(cfg config.GossipConfig, nodeID string, self model.NodeAddress, rings RingLister, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		nodeID:  nodeID,
		self:    self,
		rings:   rings,
		metrics: m,
		logger:  logger,
		peers:   make(map[string]model.PeerState),
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.PushPullInterval = cfg.PushPullInterval
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Int("joined", n), zap.Error(err))
		}
	}

	return gs, nil
}

func (s *GossipService) localState() model.PeerState {
	return model.PeerState{NodeID: s.nodeID, Address: s.self, Rings: s.rings.Discover()}
}

// NodeMeta implements memberlist.Delegate. It carries only the relay address; ring
// lists travel in push/pull state.
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(model.PeerState{NodeID: s.nodeID, Address: s.self})
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	s.mergeState(data)
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	data, _ := json.Marshal(s.localState())
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	s.mergeState(buf)
}

func (s *GossipService) mergeState(buf []byte) {
	var st model.PeerState
	if err := json.Unmarshal(buf, &st); err != nil {
		s.logger.Warn("Failed to unmarshal gossip state", zap.Error(err))
		return
	}
	if st.NodeID == "" || st.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	s.peers[st.NodeID] = st
	s.mu.Unlock()

	s.logger.Debug("Merged peer state",
		zap.String("node_id", st.NodeID),
		zap.String("address", st.Address.String()),
		zap.Int("rings", len(st.Rings)))
}

func (s *GossipService) forget(nodeID string) {
	s.mu.Lock()
	delete(s.peers, nodeID)
	s.mu.Unlock()
}

// Peers returns the last known state of every other node, ordered by node id.
func (s *GossipService) Peers() []model.PeerState {
	s.mu.RLock()
	out := make([]model.PeerState, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// FindRing implements PeerFinder.
func (s *GossipService) FindRing(id model.RingID) (model.NodeAddress, uint64, bool) {
	for _, p := range s.Peers() {
		if p.Address == s.self {
			continue
		}
		for _, r := range p.Rings {
			if r.RingID == id {
				return p.Address, r.ChunkNum, true
			}
		}
	}
	return model.NodeAddress{}, 0, false
}

// NumMembers returns the number of live cluster members, including this node.
func (s *GossipService) NumMembers() int {
	if s.memberlist == nil {
		return 1
	}
	return s.memberlist.NumMembers()
}

// Shutdown leaves the cluster and shuts down the gossip service
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(s.config.ProbeTimeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.metrics.UpdateGossipMembers(int(d.service.members.Add(1)))
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.forget(node.Name)
	d.service.metrics.UpdateGossipMembers(int(d.service.members.Add(-1)))
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
