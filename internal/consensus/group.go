package consensus

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/kv"
	"github.com/robustmq/robustmq/internal/logging"
	"github.com/robustmq/robustmq/internal/rerror"
)

// ErrNotLeader is returned by Propose when this node is not the group's
// leader; the caller should redirect or retry against the current
// leader.
var ErrNotLeader = rerror.New(rerror.Consensus, "consensus: not leader")

// GroupConfig configures one consensus group's raft instance.
type GroupConfig struct {
	Group      GroupName
	NodeID     uint64
	BindAddr   string
	DataDir    string // root directory for this group's snapshots
	Bootstrap  bool   // true to form a brand-new single-node cluster
	KeyPrefix  kv.Key // key-prefix scoping this group's state in the shared store
}

// Group owns one hashicorp/raft instance and its FSM, one of the three
// independent replication groups sharing the KV store.
type Group struct {
	cfg    GroupConfig
	raft   *raft.Raft
	fsm    *FSM
	snaps  *FileSnapshotStore
	logger *zap.Logger
}

// NewGroup constructs and starts the raft instance for one group. store
// is the shared embedded KV store; registry holds this group's domain
// handlers; notify is invoked after every successful apply.
func NewGroup(cfg GroupConfig, store kv.Store, registry *Registry, notify NotifyFunc, transport raft.Transport) (*Group, error) {
	logger := logging.Named("consensus." + string(cfg.Group))

	fsm := NewFSM(cfg.Group, store, cfg.KeyPrefix, registry, notify)

	snapDir := filepath.Join(cfg.DataDir, "snapshots")
	machine := fmt.Sprintf("%s-%d", cfg.Group, cfg.NodeID)
	snaps, err := NewFileSnapshotStore(snapDir, machine)
	if err != nil {
		return nil, err
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(fmt.Sprintf("%d", cfg.NodeID))
	raftConfig.Logger = nil // keep hashicorp/raft's own hclog off our zap stream by default

	// The raft log and term/vote state live in the shared KV store so a
	// restarted node keeps its vote and replays unsnapshotted entries.
	logStore, err := NewKVLogStore(store, cfg.Group)
	if err != nil {
		return nil, err
	}
	stableStore := NewKVStableStore(store, cfg.Group)

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snaps, transport)
	if err != nil {
		return nil, err
	}

	if cfg.Bootstrap {
		cfgFuture := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{
				ID:      raftConfig.LocalID,
				Address: transport.LocalAddr(),
			}},
		})
		if err := cfgFuture.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, err
		}
	}

	return &Group{cfg: cfg, raft: r, fsm: fsm, snaps: snaps, logger: logger}, nil
}

// Propose submits a StorageData entry to the group's raft log. Returns
// ErrNotLeader if this node is not currently the leader so the caller
// can redirect; writes are serialized through the current leader.
func (g *Group) Propose(data StorageData, timeout time.Duration) error {
	if g.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	payload, err := data.Marshal()
	if err != nil {
		return rerror.Wrap(rerror.IO, err, "consensus: marshal storage data")
	}

	future := g.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return ErrNotLeader
		}
		return rerror.Wrap(rerror.Consensus, err, "consensus: proposal failed")
	}

	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		if IsRejection(applyErr) {
			return rerror.Wrap(rerror.Resource, applyErr, "consensus: proposal rejected")
		}
		// Apply errors are fatal; the caller (broker lifecycle) is
		// expected to exit the process on this path.
		return rerror.Wrap(rerror.Consensus, applyErr, "consensus: apply divergence")
	}
	return nil
}

// IsLeader reports whether this node currently leads the group.
func (g *Group) IsLeader() bool {
	return g.raft.State() == raft.Leader
}

// Leader returns the raft server address of the current leader, if known.
func (g *Group) Leader() raft.ServerAddress {
	addr, _ := g.raft.LeaderWithID()
	return addr
}

// Shutdown stops the group's raft instance.
func (g *Group) Shutdown() error {
	return g.raft.Shutdown().Error()
}
