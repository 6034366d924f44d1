package consensus

import (
	"context"
	"time"

	"github.com/robustmq/robustmq/internal/kv"
	"github.com/robustmq/robustmq/internal/rerror"
)

// Local applies proposals directly against the local KV store, bypassing
// raft entirely. It serves single-node bootstrap deployments and tests,
// where a group of one has no peers to replicate to; the dispatch and
// notify semantics are identical to a real group's apply path.
type Local struct {
	group    GroupName
	store    kv.Store
	prefix   kv.Key
	registry *Registry
	notify   NotifyFunc
}

// NewLocal creates a Local proposer over the same inputs a Group's FSM
// would receive.
func NewLocal(group GroupName, store kv.Store, prefix kv.Key, registry *Registry, notify NotifyFunc) *Local {
	return &Local{group: group, store: store, prefix: prefix, registry: registry, notify: notify}
}

// Propose dispatches data through the group's handler registry and fires
// the notify callback, mirroring Group.Propose's error mapping.
func (l *Local) Propose(data StorageData, _ time.Duration) error {
	scoped := scopedKV{Store: l.store, prefix: l.prefix}
	if err := l.registry.Dispatch(context.Background(), scoped, data); err != nil {
		if IsRejection(err) {
			return rerror.Wrap(rerror.Resource, err, "consensus: proposal rejected")
		}
		return rerror.Wrap(rerror.Consensus, err, "consensus: apply divergence")
	}
	if l.notify != nil {
		l.notify(data.Type, data.Payload)
	}
	return nil
}

// IsLeader always reports true; a Local proposer has no peers to defer to.
func (l *Local) IsLeader() bool { return true }
