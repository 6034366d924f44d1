package consensus

import (
	"context"
	"io"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/kv"
	"github.com/robustmq/robustmq/internal/logging"
)

// FSM is the per-group replicated state machine. Every applied log
// entry is dispatched, by StorageData.Type, to a registered
// per-domain Handler that writes its effect to the shared KV store under
// this group's key prefix.
type FSM struct {
	group    GroupName
	store    kv.Store
	prefix   kv.Key
	registry *Registry
	notify   NotifyFunc
	logger   *zap.Logger
}

// NewFSM creates the FSM for one consensus group. prefix scopes every
// key this group's handlers touch, implementing the "disjoint key
// prefixes" isolation over a shared store.
func NewFSM(group GroupName, store kv.Store, prefix kv.Key, registry *Registry, notify NotifyFunc) *FSM {
	return &FSM{
		group:    group,
		store:    store,
		prefix:   prefix,
		registry: registry,
		notify:   notify,
		logger:   logging.Named("consensus." + string(group)),
	}
}

// scopedKV is a kv.Store wrapper that prefixes every key with the
// group's namespace, so handlers are written without knowing which
// group they run under.
type scopedKV struct {
	kv.Store
	prefix kv.Key
}

func (s scopedKV) scope(k kv.Key) kv.Key {
	return append(append(kv.Key{}, s.prefix...), k...)
}

func (s scopedKV) Get(ctx context.Context, key kv.Key) ([]byte, error) {
	return s.Store.Get(ctx, s.scope(key))
}

func (s scopedKV) Set(ctx context.Context, key kv.Key, value []byte) error {
	return s.Store.Set(ctx, s.scope(key), value)
}

func (s scopedKV) Delete(ctx context.Context, key kv.Key) error {
	return s.Store.Delete(ctx, s.scope(key))
}

// Apply applies one committed raft log entry. Apply errors are fatal
// for this node by design; this method returns the error to the caller,
// which owns the decision to exit.
func (f *FSM) Apply(log *raft.Log) interface{} {
	data, err := UnmarshalStorageData(log.Data)
	if err != nil {
		f.logger.Error("malformed log entry", zap.Error(err))
		return err
	}

	scoped := scopedKV{Store: f.store, prefix: f.prefix}
	ctx := context.Background()
	if err := f.registry.Dispatch(ctx, scoped, data); err != nil {
		if IsRejection(err) {
			// Deterministic rejection, not divergence: every replica
			// reached the same verdict, so the node stays up.
			f.logger.Debug("apply rejected", zap.String("type", data.Type), zap.Error(err))
			return err
		}
		f.logger.Error("apply failed", zap.String("type", data.Type), zap.Error(err))
		return err
	}

	if f.notify != nil {
		f.notify(data.Type, data.Payload)
	}
	return nil
}

// Snapshot returns a point-in-time view of this group's key space for
// the raft library to persist via the configured SnapshotStore.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{store: f.store, prefix: f.prefix}, nil
}

// Restore replaces this group's key space with the contents of the
// snapshot stream, in bounded batches.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	ctx := context.Background()
	var stale []kv.Key
	for entry, err := range f.store.List(ctx, f.prefix) {
		if err != nil {
			return err
		}
		stale = append(stale, entry.Key)
	}
	if err := f.store.BatchDelete(ctx, stale); err != nil {
		return err
	}
	return restoreSnapshot(ctx, rc, f.store, f.prefix, 1000)
}
