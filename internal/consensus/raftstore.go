package consensus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/robustmq/robustmq/internal/kv"
)

// The raft log and stable state persist in the shared KV store under
// their own top-level prefixes, deliberately outside the FSM's group
// prefix so consensus bookkeeping never leaks into state-machine
// snapshots. A restarted node replays its unsnapshotted log and keeps
// its term/vote, which in-memory stores would lose.

// errNotFound matches the exact error text hashicorp/raft checks for
// when reading stable keys that were never written.
var errNotFound = errors.New("not found")

func keyRaftLog(group GroupName, index uint64) kv.Key {
	return kv.Key{"raftlog", string(group), fmt.Sprintf("%020d", index)}
}

func keyRaftStable(group GroupName, k []byte) kv.Key {
	return kv.Key{"raftstable", string(group), string(k)}
}

// KVLogStore implements raft.LogStore over the embedded KV store.
type KVLogStore struct {
	store kv.Store
	group GroupName

	mu sync.Mutex
	lo uint64
	hi uint64
}

// NewKVLogStore opens the log store for one group, scanning the
// existing key range to recover the first/last index after a restart.
func NewKVLogStore(store kv.Store, group GroupName) (*KVLogStore, error) {
	s := &KVLogStore{store: store, group: group}
	ctx := context.Background()
	for entry, err := range store.List(ctx, kv.Key{"raftlog", string(group)}) {
		if err != nil {
			return nil, err
		}
		var l raft.Log
		if err := json.Unmarshal(entry.Value, &l); err != nil {
			return nil, err
		}
		if s.lo == 0 || l.Index < s.lo {
			s.lo = l.Index
		}
		if l.Index > s.hi {
			s.hi = l.Index
		}
	}
	return s, nil
}

// FirstIndex returns the first index written, 0 for an empty log.
func (s *KVLogStore) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lo, nil
}

// LastIndex returns the last index written, 0 for an empty log.
func (s *KVLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hi, nil
}

// GetLog retrieves one entry into log.
func (s *KVLogStore) GetLog(index uint64, log *raft.Log) error {
	raw, err := s.store.Get(context.Background(), keyRaftLog(s.group, index))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return raft.ErrLogNotFound
		}
		return err
	}
	return json.Unmarshal(raw, log)
}

// StoreLog appends one entry.
func (s *KVLogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs appends a batch of entries in one KV batch write.
func (s *KVLogStore) StoreLogs(logs []*raft.Log) error {
	entries := make([]kv.Entry, 0, len(logs))
	for _, l := range logs {
		raw, err := json.Marshal(l)
		if err != nil {
			return err
		}
		entries = append(entries, kv.Entry{Key: keyRaftLog(s.group, l.Index), Value: raw})
	}
	if err := s.store.BatchSet(context.Background(), entries); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		if s.lo == 0 || l.Index < s.lo {
			s.lo = l.Index
		}
		if l.Index > s.hi {
			s.hi = l.Index
		}
	}
	return nil
}

// DeleteRange removes entries in [min, max], used by raft for
// compaction after snapshots and for truncating conflicting suffixes.
func (s *KVLogStore) DeleteRange(min, max uint64) error {
	keys := make([]kv.Key, 0, max-min+1)
	for i := min; i <= max; i++ {
		keys = append(keys, keyRaftLog(s.group, i))
	}
	if err := s.store.BatchDelete(context.Background(), keys); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if min <= s.lo {
		s.lo = max + 1
	}
	if max >= s.hi {
		s.hi = min - 1
	}
	if s.lo > s.hi {
		s.lo, s.hi = 0, 0
	}
	return nil
}

// KVStableStore implements raft.StableStore (current term, last vote)
// over the embedded KV store.
type KVStableStore struct {
	store kv.Store
	group GroupName
}

// NewKVStableStore opens the stable store for one group.
func NewKVStableStore(store kv.Store, group GroupName) *KVStableStore {
	return &KVStableStore{store: store, group: group}
}

func (s *KVStableStore) Set(key, val []byte) error {
	return s.store.Set(context.Background(), keyRaftStable(s.group, key), val)
}

func (s *KVStableStore) Get(key []byte) ([]byte, error) {
	raw, err := s.store.Get(context.Background(), keyRaftStable(s.group, key))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, errNotFound
		}
		return nil, err
	}
	return raw, nil
}

func (s *KVStableStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return s.Set(key, buf)
}

func (s *KVStableStore) GetUint64(key []byte) (uint64, error) {
	raw, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}
