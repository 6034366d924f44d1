// Package offsetmeta persists consumer offsets through the Offset
// consensus group, keyed (group_id, topic_id, shard_name), and projects
// them back out of the KV store for get_offset_by_group reads.
package offsetmeta

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
)

// ConsumerOffset is one consumer group's position in one shard.
type ConsumerOffset struct {
	GroupID   string `json:"group_id"`
	TopicID   string `json:"topic_id"`
	ShardName string `json:"shard_name"`
	Offset    uint64 `json:"offset"`
}

// CommitRequest is the OffsetCommit entry payload: a batch of offsets
// flushed together by the offset manager.
type CommitRequest struct {
	Offsets []ConsumerOffset `json:"offsets"`
}

// KeyOffset locates one consumer offset inside the Offset group's key
// space.
func KeyOffset(groupID, topicID, shardName string) kv.Key {
	return kv.Key{"offset", groupID, topicID, shardName}
}

// KeyGroupPrefix is the prefix covering every offset of one consumer
// group, used by get_offset_by_group projections.
func KeyGroupPrefix(groupID string) kv.Key {
	return kv.Key{"offset", groupID}
}

// RegisterHandlers installs the Offset group's single handler.
func RegisterHandlers(registry *consensus.Registry) {
	registry.Register(consensus.TypeOffsetCommit, handleCommit)
}

// handleCommit writes every offset in the batch. Offsets are monotonic:
// a commit below the persisted value is kept as-is rather than rolled
// back, so replaying an old batch is idempotent.
func handleCommit(ctx context.Context, store kv.Store, payload []byte) error {
	var req CommitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	for _, o := range req.Offsets {
		key := KeyOffset(o.GroupID, o.TopicID, o.ShardName)
		if prev, err := store.Get(ctx, key); err == nil && len(prev) == 8 {
			if binary.BigEndian.Uint64(prev) >= o.Offset {
				continue
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, o.Offset)
		if err := store.Set(ctx, key, buf); err != nil {
			return err
		}
	}
	return nil
}

// DecodeOffset parses a persisted offset value.
func DecodeOffset(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}
