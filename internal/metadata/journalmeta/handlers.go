package journalmeta

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
)

// Key layout inside the metadata consensus group's key space.
func KeyShard(namespace, shard string) kv.Key {
	return kv.Key{"shard", namespace, shard}
}

func KeySegment(namespace, shard string, seq uint32) kv.Key {
	return kv.Key{"segment", namespace, shard, segKey(seq)}
}

func KeySegmentMetadata(namespace, shard string, seq uint32) kv.Key {
	return kv.Key{"segmentmeta", namespace, shard, segKey(seq)}
}

// segKey zero-pads the sequence so lexicographic KV iteration walks
// segments in numeric order.
func segKey(seq uint32) string {
	return fmt.Sprintf("%010d", seq)
}

// RegisterHandlers installs the journal consensus handlers into the
// metadata group's registry. Every handler is an idempotent, total
// function of (kv state, payload); compound operations (create segment +
// bump shard last_segment_seq + seed metadata) arrive as separate,
// individually idempotent entries.
func RegisterHandlers(registry *consensus.Registry) {
	registry.Register(consensus.TypeJournalSetShard, handleSetShard)
	registry.Register(consensus.TypeJournalSetSegment, handleSetSegment)
	registry.Register(consensus.TypeJournalUpdateSegmentStatus, handleUpdateSegmentStatus)
	registry.Register(consensus.TypeJournalSetSegmentMetadata, handleSetSegmentMetadata)
	registry.Register(consensus.TypeJournalDeleteSegment, handleDeleteSegment)
}

func handleSetShard(ctx context.Context, store kv.Store, payload []byte) error {
	var s Shard
	if err := json.Unmarshal(payload, &s); err != nil {
		return err
	}
	return store.Set(ctx, KeyShard(s.Namespace, s.ShardName), payload)
}

func handleSetSegment(ctx context.Context, store kv.Store, payload []byte) error {
	var seg Segment
	if err := json.Unmarshal(payload, &seg); err != nil {
		return err
	}
	return store.Set(ctx, KeySegment(seg.Namespace, seg.ShardName, seg.SegmentSeq), payload)
}

// handleUpdateSegmentStatus is the CAS transition: the
// caller declares the status it observed, and the entry applies only if
// the persisted status still matches and the edge is a legal lifecycle
// transition. A mismatch is a deterministic rejection, not divergence.
func handleUpdateSegmentStatus(ctx context.Context, store kv.Store, payload []byte) error {
	var req UpdateSegmentStatusRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}

	key := KeySegment(req.Namespace, req.ShardName, req.SegmentSeq)
	raw, err := store.Get(ctx, key)
	if err != nil {
		return consensus.Reject("segment %s/%s/%d not found", req.Namespace, req.ShardName, req.SegmentSeq)
	}
	var seg Segment
	if err := json.Unmarshal(raw, &seg); err != nil {
		return err
	}

	if seg.Status != req.CurStatus {
		return consensus.Reject("segment %s/%s/%d status is %s, caller expected %s",
			req.Namespace, req.ShardName, req.SegmentSeq, seg.Status, req.CurStatus)
	}
	if !CanTransition(req.CurStatus, req.NewStatus) {
		return consensus.Reject("segment status transition %s -> %s not allowed", req.CurStatus, req.NewStatus)
	}

	seg.Status = req.NewStatus
	updated, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, updated)
}

func handleSetSegmentMetadata(ctx context.Context, store kv.Store, payload []byte) error {
	var m SegmentMetadata
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	return store.Set(ctx, KeySegmentMetadata(m.Namespace, m.ShardName, m.SegmentSeq), payload)
}

func handleDeleteSegment(ctx context.Context, store kv.Store, payload []byte) error {
	var req DeleteSegmentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	if err := store.Delete(ctx, KeySegment(req.Namespace, req.ShardName, req.SegmentSeq)); err != nil {
		return err
	}
	return store.Delete(ctx, KeySegmentMetadata(req.Namespace, req.ShardName, req.SegmentSeq))
}
