// Package journalmeta holds the storage-engine control-plane records
// (Shard, Segment, SegmentMetadata) and the consensus handlers that
// maintain them. The storage engine itself
// (internal/storage) consumes these records through the metadata
// service; it never writes them directly.
package journalmeta

// SegmentStatus is the lifecycle state of one segment.
// The source's "Deleteing" spelling is normalized to Deleting.
type SegmentStatus string

const (
	SegmentIdle      SegmentStatus = "Idle"
	SegmentWrite     SegmentStatus = "Write"
	SegmentSealUp    SegmentStatus = "SealUp"
	SegmentPreDelete SegmentStatus = "PreDelete"
	SegmentDeleting  SegmentStatus = "Deleting"
)

// validTransitions enumerates the lifecycle edges:
// Idle -> Write -> SealUp -> PreDelete -> Deleting.
var validTransitions = map[SegmentStatus]SegmentStatus{
	SegmentIdle:      SegmentWrite,
	SegmentWrite:     SegmentSealUp,
	SegmentSealUp:    SegmentPreDelete,
	SegmentPreDelete: SegmentDeleting,
}

// CanTransition reports whether from -> to is a lifecycle edge the
// segment state machine allows.
func CanTransition(from, to SegmentStatus) bool {
	return validTransitions[from] == to
}

// ShardConfig carries per-shard tunables.
type ShardConfig struct {
	MaxSegmentSize int64 `json:"max_segment_size"`
}

// Shard is the per-stream control record, with monotone
// segment-sequence counters.
type Shard struct {
	ClusterName      string      `json:"cluster_name"`
	Namespace        string      `json:"namespace"`
	ShardName        string      `json:"shard_name"`
	StartSegmentSeq  uint32      `json:"start_segment_seq"`
	ActiveSegmentSeq uint32      `json:"active_segment_seq"`
	LastSegmentSeq   uint32      `json:"last_segment_seq"`
	ReplicaNum       uint32      `json:"replica_num"`
	Config           ShardConfig `json:"config"`
}

// Replica is one placement of a segment on a node.
type Replica struct {
	ReplicaSeq uint32 `json:"replica_seq"`
	NodeID     uint64 `json:"node_id"`
	Fold       string `json:"fold"`
}

// SegmentConfig carries per-segment tunables, copied from the shard at
// creation time.
type SegmentConfig struct {
	MaxSegmentSize int64 `json:"max_segment_size"`
}

// Segment is one contiguous offset range of a shard.
type Segment struct {
	ClusterName string        `json:"cluster_name"`
	Namespace   string        `json:"namespace"`
	ShardName   string        `json:"shard_name"`
	SegmentSeq  uint32        `json:"segment_seq"`
	Status      SegmentStatus `json:"status"`
	LeaderEpoch uint32        `json:"leader_epoch"`
	Leader      uint64        `json:"leader"`
	Replicas    []Replica     `json:"replicas"`
	ISR         []uint64      `json:"isr"`
	Config      SegmentConfig `json:"config"`
}

// MetadataUnknown is the sentinel for "unknown/open" watermark fields.
const MetadataUnknown int64 = -1

// SegmentMetadata carries a segment's offset and timestamp watermarks.
type SegmentMetadata struct {
	Namespace      string `json:"namespace"`
	ShardName      string `json:"shard_name"`
	SegmentSeq     uint32 `json:"segment_seq"`
	StartOffset    int64  `json:"start_offset"`
	EndOffset      int64  `json:"end_offset"`
	StartTimestamp int64  `json:"start_timestamp"`
	EndTimestamp   int64  `json:"end_timestamp"`
}

// NewSegmentMetadata returns a metadata record with every watermark
// unknown.
func NewSegmentMetadata(namespace, shard string, seq uint32) SegmentMetadata {
	return SegmentMetadata{
		Namespace:      namespace,
		ShardName:      shard,
		SegmentSeq:     seq,
		StartOffset:    MetadataUnknown,
		EndOffset:      MetadataUnknown,
		StartTimestamp: MetadataUnknown,
		EndTimestamp:   MetadataUnknown,
	}
}

// UpdateSegmentStatusRequest is the CAS payload of the
// JournalUpdateSegmentStatus entry: the transition applies only when the
// persisted status equals CurStatus.
type UpdateSegmentStatusRequest struct {
	Namespace  string        `json:"namespace"`
	ShardName  string        `json:"shard_name"`
	SegmentSeq uint32        `json:"segment_seq"`
	CurStatus  SegmentStatus `json:"cur_status"`
	NewStatus  SegmentStatus `json:"new_status"`
}

// DeleteSegmentRequest identifies the segment a JournalDeleteSegment
// entry removes.
type DeleteSegmentRequest struct {
	Namespace  string `json:"namespace"`
	ShardName  string `json:"shard_name"`
	SegmentSeq uint32 `json:"segment_seq"`
}
