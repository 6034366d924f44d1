// Package storagetypes holds the record and metadata-service types
// shared between internal/storage and internal/storage/pipeline,
// broken out to avoid an import cycle between them.
package storagetypes

import (
	"context"

	"github.com/robustmq/robustmq/internal/metadata/journalmeta"
)

// Header is one optional name/value pair attached to a record.
type Header struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// Record is the on-disk envelope: offsets within a
// shard are dense and strictly increasing; within a segment they form a
// contiguous range. The length prefix and checksum live in the file
// framing (internal/storage/segmentfile), not here.
type Record struct {
	Offset     uint64   `json:"offset"`
	Namespace  string   `json:"namespace"`
	ShardName  string   `json:"shard_name"`
	SegmentSeq uint32   `json:"segment_seq"`
	Headers    []Header `json:"headers,omitempty"`
	Key        string   `json:"key,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Timestamp  int64    `json:"timestamp"`
	Payload    []byte   `json:"payload"`
}

// SegmentIdentity names one segment of one shard, the grouping unit of
// the write pipeline's batch accumulation.
type SegmentIdentity struct {
	Namespace  string
	ShardName  string
	SegmentSeq uint32
}

// MetaService is the slice of the metadata service the storage engine
// consumes: shard/segment lifecycle and watermark persistence all go
// through consensus, never directly to the KV store.
// *metadata.Service satisfies it.
type MetaService interface {
	CreateShard(shard journalmeta.Shard) error
	GetShard(ctx context.Context, namespace, shardName string) (journalmeta.Shard, error)
	UpdateShard(shard journalmeta.Shard) error
	GetSegment(ctx context.Context, namespace, shardName string, seq uint32) (journalmeta.Segment, error)
	ListSegments(ctx context.Context, namespace, shardName string) ([]journalmeta.Segment, error)
	CreateNextSegment(ctx context.Context, namespace, shardName string) (journalmeta.Segment, error)
	UpdateSegmentStatus(req journalmeta.UpdateSegmentStatusRequest) error
	GetSegmentMetadata(ctx context.Context, namespace, shardName string, seq uint32) (journalmeta.SegmentMetadata, error)
	SetSegmentMetadata(m journalmeta.SegmentMetadata) error
	DeleteSegment(req journalmeta.DeleteSegmentRequest) error
}
