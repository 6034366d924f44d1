// Package storage implements the local segmented message store:
// append-only segment files, secondary
// indices over the embedded KV store, a hash-sharded write pipeline with
// per-shard serialized offset assignment, and offset-addressed reads.
package storage

import (
	"github.com/robustmq/robustmq/internal/storage/storagetypes"
)

// Header is one optional name/value pair attached to a record.
type Header = storagetypes.Header

// Record is the on-disk envelope: offsets within a
// shard are dense and strictly increasing; within a segment they form a
// contiguous range. The length prefix and checksum live in the file
// framing (internal/storage/segmentfile), not here.
type Record = storagetypes.Record

// SegmentIdentity names one segment of one shard, the grouping unit of
// the write pipeline's batch accumulation.
type SegmentIdentity = storagetypes.SegmentIdentity

// MetaService is the slice of the metadata service the storage engine
// consumes: shard/segment lifecycle and watermark persistence all go
// through consensus, never directly to the KV store.
// *metadata.Service satisfies it.
type MetaService = storagetypes.MetaService
