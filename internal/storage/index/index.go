// Package index maintains the storage engine's secondary indices over
// the embedded KV store: key -> offset,
// tag -> offset list, timestamp -> offset (sampled), and
// offset -> file position (sampled), plus the persisted per-shard
// next-offset counter the write pipeline initializes from.
package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/robustmq/robustmq/internal/kv"
)

// SampleInterval is the sampling stride of the time and offset indices:
// one entry every N offsets.
const SampleInterval uint64 = 10000

// Point locates one record: which segment it lives in and where its
// frame starts in that segment's file.
type Point struct {
	Offset     uint64 `json:"offset"`
	SegmentSeq uint32 `json:"segment_seq"`
	Position   int64  `json:"position"`
	Timestamp  int64  `json:"timestamp"`
}

// Store wraps the shared KV store with the index key layout.
type Store struct {
	kv kv.Store
}

// New creates an index store over the shared KV store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// pad20 zero-pads a u64 so lexicographic KV iteration follows numeric
// order.
func pad20(v uint64) string {
	return fmt.Sprintf("%020d", v)
}

func keyNextOffset(ns, shard string) kv.Key {
	return kv.Key{"journal", "next_offset", ns, shard}
}

func keyKeyIndex(ns, shard, recordKey string, offset uint64) kv.Key {
	return kv.Key{"journal", "index", "key", ns, shard, recordKey, pad20(offset)}
}

func keyTagIndex(ns, shard, tag string, offset uint64) kv.Key {
	return kv.Key{"journal", "index", "tag", ns, shard, tag, pad20(offset)}
}

func keyTimeIndex(ns, shard string, timestamp int64) kv.Key {
	return kv.Key{"journal", "index", "time", ns, shard, pad20(uint64(timestamp))}
}

func keyPositionIndex(ns, shard string, offset uint64) kv.Key {
	return kv.Key{"journal", "index", "position", ns, shard, pad20(offset)}
}

// NextOffset reads the persisted next-offset counter for a shard,
// returning 0 for a shard that has never been written.
func (s *Store) NextOffset(ctx context.Context, ns, shard string) (uint64, error) {
	raw, err := s.kv.Get(ctx, keyNextOffset(ns, shard))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SaveNextOffset persists the shard's next-offset counter after a batch
// commits.
func (s *Store) SaveNextOffset(ctx context.Context, ns, shard string, next uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	return s.kv.Set(ctx, keyNextOffset(ns, shard), buf)
}

// Batch accumulates index entries for one write batch, flushed in a
// single KV batch write.
type Batch struct {
	entries []kv.Entry
}

// NewBatch starts an empty index batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) put(key kv.Key, p Point) {
	raw, _ := json.Marshal(p)
	b.entries = append(b.entries, kv.Entry{Key: key, Value: raw})
}

// Key adds one key-index entry (one per record with a key).
func (b *Batch) Key(ns, shard, recordKey string, p Point) {
	b.put(keyKeyIndex(ns, shard, recordKey, p.Offset), p)
}

// Tag adds one tag-index entry (one per tag per record).
func (b *Batch) Tag(ns, shard, tag string, p Point) {
	b.put(keyTagIndex(ns, shard, tag, p.Offset), p)
}

// MaybeSample adds time- and position-index entries when p.Offset falls
// on the sampling stride.
func (b *Batch) MaybeSample(ns, shard string, p Point) {
	if p.Offset%SampleInterval != 0 {
		return
	}
	b.put(keyTimeIndex(ns, shard, p.Timestamp), p)
	b.put(keyPositionIndex(ns, shard, p.Offset), p)
}

// Flush writes every accumulated entry in one KV batch.
func (s *Store) Flush(ctx context.Context, b *Batch) error {
	if len(b.entries) == 0 {
		return nil
	}
	return s.kv.BatchSet(ctx, b.entries)
}

// PointsByKey returns up to limit Points whose records carry recordKey,
// in offset order.
func (s *Store) PointsByKey(ctx context.Context, ns, shard, recordKey string, limit int) ([]Point, error) {
	return s.collect(ctx, kv.Key{"journal", "index", "key", ns, shard, recordKey}, limit)
}

// PointsByTag returns up to limit Points whose records carry tag, in
// offset order.
func (s *Store) PointsByTag(ctx context.Context, ns, shard, tag string, limit int) ([]Point, error) {
	return s.collect(ctx, kv.Key{"journal", "index", "tag", ns, shard, tag}, limit)
}

func (s *Store) collect(ctx context.Context, prefix kv.Key, limit int) ([]Point, error) {
	var out []Point
	for entry, err := range s.kv.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		var p Point
		if err := json.Unmarshal(entry.Value, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FloorPosition returns the greatest sampled position Point whose offset
// is <= target, so a reader can seek near target and scan forward. ok is
// false when no sample precedes target (scan from the shard's first
// segment start).
func (s *Store) FloorPosition(ctx context.Context, ns, shard string, target uint64) (Point, bool, error) {
	return s.floor(ctx, kv.Key{"journal", "index", "position", ns, shard}, func(p Point) bool {
		return p.Offset <= target
	})
}

// FloorTime returns the greatest sampled time Point whose timestamp is
// <= target; the caller scans forward from it for the first record with
// timestamp >= target.
func (s *Store) FloorTime(ctx context.Context, ns, shard string, target int64) (Point, bool, error) {
	return s.floor(ctx, kv.Key{"journal", "index", "time", ns, shard}, func(p Point) bool {
		return p.Timestamp <= target
	})
}

func (s *Store) floor(ctx context.Context, prefix kv.Key, keep func(Point) bool) (Point, bool, error) {
	var best Point
	found := false
	for entry, err := range s.kv.List(ctx, prefix) {
		if err != nil {
			return Point{}, false, err
		}
		var p Point
		if err := json.Unmarshal(entry.Value, &p); err != nil {
			return Point{}, false, err
		}
		if !keep(p) {
			break
		}
		best = p
		found = true
	}
	return best, found, nil
}
