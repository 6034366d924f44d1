package storage

import (
	"context"
	"encoding/json"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/logging"
	"github.com/robustmq/robustmq/internal/metadata/journalmeta"
	"github.com/robustmq/robustmq/internal/rerror"
	"github.com/robustmq/robustmq/internal/storage/index"
	"github.com/robustmq/robustmq/internal/storage/pipeline"
	"github.com/robustmq/robustmq/internal/storage/segmentfile"
)

// Options configures the storage engine.
type Options struct {
	DataDir        string
	IOThreadNum    int
	MaxSegmentSize int64
	// OnSeal is forwarded to the write pipeline (cold-archive hook).
	OnSeal func(pipeline.Sealed)
}

// Engine is the local segmented message store: the write pipeline plus
// the offset-addressed read paths.
type Engine struct {
	opts     Options
	meta     MetaService
	indexes  *index.Store
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

// NewEngine wires the engine over the metadata service and index store
// and starts the IO worker pool.
func NewEngine(opts Options, meta MetaService, indexes *index.Store) *Engine {
	e := &Engine{
		opts:    opts,
		meta:    meta,
		indexes: indexes,
		logger:  logging.Named("storage"),
	}
	e.pipeline = pipeline.New(pipeline.Options{
		DataDir: opts.DataDir,
		Workers: opts.IOThreadNum,
		OnSeal:  opts.OnSeal,
	}, meta, indexes)
	return e
}

// CreateShard registers a new shard with its first segment through the
// metadata service.
func (e *Engine) CreateShard(clusterName, namespace, shardName string, replicaNum uint32) error {
	maxSize := e.opts.MaxSegmentSize
	if maxSize <= 0 {
		maxSize = 1 << 30
	}
	return e.meta.CreateShard(journalmeta.Shard{
		ClusterName: clusterName,
		Namespace:   namespace,
		ShardName:   shardName,
		ReplicaNum:  replicaNum,
		Config:      journalmeta.ShardConfig{MaxSegmentSize: maxSize},
	})
}

// DeleteSegment walks a sealed segment through PreDelete and Deleting
//, removes its file, and drops its metadata records. Each
// transition is a CAS; a segment in any other status is rejected.
func (e *Engine) DeleteSegment(ctx context.Context, namespace, shardName string, seq uint32) error {
	steps := []struct{ cur, next journalmeta.SegmentStatus }{
		{journalmeta.SegmentSealUp, journalmeta.SegmentPreDelete},
		{journalmeta.SegmentPreDelete, journalmeta.SegmentDeleting},
	}
	for _, s := range steps {
		err := e.meta.UpdateSegmentStatus(journalmeta.UpdateSegmentStatusRequest{
			Namespace:  namespace,
			ShardName:  shardName,
			SegmentSeq: seq,
			CurStatus:  s.cur,
			NewStatus:  s.next,
		})
		if err != nil {
			return err
		}
	}
	path := segmentfile.Path(e.opts.DataDir, namespace, shardName, seq)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return rerror.Wrap(rerror.IO, err, "storage: remove segment file")
	}
	return e.meta.DeleteSegment(journalmeta.DeleteSegmentRequest{
		Namespace:  namespace,
		ShardName:  shardName,
		SegmentSeq: seq,
	})
}

// Write appends one record to its shard, returning the assigned offset.
func (e *Engine) Write(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	return e.pipeline.Write(ctx, req)
}

// Submit queues one record without waiting, for callers batching many
// appends.
func (e *Engine) Submit(req pipeline.Request) <-chan pipeline.Response {
	return e.pipeline.Submit(req)
}

// Stop drains the write pipeline and closes every open segment file.
func (e *Engine) Stop() {
	e.pipeline.Stop()
}

// ReadByOffset returns a dense slice of records starting at startOffset,
// bounded by maxRecords and maxBytes.
func (e *Engine) ReadByOffset(ctx context.Context, namespace, shardName string, startOffset uint64, maxRecords int, maxBytes int64) ([]Record, error) {
	if maxRecords <= 0 {
		maxRecords = 100
	}

	segs, err := e.segmentsFrom(ctx, namespace, shardName, startOffset)
	if err != nil {
		return nil, err
	}

	var out []Record
	var bytes int64
	for _, seg := range segs {
		done, err := e.scanSegment(namespace, shardName, seg, func(rec Record) bool {
			if rec.Offset < startOffset {
				return true
			}
			out = append(out, rec)
			bytes += int64(len(rec.Payload))
			return len(out) < maxRecords && (maxBytes <= 0 || bytes < maxBytes)
		})
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return out, nil
}

// ReadByKey returns up to maxRecords records carrying key, located via
// the key index then read positionally.
func (e *Engine) ReadByKey(ctx context.Context, namespace, shardName, key string, maxRecords int) ([]Record, error) {
	points, err := e.indexes.PointsByKey(ctx, namespace, shardName, key, maxRecords)
	if err != nil {
		return nil, err
	}
	return e.readPoints(namespace, shardName, points)
}

// ReadByTag returns up to maxRecords records carrying tag.
func (e *Engine) ReadByTag(ctx context.Context, namespace, shardName, tag string, maxRecords int) ([]Record, error) {
	points, err := e.indexes.PointsByTag(ctx, namespace, shardName, tag, maxRecords)
	if err != nil {
		return nil, err
	}
	return e.readPoints(namespace, shardName, points)
}

// ReadByTimestamp returns up to maxRecords records starting from the
// first record whose timestamp >= target: time-index floor point plus a
// forward linear scan.
func (e *Engine) ReadByTimestamp(ctx context.Context, namespace, shardName string, target int64, maxRecords int) ([]Record, error) {
	var startOffset uint64
	if p, ok, err := e.indexes.FloorTime(ctx, namespace, shardName, target); err != nil {
		return nil, err
	} else if ok {
		startOffset = p.Offset
	}

	segs, err := e.segmentsFrom(ctx, namespace, shardName, startOffset)
	if err != nil {
		return nil, err
	}
	if maxRecords <= 0 {
		maxRecords = 100
	}

	var out []Record
	for _, seg := range segs {
		done, err := e.scanSegment(namespace, shardName, seg, func(rec Record) bool {
			if rec.Offset < startOffset || rec.Timestamp < target {
				return true
			}
			out = append(out, rec)
			return len(out) < maxRecords
		})
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return out, nil
}

// readPoints reads one record per index point positionally.
func (e *Engine) readPoints(namespace, shardName string, points []Point) ([]Record, error) {
	readers := make(map[uint32]*segmentfile.Reader)
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	var out []Record
	for _, p := range points {
		r, ok := readers[p.SegmentSeq]
		if !ok {
			var err error
			r, err = segmentfile.Open(segmentfile.Path(e.opts.DataDir, namespace, shardName, p.SegmentSeq))
			if err != nil {
				return nil, err
			}
			readers[p.SegmentSeq] = r
		}
		var rec Record
		if _, err := r.ReadAt(p.Position, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Point aliases the index package's locator so engine callers need not
// import it.
type Point = index.Point

// segmentsFrom lists the shard's segments whose offset range could
// contain startOffset or anything after it, in sequence order.
func (e *Engine) segmentsFrom(ctx context.Context, namespace, shardName string, startOffset uint64) ([]journalmeta.Segment, error) {
	segs, err := e.meta.ListSegments(ctx, namespace, shardName)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, rerror.New(rerror.Resource, "storage: shard %s/%s has no segments", namespace, shardName)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].SegmentSeq < segs[j].SegmentSeq })

	// Drop sealed segments that end before startOffset.
	firstIdx := 0
	for i, seg := range segs {
		m, err := e.meta.GetSegmentMetadata(ctx, namespace, shardName, seg.SegmentSeq)
		if err != nil {
			break
		}
		if m.EndOffset != journalmeta.MetadataUnknown && uint64(m.EndOffset) < startOffset {
			firstIdx = i + 1
		}
	}
	if firstIdx >= len(segs) {
		return nil, nil
	}
	return segs[firstIdx:], nil
}

// scanSegment scans one segment file in offset order, calling fn per
// record until fn returns false (done=true) or the file ends. A missing
// file (an Idle segment never written) is not an error.
func (e *Engine) scanSegment(namespace, shardName string, seg journalmeta.Segment, fn func(Record) bool) (done bool, err error) {
	path := segmentfile.Path(e.opts.DataDir, namespace, shardName, seg.SegmentSeq)
	r, err := segmentfile.Open(path)
	if err != nil {
		if seg.Status == journalmeta.SegmentIdle {
			return false, nil
		}
		return false, err
	}
	defer r.Close()

	stopped := false
	var decodeErr error
	scanErr := r.Scan(0, func(_ int64, envelope []byte) bool {
		var rec Record
		if uerr := json.Unmarshal(envelope, &rec); uerr != nil {
			decodeErr = rerror.Wrap(rerror.IO, uerr, "storage: decode record")
			return false
		}
		if !fn(rec) {
			stopped = true
			return false
		}
		return true
	})
	if decodeErr != nil {
		return false, decodeErr
	}
	return stopped, scanErr
}
