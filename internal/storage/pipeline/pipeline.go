// Package pipeline implements the shard write pipeline:
// a fixed pool of IO workers, each exclusively owning the shards that
// hash to it, so writes within a shard are serialized and offset
// assignment is a plain counter under the owning worker's control.
package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/logging"
	"github.com/robustmq/robustmq/internal/metadata/journalmeta"
	"github.com/robustmq/robustmq/internal/rerror"
	"github.com/robustmq/robustmq/internal/storage/index"
	"github.com/robustmq/robustmq/internal/storage/segmentfile"
	storage "github.com/robustmq/robustmq/internal/storage/storagetypes"
)

// batchCap bounds how many queued requests one drain pulls from the
// mailbox before processing.
const batchCap = 100

// ErrStopped is returned for writes submitted after Stop.
var ErrStopped = rerror.New(rerror.Resource, "pipeline: stopped")

// Request is one record submitted for append. Pkid correlates the
// response back to the producer; it is not persisted.
type Request struct {
	Namespace string
	ShardName string
	Pkid      uint64
	Key       string
	Tags      []string
	Headers   []storage.Header
	Payload   []byte
}

// Response reports the offset assigned to one request, or the batch
// error that aborted it.
type Response struct {
	Pkid   uint64
	Offset uint64
	Err    error
}

// Sealed notifies an optional hook that a segment filled up and was
// sealed, carrying the path of its now-immutable file (consumed by the
// cold-archive uploader).
type Sealed struct {
	Identity storage.SegmentIdentity
	Path     string
}

type pending struct {
	req  Request
	resp chan Response
}

// Options configures a Pipeline.
type Options struct {
	DataDir string
	Workers int // io_thread_num
	// OnSeal, if non-nil, is invoked after a segment seals.
	OnSeal func(Sealed)
	// Now is the record-timestamp clock; defaults to time.Now.
	Now func() time.Time
}

// Pipeline fans requests out to the worker pool by shard hash.
type Pipeline struct {
	opts    Options
	meta    storage.MetaService
	indexes *index.Store
	workers []*worker
	wg      sync.WaitGroup
	stopped chan struct{}
	logger  *zap.Logger
}

// New creates the pipeline and starts its workers.
func New(opts Options, meta storage.MetaService, indexes *index.Store) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Pipeline{
		opts:    opts,
		meta:    meta,
		indexes: indexes,
		stopped: make(chan struct{}),
		logger:  logging.Named("shard-writer"),
	}
	for i := 0; i < opts.Workers; i++ {
		w := &worker{
			id:       i,
			pipeline: p,
			mailbox:  make(chan pending, 1024),
			shards:   make(map[string]*shardState),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go w.run()
	}
	return p
}

// Submit queues one request and returns a channel its Response arrives
// on. The channel is buffered; the worker never blocks on it.
func (p *Pipeline) Submit(req Request) <-chan Response {
	resp := make(chan Response, 1)
	select {
	case <-p.stopped:
		resp <- Response{Pkid: req.Pkid, Err: ErrStopped}
		return resp
	default:
	}
	w := p.workers[p.shardWorker(req.Namespace, req.ShardName)]
	select {
	case w.mailbox <- pending{req: req, resp: resp}:
	case <-p.stopped:
		resp <- Response{Pkid: req.Pkid, Err: ErrStopped}
	}
	return resp
}

// Write submits req and waits for its response, honoring ctx.
func (p *Pipeline) Write(ctx context.Context, req Request) (Response, error) {
	select {
	case r := <-p.Submit(req):
		return r, r.Err
	case <-ctx.Done():
		return Response{}, rerror.Wrap(rerror.Transport, ctx.Err(), "pipeline: write cancelled")
	}
}

func (p *Pipeline) shardWorker(ns, shard string) int {
	h := fnv.New32a()
	h.Write([]byte(ns))
	h.Write([]byte{0})
	h.Write([]byte(shard))
	return int(h.Sum32()) % len(p.workers)
}

// Stop drains the workers: new submissions fail, in-flight batches
// finish, open segment files are synced and closed.
func (p *Pipeline) Stop() {
	close(p.stopped)
	for _, w := range p.workers {
		close(w.mailbox)
	}
	p.wg.Wait()
}

// shardState is one shard's write-side state, owned by exactly one
// worker.
type shardState struct {
	shard      journalmeta.Shard
	segment    journalmeta.Segment
	segMeta    journalmeta.SegmentMetadata
	writer     *segmentfile.Writer
	nextOffset uint64
	lastTouch  time.Time
}

type worker struct {
	id       int
	pipeline *Pipeline
	mailbox  chan pending
	shards   map[string]*shardState // "ns\x00shard"
}

func shardKey(ns, shard string) string { return ns + "\x00" + shard }

// writerIdleTimeout is how long a shard's writer may sit untouched
// before the GC tick closes its file handle.
const writerIdleTimeout = 5 * time.Minute

func (w *worker) run() {
	defer w.pipeline.wg.Done()
	defer w.closeAll()
	gc := time.NewTicker(time.Minute)
	defer gc.Stop()
	for {
		select {
		case first, ok := <-w.mailbox:
			if !ok {
				return
			}
			w.process(w.drain(first))
		case <-gc.C:
			w.evictIdle(w.pipeline.opts.Now())
		}
	}
}

// drain pulls a burst of queued requests without blocking.
func (w *worker) drain(first pending) []pending {
	batch := []pending{first}
	for len(batch) < batchCap {
		select {
		case next, ok := <-w.mailbox:
			if !ok {
				return batch
			}
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (w *worker) evictIdle(now time.Time) {
	for key, st := range w.shards {
		if st.writer == nil || now.Sub(st.lastTouch) < writerIdleTimeout {
			continue
		}
		if err := st.writer.Close(); err != nil {
			w.pipeline.logger.Warn("evict segment writer", zap.Error(err))
		}
		delete(w.shards, key)
	}
}

func (w *worker) closeAll() {
	for _, st := range w.shards {
		if st.writer != nil {
			if err := st.writer.Close(); err != nil {
				w.pipeline.logger.Warn("close segment writer", zap.Error(err))
			}
		}
	}
}

// process groups the burst by shard (each shard's group lands in its
// active segment) and runs each group through the append path.
func (w *worker) process(batch []pending) {
	groups := make(map[string][]pending)
	var order []string
	for _, p := range batch {
		k := shardKey(p.req.Namespace, p.req.ShardName)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], p)
	}
	for _, k := range order {
		group := groups[k]
		if err := w.appendGroup(group); err != nil {
			// The error aborts the whole group; every caller sees it and
			// the next-offset counter stays put.
			for _, p := range group {
				p.resp <- Response{Pkid: p.req.Pkid, Err: err}
			}
		}
	}
}

// appendGroup runs the full append path for one shard's slice of the
// burst: offset assignment, file append, index batch, next-offset
// persist, watermark updates and roll-over detection.
func (w *worker) appendGroup(group []pending) error {
	ctx := context.Background()
	req0 := group[0].req
	st, err := w.shardState(ctx, req0.Namespace, req0.ShardName)
	if err != nil {
		return err
	}

	rollback := st.writer.Size()
	startOffset := st.nextOffset
	now := w.pipeline.opts.Now().UnixMilli()

	ixBatch := w.pipeline.indexes.NewBatch()
	offsets := make([]uint64, len(group))
	var lastTimestamp int64

	for i, p := range group {
		offset := st.nextOffset + uint64(i)
		rec := storage.Record{
			Offset:     offset,
			Namespace:  p.req.Namespace,
			ShardName:  p.req.ShardName,
			SegmentSeq: st.segment.SegmentSeq,
			Headers:    p.req.Headers,
			Key:        p.req.Key,
			Tags:       p.req.Tags,
			Timestamp:  now,
			Payload:    p.req.Payload,
		}
		position, err := st.writer.Append(rec)
		if err != nil {
			if terr := st.writer.Truncate(rollback); terr != nil {
				w.pipeline.logger.Error("rollback failed", zap.Error(terr))
			}
			return err
		}

		point := index.Point{Offset: offset, SegmentSeq: st.segment.SegmentSeq, Position: position, Timestamp: now}
		if p.req.Key != "" {
			ixBatch.Key(p.req.Namespace, p.req.ShardName, p.req.Key, point)
		}
		for _, tag := range p.req.Tags {
			ixBatch.Tag(p.req.Namespace, p.req.ShardName, tag, point)
		}
		ixBatch.MaybeSample(p.req.Namespace, p.req.ShardName, point)

		offsets[i] = offset
		lastTimestamp = now
	}

	if err := st.writer.Sync(); err != nil {
		if terr := st.writer.Truncate(rollback); terr != nil {
			w.pipeline.logger.Error("rollback failed", zap.Error(terr))
		}
		return err
	}
	if err := w.pipeline.indexes.Flush(ctx, ixBatch); err != nil {
		if terr := st.writer.Truncate(rollback); terr != nil {
			w.pipeline.logger.Error("rollback failed", zap.Error(terr))
		}
		return err
	}

	newNext := st.nextOffset + uint64(len(group))
	if err := w.pipeline.indexes.SaveNextOffset(ctx, req0.Namespace, req0.ShardName, newNext); err != nil {
		if terr := st.writer.Truncate(rollback); terr != nil {
			w.pipeline.logger.Error("rollback failed", zap.Error(terr))
		}
		return err
	}
	st.nextOffset = newNext
	st.lastTouch = w.pipeline.opts.Now()

	// First record in the segment pins the start watermarks.
	if st.segMeta.StartOffset == journalmeta.MetadataUnknown {
		st.segMeta.StartOffset = int64(startOffset)
		st.segMeta.StartTimestamp = now
		if err := w.pipeline.meta.SetSegmentMetadata(st.segMeta); err != nil {
			st.segMeta.StartOffset = journalmeta.MetadataUnknown
			st.nextOffset = startOffset
			if terr := w.pipeline.indexes.SaveNextOffset(ctx, req0.Namespace, req0.ShardName, startOffset); terr != nil {
				w.pipeline.logger.Error("rollback failed", zap.Error(terr))
			}
			if terr := st.writer.Truncate(rollback); terr != nil {
				w.pipeline.logger.Error("rollback failed", zap.Error(terr))
			}
			return err
		}
	}

	for i, p := range group {
		p.resp <- Response{Pkid: p.req.Pkid, Offset: offsets[i]}
	}

	if st.writer.Size() >= st.segment.Config.MaxSegmentSize {
		if err := w.rollover(ctx, st, newNext-1, lastTimestamp); err != nil {
			// The batch already succeeded; a roll-over failure surfaces
			// on the next write instead of failing these callers. Drop
			// the cached state so the next touch reloads from metadata.
			w.pipeline.logger.Error("segment rollover failed",
				zap.String("shard", req0.ShardName), zap.Error(err))
			delete(w.shards, shardKey(req0.Namespace, req0.ShardName))
		}
	}
	return nil
}

// shardState loads (on first touch) the shard's active segment, its
// metadata and the persisted next-offset, opening the segment file for
// append.
func (w *worker) shardState(ctx context.Context, ns, shard string) (*shardState, error) {
	if st, ok := w.shards[shardKey(ns, shard)]; ok {
		return st, nil
	}

	sh, err := w.pipeline.meta.GetShard(ctx, ns, shard)
	if err != nil {
		return nil, err
	}
	seg, err := w.pipeline.meta.GetSegment(ctx, ns, shard, sh.ActiveSegmentSeq)
	if err != nil {
		return nil, err
	}

	switch seg.Status {
	case journalmeta.SegmentWrite:
		// Resuming an already-active segment.
	case journalmeta.SegmentIdle:
		if err := w.activate(&seg); err != nil {
			return nil, err
		}
	default:
		return nil, rerror.New(rerror.Resource, "pipeline: segment %s/%s/%d in status %s cannot accept writes",
			ns, shard, seg.SegmentSeq, seg.Status)
	}

	segMeta, err := w.pipeline.meta.GetSegmentMetadata(ctx, ns, shard, seg.SegmentSeq)
	if err != nil {
		segMeta = journalmeta.NewSegmentMetadata(ns, shard, seg.SegmentSeq)
	}

	nextOffset, err := w.pipeline.indexes.NextOffset(ctx, ns, shard)
	if err != nil {
		return nil, err
	}

	writer, err := segmentfile.Create(segmentfile.Path(w.pipeline.opts.DataDir, ns, shard, seg.SegmentSeq))
	if err != nil {
		return nil, err
	}

	st := &shardState{shard: sh, segment: seg, segMeta: segMeta, writer: writer, nextOffset: nextOffset}
	w.shards[shardKey(ns, shard)] = st
	return st, nil
}

func (w *worker) activate(seg *journalmeta.Segment) error {
	err := w.pipeline.meta.UpdateSegmentStatus(journalmeta.UpdateSegmentStatusRequest{
		Namespace:  seg.Namespace,
		ShardName:  seg.ShardName,
		SegmentSeq: seg.SegmentSeq,
		CurStatus:  journalmeta.SegmentIdle,
		NewStatus:  journalmeta.SegmentWrite,
	})
	if err != nil {
		return err
	}
	seg.Status = journalmeta.SegmentWrite
	return nil
}

// rollover seals the active segment: CAS
// Write -> SealUp, pin the end watermarks, create the next segment via
// the metadata service, advance the shard's active pointer, and swap the
// writer to the new file.
func (w *worker) rollover(ctx context.Context, st *shardState, lastOffset uint64, lastTimestamp int64) error {
	ns, shard := st.segment.Namespace, st.segment.ShardName

	err := w.pipeline.meta.UpdateSegmentStatus(journalmeta.UpdateSegmentStatusRequest{
		Namespace:  ns,
		ShardName:  shard,
		SegmentSeq: st.segment.SegmentSeq,
		CurStatus:  journalmeta.SegmentWrite,
		NewStatus:  journalmeta.SegmentSealUp,
	})
	if err != nil {
		return err
	}

	st.segMeta.EndOffset = int64(lastOffset)
	st.segMeta.EndTimestamp = lastTimestamp
	if err := w.pipeline.meta.SetSegmentMetadata(st.segMeta); err != nil {
		return err
	}

	sealedPath := segmentfile.Path(w.pipeline.opts.DataDir, ns, shard, st.segment.SegmentSeq)
	if err := st.writer.Close(); err != nil {
		return err
	}
	sealedIdentity := storage.SegmentIdentity{Namespace: ns, ShardName: shard, SegmentSeq: st.segment.SegmentSeq}

	next, err := w.pipeline.meta.CreateNextSegment(ctx, ns, shard)
	if err != nil {
		return err
	}
	if err := w.activate(&next); err != nil {
		return err
	}

	st.shard.ActiveSegmentSeq = next.SegmentSeq
	st.shard.LastSegmentSeq = next.SegmentSeq
	if err := w.pipeline.meta.UpdateShard(st.shard); err != nil {
		return err
	}

	writer, err := segmentfile.Create(segmentfile.Path(w.pipeline.opts.DataDir, ns, shard, next.SegmentSeq))
	if err != nil {
		return err
	}

	st.segment = next
	st.segMeta = journalmeta.NewSegmentMetadata(ns, shard, next.SegmentSeq)
	st.writer = writer

	w.pipeline.logger.Info("segment sealed",
		zap.String("namespace", ns), zap.String("shard", shard),
		zap.Uint32("sealed_seq", sealedIdentity.SegmentSeq), zap.Uint32("active_seq", next.SegmentSeq))

	if w.pipeline.opts.OnSeal != nil {
		w.pipeline.opts.OnSeal(Sealed{Identity: sealedIdentity, Path: sealedPath})
	}
	return nil
}
