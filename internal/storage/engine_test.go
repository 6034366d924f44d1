package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
	"github.com/robustmq/robustmq/internal/metadata"
	"github.com/robustmq/robustmq/internal/metadata/clustermeta"
	"github.com/robustmq/robustmq/internal/metadata/journalmeta"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/metadata/offsetmeta"
	"github.com/robustmq/robustmq/internal/storage/index"
	"github.com/robustmq/robustmq/internal/storage/pipeline"
)

func newTestEngine(t *testing.T) (*Engine, *metadata.Service) {
	t.Helper()
	store := kv.NewMemory(nil)

	metaRegistry := consensus.NewRegistry()
	clustermeta.RegisterHandlers(metaRegistry)
	journalmeta.RegisterHandlers(metaRegistry)
	offsetRegistry := consensus.NewRegistry()
	offsetmeta.RegisterHandlers(offsetRegistry)
	mqttRegistry := consensus.NewRegistry()
	mqttmeta.RegisterHandlers(mqttRegistry)

	svc := metadata.NewService(store,
		consensus.NewLocal(consensus.GroupMetadata, store, metadata.PrefixMetadata, metaRegistry, nil),
		consensus.NewLocal(consensus.GroupOffset, store, metadata.PrefixOffset, offsetRegistry, nil),
		consensus.NewLocal(consensus.GroupMQTT, store, metadata.PrefixMQTT, mqttRegistry, nil),
		0)

	e := NewEngine(Options{
		DataDir:        t.TempDir(),
		IOThreadNum:    2,
		MaxSegmentSize: 1 << 20,
	}, svc, index.New(store))
	t.Cleanup(e.Stop)
	return e, svc
}

func writeRecords(t *testing.T, e *Engine, shard string, reqs []pipeline.Request) {
	t.Helper()
	ctx := context.Background()
	for i := range reqs {
		reqs[i].Namespace = "ns"
		reqs[i].ShardName = shard
		_, err := e.Write(ctx, reqs[i])
		require.NoError(t, err)
	}
}

func TestReadByOffset(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateShard("c1", "ns", "s1", 1))

	writeRecords(t, e, "s1", []pipeline.Request{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
		{Payload: []byte("c")},
	})

	ctx := context.Background()
	records, err := e.ReadByOffset(ctx, "ns", "s1", 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint64(1), records[0].Offset)
	require.Equal(t, []byte("b"), records[0].Payload)
	require.Equal(t, uint64(2), records[1].Offset)

	limited, err := e.ReadByOffset(ctx, "ns", "s1", 0, 2, 0)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestReadByKeyAndTag(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateShard("c1", "ns", "s1", 1))

	writeRecords(t, e, "s1", []pipeline.Request{
		{Key: "k1", Tags: []string{"red"}, Payload: []byte("a")},
		{Key: "k2", Tags: []string{"blue"}, Payload: []byte("b")},
		{Key: "k1", Tags: []string{"red", "blue"}, Payload: []byte("c")},
	})

	ctx := context.Background()
	byKey, err := e.ReadByKey(ctx, "ns", "s1", "k1", 0)
	require.NoError(t, err)
	require.Len(t, byKey, 2)
	require.Equal(t, []byte("a"), byKey[0].Payload)
	require.Equal(t, []byte("c"), byKey[1].Payload)

	byTag, err := e.ReadByTag(ctx, "ns", "s1", "blue", 0)
	require.NoError(t, err)
	require.Len(t, byTag, 2)
	require.Equal(t, []byte("b"), byTag[0].Payload)
}

func TestReadByTimestamp(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.CreateShard("c1", "ns", "s1", 1))

	before := time.Now().UnixMilli() - 1
	writeRecords(t, e, "s1", []pipeline.Request{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
	})

	ctx := context.Background()
	records, err := e.ReadByTimestamp(ctx, "ns", "s1", before, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	future := time.Now().UnixMilli() + time.Hour.Milliseconds()
	records, err = e.ReadByTimestamp(ctx, "ns", "s1", future, 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDeleteSegmentWalksLifecycle(t *testing.T) {
	e, svc := newTestEngine(t)
	require.NoError(t, e.CreateShard("c1", "ns", "s1", 1))
	ctx := context.Background()

	writeRecords(t, e, "s1", []pipeline.Request{{Payload: []byte("a")}})

	// Deleting the active (Write) segment is rejected at the first CAS.
	require.Error(t, e.DeleteSegment(ctx, "ns", "s1", 0))

	require.NoError(t, svc.UpdateSegmentStatus(journalmeta.UpdateSegmentStatusRequest{
		Namespace: "ns", ShardName: "s1", SegmentSeq: 0,
		CurStatus: journalmeta.SegmentWrite, NewStatus: journalmeta.SegmentSealUp,
	}))
	require.NoError(t, e.DeleteSegment(ctx, "ns", "s1", 0))

	_, err := svc.GetSegment(ctx, "ns", "s1", 0)
	require.Error(t, err)
}
