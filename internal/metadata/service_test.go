package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
	"github.com/robustmq/robustmq/internal/metadata/clustermeta"
	"github.com/robustmq/robustmq/internal/metadata/journalmeta"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/metadata/offsetmeta"
	"github.com/robustmq/robustmq/internal/rerror"
)

func newTestService(t *testing.T) (*Service, kv.Store) {
	t.Helper()
	store := kv.NewMemory(nil)

	metaRegistry := consensus.NewRegistry()
	clustermeta.RegisterHandlers(metaRegistry)
	journalmeta.RegisterHandlers(metaRegistry)

	offsetRegistry := consensus.NewRegistry()
	offsetmeta.RegisterHandlers(offsetRegistry)

	mqttRegistry := consensus.NewRegistry()
	mqttmeta.RegisterHandlers(mqttRegistry)

	svc := NewService(store,
		consensus.NewLocal(consensus.GroupMetadata, store, PrefixMetadata, metaRegistry, nil),
		consensus.NewLocal(consensus.GroupOffset, store, PrefixOffset, offsetRegistry, nil),
		consensus.NewLocal(consensus.GroupMQTT, store, PrefixMQTT, mqttRegistry, nil),
		0)
	return svc, store
}

func testShard(name string) journalmeta.Shard {
	return journalmeta.Shard{
		ClusterName: "c1",
		Namespace:   "ns",
		ShardName:   name,
		Config:      journalmeta.ShardConfig{MaxSegmentSize: 1024},
	}
}

func TestCreateShardSeedsFirstSegment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateShard(testShard("s1")))

	sh, err := svc.GetShard(ctx, "ns", "s1")
	require.NoError(t, err)
	require.Equal(t, uint32(0), sh.ActiveSegmentSeq)

	seg, err := svc.GetSegment(ctx, "ns", "s1", 0)
	require.NoError(t, err)
	require.Equal(t, journalmeta.SegmentIdle, seg.Status)

	m, err := svc.GetSegmentMetadata(ctx, "ns", "s1", 0)
	require.NoError(t, err)
	require.Equal(t, journalmeta.MetadataUnknown, m.StartOffset)
	require.Equal(t, journalmeta.MetadataUnknown, m.EndOffset)
}

func TestCreateNextSegmentAdvancesLastSeq(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateShard(testShard("s1")))
	seg, err := svc.CreateNextSegment(ctx, "ns", "s1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), seg.SegmentSeq)

	sh, err := svc.GetShard(ctx, "ns", "s1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), sh.LastSegmentSeq)

	segs, err := svc.ListSegments(ctx, "ns", "s1")
	require.NoError(t, err)
	require.Len(t, segs, 2)
}

func TestUpdateSegmentStatusCAS(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.CreateShard(testShard("s1")))

	// Legal transition.
	require.NoError(t, svc.UpdateSegmentStatus(journalmeta.UpdateSegmentStatusRequest{
		Namespace: "ns", ShardName: "s1", SegmentSeq: 0,
		CurStatus: journalmeta.SegmentIdle, NewStatus: journalmeta.SegmentWrite,
	}))

	// Stale cur_status fails without side effects.
	err := svc.UpdateSegmentStatus(journalmeta.UpdateSegmentStatusRequest{
		Namespace: "ns", ShardName: "s1", SegmentSeq: 0,
		CurStatus: journalmeta.SegmentIdle, NewStatus: journalmeta.SegmentWrite,
	})
	require.Error(t, err)
	require.Equal(t, rerror.Resource, rerror.KindOf(err))

	seg, err := svc.GetSegment(ctx, "ns", "s1", 0)
	require.NoError(t, err)
	require.Equal(t, journalmeta.SegmentWrite, seg.Status)

	// Skipping a lifecycle step is rejected too.
	err = svc.UpdateSegmentStatus(journalmeta.UpdateSegmentStatusRequest{
		Namespace: "ns", ShardName: "s1", SegmentSeq: 0,
		CurStatus: journalmeta.SegmentWrite, NewStatus: journalmeta.SegmentDeleting,
	})
	require.Error(t, err)
}

func TestDeleteSegmentRemovesMetadata(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.CreateShard(testShard("s1")))

	require.NoError(t, svc.DeleteSegment(journalmeta.DeleteSegmentRequest{
		Namespace: "ns", ShardName: "s1", SegmentSeq: 0,
	}))
	_, err := svc.GetSegment(ctx, "ns", "s1", 0)
	require.Error(t, err)
	_, err = svc.GetSegmentMetadata(ctx, "ns", "s1", 0)
	require.Error(t, err)
}

func TestOffsetsCommitAndProject(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CommitOffsets([]offsetmeta.ConsumerOffset{
		{GroupID: "g1", TopicID: "t1", ShardName: "s1", Offset: 10},
		{GroupID: "g1", TopicID: "t2", ShardName: "s2", Offset: 20},
	}))

	offsets, err := svc.OffsetsByGroup(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"s1": 10, "s2": 20}, offsets)

	// Offsets are monotonic: a stale commit is kept as-is.
	require.NoError(t, svc.CommitOffsets([]offsetmeta.ConsumerOffset{
		{GroupID: "g1", TopicID: "t1", ShardName: "s1", Offset: 5},
	}))
	v, ok, err := svc.GetOffset(ctx, "g1", "t1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), v)

	_, ok, err = svc.GetOffset(ctx, "g2", "t1", "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestControlPlaneObjectLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateUser(mqttmeta.User{Username: "alice", Password: "pw"}))
	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	// Re-applying the same create is idempotent.
	require.NoError(t, svc.CreateUser(mqttmeta.User{Username: "alice", Password: "pw"}))
	users, err = svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	require.NoError(t, svc.DeleteUser("alice"))
	// Deleting a missing entry tolerates absence.
	require.NoError(t, svc.DeleteUser("alice"))
	users, err = svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, users)

	require.NoError(t, svc.CreateSchema(mqttmeta.Schema{Name: "telemetry", SchemaType: "json", Schema: `{"type":"object"}`}))
	// A schema document that does not compile is rejected before it
	// reaches the log.
	require.Error(t, svc.CreateSchema(mqttmeta.Schema{Name: "broken", SchemaType: "json", Schema: `{`}))
	require.NoError(t, svc.CreateSchemaBinding(mqttmeta.SchemaBinding{SchemaName: "telemetry", Topic: "t/1"}))
	binds, err := svc.ListSchemaBindings(ctx)
	require.NoError(t, err)
	require.Len(t, binds, 1)

	require.NoError(t, svc.CreateTopicRewriteRule(mqttmeta.TopicRewriteRule{
		Action: mqttmeta.RewriteActionPublish, SourceTopic: "old/x", DestTopic: "new/x",
	}))
	rules, err := svc.ListTopicRewriteRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, svc.CreateAutoSubscribeRule(mqttmeta.AutoSubscribeRule{Topic: "sys/#", QoS: 1}))
	auto, err := svc.ListAutoSubscribeRules(ctx)
	require.NoError(t, err)
	require.Len(t, auto, 1)
}

func TestFlappingAndSlowSubscribeLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetFlappingDetectPolicy(mqttmeta.FlappingDetectPolicy{
		Enable: true, WindowTimeSec: 60, MaxClientConnections: 15, BanTimeSec: 300,
	}))
	policies, err := svc.ListFlappingDetectPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	require.Equal(t, 15, policies[0].MaxClientConnections)

	require.NoError(t, svc.DeleteFlappingDetectPolicy())
	policies, err = svc.ListFlappingDetectPolicies(ctx)
	require.NoError(t, err)
	require.Empty(t, policies)

	require.NoError(t, svc.SetSlowSubscribeConfig(mqttmeta.SlowSubscribeConfig{Enable: true, ThresholdMS: 500}))
	configs, err := svc.ListSlowSubscribeConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	require.Equal(t, int64(500), configs[0].ThresholdMS)

	require.NoError(t, svc.DeleteSlowSubscribeConfig())
	configs, err = svc.ListSlowSubscribeConfigs(ctx)
	require.NoError(t, err)
	require.Empty(t, configs)
}
