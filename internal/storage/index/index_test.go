package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/kv"
)

func TestNextOffsetRoundtrip(t *testing.T) {
	s := New(kv.NewMemory(nil))
	ctx := context.Background()

	n, err := s.NextOffset(ctx, "ns", "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)

	require.NoError(t, s.SaveNextOffset(ctx, "ns", "s1", 42))
	n, err = s.NextOffset(ctx, "ns", "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
}

func TestKeyAndTagPoints(t *testing.T) {
	s := New(kv.NewMemory(nil))
	ctx := context.Background()

	b := s.NewBatch()
	b.Key("ns", "s1", "device-1", Point{Offset: 3, SegmentSeq: 0, Position: 100})
	b.Key("ns", "s1", "device-1", Point{Offset: 9, SegmentSeq: 0, Position: 700})
	b.Tag("ns", "s1", "temp", Point{Offset: 3, SegmentSeq: 0, Position: 100})
	require.NoError(t, s.Flush(ctx, b))

	points, err := s.PointsByKey(ctx, "ns", "s1", "device-1", 0)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, uint64(3), points[0].Offset)
	require.Equal(t, uint64(9), points[1].Offset)

	tagged, err := s.PointsByTag(ctx, "ns", "s1", "temp", 0)
	require.NoError(t, err)
	require.Len(t, tagged, 1)

	limited, err := s.PointsByKey(ctx, "ns", "s1", "device-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestSamplingStride(t *testing.T) {
	s := New(kv.NewMemory(nil))
	ctx := context.Background()

	b := s.NewBatch()
	b.MaybeSample("ns", "s1", Point{Offset: 1, Timestamp: 10})
	b.MaybeSample("ns", "s1", Point{Offset: SampleInterval, Position: 555, Timestamp: 20})
	b.MaybeSample("ns", "s1", Point{Offset: SampleInterval + 1, Timestamp: 30})
	require.NoError(t, s.Flush(ctx, b))

	p, ok, err := s.FloorPosition(ctx, "ns", "s1", SampleInterval+500)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, SampleInterval, p.Offset)
	require.Equal(t, int64(555), p.Position)

	_, ok, err = s.FloorPosition(ctx, "ns", "s1", 5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFloorTime(t *testing.T) {
	s := New(kv.NewMemory(nil))
	ctx := context.Background()

	b := s.NewBatch()
	b.MaybeSample("ns", "s1", Point{Offset: 0, Timestamp: 100})
	b.MaybeSample("ns", "s1", Point{Offset: SampleInterval, Timestamp: 200})
	require.NoError(t, s.Flush(ctx, b))

	p, ok, err := s.FloorTime(ctx, "ns", "s1", 150)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), p.Timestamp)

	p, ok, err = s.FloorTime(ctx, "ns", "s1", 250)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(200), p.Timestamp)
}
