package subscribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/metadata/offsetmeta"
	"github.com/robustmq/robustmq/internal/storage"
	"github.com/robustmq/robustmq/internal/storage/offsetmgr"
)

// memLog serves a fixed record slice by offset.
type memLog struct {
	records []storage.Record
}

func (l *memLog) ReadByOffset(_ context.Context, _, _ string, start uint64, maxRecords int, _ int64) ([]storage.Record, error) {
	var out []storage.Record
	for _, r := range l.records {
		if r.Offset < start {
			continue
		}
		out = append(out, r)
		if len(out) >= maxRecords {
			break
		}
	}
	return out, nil
}

type noopCommitter struct{}

func (noopCommitter) CommitOffsets([]offsetmeta.ConsumerOffset) error { return nil }
func (noopCommitter) GetOffset(context.Context, string, string, string) (uint64, bool, error) {
	return 0, false, nil
}

func TestPusherDeliversFromOffsetAndCommits(t *testing.T) {
	log := &memLog{records: []storage.Record{
		{Offset: 0, Payload: []byte("a")},
		{Offset: 1, Payload: []byte("b")},
		{Offset: 2, Payload: []byte("c")},
	}}
	offsets := offsetmgr.NewManager(noopCommitter{}, time.Hour)
	offsets.Commit("g", "t", "s", 1) // already consumed offset 0

	var mu sync.Mutex
	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pusher{
		Namespace: "ns", ShardName: "s", TopicName: "topic", TopicID: "t", GroupID: "g",
		Deliver: func(m Message) error {
			mu.Lock()
			got = append(got, string(m.Payload))
			if len(got) == 2 {
				cancel()
			}
			mu.Unlock()
			return nil
		},
		Offsets:  offsets,
		Log:      log,
		Interval: 10 * time.Millisecond,
	}

	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pusher never drained")
	}

	mu.Lock()
	require.Equal(t, []string{"b", "c"}, got)
	mu.Unlock()

	next, _, err := offsets.Read(context.Background(), "g", "t", "s")
	require.NoError(t, err)
	require.Equal(t, uint64(3), next)
}

func TestPusherStopsOnDeliverError(t *testing.T) {
	log := &memLog{records: []storage.Record{{Offset: 0, Payload: []byte("a")}}}
	offsets := offsetmgr.NewManager(noopCommitter{}, time.Hour)

	p := &Pusher{
		Namespace: "ns", ShardName: "s", TopicName: "topic", TopicID: "t", GroupID: "g",
		Deliver:   func(Message) error { return context.Canceled },
		Offsets:   offsets,
		Log:       log,
		Interval:  10 * time.Millisecond,
	}

	done := make(chan struct{})
	go func() { p.Run(context.Background()); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pusher did not stop on deliver error")
	}

	// The failed record's offset was not committed.
	_, ok, err := offsets.Read(context.Background(), "g", "t", "s")
	require.NoError(t, err)
	require.False(t, ok)
}
