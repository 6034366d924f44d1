package subscribe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQoS1RoundTrip(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Track("c1", "t", []byte("x"), 5, 1)
	require.True(t, tr.AckPubAck("c1", 5))
	require.False(t, tr.AckPubAck("c1", 5)) // duplicate ack is a no-op
}

func TestQoS2RoundTrip(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Track("c1", "t", []byte("x"), 7, 2)
	require.False(t, tr.AckPubComp("c1", 7)) // PUBCOMP before PUBREC is invalid
	require.True(t, tr.AckPubRec("c1", 7))
	require.True(t, tr.AckPubComp("c1", 7))
}

func TestSweepRetriesWithDupAndDoublesAttempt(t *testing.T) {
	tr := NewTracker(10 * time.Millisecond)
	tr.Track("c1", "t", []byte("x"), 1, 1)

	time.Sleep(20 * time.Millisecond)
	resends := tr.Sweep(time.Now())
	require.Len(t, resends, 1)
	require.True(t, resends[0].Pending.Dup)
	require.Equal(t, 1, resends[0].Pending.Attempt)

	time.Sleep(20 * time.Millisecond)
	resends = tr.Sweep(time.Now())
	require.Len(t, resends, 1)
	require.Equal(t, 2, resends[0].Pending.Attempt)
}

func TestAbandonDropsAllPendingForClient(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Track("c1", "t", []byte("x"), 1, 1)
	tr.Track("c1", "t", []byte("y"), 2, 1)
	tr.Abandon("c1")
	require.False(t, tr.AckPubAck("c1", 1))
	require.False(t, tr.AckPubAck("c1", 2))
}

func TestInflightLimiterEnforcesReceiveMaximum(t *testing.T) {
	l := NewInflightLimiter()
	l.SetLimit("c1", 2)
	require.NoError(t, l.Acquire("c1"))
	require.NoError(t, l.Acquire("c1"))
	require.ErrorIs(t, l.Acquire("c1"), ErrReceiveMaximumExceeded)

	l.Release("c1")
	require.NoError(t, l.Acquire("c1"))
}

func TestInflightLimiterZeroMeansUnlimited(t *testing.T) {
	l := NewInflightLimiter()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire("c1"))
	}
}
