package segmentfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type envelope struct {
	Offset  uint64 `json:"offset"`
	Payload string `json:"payload"`
}

func TestAppendReadRoundtrip(t *testing.T) {
	path := Path(t.TempDir(), "ns", "s1", 0)

	w, err := Create(path)
	require.NoError(t, err)

	p0, err := w.Append(envelope{Offset: 0, Payload: "first"})
	require.NoError(t, err)
	p1, err := w.Append(envelope{Offset: 1, Payload: "second"})
	require.NoError(t, err)
	require.Greater(t, p1, p0)
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var e envelope
	next, err := r.ReadAt(p0, &e)
	require.NoError(t, err)
	require.Equal(t, uint64(0), e.Offset)
	require.Equal(t, "first", e.Payload)
	require.Equal(t, p1, next)

	_, err = r.ReadAt(p1, &e)
	require.NoError(t, err)
	require.Equal(t, "second", e.Payload)
}

func TestScanVisitsEveryFrame(t *testing.T) {
	path := Path(t.TempDir(), "ns", "s1", 3)
	w, err := Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := w.Append(envelope{Offset: uint64(i)})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var offsets []uint64
	require.NoError(t, r.Scan(0, func(_ int64, body []byte) bool {
		offsets = append(offsets, uint64(len(offsets)))
		return true
	}))
	require.Len(t, offsets, 5)
}

func TestResumeKeepsExistingFrames(t *testing.T) {
	path := Path(t.TempDir(), "ns", "s1", 0)

	w, err := Create(path)
	require.NoError(t, err)
	_, err = w.Append(envelope{Offset: 0})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Create(path)
	require.NoError(t, err)
	_, err = w2.Append(envelope{Offset: 1})
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	count := 0
	require.NoError(t, r.Scan(0, func(int64, []byte) bool { count++; return true }))
	require.Equal(t, 2, count)
}

func TestTruncateRollsBackPartialBatch(t *testing.T) {
	path := Path(t.TempDir(), "ns", "s1", 0)
	w, err := Create(path)
	require.NoError(t, err)

	_, err = w.Append(envelope{Offset: 0})
	require.NoError(t, err)
	mark := w.Size()
	_, err = w.Append(envelope{Offset: 1})
	require.NoError(t, err)

	require.NoError(t, w.Truncate(mark))
	require.Equal(t, mark, w.Size())
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	count := 0
	require.NoError(t, r.Scan(0, func(int64, []byte) bool { count++; return true }))
	require.Equal(t, 1, count)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.log")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	_, err := Open(path)
	require.Error(t, err)
}

func TestChecksumMismatchDetected(t *testing.T) {
	path := Path(t.TempDir(), "ns", "s1", 0)
	w, err := Create(path)
	require.NoError(t, err)
	pos, err := w.Append(envelope{Offset: 0, Payload: "x"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flip a payload byte behind the writer's back.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, pos+frameHeaderSize+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	var e envelope
	_, err = r.ReadAt(pos, &e)
	require.Error(t, err)
}
