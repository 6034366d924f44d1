package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/storage"
)

// fakeS3 captures uploads in memory.
type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{}, nil
}

func TestArchiveUploadsSegmentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.log")
	require.NoError(t, os.WriteFile(path, []byte("segment-bytes"), 0o644))

	fake := newFakeS3()
	a := New(fake, "cold", "robustmq")

	id := storage.SegmentIdentity{Namespace: "ns", ShardName: "s1", SegmentSeq: 3}
	require.NoError(t, a.Archive(context.Background(), id, path))

	key := a.Key(id)
	require.Equal(t, "robustmq/ns/s1/0000000003.log", key)
	require.Equal(t, []byte("segment-bytes"), fake.objects[key])
}

func TestArchiveMissingFileFails(t *testing.T) {
	a := New(newFakeS3(), "cold", "")
	id := storage.SegmentIdentity{Namespace: "ns", ShardName: "s1", SegmentSeq: 0}
	require.Error(t, a.Archive(context.Background(), id, "/nonexistent/file.log"))
}
