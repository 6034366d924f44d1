// Package archive uploads sealed segment files to S3-compatible object
// storage. Sealed segments are immutable, which makes
// them safe to copy out asynchronously; the upload is a cold-data
// placement concern layered on the engine's OnSeal hook, not part of the
// write path.
package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/logging"
	"github.com/robustmq/robustmq/internal/rerror"
	"github.com/robustmq/robustmq/internal/storage"
	"github.com/robustmq/robustmq/internal/storage/pipeline"
)

// S3Client abstracts the S3 API operations the archiver uses. The
// s3.Client type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Archiver copies sealed segment files into an S3 bucket. The caller is
// responsible for configuring the client (credentials, region,
// endpoint).
type Archiver struct {
	client S3Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates an Archiver. Prefix is prepended to all object keys; pass
// "" for no prefix.
func New(client S3Client, bucket, prefix string) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logging.Named("archive"),
	}
}

// Key builds the object key for one segment.
func (a *Archiver) Key(id storage.SegmentIdentity) string {
	key := fmt.Sprintf("%s/%s/%010d.log", id.Namespace, id.ShardName, id.SegmentSeq)
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

// Archive uploads the sealed segment file at path.
func (a *Archiver) Archive(ctx context.Context, id storage.SegmentIdentity, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return rerror.Wrap(rerror.IO, err, "archive: open %s", path)
	}
	defer f.Close()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.Key(id)),
		Body:   f,
	})
	if err != nil {
		return rerror.Wrap(rerror.IO, err, "archive: put %s", a.Key(id))
	}
	return nil
}

// OnSeal adapts the archiver to the write pipeline's seal hook,
// uploading in a fresh goroutine so the IO worker never blocks on the
// network.
func (a *Archiver) OnSeal(sealed pipeline.Sealed) {
	go func() {
		if err := a.Archive(context.Background(), sealed.Identity, sealed.Path); err != nil {
			a.logger.Error("segment archive failed",
				zap.String("shard", sealed.Identity.ShardName),
				zap.Uint32("segment", sealed.Identity.SegmentSeq),
				zap.Error(err))
			return
		}
		a.logger.Info("segment archived",
			zap.String("shard", sealed.Identity.ShardName),
			zap.Uint32("segment", sealed.Identity.SegmentSeq))
	}()
}
