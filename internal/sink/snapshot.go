package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gocv.io/x/gocv"
)

// ObjectPutter is the part of the S3 client used to mirror snapshots.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotWriter saves annotated frames as JPEG files, optionally copying
// each file to an S3 bucket under the same relative key.
type SnapshotWriter struct {
	bucket string
	client ObjectPutter
}

func NewSnapshotWriter() *SnapshotWriter {
	return &SnapshotWriter{}
}

// WithBucket enables the S3 mirror. An empty bucket leaves it disabled.
func (w *SnapshotWriter) WithBucket(client ObjectPutter, bucket string) *SnapshotWriter {
	if client != nil && bucket != "" {
		w.client = client
		w.bucket = bucket
	}
	return w
}

// Write stores frame at path, creating parent directories. An existing file
// at path is overwritten.
func (w *SnapshotWriter) Write(ctx context.Context, path string, frame gocv.Mat) error {
	if frame.Empty() {
		return fmt.Errorf("snapshot %s: empty frame", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if ok := gocv.IMWrite(path, frame); !ok {
		return fmt.Errorf("write snapshot %s", path)
	}
	if w.client == nil {
		return nil
	}
	return w.upload(ctx, path)
}

func (w *SnapshotWriter) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot for upload: %w", err)
	}
	defer f.Close()

	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(filepath.ToSlash(filepath.Clean(path))),
		Body:        f,
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", path, err)
	}
	return nil
}
