// storage/bucket.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"
)

// Buckets are typically object stores with generous object size limits;
// keep shards the same size as with GCS.
const maxBucketPackSize = maxGCSPackSize

// bucketFiles implements FileStorage on top of any gocloud.dev blob
// bucket, which covers S3-compatible stores, GCS, local directories and
// in-memory buckets.
type bucketFiles struct {
	url    string
	bucket *blob.Bucket
}

// NewBucket returns a Backend that stores shards in the bucket opened from
// the given gocloud.dev URL (e.g. "s3://bucket?region=us-east-1").
func NewBucket(ctx context.Context, bucketURL string, opts Options) (*PackFileBackend, error) {
	files, err := NewBucketFiles(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	if opts.MaxShardSize == 0 || opts.MaxShardSize > maxBucketPackSize {
		opts.MaxShardSize = maxBucketPackSize
	}
	return newPackFileBackend(ctx, files, opts)
}

func NewBucketFiles(ctx context.Context, bucketURL string) (FileStorage, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &bucketFiles{url: bucketURL, bucket: bucket}, nil
}

func (b *bucketFiles) String() string {
	return b.url
}

func (b *bucketFiles) Fsck(ctx context.Context) bool {
	return true
}

func (b *bucketFiles) CreateFile(ctx context.Context, name string) (io.WriteCloser, error) {
	exists, err := b.bucket.Exists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrExist)
	}
	return &bucketWriter{ctx: ctx, b: b, name: name}, nil
}

// bucketWriter buffers the file and uploads it on Close so that the
// upload can go through the bandwidth limiter.
type bucketWriter struct {
	ctx  context.Context
	b    *bucketFiles
	name string
	buf  bytes.Buffer
}

func (w *bucketWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *bucketWriter) Close() error {
	// Another writer may have raced us to this name since CreateFile.
	if exists, err := w.b.bucket.Exists(w.ctx, w.name); err != nil {
		return fmt.Errorf("%s: %w", w.name, err)
	} else if exists {
		return fmt.Errorf("%s: %w", w.name, fs.ErrExist)
	}

	bw, err := w.b.bucket.NewWriter(w.ctx, w.name, &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", w.name, err)
	}
	if _, err := io.Copy(bw, NewLimitedUploadReader(&w.buf)); err != nil {
		bw.Close()
		return fmt.Errorf("write data to %s: %w", w.name, err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", w.name, err)
	}
	log.Debug("%s: uploaded %s", w.b.url, w.name)
	return nil
}

func (b *bucketFiles) ReadFile(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	var r io.ReadCloser
	var err error
	if length > 0 {
		r, err = b.bucket.NewRangeReader(ctx, name, offset, length, nil)
	} else {
		r, err = b.bucket.NewReader(ctx, name, nil)
	}
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(NewLimitedDownloadReader(r))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if length > 0 && int64(len(data)) != length {
		return nil, fmt.Errorf("%s: read %d bytes, expected %d: %w", name, len(data), length,
			ErrPrematureEndOfData)
	}
	return data, nil
}

func (b *bucketFiles) ForFiles(ctx context.Context, prefix string, f func(string, time.Time)) error {
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("%s: list %s: %w", b.url, prefix, err)
		}
		if obj.IsDir {
			continue
		}
		f(obj.Key, obj.ModTime)
	}
}

// Close releases the bucket connection.
func (b *bucketFiles) Close() error {
	return b.bucket.Close()
}
