// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"google.golang.org/api/iterator"
)

// There are two reasons to keep this relatively low: we don't do GCS
// resumable uploads, and we also buffer a copy of the file contents as
// they're written in memory so that we can retry from scratch for
// failures.
const maxGCSPackSize = 512 * 1024 * 1024

// Implements the FileStorage interface to store files in Google Cloud
// Storage.
type gcsFileStorage struct {
	name   string
	client *gcs.Client
	bucket *gcs.BucketHandle
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Storage class for pack files; "coldline" if not specified.
	PackStorageClass string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// NewGCS returns a Backend storing shards in the given GCS bucket,
// creating the bucket if it doesn't exist yet.
func NewGCS(ctx context.Context, options GCSOptions, opts Options) (*PackFileBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: %w", err)
	}
	g := &gcsFileStorage{
		name:   "gs://" + options.BucketName,
		client: client,
		bucket: client.Bucket(options.BucketName),
	}

	if _, err := g.bucket.Attrs(ctx); errors.Is(err, gcs.ErrBucketNotExist) {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			client.Close()
			return nil, fmt.Errorf("%s: bucket doesn't exist and no project given to create it", g.name)
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if err := g.bucket.Create(ctx, options.ProjectId, &gcs.BucketAttrs{Location: loc}); err != nil {
			client.Close()
			return nil, fmt.Errorf("%s: %w", g.name, err)
		}
	} else if err != nil {
		client.Close()
		return nil, fmt.Errorf("%s: %w", g.name, err)
	}

	if options.MaxUploadBytesPerSecond > 0 || options.MaxDownloadBytesPerSecond > 0 {
		InitBandwidthLimit(options.MaxUploadBytesPerSecond, options.MaxDownloadBytesPerSecond)
	}
	packClass = options.PackStorageClass
	if packClass == "" {
		packClass = "coldline"
	}

	if opts.MaxShardSize == 0 || opts.MaxShardSize > maxGCSPackSize {
		opts.MaxShardSize = maxGCSPackSize
	}
	return newPackFileBackend(ctx, g, opts)
}

var packClass = "coldline"

func (g *gcsFileStorage) ForFiles(ctx context.Context, prefix string, f func(n string, created time.Time)) error {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return fmt.Errorf("%s: %w", g.name, err)
		}
		if strings.HasSuffix(obj.Name, ".tmp") {
			continue
		}
		f(obj.Name, obj.Created)
	}
}

// Close releases the GCS client.
func (g *gcsFileStorage) Close() error {
	return g.client.Close()
}

func (g *gcsFileStorage) String() string {
	return g.name
}

func (g *gcsFileStorage) Fsck(ctx context.Context) bool {
	// The Fsck implementation in PackFileBackend reads all the blobs
	// (twice :-( ), which can quickly get fairly expensive with GCS
	// coldline storage. Therefore, make sure the user really wants to do
	// this.
	if os.Getenv("CHATBK_GCS_FSCK") != "yolo" {
		log.Error("Must set CHATBK_GCS_FSCK environment variable appropriately to fsck GCS.")
		return false
	}
	return true
}

func (g *gcsFileStorage) ReadFile(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	log.Debug("%s: starting gcs download, offset %d, length %d", name, offset, length)

	obj := g.bucket.Object(name)
	var b []byte
	err := withRetries(ctx, name, func() error {
		var r io.ReadCloser
		var err error
		if length > 0 {
			r, err = obj.NewRangeReader(ctx, offset, length)
		} else {
			r, err = obj.NewReader(ctx)
		}
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return fmt.Errorf("%s: %w", name, fs.ErrNotExist)
		} else if err != nil {
			return err
		}

		b, err = io.ReadAll(NewLimitedDownloadReader(r))
		r.Close()
		return err
	})
	return b, err
}

// withRetries calls f until it succeeds, returns an error for a missing or
// existing file, or has failed five times.
func withRetries(ctx context.Context, name string, f func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:     f,
		Attempts: 5,
		Delay:    100 * time.Millisecond,
		BackoffFunc: func(delay time.Duration, attempt int) time.Duration {
			return time.Duration(attempt) * delay
		},
		Clock: clock.WallClock,
		Stop:  ctx.Done(),
		IsFatalError: func(err error) bool {
			return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrExist)
		},
		NotifyFunc: func(err error, attempt int) {
			// Possibly temporary error; sleep and retry.
			log.Warning("%s: sleeping due to error %s", name, err)
		},
	})
	return retry.LastError(err)
}

func (g *gcsFileStorage) CreateFile(ctx context.Context, name string) (io.WriteCloser, error) {
	// Using Object.If(gcs.Conditions{DoesNotExist:true}) ends up
	// uploading the entire file contents before catching the "oh, it
	// already exists" error upon the Close() call. Checking for existence
	// by grabbing the attrs is much more efficient.
	if _, err := g.bucket.Object(name).Attrs(ctx); err == nil {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrExist)
	}

	storageClass := "regional"
	if strings.HasPrefix(name, "packs/") {
		storageClass = packClass
	}

	return &gcsWriter{
		ctx:          ctx,
		name:         name,
		storageClass: storageClass,
		g:            g,
	}, nil
}

// gcsWriter buffers the entire contents of the file before actually doing
// the upload to GCS in its Close() method. (This makes it easy to retry on
// temporary failures.)
type gcsWriter struct {
	ctx          context.Context
	buf          bytes.Buffer
	name         string
	storageClass string
	g            *gcsFileStorage
}

func (gw *gcsWriter) Write(b []byte) (int, error) {
	return gw.buf.Write(b)
}

func (gw *gcsWriter) Close() error {
	return withRetries(gw.ctx, gw.name, func() error {
		return gw.g.upload(gw.ctx, gw.name, gw.storageClass, gw.buf.Bytes())
	})
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *gcsFileStorage) upload(ctx context.Context, name string, storageClass string, buf []byte) error {
	obj := g.bucket.Object(name)
	if _, err := obj.Attrs(ctx); err == nil {
		return fmt.Errorf("%s: %w", name, fs.ErrExist)
	}

	tmpName := name + ".tmp"
	tmpObj := g.bucket.Object(tmpName)

	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(context.Background())

	r := NewLimitedUploadReader(bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	log.Verbose("%s: finished upload", name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is; a mismatch means the data was corrupted on the way and
	// the upload is retried.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	if gcsCrc := w.Attrs().CRC32C; localCrc != gcsCrc {
		return fmt.Errorf("%s: CRC32 checksum mismatch. Local: %d, GCS: %d", tmpName,
			localCrc, gcsCrc)
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	copier.StorageClass = storageClass
	copier.ContentType = "application/octet-stream"

	_, err := copier.Run(ctx)
	return err
}
