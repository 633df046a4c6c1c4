// storage/open.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open returns the raw Backend for a storage space given as a URL:
//
//	mem://name              process-wide in-memory store
//	file:///dir, /dir       local directory with Reed-Solomon parity
//	gs://bucket?project=p   Google Cloud Storage
//	s3://bucket?region=r    any S3-compatible store
//	blob+<scheme>://...     any other gocloud.dev blob URL
//	http(s)://host          read-only retrieval gateway
func Open(ctx context.Context, space string, opts Options) (Backend, error) {
	if !strings.Contains(space, "://") {
		return NewDisk(ctx, space, opts)
	}

	u, err := url.Parse(space)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", space, err)
	}
	switch {
	case u.Scheme == "mem":
		return NewMemoryWithOptions(ctx, namedMemoryFiles(u.Host+u.Path), opts)
	case u.Scheme == "file":
		return NewDisk(ctx, u.Path, opts)
	case u.Scheme == "gs":
		q := u.Query()
		return NewGCS(ctx, GCSOptions{
			BucketName:       u.Host,
			ProjectId:        q.Get("project"),
			Location:         q.Get("location"),
			PackStorageClass: q.Get("class"),
		}, opts)
	case u.Scheme == "s3":
		return NewBucket(ctx, space, opts)
	case strings.HasPrefix(u.Scheme, "blob+"):
		return NewBucket(ctx, strings.TrimPrefix(space, "blob+"), opts)
	case u.Scheme == "http" || u.Scheme == "https":
		return NewGateway(space, nil), nil
	default:
		return nil, fmt.Errorf("%s: unknown storage scheme %q", space, u.Scheme)
	}
}

// OpenEncrypted opens the given space and layers compression and
// encryption under the password on top of it. Blocks are compressed before
// they are encrypted.
func OpenEncrypted(ctx context.Context, space, password string, opts Options) (Backend, error) {
	raw, err := Open(ctx, space, opts)
	if err != nil {
		return nil, err
	}
	enc, err := NewEncrypted(ctx, raw, password)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("%s: %w", space, err)
	}
	return NewCompressed(enc), nil
}
