// storage/compressed.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	u "github.com/mmp/chatbk/util"
)

///////////////////////////////////////////////////////////////////////////
// compressed

// compressed implements the Backend interface. It applies zstd compression
// to the provided data before passing it along to another backend for
// storage.
type compressed struct {
	backend Backend

	mu                                 sync.Mutex
	bytesSaved, bytesProcessed         int64
	compressedBlobs, uncompressedBlobs int
}

// NewCompressed returns a new storage.Backend that applies zstd
// compression to the contents of blobs stored in the provided underlying
// backend. Metadata contents are not compressed.
func NewCompressed(backend Backend) Backend {
	return &compressed{backend: backend}
}

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// decoder serve every compressed backend.
var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		var err error
		encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(err)
		}
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		var err error
		decoder, err = zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
	})
	return decoder
}

func (c *compressed) String() string {
	return "zstd compressed " + c.backend.String()
}

func (c *compressed) LogStats() {
	c.mu.Lock()
	tot := c.compressedBlobs + c.uncompressedBlobs
	if tot > 0 {
		log.Print("compressed %d / %d blobs (%2.f%%)",
			c.compressedBlobs, tot, 100.*float64(c.compressedBlobs)/float64(tot))
		log.Print("passed through %s / %s input bytes (%.2f%%)",
			u.FmtBytes(c.bytesSaved), u.FmtBytes(c.bytesProcessed),
			100.*float64(c.bytesSaved)/float64(c.bytesProcessed))
	}
	c.mu.Unlock()
	c.backend.LogStats()
}

func (c *compressed) Fsck(ctx context.Context) error {
	return c.backend.Fsck(ctx)
}

func (c *compressed) Write(ctx context.Context, data []byte) (Hash, error) {
	z := zstdEncoder().EncodeAll(data, make([]byte, 1, len(data)/2+1))

	// Is the compressed buffer smaller than the input? If so, the first
	// byte is one to indicate that the rest of the blob is compressed;
	// otherwise it's zero and the original data follows.
	var stored []byte
	c.mu.Lock()
	c.bytesProcessed += int64(len(data))
	if len(z)-1 < len(data) {
		z[0] = 1
		stored = z
		c.compressedBlobs++
	} else {
		stored = append([]byte{0}, data...)
		c.uncompressedBlobs++
	}
	c.bytesSaved += int64(len(stored))
	c.mu.Unlock()

	return c.backend.Write(ctx, stored)
}

func (c *compressed) SyncWrites(ctx context.Context) error {
	return c.backend.SyncWrites(ctx)
}

func (c *compressed) Close() error {
	return c.backend.Close()
}

func (c *compressed) HashExists(hash Hash) bool {
	return c.backend.HashExists(hash)
}

func (c *compressed) Hashes() map[Hash]struct{} {
	return c.backend.Hashes()
}

func (c *compressed) Read(ctx context.Context, hash Hash) (io.ReadCloser, error) {
	stored, err := ReadAll(ctx, c.backend, hash)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("%s: %w", hash, ErrPrematureEndOfData)
	}

	switch stored[0] {
	case 0:
		return io.NopCloser(bytes.NewReader(stored[1:])), nil
	case 1:
		data, err := zstdDecoder().DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%s: zstd: %w", hash, err)
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	default:
		return nil, fmt.Errorf("%s: unknown compression flag %d", hash, stored[0])
	}
}

func (c *compressed) WriteMetadata(ctx context.Context, name string, data []byte) error {
	return c.backend.WriteMetadata(ctx, name, data)
}

func (c *compressed) ReadMetadata(ctx context.Context, name string) ([]byte, error) {
	return c.backend.ReadMetadata(ctx, name)
}

func (c *compressed) ListMetadata(ctx context.Context, prefix string) (map[string]time.Time, error) {
	return c.backend.ListMetadata(ctx, prefix)
}
