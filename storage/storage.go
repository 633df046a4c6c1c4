// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	u "github.com/mmp/chatbk/util"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"
)

var (
	ErrHashNotFound       = errors.New("hash not found")
	ErrHashMismatch       = errors.New("hash value mismatch")
	ErrIndexMagicWrong    = errors.New("index entry has incorrect magic number")
	ErrBlobMagicWrong     = errors.New("blob has incorrect magic number")
	ErrPrematureEndOfData = errors.New("premature end of data")
	ErrMetadataExists     = errors.New("metadata already exists")
	ErrMetadataNotFound   = errors.New("metadata not found")
	ErrReadOnly           = errors.New("storage is read-only")
	ErrClosed             = errors.New("storage is closed")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values returned to
// represent chunks of data.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes. It is
// the content address ("link") of a block.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// ParseHash decodes a hexidecimal-encoded hash as returned by
// Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%s: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("%s: hash has %d bytes, expected %d", s, len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// String returns the given Hash as a hexidecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText and UnmarshalText let hashes be used as JSON values and map
// keys.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	p, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = p
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// ShardInfo describes one archive shard (a pack file and its index) that
// has finished uploading.
type ShardInfo struct {
	Name   string
	Size   int64
	Blocks int
}

// Backend describes a general interface for content-addressed data
// storage; users provide chunks of data that a storage backend will store
// (on disk, in the cloud, etc.), and are returned a Hash that identifies
// each such chunk. Implementations apply deduplication so that if the same
// chunk is supplied multiple times, it will only be stored once.
//
// Read may be called concurrently with other methods; the write path
// (Write, SyncWrites, WriteMetadata) should be driven by one goroutine.
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// LogStats reports any statistics that the Backend may have gathered
	// during the course of its operation.
	LogStats()

	// Fsck checks the consistency of the data in the Backend and reports
	// any problems found via the logger specified by SetLogger. The
	// returned error is only non-nil if the check itself couldn't run.
	Fsck(ctx context.Context) error

	// Write saves the provided chunk of data to storage, returning a Hash
	// that uniquely identifies it.
	Write(ctx context.Context, chunk []byte) (Hash, error)

	// SyncWrites ensures that all chunks of data provided to Write have
	// in fact reached permanent storage. Calls to Read may not find
	// data stored by Write if SyncWrites hasn't been called after the
	// call to Write. Errors from background uploads are reported here.
	SyncWrites(ctx context.Context) error

	// Read returns a io.ReadCloser that provides the chunk for the given
	// hash. If the given hash doesn't exist in the backend,
	// ErrHashNotFound is returned.
	Read(ctx context.Context, hash Hash) (io.ReadCloser, error)

	// HashExists reports whether a blob of data with the given hash exists
	// in the storage backend.
	HashExists(hash Hash) bool

	// Hashes returns a map that has all of the hashes stored by the
	// storage backend.
	Hashes() map[Hash]struct{}

	// WriteMetadata saves the given data in the storage backend,
	// associating it with the given name. Metadata is write-once:
	// ErrMetadataExists is returned if the name is already in use.
	WriteMetadata(ctx context.Context, name string, data []byte) error

	// ReadMetadata returns the metadata for a given name that was stored
	// with WriteMetadata, or ErrMetadataNotFound.
	ReadMetadata(ctx context.Context, name string) ([]byte, error)

	// ListMetadata returns a map from all of the existing metadata names
	// with the given prefix to the time each one was created. The listing
	// reflects the underlying storage, including writes by other
	// processes.
	ListMetadata(ctx context.Context, prefix string) (map[string]time.Time, error)

	// Close waits for outstanding writes and releases the backend's
	// resources. Writes that haven't been followed by SyncWrites are
	// landed but decorators' own state (e.g. encryption logs) is not
	// saved.
	Close() error
}

// MetadataExists indicates whether the given named metadata is present in
// the storage backend.
func MetadataExists(ctx context.Context, b Backend, name string) (bool, error) {
	md, err := b.ListMetadata(ctx, name)
	if err != nil {
		return false, err
	}
	_, ok := md[name]
	return ok, nil
}

// ReadAll reads the full chunk for the given hash.
func ReadAll(ctx context.Context, b Backend, hash Hash) ([]byte, error) {
	r, err := b.Read(ctx, hash)
	if err != nil {
		return nil, err
	}
	chunk, err := io.ReadAll(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", hash, err)
	}
	return chunk, r.Close()
}

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

type readerAndCloser struct {
	io.Reader
	io.Closer
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

///////////////////////////////////////////////////////////////////////////

// maxParallelReads limits the number of concurrent reads issued by
// ReadHashes.
const maxParallelReads = 16

// ReadHashes reads the chunks for the given hashes in parallel and
// returns their contents concatenated together, in order.
func ReadHashes(ctx context.Context, hashes []Hash, backend Backend) ([]byte, error) {
	if len(hashes) == 1 {
		return ReadAll(ctx, backend, hashes[0])
	}

	chunks := make([][]byte, len(hashes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for i, h := range hashes {
		i, h := i, h
		g.Go(func() error {
			b, err := ReadAll(ctx, backend, h)
			if err != nil {
				return err
			}
			chunks[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bytes.Join(chunks, nil), nil
}

///////////////////////////////////////////////////////////////////////////
// Consistency checking

func fsckHash(ctx context.Context, hash Hash, backend Backend) {
	chunk, err := ReadAll(ctx, backend, hash)
	if err != nil {
		log.Error("%s: %s", hash, err)
		return
	}

	if HashBytes(chunk) != hash {
		log.Error("%s: hash mismatch", hash)
	}
}
