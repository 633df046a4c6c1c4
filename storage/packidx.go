// storage/packidx.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	u "github.com/mmp/chatbk/util"
	"golang.org/x/sync/errgroup"
)

var IdxMagic = [4]byte{'I', 'd', 'x', '2'}
var BlobMagic = [4]byte{'B', 'L', '0', 'B'}

/*
File format specs:
- Pack file (one archive shard): for each chunk, stores BlobMagic, the
  length of the chunk encoded as a varint, and then the chunk contents.
- Index file: for each chunk, stores IdxMagic, the hash, and then the offset
  into the pack file and the length of the blob, both encoded as varints.

Index files can be recreated from pack files alone.
*/

// PackBlob takes a (hash, chunk) pair and the current size of the pack
// file and converts them to the representation to be stored in index and
// pack files, returning the bytes to append to each.
func PackBlob(h Hash, chunk []byte, packFileSize int64) (idx, pack []byte) {
	idxAlloc := len(IdxMagic) + HashSize + 2*binary.MaxVarintLen64
	packAlloc := len(BlobMagic) + binary.MaxVarintLen64 + len(chunk)
	idx = make([]byte, idxAlloc)
	pack = make([]byte, packAlloc)

	np := copy(pack, BlobMagic[:])
	np += binary.PutVarint(pack[np:], int64(len(chunk)))
	np += copy(pack[np:], chunk)
	pack = pack[:np]

	ni := copy(idx, IdxMagic[:])
	ni += copy(idx[ni:], h[:])
	ni += binary.PutVarint(idx[ni:], packFileSize)
	ni += binary.PutVarint(idx[ni:], int64(len(pack)))
	idx = idx[:ni]

	return
}

///////////////////////////////////////////////////////////////////////////

// ChunkIndex maintains an index from hashes to the locations of their blobs
// in pack files. It is safe for concurrent use.
type ChunkIndex struct {
	mu        sync.RWMutex
	hashToLoc map[Hash]blobLoc
	nameToId  map[string]int
	idToName  []string
}

// Internal representation for the location of a blob, using an integer
// rather than a string to identify pack files, for compactness.
type blobLoc struct {
	packId int
	offset int64
	length int64
}

// BlobLocation is the location of a blob in a pack file.
type BlobLocation struct {
	PackName string
	Offset   int64
	Length   int64
}

// AddSingle records the location of one blob. It returns false if the hash
// was already present.
func (c *ChunkIndex) AddSingle(hash Hash, packName string, offset, length int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(hash, packName, offset, length)
}

func (c *ChunkIndex) addLocked(hash Hash, packName string, offset, length int64) bool {
	if c.hashToLoc == nil {
		c.hashToLoc = make(map[Hash]blobLoc)
		c.nameToId = make(map[string]int)
	}

	if _, ok := c.hashToLoc[hash]; ok {
		return false
	}

	id, ok := c.nameToId[packName]
	if !ok {
		id = len(c.idToName)
		c.nameToId[packName] = id
		c.idToName = append(c.idToName, packName)
	}

	c.hashToLoc[hash] = blobLoc{id, offset, length}
	return true
}

// HasPack reports whether any blobs from the given pack file are indexed.
func (c *ChunkIndex) HasPack(packName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.nameToId[packName]
	return ok
}

// AddIndexFile takes the entire contents of an index file and associates
// its index entries with the given pack file name.
func (c *ChunkIndex) AddIndexFile(packName string, idx []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(idx) > 0 {
		if len(idx) < len(IdxMagic) {
			return ErrPrematureEndOfData
		}
		if !bytes.Equal(idx[:len(IdxMagic)], IdxMagic[:]) {
			return ErrIndexMagicWrong
		}
		idx = idx[len(IdxMagic):]

		var hash Hash
		n := copy(hash[:], idx)
		if n < HashSize {
			return ErrPrematureEndOfData
		}

		offset, nvar := binary.Varint(idx[n:])
		if nvar <= 0 {
			return fmt.Errorf("varint: returned %d", nvar)
		}
		n += nvar

		length, nvar := binary.Varint(idx[n:])
		if nvar <= 0 {
			return fmt.Errorf("varint: returned %d", nvar)
		}
		n += nvar

		c.addLocked(hash, packName, offset, length)

		idx = idx[n:]
	}
	return nil
}

func (c *ChunkIndex) Lookup(hash Hash) (BlobLocation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.hashToLoc[hash]
	if !ok {
		return BlobLocation{}, ErrHashNotFound
	}

	return BlobLocation{c.idToName[loc.packId], loc.offset, loc.length}, nil
}

func (c *ChunkIndex) Remove(hash Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hashToLoc, hash)
}

func (c *ChunkIndex) Hashes() map[Hash]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := make(map[Hash]struct{}, len(c.hashToLoc))
	for h := range c.hashToLoc {
		m[h] = struct{}{}
	}
	return m
}

// DecodeBlob takes a blob read from a pack file (as per the specs from a
// BlobLocation) and returns the chunk stored in that blob.
func DecodeBlob(blob []byte) (chunk []byte, err error) {
	return decodeOneBlob(bytes.NewReader(blob))
}

type byteAndRegularReader interface {
	Read([]byte) (int, error)
	ReadByte() (byte, error)
}

// DecodePackFile decodes the pack file read from r into blobs and then
// calls the given callback function for each blob's chunk.
func DecodePackFile(r io.Reader, f func(chunk []byte)) error {
	br, ok := r.(byteAndRegularReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	for {
		chunk, err := decodeOneBlob(br)
		switch err {
		case nil:
			f(chunk)
		case io.EOF:
			return nil
		default:
			return err
		}
	}
}

// Returns the chunk and nil on success, a nil chunk and io.EOF on a "clean"
// EOF, and a non-nil error otherwise.
func decodeOneBlob(r byteAndRegularReader) ([]byte, error) {
	var magic [4]byte
	_, err := io.ReadFull(r, magic[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrPrematureEndOfData
		}
		return nil, err
	}
	if magic != BlobMagic {
		return nil, ErrBlobMagicWrong
	}

	length, err := binary.ReadVarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, ErrPrematureEndOfData
		}
		return nil, err
	}
	if length < 0 {
		return nil, ErrPrematureEndOfData
	}

	chunk := make([]byte, length)
	_, err = io.ReadFull(r, chunk)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrPrematureEndOfData
		}
		return nil, err
	}

	return chunk, nil
}

func fsckPackFile(name string, r io.Reader, allHashes map[Hash]struct{}) {
	err := DecodePackFile(r, func(chunk []byte) {
		hash := HashBytes(chunk)
		if _, ok := allHashes[hash]; !ok {
			log.Error("%s: %s: hash found in pack file, but not in index", name, hash)
		}
	})
	if err != nil {
		log.Error("%s: %s", name, err)
	}
}

///////////////////////////////////////////////////////////////////////////

// FileStorage is a simple abstraction for a storage system that the pack
// file backend uploads shards to.
type FileStorage interface {
	// CreateFile returns a writer for a file with the given name. The
	// contents are committed to storage when Close returns without an
	// error. If a file with that name already exists, the error wraps
	// fs.ErrExist.
	CreateFile(ctx context.Context, name string) (io.WriteCloser, error)

	// ReadFile returns the contents of the given file. If length is zero, the
	// whole file contents are returned; otherwise the segment starting at offset
	// with given length is returned. A missing file gives an error that
	// wraps fs.ErrNotExist.
	ReadFile(ctx context.Context, name string, offset int64, length int64) ([]byte, error)

	// ForFiles calls the given callback function for all files with the
	// given directory prefix, providing the file path and its creation
	// time.
	ForFiles(ctx context.Context, prefix string, f func(path string, created time.Time)) error

	String() string

	// Fsck checks the validity of the stored data.  The returned Boolean
	// value indicates whether or not the caller should continue and
	// perform its own checks on the contents of the data as well.
	Fsck(ctx context.Context) bool
}

// Options configures a pack file backend.
type Options struct {
	// MaxShardSize bounds the size of each pack file; zero selects a
	// default that depends on the FileStorage.
	MaxShardSize int64
	// OnShard, if non-nil, is called after each shard has been uploaded.
	// It may be called from a background goroutine.
	OnShard func(ShardInfo)
}

// PackFileBackend implements the storage.Backend interface, but depends on
// an implementation of the FileStorage interface to handle the mechanics
// of storing and retrieving files. Chunks passed to Write are batched into
// shards: a pack file holding the blobs and an index file locating them.
type PackFileBackend struct {
	fs    FileStorage
	start time.Time
	opts  Options

	chunkIndex ChunkIndex
	// idxMu serializes index refreshes and protects knownIdx.
	idxMu    sync.Mutex
	knownIdx map[string]bool

	// One goroutine uploads shards: it reads blobs from writeChan and,
	// when a new shard name is seen or the chan is closed, finishes the
	// current pack file and then writes its index.
	shardName  string
	shardSize  int64
	writeChan  chan blobWrite // nil when no writer is running
	wg         sync.WaitGroup
	closed     bool
	errMu      sync.Mutex
	writeErr   error
	pendingMu  sync.Mutex
	pendingIdx map[Hash]struct{}

	// mu protects the statistics variables.
	mu                    sync.Mutex
	bytesSaved, bytesRead int64
	numSaves, numReads    int
	numShards             int
}

type blobWrite struct {
	shard     string
	hash      Hash
	idx, pack []byte
}

func newPackFileBackend(ctx context.Context, fs FileStorage, opts Options) (*PackFileBackend, error) {
	pb := &PackFileBackend{
		fs:         fs,
		start:      time.Now(),
		opts:       opts,
		knownIdx:   make(map[string]bool),
		pendingIdx: make(map[Hash]struct{}),
	}

	if err := pb.refreshIndices(ctx); err != nil {
		if c, ok := fs.(io.Closer); ok {
			c.Close()
		}
		return nil, err
	}
	return pb, nil
}

// refreshIndices reads any index files that we haven't seen yet, as may
// have been written by other processes.
func (pb *PackFileBackend) refreshIndices(ctx context.Context) error {
	pb.idxMu.Lock()
	defer pb.idxMu.Unlock()

	var names []string
	err := pb.fs.ForFiles(ctx, "indices/", func(n string, created time.Time) {
		if !strings.HasSuffix(n, ".idx") {
			log.Warning("%s: non .idx file found in indices/ directory", n)
			return
		}
		if !pb.knownIdx[n] {
			names = append(names, n)
		}
	})
	if err != nil {
		return fmt.Errorf("%s: list indices: %w", pb.fs, err)
	}
	if len(names) == 0 {
		return nil
	}

	log.Verbose("%s: reading %d index files.", pb.fs, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for _, n := range names {
		n := n
		g.Go(func() error {
			idx, err := pb.fs.ReadFile(gctx, n, 0, 0)
			if err != nil {
				return fmt.Errorf("%s: %w", n, err)
			}

			base := path.Base(strings.TrimSuffix(n, ".idx"))
			if err := pb.chunkIndex.AddIndexFile("packs/"+base+".pack", idx); err != nil {
				return fmt.Errorf("%s: %w", n, err)
			}

			pb.mu.Lock()
			pb.numReads++
			pb.bytesRead += int64(len(idx))
			pb.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, n := range names {
		pb.knownIdx[n] = true
	}
	return nil
}

func (pb *PackFileBackend) String() string {
	return pb.fs.String()
}

func (pb *PackFileBackend) LogStats() {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	delta := time.Since(pb.start)
	if pb.numSaves > 0 {
		upBytesPerSec := float64(pb.bytesSaved) / delta.Seconds()
		log.Print("stored %s of chunks in %d writes, %d shards (avg %s, %s/s)",
			u.FmtBytes(pb.bytesSaved), pb.numSaves, pb.numShards,
			u.FmtBytes(pb.bytesSaved/int64(pb.numSaves)),
			u.FmtBytes(int64(upBytesPerSec)))
	}
	if pb.numReads > 0 {
		downBytesPerSec := float64(pb.bytesRead) / delta.Seconds()
		log.Print("read %s in %d reads (avg %s, %s/s)",
			u.FmtBytes(pb.bytesRead), pb.numReads,
			u.FmtBytes(pb.bytesRead/int64(pb.numReads)),
			u.FmtBytes(int64(downBytesPerSec)))
	}
}

func (pb *PackFileBackend) Write(ctx context.Context, chunk []byte) (Hash, error) {
	if pb.closed {
		return Hash{}, ErrClosed
	}
	if err := pb.err(); err != nil {
		return Hash{}, err
	}

	hash := HashBytes(chunk)
	if _, err := pb.chunkIndex.Lookup(hash); err == nil {
		log.Debug("%s: hash already stored", hash)
		return hash, nil
	}

	// 16 bytes of slop in the second test to account for magic numbers and
	// the encoded chunk length.
	if pb.shardName == "" || pb.shardSize+int64(len(chunk))+16 > pb.opts.MaxShardSize {
		// Start a new shard. Using the hash as a name for the files gives
		// us a guaranteed new name: since this hash isn't in storage,
		// ergo no index/pack files can have it as a name.
		pb.shardName = hash.String()
		pb.shardSize = 0
	}

	idx, pack := PackBlob(hash, chunk, pb.shardSize)
	if pb.writeChan == nil {
		pb.launchWriter()
	}

	// Add to the index before incrementing pb.shardSize!
	pb.chunkIndex.AddSingle(hash, "packs/"+pb.shardName+".pack", pb.shardSize, int64(len(pack)))
	pb.shardSize += int64(len(pack))

	pb.pendingMu.Lock()
	pb.pendingIdx[hash] = struct{}{}
	pb.pendingMu.Unlock()

	select {
	case pb.writeChan <- blobWrite{pb.shardName, hash, idx, pack}:
	case <-ctx.Done():
		pb.chunkIndex.Remove(hash)
		pb.pendingMu.Lock()
		delete(pb.pendingIdx, hash)
		pb.pendingMu.Unlock()
		return Hash{}, ctx.Err()
	}

	pb.mu.Lock()
	pb.numSaves++
	pb.bytesSaved += int64(len(idx) + len(pack))
	pb.mu.Unlock()

	return hash, nil
}

func (pb *PackFileBackend) launchWriter() {
	// Allow a fair amount of buffering so that backups can continue
	// fetching messages while waiting for uploads to land.
	pb.writeChan = make(chan blobWrite, 256)
	pb.wg.Add(1)
	go pb.writeWorker(pb.writeChan)
}

func (pb *PackFileBackend) setErr(err error) {
	pb.errMu.Lock()
	defer pb.errMu.Unlock()
	if pb.writeErr == nil {
		pb.writeErr = err
	}
}

func (pb *PackFileBackend) err() error {
	pb.errMu.Lock()
	defer pb.errMu.Unlock()
	return pb.writeErr
}

// shardWriter accumulates one shard; the pack file streams to storage while
// the index is buffered and written once the pack file has landed.
type shardWriter struct {
	name   string
	pack   io.WriteCloser
	idx    bytes.Buffer
	size   int64
	hashes []Hash
}

func (pb *PackFileBackend) writeWorker(ch chan blobWrite) {
	defer pb.wg.Done()

	// Uploads run on their own context: a job being cancelled shouldn't
	// leave a half-written pack file behind.
	ctx := context.Background()
	var sw *shardWriter
	for item := range ch {
		if pb.err() != nil {
			// Drain; the error is reported from SyncWrites.
			continue
		}

		if sw == nil || item.shard != sw.name {
			if sw != nil {
				pb.finishShard(ctx, sw)
			}
			w, err := pb.fs.CreateFile(ctx, "packs/"+item.shard+".pack")
			if err != nil {
				pb.setErr(fmt.Errorf("%s: create shard %s: %w", pb.fs, item.shard, err))
				sw = nil
				continue
			}
			sw = &shardWriter{name: item.shard, pack: w}
		}

		if _, err := sw.pack.Write(item.pack); err != nil {
			pb.setErr(fmt.Errorf("%s: write shard %s: %w", pb.fs, sw.name, err))
			continue
		}
		sw.idx.Write(item.idx)
		sw.size += int64(len(item.pack))
		sw.hashes = append(sw.hashes, item.hash)
	}
	if sw != nil {
		if pb.err() == nil {
			pb.finishShard(ctx, sw)
		} else {
			sw.pack.Close()
		}
	}
}

func (pb *PackFileBackend) finishShard(ctx context.Context, sw *shardWriter) {
	// Important: close the pack file first to make sure it is
	// successfully and safely stored before writing the index file.
	if err := sw.pack.Close(); err != nil {
		pb.setErr(fmt.Errorf("%s: upload shard %s: %w", pb.fs, sw.name, err))
		return
	}

	idxName := "indices/" + sw.name + ".idx"
	w, err := pb.fs.CreateFile(ctx, idxName)
	if err == nil {
		_, err = w.Write(sw.idx.Bytes())
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		pb.setErr(fmt.Errorf("%s: %s: %w", pb.fs, idxName, err))
		return
	}

	pb.pendingMu.Lock()
	for _, h := range sw.hashes {
		delete(pb.pendingIdx, h)
	}
	pb.pendingMu.Unlock()

	pb.idxMu.Lock()
	pb.knownIdx[idxName] = true
	pb.idxMu.Unlock()

	pb.mu.Lock()
	pb.numShards++
	pb.mu.Unlock()

	log.Debug("%s: shard %s uploaded (%s, %d blocks)", pb.fs, sw.name,
		u.FmtBytes(sw.size), len(sw.hashes))
	if pb.opts.OnShard != nil {
		pb.opts.OnShard(ShardInfo{Name: sw.name, Size: sw.size, Blocks: len(sw.hashes)})
	}
}

// SyncWrites closes the chan and waits for the writer to drain it and land
// all of its writes to storage. The next Write starts a new writer.
func (pb *PackFileBackend) SyncWrites(ctx context.Context) error {
	if pb.closed {
		return ErrClosed
	}
	if pb.writeChan != nil {
		close(pb.writeChan)
		pb.wg.Wait()
		pb.writeChan = nil
	}
	pb.shardName = ""
	pb.shardSize = 0

	if err := pb.err(); err != nil {
		// Chunks that never made it to storage must not be reported as
		// present.
		pb.pendingMu.Lock()
		for h := range pb.pendingIdx {
			pb.chunkIndex.Remove(h)
		}
		pb.pendingIdx = make(map[Hash]struct{})
		pb.pendingMu.Unlock()

		pb.errMu.Lock()
		pb.writeErr = nil
		pb.errMu.Unlock()
		return err
	}
	return nil
}

// Close lands any outstanding writes and releases the file storage's
// connection, if it has one.
func (pb *PackFileBackend) Close() error {
	if pb.closed {
		return nil
	}
	err := pb.SyncWrites(context.Background())
	pb.closed = true
	if c, ok := pb.fs.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Refresh reads any index files written by other processes since the
// backend was opened.
func (pb *PackFileBackend) Refresh(ctx context.Context) error {
	return pb.refreshIndices(ctx)
}

func (pb *PackFileBackend) Read(ctx context.Context, hash Hash) (io.ReadCloser, error) {
	loc, err := pb.chunkIndex.Lookup(hash)
	if errors.Is(err, ErrHashNotFound) {
		// Another writer may have stored it since we last looked.
		if rerr := pb.refreshIndices(ctx); rerr != nil {
			return nil, rerr
		}
		loc, err = pb.chunkIndex.Lookup(hash)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hash, err)
	}

	blob, err := pb.fs.ReadFile(ctx, loc.PackName, loc.Offset, loc.Length)
	if err != nil {
		return nil, err
	}

	pb.mu.Lock()
	pb.numReads++
	pb.bytesRead += loc.Length
	pb.mu.Unlock()

	chunk, err := DecodeBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hash, err)
	}
	if HashBytes(chunk) != hash {
		return nil, fmt.Errorf("%s: %w", hash, ErrHashMismatch)
	}

	return io.NopCloser(bytes.NewReader(chunk)), nil
}

func (pb *PackFileBackend) HashExists(hash Hash) bool {
	_, err := pb.chunkIndex.Lookup(hash)
	return err == nil
}

func (pb *PackFileBackend) Hashes() map[Hash]struct{} {
	return pb.chunkIndex.Hashes()
}

func (pb *PackFileBackend) Fsck(ctx context.Context) error {
	if !pb.fs.Fsck(ctx) {
		return nil
	}

	// Make sure each blob is available in a pack file and that its data's
	// hash matches the stored hash.
	allHashes := pb.chunkIndex.Hashes()
	log.Verbose("Checking the availability and integrity of %d blobs.",
		len(allHashes))
	for hash := range allHashes {
		fsckHash(ctx, hash, pb)
	}

	// Go through all of the pack files and make sure all blobs are present
	// in an index. Blobs from orphaned shards are reported here too.
	return pb.fs.ForFiles(ctx, "packs/", func(n string, created time.Time) {
		if !strings.HasSuffix(n, ".pack") {
			if !strings.HasSuffix(n, ".rs") {
				log.Warning("%s: non .pack file found in packs/ directory", n)
			}
			return
		}

		pack, err := pb.fs.ReadFile(ctx, n, 0, 0)
		if err != nil {
			log.Error("%s: %s", n, err)
			return
		}
		if !pb.chunkIndex.HasPack(n) {
			log.Warning("%s: pack file has no index", n)
		}
		fsckPackFile(n, bytes.NewReader(pack), allHashes)
	})
}

func (pb *PackFileBackend) WriteMetadata(ctx context.Context, name string, contents []byte) error {
	if strings.Contains(name, "/") {
		return fmt.Errorf("%s: invalid metadata name", name)
	}

	w, err := pb.fs.CreateFile(ctx, "metadata/"+name)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", name, ErrMetadataExists)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, err := w.Write(contents); err != nil {
		w.Close()
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		// Another writer may have created it after we checked.
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", name, ErrMetadataExists)
		}
		return err
	}
	return nil
}

func (pb *PackFileBackend) ReadMetadata(ctx context.Context, name string) ([]byte, error) {
	b, err := pb.fs.ReadFile(ctx, "metadata/"+name, 0, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrMetadataNotFound)
		}
		return nil, err
	}
	return b, nil
}

func (pb *PackFileBackend) ListMetadata(ctx context.Context, prefix string) (map[string]time.Time, error) {
	m := make(map[string]time.Time)
	err := pb.fs.ForFiles(ctx, "metadata/"+prefix, func(n string, created time.Time) {
		if strings.HasSuffix(n, ".rs") {
			return
		}
		m[path.Base(n)] = created
	})
	return m, err
}
