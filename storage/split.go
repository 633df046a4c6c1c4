// storage/split.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// MerkleHash identifies data that was split into chunks by SplitAndStore.
// At level zero, Hash is the data itself; at higher levels, it is a chunk
// holding the concatenated hashes of the level below.
type MerkleHash struct {
	Hash  Hash
	Level uint8
}

func MerkleFromSingle(hash Hash) MerkleHash {
	return MerkleHash{hash, 0}
}

func (h MerkleHash) String() string {
	return fmt.Sprintf("%s@%d", h.Hash, h.Level)
}

// leaves returns the hashes of the data chunks in order.
func (h MerkleHash) leaves(ctx context.Context, backend Backend) ([]Hash, error) {
	hashes := []Hash{h.Hash}
	for level := h.Level; level > 0; level-- {
		b, err := ReadHashes(ctx, hashes, backend)
		if err != nil {
			return nil, err
		}
		if hashes, err = decodeHashes(b); err != nil {
			return nil, fmt.Errorf("%s: %w", h, err)
		}
	}
	return hashes, nil
}

// Bytes returns all of the data identified by h.
func (h MerkleHash) Bytes(ctx context.Context, backend Backend) ([]byte, error) {
	hashes, err := h.leaves(ctx, backend)
	if err != nil {
		return nil, err
	}
	return ReadHashes(ctx, hashes, backend)
}

// NewReader returns a reader that fetches the data identified by h one
// chunk at a time.
func (h MerkleHash) NewReader(ctx context.Context, backend Backend) (io.ReadCloser, error) {
	hashes, err := h.leaves(ctx, backend)
	if err != nil {
		return nil, err
	}
	return &hashesReader{ctx: ctx, hashes: hashes, backend: backend}, nil
}

type hashesReader struct {
	ctx     context.Context
	hashes  []Hash
	backend Backend
	buf     []byte
}

func (r *hashesReader) Read(b []byte) (int, error) {
	for len(r.buf) == 0 {
		if len(r.hashes) == 0 {
			return 0, io.EOF
		}
		chunk, err := ReadAll(r.ctx, r.backend, r.hashes[0])
		if err != nil {
			return 0, err
		}
		r.buf, r.hashes = chunk, r.hashes[1:]
	}
	n := copy(b, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *hashesReader) Close() error {
	r.hashes, r.buf = nil, nil
	return nil
}

// Fsck reports chunks of the tree that are missing from the backend.
func (h MerkleHash) Fsck(ctx context.Context, backend Backend) {
	hashes := []Hash{h.Hash}
	for level := h.Level; ; level-- {
		for _, hash := range hashes {
			if !backend.HashExists(hash) {
				log.Error("%s: hash not found in storage.", hash)
			}
		}
		if level == 0 {
			return
		}
		b, err := ReadHashes(ctx, hashes, backend)
		if err == nil {
			hashes, err = decodeHashes(b)
		}
		if err != nil {
			log.Error("%s: %s", h, err)
			return
		}
	}
}

func decodeHashes(b []byte) ([]Hash, error) {
	if len(b)%HashSize != 0 {
		return nil, fmt.Errorf("%d bytes of hashes: %w", len(b), ErrPrematureEndOfData)
	}
	hashes := make([]Hash, len(b)/HashSize)
	for i := range hashes {
		copy(hashes[i][:], b[i*HashSize:])
	}
	return hashes, nil
}

///////////////////////////////////////////////////////////////////////////

// Split the bytes of the given io.Reader using a rolling checksum into chunks
// of size (on average) 1<<splitBits.  Return the hash for the root of a Merkle
// tree that identifies the data stored in the given storage backend.
func SplitAndStore(ctx context.Context, r io.Reader, backend Backend, splitBits uint) (MerkleHash, error) {
	// Wrap the reader with a buffered reader if it isn't buffered
	// already. This is required for decent performance in the the
	// splitter code, which needs to process the input a byte at a time.
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	// Put the bits from the reader in storage and get the hashes that
	// reconstruct them.
	hs, err := NewHashSplitter(splitBits)
	if err != nil {
		return MerkleHash{}, err
	}
	hashes, err := splitAndStoreMerkleTree(ctx, br, backend, hs)
	if err != nil {
		return MerkleHash{}, err
	}
	if len(hashes) == 0 {
		// Empty input is stored as a single empty chunk.
		h, err := backend.Write(ctx, nil)
		return MerkleFromSingle(h), err
	}

	// Now, continue to split and store the hash bytes until we're down to
	// a single hash; that's the final identifier for the provided bits
	// that we'll return.
	for level := uint8(0); ; level++ {
		if len(hashes) == 1 {
			return MerkleHash{hashes[0], level}, nil
		}
		if level >= 10 {
			return MerkleHash{}, errors.New("merkle tree too deep")
		}

		var buf []byte
		for _, h := range hashes {
			buf = append(buf, h[:]...)
		}

		// Split at hash boundaries so each level is a whole number of
		// hashes.
		hashes, err = storeHashChunks(ctx, buf, backend, hs)
		if err != nil {
			return MerkleHash{}, err
		}
	}
}

func storeHashChunks(ctx context.Context, buf []byte, backend Backend, hs *HashSplitter) ([]Hash, error) {
	var hashes []Hash
	hs.Reset()
	start := 0
	for i := 0; i < len(buf); i++ {
		hs.AddByte(buf[i])
		if (i+1)%HashSize == 0 && (hs.SplitNow() || i+1 == len(buf)) {
			h, err := backend.Write(ctx, buf[start:i+1])
			if err != nil {
				return nil, err
			}
			hashes = append(hashes, h)
			start = i + 1
			hs.Reset()
		}
	}
	return hashes, nil
}

func splitAndStoreMerkleTree(ctx context.Context, r io.ByteReader, backend Backend, hs *HashSplitter) ([]Hash, error) {
	var hashes []Hash
	for {
		// Get the next blob of data from the input stream.
		blob, err := hs.SplitFromReader(r)
		if err != nil {
			return nil, err
		}
		if len(blob) == 0 {
			return hashes, nil
		}
		h, err := backend.Write(ctx, blob)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
		hs.Reset()
	}
}

///////////////////////////////////////////////////////////////////////////
// Rolling checksum stuff from bup...

// The lowest bits seem to be most useful; splitting based on, say, 4 bits
// in the middle is fiddly, especially when it spans the 16th
// bit.
type HashSplitter struct {
	splitBits uint
	s1, s2    uint32
	window    [splitWindowSize]byte
	wofs      int
	count     int
}

const splitterCharOffset = 31
const splitWindowBits = 6
const splitWindowSize = 1 << splitWindowBits

func NewHashSplitter(splitBits uint) (*HashSplitter, error) {
	if splitBits < 8 || splitBits > 18 {
		return nil, fmt.Errorf("%d: split bits must be between 8 and 18", splitBits)
	}
	hs := &HashSplitter{splitBits: splitBits}
	hs.Reset()
	return hs, nil
}

func (hs *HashSplitter) Reset() {
	hs.s1 = splitWindowSize * splitterCharOffset
	hs.s2 = splitWindowSize * (splitWindowSize - 1) * splitterCharOffset
	hs.wofs = 0
	hs.count = 0
	hs.window = [splitWindowSize]byte{}
}

func (hs *HashSplitter) AddByte(b byte) {
	drop := hs.window[hs.wofs]
	hs.s1 += uint32(b) - uint32(drop)
	hs.s2 += hs.s1 - (splitWindowSize * uint32(drop+splitterCharOffset))
	hs.window[hs.wofs] = b
	hs.wofs = (hs.wofs + 1) % splitWindowSize
	hs.count++
}

func (hs *HashSplitter) SplitNow() bool {
	if hs.count < 8*splitWindowSize {
		return false
	}
	digest := (hs.s1 << 16) | (hs.s2 & 0xffff)
	splitSize := 1 << hs.splitBits
	return (digest & uint32(splitSize-1)) == uint32(splitSize-1)
}

// SplitFromReader returns the bytes up to and including the next split
// point, or the rest of the input. An empty result means the reader is
// exhausted.
func (hs *HashSplitter) SplitFromReader(reader io.ByteReader) ([]byte, error) {
	var ret []byte
	for {
		add, err := reader.ReadByte()
		if err == io.EOF {
			return ret, nil
		} else if err != nil {
			return nil, err
		}

		hs.AddByte(add)
		ret = append(ret, add)
		if hs.SplitNow() {
			return ret, nil
		}
	}
}

// SplitBytes is a convenience wrapper around SplitAndStore for data that
// is already in memory.
func SplitBytes(ctx context.Context, b []byte, backend Backend, splitBits uint) (MerkleHash, error) {
	return SplitAndStore(ctx, bytes.NewReader(b), backend, splitBits)
}
