// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Reed-Solomon parity for the files of a local chat backup store, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded files and to recover corrupt ones.

package rdso

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/chatbk/util"
	"golang.org/x/crypto/sha3"
)

var (
	ErrFileCorrupt  = errors.New("file is corrupt")
	ErrSizeMismatch = errors.New("file size doesn't match parity file")
)

// Default sharding used by the disk store.
const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
	DefaultHashRate     = 1024 * 1024
)

// HashSize is the number of bytes in the hash values used to detect
// damaged segments.
const HashSize = 32

type Hash [HashSize]byte

func hashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// File is the contents of a parity file.
type File struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	// First the data hashes, then the parity hashes; one per HashRate
	// bytes of each shard.
	Hashes       [][]Hash
	ParityShards [][]byte
}

// Encode reads size bytes from r and writes their parity file to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards int,
	hashRate int64) error {
	if nDataShards <= 0 || nParityShards <= 0 || hashRate <= 0 {
		return fmt.Errorf("rdso: invalid parameters %d/%d/%d", nDataShards,
			nParityShards, hashRate)
	}
	rs := File{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	dataShards, err := readAndShard(r, size, nDataShards)
	if err != nil {
		return err
	}

	for i := 0; i < nParityShards; i++ {
		rs.ParityShards = append(rs.ParityShards, make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}
	allShards := append(dataShards, rs.ParityShards...)
	if err = enc.Encode(allShards); err != nil {
		return err
	}
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		return fmt.Errorf("rdso: verify failed after encode: %v", err)
	}

	for _, s := range allShards {
		rs.Hashes = append(rs.Hashes, hashAll(shard(s, hashRate)))
	}

	b, err := cbor.Marshal(rs)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Check verifies the data read from r against the parity file read from
// rsr. It returns ErrFileCorrupt if any segment doesn't match. Mismatches
// are reported via log if it is non-nil.
func Check(r io.Reader, rsr io.Reader, log *u.Logger) error {
	_, _, bad, err := load(r, rsr, log, false)
	if err != nil {
		return err
	}
	if bad > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reconstructs the original file contents from the (possibly
// damaged) data in r and its parity file, writing them to w.
func Restore(r io.Reader, rsr io.Reader, w io.Writer, log *u.Logger) error {
	rs, allShards, bad, err := load(r, rsr, log, true)
	if err != nil {
		return err
	}

	dataShards := make([][]byte, rs.NDataShards)
	for s := range dataShards {
		dataShards[s] = bytes.Join(allShards[s], nil)
	}

	if bad > 0 {
		enc, err := reedsolomon.New(rs.NDataShards, rs.NParityShards)
		if err != nil {
			return err
		}

		nHashChunks := len(allShards[0])
		for hc := 0; hc < nHashChunks; hc++ {
			missing := 0
			var recon [][]byte
			for _, s := range allShards {
				recon = append(recon, s[hc])
				if s[hc] == nil {
					missing++
				}
			}
			if missing == 0 {
				continue
			}
			if err := enc.Reconstruct(recon); err != nil {
				return fmt.Errorf("rdso: segment %d: %w", hc, err)
			}
			for s := 0; s < rs.NDataShards; s++ {
				copy(dataShards[s][int64(hc)*rs.HashRate:], recon[s])
			}
		}
	}

	lw := &limitedWriter{w, rs.FileSize}
	for _, s := range dataShards {
		if _, err := lw.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// load reads and shards the data and parity, nil-ing out any segments
// whose hashes don't match.
func load(r io.Reader, rsr io.Reader, log *u.Logger, restore bool) (File, [][][]byte, int, error) {
	rs, err := readFile(rsr)
	if err != nil {
		return rs, nil, 0, err
	}

	dataShards, err := readAndShard(r, rs.FileSize, rs.NDataShards)
	if err != nil {
		return rs, nil, 0, err
	}

	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	for _, s := range rs.ParityShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	if len(allShards) != len(rs.Hashes) {
		return rs, nil, 0, ErrSizeMismatch
	}

	bad := 0
	nHashChunks := len(allShards[0])
	for hc := 0; hc < nHashChunks; hc++ {
		for s := range allShards {
			if hc >= len(rs.Hashes[s]) || hashBytes(allShards[s][hc]) != rs.Hashes[s][hc] {
				kind, idx := "data", s
				if s >= rs.NDataShards {
					kind, idx = "parity", s-rs.NDataShards
				}
				if log != nil {
					if restore {
						log.Warning("%s shard %d hash %d mismatch", kind, idx, hc)
					} else {
						log.Error("%s shard %d hash %d mismatch", kind, idx, hc)
					}
				}
				bad++
				allShards[s][hc] = nil
			}
		}
	}
	return rs, allShards, bad, nil
}

// readAndShard reads size bytes and splits them into nshards equal-sized
// shards, zero-padding the last.
func readAndShard(r io.Reader, size int64, nshards int) ([][]byte, error) {
	shardSize := (size + int64(nshards) - 1) / int64(nshards)
	if shardSize == 0 {
		shardSize = 1
	}
	buf := make([]byte, int64(nshards)*shardSize)
	n, err := io.ReadFull(r, buf[:size])
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, fmt.Errorf("%w: read %d of %d bytes", ErrSizeMismatch, n, size)
		}
		return nil, err
	}
	return shard(buf, shardSize), nil
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hashAll(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, hashBytes(s))
	}
	return
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

func readFile(r io.Reader) (File, error) {
	var rs File
	b, err := io.ReadAll(r)
	if err != nil {
		return rs, err
	}
	if err := cbor.Unmarshal(b, &rs); err != nil {
		return rs, fmt.Errorf("rdso: parity file: %w", err)
	}
	if rs.NDataShards <= 0 || rs.HashRate <= 0 {
		return rs, fmt.Errorf("rdso: parity file: bad header")
	}
	return rs, nil
}

///////////////////////////////////////////////////////////////////////////
// File helpers

// EncodeFile writes the parity for the file fn to rsfn using the default
// sharding.
func EncodeFile(fn, rsfn string) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(rsfn)
	if err != nil {
		return err
	}
	if err := Encode(f, fi.Size(), out, DefaultDataShards, DefaultParityShards,
		DefaultHashRate); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, rsf, err := openPair(fn, rsfn)
	if err != nil {
		return err
	}
	defer f.Close()
	defer rsf.Close()
	if err := Check(f, rsf, log); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

// RestoreFile writes the recovered contents of fn to fn.recovered.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	f, rsf, err := openPair(fn, rsfn)
	if err != nil {
		return err
	}
	defer f.Close()
	defer rsf.Close()

	out, err := os.Create(fn + ".recovered")
	if err != nil {
		return err
	}
	if err := Restore(f, rsf, out, log); err != nil {
		out.Close()
		return fmt.Errorf("%s: %w", fn, err)
	}
	return out.Close()
}

func openPair(fn, rsfn string) (*os.File, *os.File, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, nil, err
	}
	rsf, err := os.Open(rsfn)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, rsf, nil
}
