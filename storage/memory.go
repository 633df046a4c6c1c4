// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"
)

// Shards kept in RAM are small so that tests exercise shard rollover.
const maxMemoryShardSize = 4 * 1024 * 1024

type memFile struct {
	data    []byte
	created time.Time
}

// memFiles implements FileStorage, keeping all files in RAM.
type memFiles struct {
	name  string
	mu    sync.Mutex
	files map[string]memFile
}

// NewMemoryFiles returns a FileStorage that keeps everything in memory.
// It's really only useful for testing of code built on top of
// storage.Backend, where we may want to save the trouble of saving a
// bunch of stuff to disk.
func NewMemoryFiles(name string) FileStorage {
	return &memFiles{name: name, files: make(map[string]memFile)}
}

// NewMemory returns a storage.Backend that stores all data in RAM.
func NewMemory() Backend {
	pb, err := NewMemoryWithOptions(context.Background(), NewMemoryFiles("memory"), Options{})
	if err != nil {
		// Listing an empty in-memory store can't fail.
		panic(err)
	}
	return pb
}

// NewMemoryWithOptions returns a pack file backend over the given memory
// FileStorage; several backends may share one FileStorage to model
// multiple processes writing to the same remote store.
func NewMemoryWithOptions(ctx context.Context, files FileStorage, opts Options) (*PackFileBackend, error) {
	if opts.MaxShardSize == 0 {
		opts.MaxShardSize = maxMemoryShardSize
	}
	return newPackFileBackend(ctx, files, opts)
}

var (
	namedMemMu sync.Mutex
	namedMem   = make(map[string]FileStorage)
)

// namedMemoryFiles returns the process-wide memory FileStorage with the
// given name, creating it if needed, so that "mem://name" refers to the
// same data each time it's opened.
func namedMemoryFiles(name string) FileStorage {
	namedMemMu.Lock()
	defer namedMemMu.Unlock()
	if f, ok := namedMem[name]; ok {
		return f
	}
	f := NewMemoryFiles("mem://" + name)
	namedMem[name] = f
	return f
}

func (m *memFiles) String() string {
	return m.name
}

func (m *memFiles) Fsck(ctx context.Context) bool {
	return true
}

func (m *memFiles) CreateFile(ctx context.Context, name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrExist)
	}
	return &memWriter{m: m, name: name}, nil
}

type memWriter struct {
	m    *memFiles
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *memWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if _, ok := w.m.files[w.name]; ok {
		return fmt.Errorf("%s: %w", w.name, fs.ErrExist)
	}
	w.m.files[w.name] = memFile{data: dupe(w.buf.Bytes()), created: time.Now()}
	return nil
}

func (m *memFiles) ReadFile(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	if length == 0 {
		return dupe(f.data), nil
	}
	if offset < 0 || offset+length > int64(len(f.data)) {
		return nil, fmt.Errorf("%s: read [%d,%d) past end of %d-byte file", name,
			offset, offset+length, len(f.data))
	}
	return dupe(f.data[offset : offset+length]), nil
}

func (m *memFiles) ForFiles(ctx context.Context, prefix string, f func(string, time.Time)) error {
	m.mu.Lock()
	var names []string
	for n := range m.files {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	created := make([]time.Time, len(names))
	for i, n := range names {
		created[i] = m.files[n].created
	}
	m.mu.Unlock()

	for i, n := range names {
		f(n, created[i])
	}
	return nil
}

// corrupt flips a byte in the given file; used by tests.
func (m *memFiles) corrupt(name string, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[name]
	f.data[offset] ^= 0xff
	m.files[name] = f
}
