// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/chatbk/rdso"
)

// The Reed-Solomon encoding implementation ends up reading the whole file
// into memory (and more), so limit the size of pack files.
const MaxDiskPackFileSize = 1 << 28

// diskFiles implements FileStorage for a local directory. Each file is
// written to a temporary name and linked into place on Close, after its
// Reed-Solomon parity file has been written next to it.
type diskFiles struct {
	dir string
}

// NewDisk returns a new storage.Backend that stores data to the given
// directory, creating it if necessary.
func NewDisk(ctx context.Context, dir string, opts Options) (*PackFileBackend, error) {
	files, err := NewDiskFiles(dir)
	if err != nil {
		return nil, err
	}
	if opts.MaxShardSize == 0 || opts.MaxShardSize > MaxDiskPackFileSize {
		opts.MaxShardSize = MaxDiskPackFileSize
	}
	return newPackFileBackend(ctx, files, opts)
}

// NewDiskFiles returns the FileStorage for a local backup directory.
func NewDiskFiles(dir string) (FileStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: is a regular file", dir)
	}

	for _, d := range []string{"packs", "indices", "metadata"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0700); err != nil {
			return nil, err
		}
	}
	return &diskFiles{dir: dir}, nil
}

func (d *diskFiles) String() string {
	return "disk: " + d.dir
}

func (d *diskFiles) path(name string) string {
	return filepath.Join(d.dir, filepath.FromSlash(name))
}

func (d *diskFiles) CreateFile(ctx context.Context, name string) (io.WriteCloser, error) {
	p := d.path(name)
	if _, err := os.Stat(p); err == nil {
		return nil, fmt.Errorf("%s: %w", p, fs.ErrExist)
	}
	f, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &diskWriter{f: f, path: p}, nil
}

type diskWriter struct {
	f    *os.File
	path string
}

func (w *diskWriter) Write(b []byte) (int, error) {
	return w.f.Write(b)
}

func (w *diskWriter) Close() error {
	tmp := w.f.Name()
	err := w.f.Sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = rdso.EncodeFile(tmp, w.path+".rs")
	}
	if err == nil {
		// Link rather than rename so that an existing file is never
		// replaced.
		err = os.Link(tmp, w.path)
	}
	os.Remove(tmp)
	if err != nil {
		os.Remove(w.path + ".rs")
		return fmt.Errorf("%s: %w", w.path, err)
	}
	return nil
}

func (d *diskFiles) ReadFile(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	p := d.path(name)
	if length == 0 {
		return os.ReadFile(p)
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := make([]byte, length)
	if _, err := f.ReadAt(b, offset); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return b, nil
}

func (d *diskFiles) ForFiles(ctx context.Context, prefix string, f func(string, time.Time)) error {
	dir, base := prefix, ""
	if !strings.HasSuffix(prefix, "/") {
		dir, base = filepath.Split(prefix)
	}
	entries, err := os.ReadDir(d.path(dir))
	if err != nil {
		return err
	}
	for _, e := range entries {
		n := e.Name()
		// Parity files are ours, not the caller's.
		if e.IsDir() || !strings.HasPrefix(n, base) || strings.Contains(n, ".tmp-") ||
			strings.HasSuffix(n, ".rs") || strings.HasSuffix(n, ".recovered") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		f(strings.TrimSuffix(dir, "/")+"/"+n, info.ModTime())
	}
	return nil
}

func (d *diskFiles) Fsck(ctx context.Context) bool {
	// Check the Reed-Solomon encoding of all of the (non-.rs) files.
	log.Verbose("Checking Reed-Solomon codes of all files")
	err := filepath.WalkDir(d.dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			log.Error("%s: %s", path, err)
			return nil
		}
		if e.IsDir() || strings.HasSuffix(path, ".rs") || strings.Contains(path, ".tmp-") ||
			strings.HasSuffix(path, ".recovered") {
			return nil
		}
		if err := rdso.CheckFile(path, path+".rs", log); err != nil {
			log.Error("%s", err)
		}
		return nil
	})
	if err != nil {
		log.Error("%s: %s", d.dir, err)
	}
	return true
}

// Repair restores any damaged files in the directory from their parity,
// returning the names of the files that were rewritten.
func (d *diskFiles) Repair() ([]string, error) {
	var repaired []string
	err := filepath.WalkDir(d.dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() || strings.HasSuffix(path, ".rs") ||
			strings.HasSuffix(path, ".recovered") {
			return err
		}
		if rdso.CheckFile(path, path+".rs", nil) == nil {
			return nil
		}
		if err := rdso.RestoreFile(path, path+".rs", log); err != nil {
			return err
		}
		b, err := os.ReadFile(path + ".recovered")
		if err != nil {
			return err
		}
		orig, err := os.ReadFile(path)
		if err == nil && bytes.Equal(orig, b) {
			return os.Remove(path + ".recovered")
		}
		if err := os.Rename(path+".recovered", path); err != nil {
			return err
		}
		repaired = append(repaired, path)
		return nil
	})
	return repaired, err
}

// RepairDisk restores damaged files of the local store in dir from their
// Reed-Solomon parity.
func RepairDisk(dir string) ([]string, error) {
	files, err := NewDiskFiles(dir)
	if err != nil {
		return nil, err
	}
	return files.(*diskFiles).Repair()
}
