// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestE2E(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed = %d", seed)
	rng := rand.New(rand.NewSource(seed))

	// Make a buffer full of random bytes.
	buf := make([]byte, 1+rng.Intn(4*1024*1024))
	t.Logf("Length %d", len(buf))
	_, _ = rng.Read(buf)
	origBuf := dupe(buf)

	nShards := 1 + rng.Intn(24)
	nParity := 1 + rng.Intn(8)
	hashRate := int64(1) << uint(10+rng.Intn(8))
	t.Logf("%d data shards, %d parity, %d hash rate", nShards, nParity, hashRate)

	var rs bytes.Buffer
	err := Encode(bytes.NewReader(buf), int64(len(buf)), &rs, nShards, nParity, hashRate)
	if err != nil {
		t.Fatalf("%s", err)
	}

	// The initial check should pass!
	err = Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil)
	if err != nil {
		t.Fatalf("Error %+v on initial check", err)
	}

	// Damage at most nParity data shards, all within the first hash
	// segment, so that recovery is still possible.
	shardSize := (int64(len(buf)) + int64(nShards) - 1) / int64(nShards)
	for i := 0; i < nParity && i < nShards; i++ {
		off := int64(i) * shardSize
		if off >= int64(len(buf)) {
			break
		}
		buf[off] ^= 0xff
	}

	err = Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil)
	if err == nil {
		t.Fatalf("Check of corrupted data didn't fail?")
	} else if !errors.Is(err, ErrFileCorrupt) {
		t.Fatalf("%s", err)
	}

	var restored bytes.Buffer
	if err = Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), &restored,
		nil); err != nil {
		t.Fatalf("%s", err)
	}

	if !bytes.Equal(origBuf, restored.Bytes()) {
		t.Errorf("original bytes don't match restored")
	}
}

func TestTruncated(t *testing.T) {
	buf := []byte("some pack file contents")
	var rs bytes.Buffer
	if err := Encode(bytes.NewReader(buf), int64(len(buf)), &rs, 4, 2, 1024); err != nil {
		t.Fatal(err)
	}
	err := Check(bytes.NewReader(buf[:5]), bytes.NewReader(rs.Bytes()), nil)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected size mismatch, got %v", err)
	}
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "x.pack")
	contents := bytes.Repeat([]byte("chat"), 10000)
	if err := os.WriteFile(fn, contents, 0600); err != nil {
		t.Fatal(err)
	}
	if err := EncodeFile(fn, fn+".rs"); err != nil {
		t.Fatal(err)
	}
	if err := CheckFile(fn, fn+".rs", nil); err != nil {
		t.Fatal(err)
	}

	contents[17] = 'x'
	if err := os.WriteFile(fn, contents, 0600); err != nil {
		t.Fatal(err)
	}
	if err := CheckFile(fn, fn+".rs", nil); !errors.Is(err, ErrFileCorrupt) {
		t.Fatalf("expected corruption, got %v", err)
	}
	if err := RestoreFile(fn, fn+".rs", nil); err != nil {
		t.Fatal(err)
	}
	rec, err := os.ReadFile(fn + ".recovered")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec, bytes.Repeat([]byte("chat"), 10000)) {
		t.Errorf("recovered file doesn't match")
	}
}

func dupe(b []byte) []byte {
	r := make([]byte, len(b))
	copy(r, b)
	return r
}
