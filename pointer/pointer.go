// pointer/pointer.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package pointer implements mutable name pointers: signed, revisioned
// records that map a stable name to the current content address of a root
// block. Publishing requires the next revision in sequence, so a writer
// that raced with another one finds out instead of silently losing the
// other's update.
package pointer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/mmp/chatbk/storage"
)

var (
	// ErrNoValue is returned by Resolve for a name that has never been
	// published.
	ErrNoValue = errors.New("pointer has no value")
	// ErrConflict is returned by Publish when the revision doesn't follow
	// the current one.
	ErrConflict = errors.New("pointer revision conflict")
	// ErrBadSignature is returned for revisions that don't verify, or are
	// signed by a different key than the name's existing revisions.
	ErrBadSignature = errors.New("pointer signature invalid")
)

// Revision is one published value of a name.
type Revision struct {
	Name  string
	Value storage.Hash
	Seq   uint64
	Key   ed25519.PublicKey
	Sig   []byte
}

func (r Revision) String() string {
	return fmt.Sprintf("%s#%d -> %s", r.Name, r.Seq, r.Value)
}

func (r Revision) signedBytes() []byte {
	b := make([]byte, 0, len(r.Name)+storage.HashSize+8)
	b = append(b, r.Name...)
	b = append(b, r.Value[:]...)
	return binary.BigEndian.AppendUint64(b, r.Seq)
}

// Verify checks the revision's signature against its embedded key.
func (r Revision) Verify() error {
	if len(r.Key) != ed25519.PublicKeySize || !ed25519.Verify(r.Key, r.signedBytes(), r.Sig) {
		return fmt.Errorf("%s: %w", r, ErrBadSignature)
	}
	return nil
}

// Service stores and serves revisions.
type Service interface {
	// Resolve returns the latest revision for name, or ErrNoValue.
	Resolve(ctx context.Context, name string) (Revision, error)
	// Publish stores rev. Its Seq must be zero for an unset name or
	// exactly one more than the current revision's; otherwise ErrConflict
	// is returned.
	Publish(ctx context.Context, rev Revision) error
}

// Key signs revisions for the names it owns.
type Key struct {
	priv ed25519.PrivateKey
}

// NewKey returns a key derived from a 32-byte seed, so that the same seed
// always owns the same names.
func NewKey(seed []byte) (*Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("pointer: key seed has %d bytes, expected %d", len(seed),
			ed25519.SeedSize)
	}
	return &Key{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// GenerateKey returns a fresh random key, or uses rnd if non-nil.
func GenerateKey(rnd io.Reader) (*Key, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return nil, err
	}
	return &Key{priv: priv}, nil
}

func (k *Key) Public() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// Name returns the pointer name for label owned by this key.
func (k *Key) Name(label string) string {
	return label + "." + hex.EncodeToString(k.Public()[:8])
}

// First returns revision zero of name.
func (k *Key) First(name string, value storage.Hash) Revision {
	return k.sign(Revision{Name: name, Value: value})
}

// Next returns the revision following prev.
func (k *Key) Next(prev Revision, value storage.Hash) Revision {
	return k.sign(Revision{Name: prev.Name, Value: value, Seq: prev.Seq + 1})
}

func (k *Key) sign(r Revision) Revision {
	r.Key = k.Public()
	r.Sig = ed25519.Sign(k.priv, r.signedBytes())
	return r
}

// checkNext validates rev as the successor of cur (nil when the name is
// unset).
func checkNext(cur *Revision, rev Revision) error {
	if err := rev.Verify(); err != nil {
		return err
	}
	if cur == nil {
		if rev.Seq != 0 {
			return fmt.Errorf("%s: name is unset: %w", rev, ErrConflict)
		}
		return nil
	}
	if !cur.Key.Equal(rev.Key) {
		return fmt.Errorf("%s: signed by a different key: %w", rev, ErrBadSignature)
	}
	if rev.Seq != cur.Seq+1 {
		return fmt.Errorf("%s: current revision is %d: %w", rev, cur.Seq, ErrConflict)
	}
	return nil
}
