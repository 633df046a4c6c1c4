// storage/encrypted.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var ErrWrongPassword = errors.New("incorrect password")

type encpair struct {
	Plain, Encrypted Hash
}

// encrypted implements the storage.Backend interface. It encrypts /
// decrypts chunk data as it passes through the Read() and Write() methods.
type encrypted struct {
	backend Backend
	cipher  *Cipher

	mu sync.Mutex
	// toEncrypted is a map from hashes of unencrypted chunks to hashes of
	// encrypted versions of them, if we already have them stored.  Because
	// every encryption uses a new random salt, we need to maintain this
	// map explicitly for deduplication to work.
	toEncrypted map[Hash]Hash
	// toEncryptedLog stores a log of the mappings added during the current
	// run; it's stored as metadata in SyncWrites().
	toEncryptedLog []encpair
}

const (
	toEncryptedPrefix = "toencrypted-"
	cipherCheckName   = "cipher-check"
)

var cipherCheckPlaintext = []byte("chatbk cipher check v1")

// NewEncrypted returns a storage.Backend that encrypts the chunk data
// stored in the underlying storage.Backend under the given password.
// Metadata contents and names are not encrypted.
func NewEncrypted(ctx context.Context, backend Backend, password string) (Backend, error) {
	return NewEncryptedCipher(ctx, backend, NewCipher(password))
}

// NewEncryptedCipher is like NewEncrypted but takes a Cipher.
func NewEncryptedCipher(ctx context.Context, backend Backend, c *Cipher) (Backend, error) {
	eb := &encrypted{
		backend:     backend,
		cipher:      c,
		toEncrypted: make(map[Hash]Hash),
	}

	if err := eb.checkPassword(ctx); err != nil {
		return nil, err
	}

	// Process the contents of all of the logs that store pairs of
	// (plaintext, encrypted) hashes to populate the toEncrypted map.
	md, err := backend.ListMetadata(ctx, toEncryptedPrefix)
	if err != nil {
		return nil, err
	}
	for name := range md {
		if err := eb.loadLog(ctx, name); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	return eb, nil
}

// checkPassword makes sure that the password matches the one used when
// the store was first written to, recording a check value if this is the
// first time.
func (eb *encrypted) checkPassword(ctx context.Context) error {
	sealed, err := eb.backend.ReadMetadata(ctx, cipherCheckName)
	if errors.Is(err, ErrMetadataNotFound) {
		sealed, err = eb.cipher.Encrypt(cipherCheckPlaintext)
		if err != nil {
			return err
		}
		err = eb.backend.WriteMetadata(ctx, cipherCheckName, sealed)
		if errors.Is(err, ErrMetadataExists) {
			// Someone else got there first; check against theirs.
			return eb.checkPassword(ctx)
		}
		return err
	} else if err != nil {
		return err
	}

	plain, err := eb.cipher.Decrypt(sealed)
	if err != nil {
		return err
	}
	if !bytes.Equal(plain, cipherCheckPlaintext) {
		return ErrWrongPassword
	}
	return nil
}

func (eb *encrypted) loadLog(ctx context.Context, name string) error {
	md, err := eb.backend.ReadMetadata(ctx, name)
	if err != nil {
		return err
	}
	if len(md) != HashSize {
		return fmt.Errorf("log reference has %d bytes", len(md))
	}
	var h Hash
	copy(h[:], md)

	b, err := ReadAll(ctx, eb, h)
	if err != nil {
		return err
	}
	var pairs []encpair
	if err := cbor.Unmarshal(b, &pairs); err != nil {
		return err
	}
	for _, v := range pairs {
		eb.toEncrypted[v.Plain] = v.Encrypted
	}
	return nil
}

func (eb *encrypted) String() string {
	return "encrypted " + eb.backend.String()
}

func (eb *encrypted) LogStats() {
	eb.backend.LogStats()
}

func (eb *encrypted) Fsck(ctx context.Context) error {
	return eb.backend.Fsck(ctx)
}

func (eb *encrypted) Write(ctx context.Context, data []byte) (Hash, error) {
	// See if we've already stored these bytes; return the hash of
	// their encrypted version if so.
	hplain := HashBytes(data)
	eb.mu.Lock()
	henc, ok := eb.toEncrypted[hplain]
	eb.mu.Unlock()
	if ok {
		return henc, nil
	}

	sealed, err := eb.cipher.Encrypt(data)
	if err != nil {
		return Hash{}, err
	}
	henc, err = eb.backend.Write(ctx, sealed)
	if err != nil {
		return Hash{}, err
	}

	// Update the map and the log so that if we see these bytes again, we
	// don't store them redundantly in the current and future runs,
	// respectively.
	eb.mu.Lock()
	eb.toEncrypted[hplain] = henc
	eb.toEncryptedLog = append(eb.toEncryptedLog, encpair{hplain, henc})
	eb.mu.Unlock()

	return henc, nil
}

func (eb *encrypted) SyncWrites(ctx context.Context) error {
	if err := eb.backend.SyncWrites(ctx); err != nil {
		// Whatever was in flight is gone; forget it so that it is
		// written again next time.
		eb.mu.Lock()
		for _, p := range eb.toEncryptedLog {
			if !eb.backend.HashExists(p.Encrypted) {
				delete(eb.toEncrypted, p.Plain)
			}
		}
		eb.toEncryptedLog = nil
		eb.mu.Unlock()
		return err
	}

	eb.mu.Lock()
	pairs := eb.toEncryptedLog
	eb.toEncryptedLog = nil
	eb.mu.Unlock()
	if len(pairs) == 0 {
		return nil
	}

	// Store the log of new mappings from unencrypted -> encrypted hashes.
	b, err := cbor.Marshal(pairs)
	if err != nil {
		return err
	}
	// Important: use eb, not eb.backend, so the log is encrypted!
	h, err := eb.Write(ctx, b)
	if err != nil {
		return err
	}
	eb.mu.Lock()
	eb.toEncryptedLog = nil
	eb.mu.Unlock()
	if err := eb.backend.SyncWrites(ctx); err != nil {
		return err
	}

	// The name doesn't matter but does need to be unique.
	err = eb.backend.WriteMetadata(ctx, toEncryptedPrefix+h.String(), h[:])
	if errors.Is(err, ErrMetadataExists) {
		return nil
	}
	return err
}

func (eb *encrypted) Close() error {
	return eb.backend.Close()
}

func (eb *encrypted) HashExists(hash Hash) bool {
	return eb.backend.HashExists(hash)
}

func (eb *encrypted) Hashes() map[Hash]struct{} {
	return eb.backend.Hashes()
}

func (eb *encrypted) Read(ctx context.Context, hash Hash) (io.ReadCloser, error) {
	r, err := eb.backend.Read(ctx, hash)
	if err != nil {
		return nil, err
	}
	dr, err := eb.cipher.DecryptingReader(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", hash, err)
	}
	return &readerAndCloser{dr, r}, nil
}

func (eb *encrypted) WriteMetadata(ctx context.Context, name string, data []byte) error {
	if strings.HasPrefix(name, toEncryptedPrefix) || name == cipherCheckName {
		return fmt.Errorf("%s: reserved metadata name", name)
	}
	return eb.backend.WriteMetadata(ctx, name, data)
}

func (eb *encrypted) ReadMetadata(ctx context.Context, name string) ([]byte, error) {
	return eb.backend.ReadMetadata(ctx, name)
}

func (eb *encrypted) ListMetadata(ctx context.Context, prefix string) (map[string]time.Time, error) {
	return eb.backend.ListMetadata(ctx, prefix)
}
