// block/block.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package block encodes structured values as canonical binary blocks and
// stores them in a content-addressed storage.Backend. Encoding is CBOR in
// core deterministic mode, so equal values always produce equal bytes and
// thus the same link.
package block

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mmp/chatbk/storage"
)

// Link is the content address of a block.
type Link = storage.Hash

// ErrMalformed is returned when stored bytes don't decode as the expected
// structure, as happens when they were decrypted with the wrong password.
var ErrMalformed = errors.New("malformed block")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode returns the canonical encoding of v.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("block: encode %T: %w", v, err)
	}
	return b, nil
}

// Decode decodes b into v, which must be a pointer.
func Decode(b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %T: %v", ErrMalformed, v, err)
	}
	return nil
}

// Put encodes v and writes it to the backend, returning its link. The
// block is only durable after the backend's SyncWrites.
func Put(ctx context.Context, backend storage.Backend, v any) (Link, error) {
	b, err := Encode(v)
	if err != nil {
		return Link{}, err
	}
	return backend.Write(ctx, b)
}

// Get reads the block with the given link and decodes it into v.
func Get(ctx context.Context, backend storage.Backend, l Link, v any) error {
	b, err := storage.ReadAll(ctx, backend, l)
	if err != nil {
		return err
	}
	if err := Decode(b, v); err != nil {
		return fmt.Errorf("%s: %w", l, err)
	}
	return nil
}

// PutSynced is Put followed by SyncWrites, for roots that must be durable
// before they are referenced from elsewhere.
func PutSynced(ctx context.Context, backend storage.Backend, v any) (Link, error) {
	l, err := Put(ctx, backend, v)
	if err != nil {
		return Link{}, err
	}
	if err := backend.SyncWrites(ctx); err != nil {
		return Link{}, err
	}
	return l, nil
}
