// block/block_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"context"
	"errors"
	"testing"

	"github.com/mmp/chatbk/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string
	Tags  map[string]int
	Links []Link
}

func TestEncodeDeterministic(t *testing.T) {
	// Map iteration order must not leak into the encoding.
	tags := map[string]int{}
	for i, k := range []string{"z", "a", "m", "q", "b", "y", "c"} {
		tags[k] = i
	}
	r := record{Name: "x", Tags: tags, Links: []Link{storage.HashBytes([]byte("a"))}}

	first, err := Encode(r)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		b, err := Encode(r)
		require.NoError(t, err)
		assert.Equal(t, first, b)
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()

	in := record{Name: "dialog", Tags: map[string]int{"n": 3}, Links: []Link{storage.HashBytes(nil)}}
	l, err := PutSynced(ctx, backend, in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Get(ctx, backend, l, &out))
	assert.Equal(t, in, out)

	// Equal values share a link.
	l2, err := Put(ctx, backend, in)
	require.NoError(t, err)
	assert.Equal(t, l, l2)
}

func TestDecodeMalformed(t *testing.T) {
	var out record
	err := Decode([]byte{0xff, 0x00, 0x13}, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestGetMissing(t *testing.T) {
	var out record
	err := Get(context.Background(), storage.NewMemory(), storage.HashBytes([]byte("nope")), &out)
	assert.True(t, errors.Is(err, storage.ErrHashNotFound))
}
