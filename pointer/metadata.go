// pointer/metadata.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pointer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/mmp/chatbk/storage"
)

// Metadata is a Service that keeps each revision as a write-once metadata
// record "ptr-<name>-<seq>" in a storage backend. Because metadata can't be
// overwritten, two writers publishing the same Seq can't both succeed.
type Metadata struct {
	backend storage.Backend

	mu sync.Mutex
	// Highest Seq seen for each name; revisions are never removed, so
	// Resolve only has to look for ones after it.
	seen map[string]uint64
}

func NewMetadata(backend storage.Backend) *Metadata {
	return &Metadata{backend: backend, seen: make(map[string]uint64)}
}

func revisionPrefix(name string) string {
	return "ptr-" + name + "-"
}

func revisionName(name string, seq uint64) string {
	// Zero-padded so that lexical order is revision order.
	return fmt.Sprintf("%s%020d", revisionPrefix(name), seq)
}

func (m *Metadata) Resolve(ctx context.Context, name string) (Revision, error) {
	m.mu.Lock()
	seq, ok := m.seen[name]
	m.mu.Unlock()

	var err error
	if ok {
		seq, err = m.latestAfter(ctx, name, seq)
	} else {
		seq, err = m.latestListed(ctx, name)
	}
	if err != nil {
		return Revision{}, err
	}

	rn := revisionName(name, seq)
	b, err := m.backend.ReadMetadata(ctx, rn)
	if err != nil {
		return Revision{}, err
	}
	var r Revision
	if err := cbor.Unmarshal(b, &r); err != nil {
		return Revision{}, fmt.Errorf("%s: %w", rn, err)
	}
	if err := r.Verify(); err != nil {
		return Revision{}, err
	}
	m.saw(name, r.Seq)
	return r, nil
}

// latestAfter returns the highest Seq of name's revisions, given that seq
// exists. Each published revision's Seq is one more than the last.
func (m *Metadata) latestAfter(ctx context.Context, name string, seq uint64) (uint64, error) {
	for {
		_, err := m.backend.ReadMetadata(ctx, revisionName(name, seq+1))
		if errors.Is(err, storage.ErrMetadataNotFound) {
			return seq, nil
		} else if err != nil {
			return 0, err
		}
		seq++
	}
}

// latestListed finds the highest Seq of name's revisions by listing them
// all.
func (m *Metadata) latestListed(ctx context.Context, name string) (uint64, error) {
	md, err := m.backend.ListMetadata(ctx, revisionPrefix(name))
	if err != nil {
		return 0, err
	}
	var names []string
	for n := range md {
		// A name that is a prefix of another would otherwise match its
		// records too.
		if rest := strings.TrimPrefix(n, revisionPrefix(name)); len(rest) == 20 {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("%s: %w", name, ErrNoValue)
	}
	sort.Strings(names)

	last := names[len(names)-1]
	seq, err := strconv.ParseUint(strings.TrimPrefix(last, revisionPrefix(name)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", last, err)
	}
	return seq, nil
}

func (m *Metadata) saw(name string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.seen[name]; !ok || seq > cur {
		m.seen[name] = seq
	}
}

func (m *Metadata) Publish(ctx context.Context, rev Revision) error {
	var cur *Revision
	r, err := m.Resolve(ctx, rev.Name)
	if err == nil {
		cur = &r
	} else if !errors.Is(err, ErrNoValue) {
		return err
	}
	if err := checkNext(cur, rev); err != nil {
		return err
	}

	b, err := cbor.Marshal(rev)
	if err != nil {
		return err
	}
	err = m.backend.WriteMetadata(ctx, revisionName(rev.Name, rev.Seq), b)
	if errors.Is(err, storage.ErrMetadataExists) {
		return fmt.Errorf("%s: %w", rev, ErrConflict)
	} else if err != nil {
		return err
	}
	m.saw(rev.Name, rev.Seq)
	return nil
}
