// pointer/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pointer

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Service.
type Memory struct {
	mu   sync.Mutex
	revs map[string]Revision
}

func NewMemory() *Memory {
	return &Memory{revs: make(map[string]Revision)}
}

func (m *Memory) Resolve(ctx context.Context, name string) (Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.revs[name]
	if !ok {
		return Revision{}, fmt.Errorf("%s: %w", name, ErrNoValue)
	}
	return r, nil
}

func (m *Memory) Publish(ctx context.Context, rev Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur *Revision
	if r, ok := m.revs[rev.Name]; ok {
		cur = &r
	}
	if err := checkNext(cur, rev); err != nil {
		return err
	}
	m.revs[rev.Name] = rev
	return nil
}
