package kv

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store implementation used in tests and for the
// Offset group's local-only projections. Not durable.
type Memory struct {
	mu   sync.RWMutex
	opts *Options
	data map[string][]byte
}

// NewMemory creates an empty in-memory Store.
func NewMemory(opts *Options) *Memory {
	return &Memory{opts: opts, data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(m.opts.encode(key))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(m.opts.encode(key))] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(m.opts.encode(key)))
	return nil
}

func (m *Memory) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	return m.scan(prefix)
}

func (m *Memory) Snapshot(ctx context.Context, prefix Key) iter.Seq2[Entry, error] {
	return m.List(ctx, prefix)
}

func (m *Memory) scan(prefix Key) iter.Seq2[Entry, error] {
	p := string(m.opts.encode(prefix))
	var withSep string
	if p != "" {
		withSep = p + string(m.opts.sep())
	}

	return func(yield func(Entry, error) bool) {
		m.mu.RLock()
		keys := make([]string, 0, len(m.data))
		for k := range m.data {
			if withSep == "" || strings.HasPrefix(k, withSep) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		type kvpair struct {
			k string
			v []byte
		}
		pairs := make([]kvpair, 0, len(keys))
		for _, k := range keys {
			v := make([]byte, len(m.data[k]))
			copy(v, m.data[k])
			pairs = append(pairs, kvpair{k: k, v: v})
		}
		m.mu.RUnlock()

		for _, pr := range pairs {
			entry := Entry{Key: m.opts.decode([]byte(pr.k)), Value: pr.v}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (m *Memory) BatchSet(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := m.Set(ctx, e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) BatchDelete(ctx context.Context, keys []Key) error {
	for _, k := range keys {
		if err := m.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }
