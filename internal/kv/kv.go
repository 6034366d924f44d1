// Package kv provides the embedded key-value store primitive shared by
// the three consensus groups. Keys are hierarchical paths encoded with
// a configurable separator, e.g. Key{"mqtt", "user", "alice"}.
//
// Column-family isolation is modeled as a key-prefix convention rather
// than a literal multi-CF engine: each group's codepaths always prefix
// their keys with their own group name, so a single Badger instance
// behaves as one shared store with disjoint per-group key spaces.
package kv

import (
	"context"
	"iter"
	"strings"

	"github.com/robustmq/robustmq/internal/rerror"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = rerror.New(rerror.IO, "kv: not found")

// ErrConfigMissingDir is returned when a disk-backed store is opened
// without a data directory.
var ErrConfigMissingDir = rerror.New(rerror.Config, "kv: data directory is required")

// Key is a hierarchical path represented as a slice of string segments,
// e.g. Key{"mqtt", "user", "alice"}.
type Key []string

// String renders the key using ':' for display/debugging only.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Entry is a key-value pair returned by List and used by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the interface every RobustMQ subsystem uses to persist
// state. Consensus handlers batch their effects into a single
// Set/BatchSet call so each applied entry commits atomically.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key) error
	// List iterates lexicographically over all entries whose key starts
	// with prefix.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]
	BatchSet(ctx context.Context, entries []Entry) error
	BatchDelete(ctx context.Context, keys []Key) error
	// Snapshot returns every entry in the store, used by consensus
	// snapshot building. Implementations may restrict this
	// to a given prefix for per-group isolation.
	Snapshot(ctx context.Context, prefix Key) iter.Seq2[Entry, error]
	Close() error
}

// DefaultSeparator is the separator byte used to encode key segments.
const DefaultSeparator byte = ':'

// Options configures store key encoding.
type Options struct {
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

func (o *Options) encode(k Key) []byte {
	s := o.sep()
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, n)
	pos := 0
	for i, seg := range k {
		if i > 0 {
			buf[pos] = s
			pos++
		}
		pos += copy(buf[pos:], seg)
	}
	return buf
}

func (o *Options) decode(b []byte) Key {
	s := o.sep()
	parts := splitBytes(b, s)
	k := make(Key, len(parts))
	for i, p := range parts {
		k[i] = string(p)
	}
	return k
}

func splitBytes(b []byte, sep byte) [][]byte {
	n := 1
	for _, c := range b {
		if c == sep {
			n++
		}
	}
	parts := make([][]byte, 0, n)
	start := 0
	for i, c := range b {
		if c == sep {
			parts = append(parts, b[start:i])
			start = i + 1
		}
	}
	parts = append(parts, b[start:])
	return parts
}
