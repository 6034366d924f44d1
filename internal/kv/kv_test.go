package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	badgerStore, err := NewBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemory(nil),
		"badger": badgerStore,
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Get(ctx, Key{"a"})
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, Key{"a"}, []byte("1")))
			v, err := s.Get(ctx, Key{"a"})
			require.NoError(t, err)
			require.Equal(t, []byte("1"), v)

			require.NoError(t, s.Delete(ctx, Key{"a"}))
			_, err = s.Get(ctx, Key{"a"})
			require.ErrorIs(t, err, ErrNotFound)

			// Delete of a missing key is idempotent.
			require.NoError(t, s.Delete(ctx, Key{"a"}))
		})
	}
}

func TestStoreListPrefix(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, Key{"mqtt", "user", "alice"}, []byte("1")))
			require.NoError(t, s.Set(ctx, Key{"mqtt", "user", "bob"}, []byte("2")))
			require.NoError(t, s.Set(ctx, Key{"mqtt", "acl", "alice"}, []byte("3")))

			var got []string
			for e, err := range s.List(ctx, Key{"mqtt", "user"}) {
				require.NoError(t, err)
				got = append(got, e.Key.String())
			}
			require.ElementsMatch(t, []string{"mqtt:user:alice", "mqtt:user:bob"}, got)
		})
	}
}

func TestStoreBatch(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.BatchSet(ctx, []Entry{
				{Key: Key{"a"}, Value: []byte("1")},
				{Key: Key{"b"}, Value: []byte("2")},
			}))
			v, err := s.Get(ctx, Key{"b"})
			require.NoError(t, err)
			require.Equal(t, []byte("2"), v)

			require.NoError(t, s.BatchDelete(ctx, []Key{{"a"}, {"b"}}))
			_, err = s.Get(ctx, Key{"a"})
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
