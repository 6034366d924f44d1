package mqttmeta

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
)

func TestHandlersIdempotentReapply(t *testing.T) {
	registry := consensus.NewRegistry()
	RegisterHandlers(registry)

	store := kv.NewMemory(nil)
	ctx := context.Background()

	data, err := consensus.EncodeStorageData(consensus.TypeMqttSetUser, User{Username: "alice", Password: "x"})
	require.NoError(t, err)

	require.NoError(t, registry.Dispatch(ctx, store, data))
	first, err := store.Get(ctx, keyUser("alice"))
	require.NoError(t, err)

	require.NoError(t, registry.Dispatch(ctx, store, data))
	second, err := store.Get(ctx, keyUser("alice"))
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestHandlersDeleteToleratesMissing(t *testing.T) {
	registry := consensus.NewRegistry()
	RegisterHandlers(registry)

	store := kv.NewMemory(nil)
	ctx := context.Background()

	data, err := consensus.EncodeStorageData(consensus.TypeMqttDeleteUser, deletePayload{Key: "never-existed"})
	require.NoError(t, err)

	require.NoError(t, registry.Dispatch(ctx, store, data))
}

func TestApplyNotifyMirrorsIntoCache(t *testing.T) {
	tables := NewTables()
	notify := ApplyNotify(tables, zap.NewNop())

	payload, err := json.Marshal(User{Username: "bob", IsSuperuser: true})
	require.NoError(t, err)
	notify(consensus.TypeMqttSetUser, payload)

	u, ok := tables.User("bob")
	require.True(t, ok)
	require.True(t, u.IsSuperuser)
}
