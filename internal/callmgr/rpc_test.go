package callmgr

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/cluster"
)

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go s.Serve(ln)
	return ln.Addr().String()
}

func TestCallRoundtrip(t *testing.T) {
	s := NewServer()
	s.Register("echo", func(_ context.Context, body []byte) ([]byte, error) {
		return body, nil
	})
	addr := startServer(t, s)

	c := NewClient(addr)
	defer c.Close()

	out, err := c.Call(context.Background(), "echo", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), out)

	// A second call reuses the pooled connection.
	out, err = c.Call(context.Background(), "echo", []byte("again"))
	require.NoError(t, err)
	require.Equal(t, []byte("again"), out)
}

func TestCallUnknownMethod(t *testing.T) {
	addr := startServer(t, NewServer())
	c := NewClient(addr)
	defer c.Close()

	_, err := c.Call(context.Background(), "nope", nil)
	require.Error(t, err)
}

func TestHeartbeatUpdatesLiveness(t *testing.T) {
	registry := cluster.NewRegistry(time.Minute)
	registry.Register(cluster.Node{NodeID: 7})

	s := NewServer()
	RegisterMetaHandlers(s, registry, nil)
	addr := startServer(t, s)

	c := NewClient(addr)
	defer c.Close()

	body, err := json.Marshal(HeartbeatRequest{NodeID: 7, Time: time.Now()})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), MethodHeartbeat, body)
	require.NoError(t, err)
	require.True(t, registry.IsAlive(7, time.Now()))
}

func TestCacheInvalidationDispatch(t *testing.T) {
	registry := cluster.NewRegistry(time.Minute)

	type seen struct {
		dataType string
		payload  []byte
	}
	got := make(chan seen, 1)
	s := NewServer()
	RegisterMetaHandlers(s, registry, func(dataType string, payload []byte) {
		got <- seen{dataType: dataType, payload: payload}
	})
	addr := startServer(t, s)

	c := NewClient(addr)
	defer c.Close()

	body, err := json.Marshal(CacheInvalidation{DataType: "MqttSetUser", Payload: []byte(`{"username":"a"}`)})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), MethodCacheInvalidate, body)
	require.NoError(t, err)

	select {
	case v := <-got:
		require.Equal(t, "MqttSetUser", v.dataType)
		require.JSONEq(t, `{"username":"a"}`, string(v.payload))
	case <-time.After(time.Second):
		t.Fatal("invalidation not dispatched")
	}
}

func TestManagerDeliversAndRetries(t *testing.T) {
	registry := cluster.NewRegistry(time.Minute)

	calls := make(chan string, 4)
	// The first attempt fails, so the invalidation only lands on a retry.
	failFirst := make(chan struct{}, 1)
	failFirst <- struct{}{}
	s := NewServer()
	s.Register(MethodCacheInvalidate, func(_ context.Context, body []byte) ([]byte, error) {
		select {
		case <-failFirst:
			return nil, context.DeadlineExceeded
		default:
		}
		var inv CacheInvalidation
		if err := json.Unmarshal(body, &inv); err != nil {
			return nil, err
		}
		calls <- inv.DataType
		return nil, nil
	})
	addr := startServer(t, s)

	registry.Register(cluster.Node{NodeID: 2, Addresses: cluster.Addresses{InnerRPC: addr}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewManager(registry)
	m.Start(ctx, 1)

	m.BroadcastCacheInvalidation("SessionSet", []byte(`{}`), []uint64{2})

	select {
	case dt := <-calls:
		require.Equal(t, "SessionSet", dt)
	case <-time.After(3 * time.Second):
		t.Fatal("invalidation never delivered")
	}

	cancel()
	m.Stop()
}
