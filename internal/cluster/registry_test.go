package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryHeartbeatAndExpiry(t *testing.T) {
	r := NewRegistry(10 * time.Second)
	base := time.Now()

	r.Register(Node{NodeID: 1, Roles: []Role{RoleBroker}})
	require.True(t, r.IsAlive(1, base))

	require.True(t, r.Heartbeat(1, base.Add(5*time.Second)))
	require.True(t, r.IsAlive(1, base.Add(10*time.Second)))

	expired := r.Expire(base.Add(20 * time.Second))
	require.Equal(t, []uint64{1}, expired)
	require.False(t, r.IsAlive(1, base.Add(20*time.Second)))

	require.False(t, r.Heartbeat(99, base))
}

func TestRegistryLiveNodesFilterByRole(t *testing.T) {
	r := NewRegistry(time.Minute)
	now := time.Now()
	r.Register(Node{NodeID: 1, Roles: []Role{RoleBroker}})
	r.Register(Node{NodeID: 2, Roles: []Role{RoleMeta}})

	brokers := r.LiveNodes(now, RoleBroker)
	require.Len(t, brokers, 1)
	require.Equal(t, uint64(1), brokers[0].NodeID)

	all := r.LiveNodes(now, "")
	require.Len(t, all, 2)
}

func TestStatusMachineTransitions(t *testing.T) {
	m := NewStatusMachine()
	require.Equal(t, StatusStarting, m.Current())
	require.NoError(t, m.Transition(StatusRunning))
	require.Error(t, m.Transition(StatusStarting))
	require.NoError(t, m.Transition(StatusStopping))
	require.NoError(t, m.Transition(StatusStopped))
	require.Error(t, m.Transition(StatusRunning))
}
