package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
)

func TestNextConnectIDMonotonic(t *testing.T) {
	m := NewManager(mqttmeta.NewTables(), nil, nil)
	a := m.NextConnectID()
	b := m.NextConnectID()
	require.Equal(t, a+1, b)
}

func TestExpiredHonorsOneAndHalfKeepAlive(t *testing.T) {
	tables := mqttmeta.NewTables()
	m := NewManager(tables, nil, nil)
	base := time.Now()
	tables.SetHeartbeat("c1", mqttmeta.Heartbeat{KeepAlive: 10, LastHeartbeat: base})

	require.False(t, m.Expired("c1", base.Add(14*time.Second)))
	require.True(t, m.Expired("c1", base.Add(16*time.Second)))
}

func TestExpiredZeroKeepAliveNeverTimesOut(t *testing.T) {
	tables := mqttmeta.NewTables()
	m := NewManager(tables, nil, nil)
	base := time.Now()
	tables.SetHeartbeat("c1", mqttmeta.Heartbeat{KeepAlive: 0, LastHeartbeat: base})
	require.False(t, m.Expired("c1", base.Add(time.Hour)))
}

func TestSweepInvokesOnExpired(t *testing.T) {
	tables := mqttmeta.NewTables()
	var expired []string
	m := NewManager(tables, nil, func(clientID string) { expired = append(expired, clientID) })
	base := time.Now()
	tables.SetHeartbeat("stale", mqttmeta.Heartbeat{KeepAlive: 5, LastHeartbeat: base.Add(-time.Hour)})
	tables.SetHeartbeat("fresh", mqttmeta.Heartbeat{KeepAlive: 5, LastHeartbeat: base})

	m.Sweep(base, []string{"stale", "fresh"})
	require.Equal(t, []string{"stale"}, expired)
}
