package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
)

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	d := NewDriver(mqttmeta.NewTables())
	require.False(t, d.Authenticate("c1", "nobody", []byte("x")))
}

func TestAuthenticateChecksPassword(t *testing.T) {
	tables := mqttmeta.NewTables()
	tables.SetUser(mqttmeta.User{Username: "alice", Password: "secret"})
	d := NewDriver(tables)
	require.True(t, d.Authenticate("c1", "alice", []byte("secret")))
	require.False(t, d.Authenticate("c1", "alice", []byte("wrong")))
}

func TestBlacklistedUserDenied(t *testing.T) {
	tables := mqttmeta.NewTables()
	tables.SetUser(mqttmeta.User{Username: "mallory", Password: "x"})
	require.NoError(t, tables.AddBlacklistEntry(mqttmeta.BlacklistEntry{
		Kind:         mqttmeta.BlacklistUser,
		ResourceName: "mallory",
	}))
	d := NewDriver(tables)
	require.True(t, d.Blacklisted("mallory", "c1", "10.0.0.1"))
	require.False(t, d.Blacklisted("alice", "c1", "10.0.0.1"))
}

func TestACLDeniesWhenRuleDenies(t *testing.T) {
	tables := mqttmeta.NewTables()
	tables.SetUser(mqttmeta.User{Username: "alice", Password: "secret"})
	tables.SetACLRule(mqttmeta.ACLRule{
		ResourceType: mqttmeta.ACLResourceUser,
		ResourceName: "alice",
		Topic:        "*",
		IP:           "*",
		Action:       mqttmeta.ACLActionPublish,
		Permission:   mqttmeta.ACLPermissionDeny,
	})
	d := NewDriver(tables)
	require.False(t, d.ACL("alice", "c1", "10.0.0.1", "devices/1", true))
	require.True(t, d.ACL("alice", "c1", "10.0.0.1", "devices/1", false))
}

func TestACLRetainUsesDistinctAction(t *testing.T) {
	tables := mqttmeta.NewTables()
	tables.SetACLRule(mqttmeta.ACLRule{
		ResourceType: mqttmeta.ACLResourceUser,
		ResourceName: "alice",
		Topic:        "*",
		IP:           "*",
		Action:       mqttmeta.ACLActionRetain,
		Permission:   mqttmeta.ACLPermissionDeny,
	})
	d := NewDriver(tables)
	require.False(t, d.ACLRetain("alice", "c1", "10.0.0.1", "devices/1"))
	require.True(t, d.ACL("alice", "c1", "10.0.0.1", "devices/1", true))
}
