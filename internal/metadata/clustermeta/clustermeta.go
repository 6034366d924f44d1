// Package clustermeta persists cluster membership and dynamic cluster
// parameters through the Metadata consensus group.
// The in-memory liveness map lives in internal/cluster; this package
// only owns the replicated membership records and their handlers.
package clustermeta

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/robustmq/robustmq/internal/cluster"
	"github.com/robustmq/robustmq/internal/config"
	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
)

// KeyNode locates one node's membership record.
func KeyNode(nodeID uint64) kv.Key {
	return kv.Key{"node", strconv.FormatUint(nodeID, 10)}
}

// KeyNodePrefix covers every node record.
func KeyNodePrefix() kv.Key { return kv.Key{"node"} }

// KeyDynamicConfig locates the replicated dynamic cluster parameters.
func KeyDynamicConfig() kv.Key { return kv.Key{"cluster", "dynamic_config"} }

// DeregisterRequest identifies the node a ClusterDeregisterNode entry
// removes.
type DeregisterRequest struct {
	NodeID uint64 `json:"node_id"`
}

// RegisterHandlers installs the Metadata group's cluster-domain handlers.
func RegisterHandlers(registry *consensus.Registry) {
	registry.Register(consensus.TypeClusterRegisterNode, handleRegisterNode)
	registry.Register(consensus.TypeClusterDeregisterNode, handleDeregisterNode)
	registry.Register(consensus.TypeSetClusterConfig, handleSetClusterConfig)
}

func handleRegisterNode(ctx context.Context, store kv.Store, payload []byte) error {
	var n cluster.Node
	if err := json.Unmarshal(payload, &n); err != nil {
		return err
	}
	return store.Set(ctx, KeyNode(n.NodeID), payload)
}

func handleDeregisterNode(ctx context.Context, store kv.Store, payload []byte) error {
	var req DeregisterRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	return store.Delete(ctx, KeyNode(req.NodeID))
}

func handleSetClusterConfig(ctx context.Context, store kv.Store, payload []byte) error {
	var p config.DynamicParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	return store.Set(ctx, KeyDynamicConfig(), payload)
}

// ApplyNotify mirrors committed cluster-domain entries into the
// in-memory registry and the dynamic-parameter subscribers, installed as
// the Metadata group's consensus.NotifyFunc.
func ApplyNotify(registry *cluster.Registry, onConfig func(config.DynamicParams)) consensus.NotifyFunc {
	return func(dataType string, payload []byte) {
		switch dataType {
		case consensus.TypeClusterRegisterNode:
			var n cluster.Node
			if json.Unmarshal(payload, &n) == nil {
				registry.Register(n)
			}
		case consensus.TypeClusterDeregisterNode:
			var req DeregisterRequest
			if json.Unmarshal(payload, &req) == nil {
				registry.Deregister(req.NodeID)
			}
		case consensus.TypeSetClusterConfig:
			var p config.DynamicParams
			if json.Unmarshal(payload, &p) == nil && onConfig != nil {
				onConfig(p)
			}
		}
	}
}
