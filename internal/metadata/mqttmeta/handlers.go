package mqttmeta

import (
	"context"
	"encoding/json"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
)

// Key prefixes scoping each record kind inside the MQTT consensus
// group's key space.
var (
	keyUser         = func(username string) kv.Key { return kv.Key{"user", username} }
	keyACL          = func(resourceType ACLResourceType, resourceName string) kv.Key {
		return kv.Key{"acl", string(resourceType), resourceName}
	}
	keyBlacklist = func(kind BlacklistKind, resourceName string) kv.Key {
		return kv.Key{"blacklist", string(kind), resourceName}
	}
	keySession      = func(clientID string) kv.Key { return kv.Key{"session", clientID} }
	keyTopic        = func(topicName string) kv.Key { return kv.Key{"topic", topicName} }
	keySubscription = func(clientID, subPath string) kv.Key {
		return kv.Key{"subscription", clientID, subPath}
	}
	keyRetain = func(topic string) kv.Key { return kv.Key{"retain", topic} }
)

// RegisterHandlers installs every mqttmeta consensus handler into
// registry. Each handler performs only the KV write;
// in-memory cache updates happen via ApplyNotify, invoked by the FSM's
// NotifyFunc after commit.
func RegisterHandlers(registry *consensus.Registry) {
	registry.Register(consensus.TypeMqttSetUser, setJSON(keyUserFromPayload))
	registry.Register(consensus.TypeMqttDeleteUser, deleteByField(func(p deletePayload) kv.Key { return keyUser(p.Key) }))

	registry.Register(consensus.TypeAclCreate, func(ctx context.Context, store kv.Store, payload []byte) error {
		var rule ACLRule
		if err := json.Unmarshal(payload, &rule); err != nil {
			return err
		}
		return store.Set(ctx, keyACL(rule.ResourceType, rule.ResourceName), payload)
	})
	registry.Register(consensus.TypeAclDelete, func(ctx context.Context, store kv.Store, payload []byte) error {
		var rule ACLRule
		if err := json.Unmarshal(payload, &rule); err != nil {
			return err
		}
		return store.Delete(ctx, keyACL(rule.ResourceType, rule.ResourceName))
	})

	registry.Register(consensus.TypeBlacklistCreate, func(ctx context.Context, store kv.Store, payload []byte) error {
		var e BlacklistEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return store.Set(ctx, keyBlacklist(e.Kind, e.ResourceName), payload)
	})
	registry.Register(consensus.TypeBlacklistDelete, func(ctx context.Context, store kv.Store, payload []byte) error {
		var e BlacklistEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return store.Delete(ctx, keyBlacklist(e.Kind, e.ResourceName))
	})

	registry.Register(consensus.TypeSessionSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var s Session
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}
		return store.Set(ctx, keySession(s.ClientID), payload)
	})
	registry.Register(consensus.TypeSessionDelete, deleteByField(func(p deletePayload) kv.Key { return keySession(p.Key) }))

	registry.Register(consensus.TypeTopicSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var tp Topic
		if err := json.Unmarshal(payload, &tp); err != nil {
			return err
		}
		return store.Set(ctx, keyTopic(tp.TopicName), payload)
	})
	registry.Register(consensus.TypeTopicDelete, deleteByField(func(p deletePayload) kv.Key { return keyTopic(p.Key) }))

	registry.Register(consensus.TypeSubscriptionSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var sub Subscription
		if err := json.Unmarshal(payload, &sub); err != nil {
			return err
		}
		return store.Set(ctx, keySubscription(sub.ClientID, sub.SubPath), payload)
	})
	registry.Register(consensus.TypeSubscriptionDelete, func(ctx context.Context, store kv.Store, payload []byte) error {
		var sub Subscription
		if err := json.Unmarshal(payload, &sub); err != nil {
			return err
		}
		return store.Delete(ctx, keySubscription(sub.ClientID, sub.SubPath))
	})

	registry.Register(consensus.TypeRetainMessageSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var m RetainedMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		return store.Set(ctx, keyRetain(m.Topic), payload)
	})
	registry.Register(consensus.TypeRetainMessageDelete, deleteByField(func(p deletePayload) kv.Key { return keyRetain(p.Key) }))

	registerMiscHandlers(registry)
}

// deletePayload is the common shape for delete-by-identifier entries
// (MqttDeleteUser, SessionDelete, TopicDelete, RetainMessageDelete),
// which only need a single string key.
type deletePayload struct {
	Key string `json:"key"`
}

func deleteByField(keyFn func(deletePayload) kv.Key) consensus.Handler {
	return func(ctx context.Context, store kv.Store, payload []byte) error {
		var p deletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		// Delete tolerates missing entries; the KV
		// store's Delete is already a no-op on absence.
		return store.Delete(ctx, keyFn(p))
	}
}

func setJSON(keyFn func(payload []byte) (kv.Key, error)) consensus.Handler {
	return func(ctx context.Context, store kv.Store, payload []byte) error {
		key, err := keyFn(payload)
		if err != nil {
			return err
		}
		return store.Set(ctx, key, payload)
	}
}

func keyUserFromPayload(payload []byte) (kv.Key, error) {
	var u User
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, err
	}
	return keyUser(u.Username), nil
}
