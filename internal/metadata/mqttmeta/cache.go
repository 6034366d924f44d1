package mqttmeta

import (
	"encoding/json"

	"github.com/robustmq/robustmq/internal/consensus"
	"go.uber.org/zap"
)

// ApplyNotify mirrors one committed mqttmeta log entry into the
// in-process session cache. It is installed as the MQTT group's
// consensus.NotifyFunc, so every node's Tables converges to the same
// state the KV store handlers just persisted.
func ApplyNotify(tables *Tables, logger *zap.Logger) consensus.NotifyFunc {
	return func(dataType string, payload []byte) {
		if err := applyNotify(tables, dataType, payload); err != nil {
			logger.Warn("cache apply failed", zap.String("type", dataType), zap.Error(err))
		}
	}
}

func applyNotify(tables *Tables, dataType string, payload []byte) error {
	switch dataType {
	case consensus.TypeMqttSetUser:
		var u User
		if err := json.Unmarshal(payload, &u); err != nil {
			return err
		}
		tables.SetUser(u)
	case consensus.TypeMqttDeleteUser:
		var p deletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		tables.DeleteUser(p.Key)

	case consensus.TypeAclCreate:
		var rule ACLRule
		if err := json.Unmarshal(payload, &rule); err != nil {
			return err
		}
		tables.SetACLRule(rule)
	case consensus.TypeAclDelete:
		var rule ACLRule
		if err := json.Unmarshal(payload, &rule); err != nil {
			return err
		}
		tables.DeleteACLRules(rule.ResourceType, rule.ResourceName)

	case consensus.TypeBlacklistCreate:
		var e BlacklistEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		return tables.AddBlacklistEntry(e)
	case consensus.TypeBlacklistDelete:
		var e BlacklistEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		tables.RemoveBlacklistEntry(e.Kind, e.ResourceName)

	case consensus.TypeSessionSet:
		var s Session
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}
		tables.SetSession(s)
	case consensus.TypeSessionDelete:
		var p deletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		tables.DeleteSession(p.Key)

	case consensus.TypeTopicSet:
		var tp Topic
		if err := json.Unmarshal(payload, &tp); err != nil {
			return err
		}
		tables.SetTopic(tp)
	case consensus.TypeTopicDelete:
		var p deletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		tables.DeleteTopic(p.Key)

	case consensus.TypeSubscriptionSet:
		var sub Subscription
		if err := json.Unmarshal(payload, &sub); err != nil {
			return err
		}
		tables.SetSubscription(sub, true)
	case consensus.TypeSubscriptionDelete:
		var sub Subscription
		if err := json.Unmarshal(payload, &sub); err != nil {
			return err
		}
		tables.DeleteSubscription(sub.ClientID, sub.SubPath)

	case consensus.TypeRetainMessageSet:
		var m RetainedMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		tables.SetRetained(m)
	case consensus.TypeRetainMessageDelete:
		var p deletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		tables.SetRetained(RetainedMessage{Topic: p.Key, Payload: nil})

	case consensus.TypeWillMessageSet:
		var w WillMessage
		if err := json.Unmarshal(payload, &w); err != nil {
			return err
		}
		tables.SetWill(w)
	case consensus.TypeWillMessageDelete:
		var p deletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		tables.DeleteWill(p.Key)

	case consensus.TypeTopicRewriteSet:
		var r TopicRewriteRule
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		tables.SetTopicRewriteRule(r)
	case consensus.TypeTopicRewriteDelete:
		var r TopicRewriteRule
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		tables.DeleteTopicRewriteRule(r.Action, r.SourceTopic)

	case consensus.TypeAutoSubscribeSet:
		var r AutoSubscribeRule
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		tables.SetAutoSubscribeRule(r)
	case consensus.TypeAutoSubscribeDelete:
		var p deletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		tables.DeleteAutoSubscribeRule(p.Key)

	case consensus.TypeSchemaSet:
		var sc Schema
		if err := json.Unmarshal(payload, &sc); err != nil {
			return err
		}
		return tables.SetSchema(sc)
	case consensus.TypeSchemaDelete:
		var p deletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		tables.DeleteSchema(p.Key)
	case consensus.TypeSchemaBindingSet:
		var b SchemaBinding
		if err := json.Unmarshal(payload, &b); err != nil {
			return err
		}
		tables.SetSchemaBinding(b)
	case consensus.TypeSchemaBindingDelete:
		var b SchemaBinding
		if err := json.Unmarshal(payload, &b); err != nil {
			return err
		}
		tables.DeleteSchemaBinding(b)

	case consensus.TypeFlappingDetectSet:
		var fp FlappingDetectPolicy
		if err := json.Unmarshal(payload, &fp); err != nil {
			return err
		}
		tables.SetFlappingDetectPolicy(fp)
	case consensus.TypeFlappingDetectDelete:
		tables.DeleteFlappingDetectPolicy()

	case consensus.TypeSlowSubscribeSet:
		var sc SlowSubscribeConfig
		if err := json.Unmarshal(payload, &sc); err != nil {
			return err
		}
		tables.SetSlowSubscribeConfig(sc)
	case consensus.TypeSlowSubscribeDelete:
		tables.DeleteSlowSubscribeConfig()
	}
	return nil
}
