package mqttmeta

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
)

// WillMessage is stored with its session until delivered or the session
// expires.
type WillMessage struct {
	ClientID      string `json:"client_id"`
	Topic         string `json:"topic"`
	Payload       []byte `json:"payload"`
	QoS           byte   `json:"qos"`
	Retain        bool   `json:"retain"`
	DelayInterval uint32 `json:"delay_interval"`
}

// TopicRewriteAction selects which operations a rewrite rule applies to.
type TopicRewriteAction string

const (
	RewriteActionPublish   TopicRewriteAction = "Publish"
	RewriteActionSubscribe TopicRewriteAction = "Subscribe"
	RewriteActionAll       TopicRewriteAction = "All"
)

// TopicRewriteRule rewrites topics matching SourceTopic to DestTopic
// before publish/subscribe processing.
type TopicRewriteRule struct {
	Action      TopicRewriteAction `json:"action"`
	SourceTopic string             `json:"source_topic"`
	DestTopic   string             `json:"dest_topic"`
	Regex       string             `json:"regex"`
}

// AutoSubscribeRule subscribes every new session to Topic at connect
// time.
type AutoSubscribeRule struct {
	Topic             string `json:"topic"`
	QoS               byte   `json:"qos"`
	NoLocal           bool   `json:"no_local"`
	RetainAsPublished bool   `json:"retain_as_published"`
	RetainedHandling  byte   `json:"retained_handling"`
}

// Connector is an outbound data-integration endpoint record; executing
// connectors is an external concern, only the control-plane record is
// replicated here.
type Connector struct {
	ConnectorName string `json:"connector_name"`
	ConnectorType string `json:"connector_type"`
	Config        string `json:"config"`
	Topic         string `json:"topic"`
	Status        string `json:"status"`
	BrokerID      uint64 `json:"broker_id"`
}

// Schema is a registered payload schema (JSON Schema, Avro, ...).
// JSON-Schema documents are compiled at insert time so publish-time
// validation never pays parse/resolve cost, the same amortization the
// blacklist matchers use.
type Schema struct {
	Name       string `json:"name"`
	SchemaType string `json:"schema_type"`
	Schema     string `json:"schema"`
	Desc       string `json:"desc"`

	resolved *jsonschema.Resolved
}

// Compile parses and resolves a JSON-type schema document. Other schema
// types are control-plane records executed by external validators and
// compile to a no-op.
func (s *Schema) Compile() error {
	if !strings.EqualFold(s.SchemaType, "json") {
		return nil
	}
	var doc jsonschema.Schema
	if err := json.Unmarshal([]byte(s.Schema), &doc); err != nil {
		return err
	}
	resolved, err := doc.Resolve(nil)
	if err != nil {
		return err
	}
	s.resolved = resolved
	return nil
}

// Validate checks payload against the compiled schema document. The
// payload must be valid JSON and must satisfy the schema.
func (s *Schema) Validate(payload []byte) error {
	if s.resolved == nil {
		return nil
	}
	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return err
	}
	return s.resolved.Validate(instance)
}

// SchemaBinding attaches a schema to a topic for publish-time
// validation.
type SchemaBinding struct {
	SchemaName string `json:"schema_name"`
	Topic      string `json:"topic"`
}

// SystemAlarm is a raised cluster alarm record.
type SystemAlarm struct {
	Name       string    `json:"name"`
	Message    string    `json:"message"`
	ActivateAt time.Time `json:"activate_at"`
	Activated  bool      `json:"activated"`
}

// FlappingDetectPolicy bans clients that reconnect more than
// MaxClientConnections times inside WindowTimeSec. A single policy is
// active at a time; it shares the create/list/delete lifecycle of the
// other control-plane objects.
type FlappingDetectPolicy struct {
	Enable               bool   `json:"enable"`
	WindowTimeSec        int    `json:"window_time_sec"`
	MaxClientConnections int    `json:"max_client_connections"`
	BanTimeSec           int    `json:"ban_time_sec"`
}

// SlowSubscribeConfig flags deliveries that take longer than ThresholdMS
// from dispatch to write completion.
type SlowSubscribeConfig struct {
	Enable      bool  `json:"enable"`
	ThresholdMS int64 `json:"threshold_ms"`
}

var (
	keyWill         = func(clientID string) kv.Key { return kv.Key{"lastwill", clientID} }
	keyTopicRewrite = func(action TopicRewriteAction, source string) kv.Key {
		return kv.Key{"topic_rewrite", string(action), source}
	}
	keyAutoSubscribe = func(topic string) kv.Key { return kv.Key{"auto_subscribe", topic} }
	keyConnector     = func(name string) kv.Key { return kv.Key{"connector", name} }
	keySchema        = func(name string) kv.Key { return kv.Key{"schema", name} }
	keySchemaBinding = func(schema, topic string) kv.Key { return kv.Key{"schema_binding", schema, topic} }
	keySystemAlarm   = func(name string) kv.Key { return kv.Key{"system_alarm", name} }

	// Flapping-detect and slow-subscribe are singleton policies; a fixed
	// trailing segment keeps them listable under their own prefix like
	// every other object kind.
	keyFlappingDetect = kv.Key{"flapping_detect", "policy"}
	keySlowSubscribe  = kv.Key{"slow_subscribe", "config"}
)

// --- cache accessors for the misc objects the broker reads at runtime ---

func (t *Tables) SetWill(w WillMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wills[w.ClientID] = w
}

func (t *Tables) Will(clientID string) (WillMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.wills[clientID]
	return w, ok
}

func (t *Tables) DeleteWill(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.wills, clientID)
}

func rewriteKey(action TopicRewriteAction, source string) string {
	return string(action) + "|" + source
}

func (t *Tables) SetTopicRewriteRule(r TopicRewriteRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rewriteRules[rewriteKey(r.Action, r.SourceTopic)] = r
}

func (t *Tables) DeleteTopicRewriteRule(action TopicRewriteAction, source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rewriteRules, rewriteKey(action, source))
}

// RewriteTopic returns the rewritten topic for the given action, or the
// input unchanged when no rule matches. Exact source-topic match only;
// regex rewrite sources are resolved by the admin boundary before the
// rule is stored.
func (t *Tables) RewriteTopic(topic string, action TopicRewriteAction) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rewriteRules[rewriteKey(action, topic)]; ok {
		return r.DestTopic
	}
	if r, ok := t.rewriteRules[rewriteKey(RewriteActionAll, topic)]; ok {
		return r.DestTopic
	}
	return topic
}

func (t *Tables) SetAutoSubscribeRule(r AutoSubscribeRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoSubscribe[r.Topic] = r
}

func (t *Tables) DeleteAutoSubscribeRule(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.autoSubscribe, topic)
}

func (t *Tables) AutoSubscribeRules() []AutoSubscribeRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]AutoSubscribeRule, 0, len(t.autoSubscribe))
	for _, r := range t.autoSubscribe {
		out = append(out, r)
	}
	return out
}

func (t *Tables) SetSchema(s Schema) error {
	if err := s.Compile(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemas[s.Name] = s
	return nil
}

func (t *Tables) DeleteSchema(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.schemas, name)
}

func (t *Tables) SetSchemaBinding(b SchemaBinding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range t.schemaBinds[b.Topic] {
		if name == b.SchemaName {
			return
		}
	}
	t.schemaBinds[b.Topic] = append(t.schemaBinds[b.Topic], b.SchemaName)
}

func (t *Tables) DeleteSchemaBinding(b SchemaBinding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.schemaBinds[b.Topic][:0]
	for _, name := range t.schemaBinds[b.Topic] {
		if name != b.SchemaName {
			kept = append(kept, name)
		}
	}
	if len(kept) == 0 {
		delete(t.schemaBinds, b.Topic)
		return
	}
	t.schemaBinds[b.Topic] = kept
}

// BoundSchemas returns the schemas bound to topic for publish-time
// validation.
func (t *Tables) BoundSchemas(topic string) []Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Schema
	for _, name := range t.schemaBinds[topic] {
		if s, ok := t.schemas[name]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (t *Tables) SetFlappingDetectPolicy(p FlappingDetectPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flapping = &p
}

func (t *Tables) DeleteFlappingDetectPolicy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flapping = nil
}

func (t *Tables) FlappingDetectPolicy() (FlappingDetectPolicy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.flapping == nil {
		return FlappingDetectPolicy{}, false
	}
	return *t.flapping, true
}

func (t *Tables) SetSlowSubscribeConfig(c SlowSubscribeConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slowSub = &c
}

func (t *Tables) DeleteSlowSubscribeConfig() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slowSub = nil
}

func (t *Tables) SlowSubscribeConfig() (SlowSubscribeConfig, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.slowSub == nil {
		return SlowSubscribeConfig{}, false
	}
	return *t.slowSub, true
}

// RecordConnect notes one CONNECT from clientID and reports whether the
// active flapping policy bans it: more than MaxClientConnections
// connects inside WindowTimeSec bans the client for BanTimeSec. Without
// an enabled policy it always admits.
func (t *Tables) RecordConnect(clientID string, now time.Time) (banned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if expiry, ok := t.flapBans[clientID]; ok {
		if now.Before(expiry) {
			return true
		}
		delete(t.flapBans, clientID)
	}

	policy := t.flapping
	if policy == nil || !policy.Enable {
		return false
	}

	windowStart := now.Add(-time.Duration(policy.WindowTimeSec) * time.Second)
	recent := t.connectTimes[clientID][:0]
	for _, ts := range t.connectTimes[clientID] {
		if ts.After(windowStart) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	t.connectTimes[clientID] = recent

	if len(recent) > policy.MaxClientConnections {
		t.flapBans[clientID] = now.Add(time.Duration(policy.BanTimeSec) * time.Second)
		delete(t.connectTimes, clientID)
		return true
	}
	return false
}

// registerMiscHandlers installs the remaining control-plane object
// handlers, all sharing the same create/list/delete lifecycle shape.
func registerMiscHandlers(registry *consensus.Registry) {
	registry.Register(consensus.TypeWillMessageSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var w WillMessage
		if err := json.Unmarshal(payload, &w); err != nil {
			return err
		}
		return store.Set(ctx, keyWill(w.ClientID), payload)
	})
	registry.Register(consensus.TypeWillMessageDelete, deleteByField(func(p deletePayload) kv.Key { return keyWill(p.Key) }))

	registry.Register(consensus.TypeTopicRewriteSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var r TopicRewriteRule
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		return store.Set(ctx, keyTopicRewrite(r.Action, r.SourceTopic), payload)
	})
	registry.Register(consensus.TypeTopicRewriteDelete, func(ctx context.Context, store kv.Store, payload []byte) error {
		var r TopicRewriteRule
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		return store.Delete(ctx, keyTopicRewrite(r.Action, r.SourceTopic))
	})

	registry.Register(consensus.TypeAutoSubscribeSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var r AutoSubscribeRule
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		return store.Set(ctx, keyAutoSubscribe(r.Topic), payload)
	})
	registry.Register(consensus.TypeAutoSubscribeDelete, deleteByField(func(p deletePayload) kv.Key { return keyAutoSubscribe(p.Key) }))

	registry.Register(consensus.TypeConnectorSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var c Connector
		if err := json.Unmarshal(payload, &c); err != nil {
			return err
		}
		return store.Set(ctx, keyConnector(c.ConnectorName), payload)
	})
	registry.Register(consensus.TypeConnectorDelete, deleteByField(func(p deletePayload) kv.Key { return keyConnector(p.Key) }))

	registry.Register(consensus.TypeSchemaSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var s Schema
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}
		return store.Set(ctx, keySchema(s.Name), payload)
	})
	registry.Register(consensus.TypeSchemaDelete, deleteByField(func(p deletePayload) kv.Key { return keySchema(p.Key) }))

	registry.Register(consensus.TypeSchemaBindingSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var b SchemaBinding
		if err := json.Unmarshal(payload, &b); err != nil {
			return err
		}
		return store.Set(ctx, keySchemaBinding(b.SchemaName, b.Topic), payload)
	})
	registry.Register(consensus.TypeSchemaBindingDelete, func(ctx context.Context, store kv.Store, payload []byte) error {
		var b SchemaBinding
		if err := json.Unmarshal(payload, &b); err != nil {
			return err
		}
		return store.Delete(ctx, keySchemaBinding(b.SchemaName, b.Topic))
	})

	registry.Register(consensus.TypeSystemAlarmSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var a SystemAlarm
		if err := json.Unmarshal(payload, &a); err != nil {
			return err
		}
		return store.Set(ctx, keySystemAlarm(a.Name), payload)
	})
	registry.Register(consensus.TypeSystemAlarmDelete, deleteByField(func(p deletePayload) kv.Key { return keySystemAlarm(p.Key) }))

	registry.Register(consensus.TypeFlappingDetectSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var p FlappingDetectPolicy
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		return store.Set(ctx, keyFlappingDetect, payload)
	})
	registry.Register(consensus.TypeFlappingDetectDelete, func(ctx context.Context, store kv.Store, _ []byte) error {
		return store.Delete(ctx, keyFlappingDetect)
	})

	registry.Register(consensus.TypeSlowSubscribeSet, func(ctx context.Context, store kv.Store, payload []byte) error {
		var c SlowSubscribeConfig
		if err := json.Unmarshal(payload, &c); err != nil {
			return err
		}
		return store.Set(ctx, keySlowSubscribe, payload)
	})
	registry.Register(consensus.TypeSlowSubscribeDelete, func(ctx context.Context, store kv.Store, _ []byte) error {
		return store.Delete(ctx, keySlowSubscribe)
	})
}
