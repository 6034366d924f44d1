// Package metadata exposes the single logical metadata service: one
// typed facade over the three consensus groups (Metadata, Offset,
// MQTT), owning every control-plane
// write and the KV-projected reads the admin boundary and the storage
// engine consume. Writes go through the group's proposer; reads come
// from the local KV projection (bounded staleness acceptable for admin
// queries — linearizable session/ACL decisions read the
// in-memory cache instead).
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/robustmq/robustmq/internal/cluster"
	"github.com/robustmq/robustmq/internal/config"
	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
	"github.com/robustmq/robustmq/internal/metadata/clustermeta"
	"github.com/robustmq/robustmq/internal/metadata/journalmeta"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/metadata/offsetmeta"
	"github.com/robustmq/robustmq/internal/rerror"
)

// Proposer submits a typed entry to one consensus group. Both
// *consensus.Group and *consensus.Local satisfy it.
type Proposer interface {
	Propose(data consensus.StorageData, timeout time.Duration) error
	IsLeader() bool
}

// Key prefixes scoping each group inside the shared KV store.
var (
	PrefixMetadata = kv.Key{"metadata"}
	PrefixOffset   = kv.Key{"offset_group"}
	PrefixMQTT     = kv.Key{"mqtt"}
)

// Service is the metadata service facade.
type Service struct {
	store   kv.Store
	meta    Proposer
	offset  Proposer
	mqtt    Proposer
	timeout time.Duration
}

// NewService wires the facade over the shared store and the three group
// proposers.
func NewService(store kv.Store, meta, offset, mqtt Proposer, timeout time.Duration) *Service {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Service{store: store, meta: meta, offset: offset, mqtt: mqtt, timeout: timeout}
}

// MQTTProposer exposes the MQTT group proposer for the packet processor,
// which proposes session/subscription/retain entries directly.
func (s *Service) MQTTProposer() Proposer { return s.mqtt }

func (s *Service) propose(p Proposer, dataType string, v interface{}) error {
	data, err := consensus.EncodeStorageData(dataType, v)
	if err != nil {
		return rerror.Wrap(rerror.IO, err, "metadata: encode %s", dataType)
	}
	return p.Propose(data, s.timeout)
}

func (s *Service) get(ctx context.Context, prefix, key kv.Key, v interface{}) error {
	full := append(append(kv.Key{}, prefix...), key...)
	raw, err := s.store.Get(ctx, full)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// list decodes every JSON value under prefix+key into fresh T values.
func list[T any](ctx context.Context, s *Service, prefix, key kv.Key) ([]T, error) {
	full := append(append(kv.Key{}, prefix...), key...)
	var out []T
	for entry, err := range s.store.List(ctx, full) {
		if err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(entry.Value, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// --- cluster domain (Metadata group) ---

// RegisterNode replicates a node's membership record.
func (s *Service) RegisterNode(n cluster.Node) error {
	return s.propose(s.meta, consensus.TypeClusterRegisterNode, n)
}

// DeregisterNode removes a node's membership record.
func (s *Service) DeregisterNode(nodeID uint64) error {
	return s.propose(s.meta, consensus.TypeClusterDeregisterNode, clustermeta.DeregisterRequest{NodeID: nodeID})
}

// SetClusterConfig replicates the dynamic cluster parameters; every
// node's apply updates its in-memory config.
func (s *Service) SetClusterConfig(p config.DynamicParams) error {
	return s.propose(s.meta, consensus.TypeSetClusterConfig, p)
}

// ListNodes projects every registered node from the KV store.
func (s *Service) ListNodes(ctx context.Context) ([]cluster.Node, error) {
	return list[cluster.Node](ctx, s, PrefixMetadata, clustermeta.KeyNodePrefix())
}

// --- journal domain (Metadata group) ---

// CreateShard replicates a new shard record with its first segment.
// The shard record, the segment record and its metadata are three
// independently idempotent entries rather than one compound write.
func (s *Service) CreateShard(shard journalmeta.Shard) error {
	if err := s.propose(s.meta, consensus.TypeJournalSetShard, shard); err != nil {
		return err
	}
	seg := journalmeta.Segment{
		ClusterName: shard.ClusterName,
		Namespace:   shard.Namespace,
		ShardName:   shard.ShardName,
		SegmentSeq:  shard.StartSegmentSeq,
		Status:      journalmeta.SegmentIdle,
		Config:      journalmeta.SegmentConfig{MaxSegmentSize: shard.Config.MaxSegmentSize},
	}
	if err := s.propose(s.meta, consensus.TypeJournalSetSegment, seg); err != nil {
		return err
	}
	return s.propose(s.meta, consensus.TypeJournalSetSegmentMetadata,
		journalmeta.NewSegmentMetadata(shard.Namespace, shard.ShardName, shard.StartSegmentSeq))
}

// UpdateShard replaces a shard record (active/last segment pointers).
func (s *Service) UpdateShard(shard journalmeta.Shard) error {
	return s.propose(s.meta, consensus.TypeJournalSetShard, shard)
}

// GetShard projects one shard record.
func (s *Service) GetShard(ctx context.Context, namespace, shardName string) (journalmeta.Shard, error) {
	var sh journalmeta.Shard
	err := s.get(ctx, PrefixMetadata, journalmeta.KeyShard(namespace, shardName), &sh)
	if err != nil {
		return journalmeta.Shard{}, rerror.Wrap(rerror.Resource, err, "metadata: shard %s/%s", namespace, shardName)
	}
	return sh, nil
}

// CreateNextSegment allocates shard's next segment in Idle status,
// bumps last_segment_seq, and seeds the segment's metadata record.
func (s *Service) CreateNextSegment(ctx context.Context, namespace, shardName string) (journalmeta.Segment, error) {
	sh, err := s.GetShard(ctx, namespace, shardName)
	if err != nil {
		return journalmeta.Segment{}, err
	}
	nextSeq := sh.LastSegmentSeq + 1

	seg := journalmeta.Segment{
		ClusterName: sh.ClusterName,
		Namespace:   namespace,
		ShardName:   shardName,
		SegmentSeq:  nextSeq,
		Status:      journalmeta.SegmentIdle,
		Config:      journalmeta.SegmentConfig{MaxSegmentSize: sh.Config.MaxSegmentSize},
	}
	if err := s.propose(s.meta, consensus.TypeJournalSetSegment, seg); err != nil {
		return journalmeta.Segment{}, err
	}
	if err := s.propose(s.meta, consensus.TypeJournalSetSegmentMetadata,
		journalmeta.NewSegmentMetadata(namespace, shardName, nextSeq)); err != nil {
		return journalmeta.Segment{}, err
	}

	sh.LastSegmentSeq = nextSeq
	if err := s.propose(s.meta, consensus.TypeJournalSetShard, sh); err != nil {
		return journalmeta.Segment{}, err
	}
	return seg, nil
}

// GetSegment projects one segment record.
func (s *Service) GetSegment(ctx context.Context, namespace, shardName string, seq uint32) (journalmeta.Segment, error) {
	var seg journalmeta.Segment
	err := s.get(ctx, PrefixMetadata, journalmeta.KeySegment(namespace, shardName, seq), &seg)
	if err != nil {
		return journalmeta.Segment{}, rerror.Wrap(rerror.Resource, err, "metadata: segment %s/%s/%d", namespace, shardName, seq)
	}
	return seg, nil
}

// ListSegments projects every segment of a shard in sequence order.
func (s *Service) ListSegments(ctx context.Context, namespace, shardName string) ([]journalmeta.Segment, error) {
	return list[journalmeta.Segment](ctx, s, PrefixMetadata, kv.Key{"segment", namespace, shardName})
}

// UpdateSegmentStatus performs the segment-status CAS transition. A
// stale CurStatus fails with a Resource-kind error and no side effects.
func (s *Service) UpdateSegmentStatus(req journalmeta.UpdateSegmentStatusRequest) error {
	return s.propose(s.meta, consensus.TypeJournalUpdateSegmentStatus, req)
}

// SetSegmentMetadata persists a segment's watermark record.
func (s *Service) SetSegmentMetadata(m journalmeta.SegmentMetadata) error {
	return s.propose(s.meta, consensus.TypeJournalSetSegmentMetadata, m)
}

// GetSegmentMetadata projects a segment's watermark record.
func (s *Service) GetSegmentMetadata(ctx context.Context, namespace, shardName string, seq uint32) (journalmeta.SegmentMetadata, error) {
	var m journalmeta.SegmentMetadata
	err := s.get(ctx, PrefixMetadata, journalmeta.KeySegmentMetadata(namespace, shardName, seq), &m)
	if err != nil {
		return journalmeta.SegmentMetadata{}, rerror.Wrap(rerror.Resource, err, "metadata: segment metadata %s/%s/%d", namespace, shardName, seq)
	}
	return m, nil
}

// DeleteSegment removes a segment record and its metadata. The caller
// must have walked the segment to Deleting first.
func (s *Service) DeleteSegment(req journalmeta.DeleteSegmentRequest) error {
	return s.propose(s.meta, consensus.TypeJournalDeleteSegment, req)
}

// --- offset domain (Offset group) ---

// CommitOffsets replicates a batch of consumer offsets.
func (s *Service) CommitOffsets(offsets []offsetmeta.ConsumerOffset) error {
	return s.propose(s.offset, consensus.TypeOffsetCommit, offsetmeta.CommitRequest{Offsets: offsets})
}

// OffsetsByGroup projects {shard -> offset} for one consumer group.
func (s *Service) OffsetsByGroup(ctx context.Context, groupID string) (map[string]uint64, error) {
	prefix := append(append(kv.Key{}, PrefixOffset...), offsetmeta.KeyGroupPrefix(groupID)...)
	out := make(map[string]uint64)
	for entry, err := range s.store.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		v, ok := offsetmeta.DecodeOffset(entry.Value)
		if !ok {
			continue
		}
		// Key tail is [.., topic_id, shard_name].
		if len(entry.Key) >= 1 {
			out[entry.Key[len(entry.Key)-1]] = v
		}
	}
	return out, nil
}

// GetOffset projects one consumer offset, reporting ok=false when the
// group has never committed for this shard.
func (s *Service) GetOffset(ctx context.Context, groupID, topicID, shardName string) (uint64, bool, error) {
	full := append(append(kv.Key{}, PrefixOffset...), offsetmeta.KeyOffset(groupID, topicID, shardName)...)
	raw, err := s.store.Get(ctx, full)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, ok := offsetmeta.DecodeOffset(raw)
	return v, ok, nil
}

// --- MQTT control plane (MQTT group) ---

// CreateUser replicates a user record.
func (s *Service) CreateUser(u mqttmeta.User) error {
	return s.propose(s.mqtt, consensus.TypeMqttSetUser, u)
}

// DeleteUser removes a user record.
func (s *Service) DeleteUser(username string) error {
	return s.propose(s.mqtt, consensus.TypeMqttDeleteUser, map[string]string{"key": username})
}

// ListUsers projects every registered user.
func (s *Service) ListUsers(ctx context.Context) ([]mqttmeta.User, error) {
	return list[mqttmeta.User](ctx, s, PrefixMQTT, kv.Key{"user"})
}

// CreateACL replicates an ACL rule.
func (s *Service) CreateACL(rule mqttmeta.ACLRule) error {
	return s.propose(s.mqtt, consensus.TypeAclCreate, rule)
}

// DeleteACL removes the rules grouped under the rule's resource.
func (s *Service) DeleteACL(rule mqttmeta.ACLRule) error {
	return s.propose(s.mqtt, consensus.TypeAclDelete, rule)
}

// ListACL projects every ACL rule.
func (s *Service) ListACL(ctx context.Context) ([]mqttmeta.ACLRule, error) {
	return list[mqttmeta.ACLRule](ctx, s, PrefixMQTT, kv.Key{"acl"})
}

// CreateBlacklist replicates a blacklist entry.
func (s *Service) CreateBlacklist(e mqttmeta.BlacklistEntry) error {
	return s.propose(s.mqtt, consensus.TypeBlacklistCreate, e)
}

// DeleteBlacklist removes a blacklist entry.
func (s *Service) DeleteBlacklist(e mqttmeta.BlacklistEntry) error {
	return s.propose(s.mqtt, consensus.TypeBlacklistDelete, e)
}

// ListBlacklist projects every blacklist entry.
func (s *Service) ListBlacklist(ctx context.Context) ([]mqttmeta.BlacklistEntry, error) {
	return list[mqttmeta.BlacklistEntry](ctx, s, PrefixMQTT, kv.Key{"blacklist"})
}

// ListSessions projects every persisted session.
func (s *Service) ListSessions(ctx context.Context) ([]mqttmeta.Session, error) {
	return list[mqttmeta.Session](ctx, s, PrefixMQTT, kv.Key{"session"})
}

// ListTopics projects every topic record.
func (s *Service) ListTopics(ctx context.Context) ([]mqttmeta.Topic, error) {
	return list[mqttmeta.Topic](ctx, s, PrefixMQTT, kv.Key{"topic"})
}

// ListSubscriptions projects every persisted subscription.
func (s *Service) ListSubscriptions(ctx context.Context) ([]mqttmeta.Subscription, error) {
	return list[mqttmeta.Subscription](ctx, s, PrefixMQTT, kv.Key{"subscription"})
}

// ListRetained projects every retained message.
func (s *Service) ListRetained(ctx context.Context) ([]mqttmeta.RetainedMessage, error) {
	return list[mqttmeta.RetainedMessage](ctx, s, PrefixMQTT, kv.Key{"retain"})
}

// SetWillMessage replicates a client's will message, stored until
// delivered or the session expires.
func (s *Service) SetWillMessage(w mqttmeta.WillMessage) error {
	return s.propose(s.mqtt, consensus.TypeWillMessageSet, w)
}

// DeleteWillMessage removes a client's will message after delivery.
func (s *Service) DeleteWillMessage(clientID string) error {
	return s.propose(s.mqtt, consensus.TypeWillMessageDelete, map[string]string{"key": clientID})
}

// CreateTopicRewriteRule replicates a topic-rewrite rule.
func (s *Service) CreateTopicRewriteRule(r mqttmeta.TopicRewriteRule) error {
	return s.propose(s.mqtt, consensus.TypeTopicRewriteSet, r)
}

// DeleteTopicRewriteRule removes a topic-rewrite rule.
func (s *Service) DeleteTopicRewriteRule(r mqttmeta.TopicRewriteRule) error {
	return s.propose(s.mqtt, consensus.TypeTopicRewriteDelete, r)
}

// ListTopicRewriteRules projects every rewrite rule.
func (s *Service) ListTopicRewriteRules(ctx context.Context) ([]mqttmeta.TopicRewriteRule, error) {
	return list[mqttmeta.TopicRewriteRule](ctx, s, PrefixMQTT, kv.Key{"topic_rewrite"})
}

// CreateAutoSubscribeRule replicates an auto-subscribe rule.
func (s *Service) CreateAutoSubscribeRule(r mqttmeta.AutoSubscribeRule) error {
	return s.propose(s.mqtt, consensus.TypeAutoSubscribeSet, r)
}

// DeleteAutoSubscribeRule removes an auto-subscribe rule.
func (s *Service) DeleteAutoSubscribeRule(topic string) error {
	return s.propose(s.mqtt, consensus.TypeAutoSubscribeDelete, map[string]string{"key": topic})
}

// ListAutoSubscribeRules projects every auto-subscribe rule.
func (s *Service) ListAutoSubscribeRules(ctx context.Context) ([]mqttmeta.AutoSubscribeRule, error) {
	return list[mqttmeta.AutoSubscribeRule](ctx, s, PrefixMQTT, kv.Key{"auto_subscribe"})
}

// CreateConnector replicates a connector record.
func (s *Service) CreateConnector(c mqttmeta.Connector) error {
	return s.propose(s.mqtt, consensus.TypeConnectorSet, c)
}

// DeleteConnector removes a connector record.
func (s *Service) DeleteConnector(name string) error {
	return s.propose(s.mqtt, consensus.TypeConnectorDelete, map[string]string{"key": name})
}

// ListConnectors projects every connector record.
func (s *Service) ListConnectors(ctx context.Context) ([]mqttmeta.Connector, error) {
	return list[mqttmeta.Connector](ctx, s, PrefixMQTT, kv.Key{"connector"})
}

// CreateSchema replicates a schema record, rejecting documents that do
// not compile so a bad schema never enters the log.
func (s *Service) CreateSchema(sc mqttmeta.Schema) error {
	if err := sc.Compile(); err != nil {
		return rerror.Wrap(rerror.Config, err, "metadata: schema %s", sc.Name)
	}
	return s.propose(s.mqtt, consensus.TypeSchemaSet, sc)
}

// DeleteSchema removes a schema record.
func (s *Service) DeleteSchema(name string) error {
	return s.propose(s.mqtt, consensus.TypeSchemaDelete, map[string]string{"key": name})
}

// ListSchemas projects every schema record.
func (s *Service) ListSchemas(ctx context.Context) ([]mqttmeta.Schema, error) {
	return list[mqttmeta.Schema](ctx, s, PrefixMQTT, kv.Key{"schema"})
}

// CreateSchemaBinding replicates a schema-to-topic binding.
func (s *Service) CreateSchemaBinding(b mqttmeta.SchemaBinding) error {
	return s.propose(s.mqtt, consensus.TypeSchemaBindingSet, b)
}

// DeleteSchemaBinding removes a schema binding.
func (s *Service) DeleteSchemaBinding(b mqttmeta.SchemaBinding) error {
	return s.propose(s.mqtt, consensus.TypeSchemaBindingDelete, b)
}

// ListSchemaBindings projects every schema binding.
func (s *Service) ListSchemaBindings(ctx context.Context) ([]mqttmeta.SchemaBinding, error) {
	return list[mqttmeta.SchemaBinding](ctx, s, PrefixMQTT, kv.Key{"schema_binding"})
}

// SetFlappingDetectPolicy replicates the flapping-detect policy.
func (s *Service) SetFlappingDetectPolicy(p mqttmeta.FlappingDetectPolicy) error {
	return s.propose(s.mqtt, consensus.TypeFlappingDetectSet, p)
}

// DeleteFlappingDetectPolicy removes the flapping-detect policy.
func (s *Service) DeleteFlappingDetectPolicy() error {
	return s.propose(s.mqtt, consensus.TypeFlappingDetectDelete, struct{}{})
}

// ListFlappingDetectPolicies projects the active flapping-detect policy
// (at most one).
func (s *Service) ListFlappingDetectPolicies(ctx context.Context) ([]mqttmeta.FlappingDetectPolicy, error) {
	return list[mqttmeta.FlappingDetectPolicy](ctx, s, PrefixMQTT, kv.Key{"flapping_detect"})
}

// SetSlowSubscribeConfig replicates the slow-subscribe thresholds.
func (s *Service) SetSlowSubscribeConfig(c mqttmeta.SlowSubscribeConfig) error {
	return s.propose(s.mqtt, consensus.TypeSlowSubscribeSet, c)
}

// DeleteSlowSubscribeConfig removes the slow-subscribe thresholds.
func (s *Service) DeleteSlowSubscribeConfig() error {
	return s.propose(s.mqtt, consensus.TypeSlowSubscribeDelete, struct{}{})
}

// ListSlowSubscribeConfigs projects the active slow-subscribe config
// (at most one).
func (s *Service) ListSlowSubscribeConfigs(ctx context.Context) ([]mqttmeta.SlowSubscribeConfig, error) {
	return list[mqttmeta.SlowSubscribeConfig](ctx, s, PrefixMQTT, kv.Key{"slow_subscribe"})
}

// SetSystemAlarm replicates a raised alarm record.
func (s *Service) SetSystemAlarm(a mqttmeta.SystemAlarm) error {
	return s.propose(s.mqtt, consensus.TypeSystemAlarmSet, a)
}

// DeleteSystemAlarm removes an alarm record.
func (s *Service) DeleteSystemAlarm(name string) error {
	return s.propose(s.mqtt, consensus.TypeSystemAlarmDelete, map[string]string{"key": name})
}

// ListSystemAlarms projects every alarm record.
func (s *Service) ListSystemAlarms(ctx context.Context) ([]mqttmeta.SystemAlarm, error) {
	return list[mqttmeta.SystemAlarm](ctx, s, PrefixMQTT, kv.Key{"system_alarm"})
}
