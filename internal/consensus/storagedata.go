// Package consensus implements the multi-group replicated log: three
// logically independent raft groups (Metadata,
// Offset, MQTT) that share an embedded KV store, distinguished by a
// key-prefix convention, each running its own hashicorp/raft instance,
// FSM, and snapshot lifecycle.
package consensus

import "encoding/json"

// GroupName identifies one of the three consensus groups.
type GroupName string

const (
	GroupMetadata GroupName = "metadata"
	GroupOffset   GroupName = "offset"
	GroupMQTT     GroupName = "mqtt"
)

// StorageData is the typed log entry every consensus proposal carries.
// Type selects the handler in the state machine; Payload is the
// handler-specific, JSON-encoded argument.
type StorageData struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

// EncodeStorageData marshals v as the Payload of a StorageData entry of
// the given type.
func EncodeStorageData(dataType string, v interface{}) (StorageData, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return StorageData{}, err
	}
	return StorageData{Type: dataType, Payload: payload}, nil
}

// Decode unmarshals the entry's Payload into v.
func (d StorageData) Decode(v interface{}) error {
	return json.Unmarshal(d.Payload, v)
}

// Marshal/Unmarshal encode a StorageData itself, used as the raft log
// entry bytes.
func (d StorageData) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalStorageData decodes raft log bytes back into a StorageData.
func UnmarshalStorageData(b []byte) (StorageData, error) {
	var d StorageData
	err := json.Unmarshal(b, &d)
	return d, err
}

// Entry type names dispatched by the per-domain handlers. These are
// string constants (not a closed enum) so new domains can register their
// own without touching this package (MqttSetUser, AclCreate,
// JournalSetSegment, OffsetCommit, ...).
const (
	TypeClusterRegisterNode   = "ClusterRegisterNode"
	TypeClusterDeregisterNode = "ClusterDeregisterNode"
	TypeSetClusterConfig      = "SetClusterConfig"

	TypeMqttSetUser    = "MqttSetUser"
	TypeMqttDeleteUser = "MqttDeleteUser"

	TypeAclCreate = "AclCreate"
	TypeAclDelete = "AclDelete"

	TypeBlacklistCreate = "BlacklistCreate"
	TypeBlacklistDelete = "BlacklistDelete"

	TypeSessionSet    = "SessionSet"
	TypeSessionDelete = "SessionDelete"

	TypeTopicSet    = "TopicSet"
	TypeTopicDelete = "TopicDelete"

	TypeSubscriptionSet    = "SubscriptionSet"
	TypeSubscriptionDelete = "SubscriptionDelete"

	TypeRetainMessageSet    = "RetainMessageSet"
	TypeRetainMessageDelete = "RetainMessageDelete"

	TypeWillMessageSet    = "WillMessageSet"
	TypeWillMessageDelete = "WillMessageDelete"

	TypeTopicRewriteSet      = "TopicRewriteSet"
	TypeTopicRewriteDelete   = "TopicRewriteDelete"
	TypeAutoSubscribeSet     = "AutoSubscribeSet"
	TypeAutoSubscribeDelete  = "AutoSubscribeDelete"
	TypeConnectorSet         = "ConnectorSet"
	TypeConnectorDelete      = "ConnectorDelete"
	TypeSchemaSet            = "SchemaSet"
	TypeSchemaDelete         = "SchemaDelete"
	TypeSchemaBindingSet     = "SchemaBindingSet"
	TypeSchemaBindingDelete  = "SchemaBindingDelete"
	TypeSystemAlarmSet       = "SystemAlarmSet"
	TypeSystemAlarmDelete    = "SystemAlarmDelete"
	TypeFlappingDetectSet    = "FlappingDetectSet"
	TypeFlappingDetectDelete = "FlappingDetectDelete"
	TypeSlowSubscribeSet     = "SlowSubscribeSet"
	TypeSlowSubscribeDelete  = "SlowSubscribeDelete"

	TypeJournalSetShard            = "JournalSetShard"
	TypeJournalSetSegment          = "JournalSetSegment"
	TypeJournalUpdateSegmentStatus = "JournalUpdateSegmentStatus"
	TypeJournalSetSegmentMetadata  = "JournalSetSegmentMetadata"
	TypeJournalDeleteSegment       = "JournalDeleteSegment"

	TypeOffsetCommit = "OffsetCommit"
)
