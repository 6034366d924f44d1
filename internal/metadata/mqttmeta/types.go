// Package mqttmeta holds the MQTT control-plane data model (User,
// ACLRule, BlacklistEntry, Session, Connection, Topic, Subscription,
// RetainedMessage) and the consensus handlers that keep their persisted
// form in the shared KV store.
package mqttmeta

import (
	"net/netip"
	"regexp"
	"time"
)

// User is a registered MQTT login, unique by Username.
type User struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	IsSuperuser bool   `json:"is_superuser"`
}

// ACLResourceType is the subject an ACLRule is scoped to.
type ACLResourceType string

const (
	ACLResourceClientID ACLResourceType = "ClientId"
	ACLResourceUser     ACLResourceType = "User"
	// ACLResourceAll names a catch-all resource type. Evaluate consults
	// only User and ClientId rules, so a rule of this type does not
	// affect any decision.
	ACLResourceAll ACLResourceType = "All"
)

// ACLAction is the operation an ACLRule governs.
type ACLAction string

const (
	ACLActionPublish   ACLAction = "Publish"
	ACLActionSubscribe ACLAction = "Subscribe"
	ACLActionRetain    ACLAction = "Retain"
	ACLActionAll       ACLAction = "All"
)

// ACLPermission is the outcome of a matched ACLRule.
type ACLPermission string

const (
	ACLPermissionAllow ACLPermission = "Allow"
	ACLPermissionDeny  ACLPermission = "Deny"
)

// ACLRule is one access-control entry, grouped in storage by
// (ResourceType, ResourceName) 
type ACLRule struct {
	ResourceType ACLResourceType `json:"resource_type"`
	ResourceName string          `json:"resource_name"`
	Topic        string          `json:"topic"`
	IP           string          `json:"ip"`
	Action       ACLAction       `json:"action"`
	Permission   ACLPermission   `json:"permission"`
}

// BlacklistKind selects how a BlacklistEntry's ResourceName is matched.
type BlacklistKind string

const (
	BlacklistUser          BlacklistKind = "User"
	BlacklistUserMatch     BlacklistKind = "UserMatch"
	BlacklistClientID      BlacklistKind = "ClientId"
	BlacklistClientIDMatch BlacklistKind = "ClientIdMatch"
	BlacklistIP            BlacklistKind = "Ip"
	BlacklistIPCidr        BlacklistKind = "IpCidr"
)

// BlacklistEntry denies traffic from a user, client ID or network range
// until EndTime. ResourceName is matched exactly, by regular expression
// (the *Match kinds) or by CIDR (IpCidr), precompiled at insert time.
type BlacklistEntry struct {
	Kind         BlacklistKind `json:"kind"`
	ResourceName string        `json:"resource_name"`
	EndTime      time.Time     `json:"end_time"`
	Desc         string        `json:"desc"`

	matcher *regexp.Regexp
	cidr    netip.Prefix
}

// Compile precomputes the matcher this entry needs, so per-publish ACL
// checks never pay regex-compile or CIDR-parse cost.
func (b *BlacklistEntry) Compile() error {
	switch b.Kind {
	case BlacklistUserMatch, BlacklistClientIDMatch:
		re, err := regexp.Compile(b.ResourceName)
		if err != nil {
			return err
		}
		b.matcher = re
	case BlacklistIPCidr:
		prefix, err := netip.ParsePrefix(b.ResourceName)
		if err != nil {
			return err
		}
		b.cidr = prefix
	}
	return nil
}

// Expired reports whether this entry's EndTime has passed as of now. A
// zero EndTime means "never expires".
func (b *BlacklistEntry) Expired(now time.Time) bool {
	return !b.EndTime.IsZero() && now.After(b.EndTime)
}

// Matches reports whether value matches this entry per its Kind.
func (b *BlacklistEntry) Matches(value string) bool {
	switch b.Kind {
	case BlacklistUser, BlacklistClientID, BlacklistIP:
		return b.ResourceName == value
	case BlacklistUserMatch, BlacklistClientIDMatch:
		return b.matcher != nil && b.matcher.MatchString(value)
	case BlacklistIPCidr:
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return false
		}
		return b.cidr.IsValid() && b.cidr.Contains(addr)
	}
	return false
}

// Session is the per-client_id control record, surviving
// disconnect up to SessionExpiryInterval when CleanSession is false.
type Session struct {
	ClientID              string  `json:"client_id"`
	SessionExpiryInterval uint32  `json:"session_expiry_interval"`
	CleanSession          bool    `json:"clean_session"`
	BrokerID              *uint64 `json:"broker_id,omitempty"`
	ConnectionID          *uint64 `json:"connection_id,omitempty"`
	DistinctTime          *int64  `json:"distinct_time,omitempty"`
	IsContainLastWill     bool    `json:"is_contain_last_will"`
}

// Connection is the runtime-only record, created on
// CONNECT and destroyed on any disconnect path. It is never persisted
// through consensus; it only ever exists in the process-local session
// cache (internal/metadata/mqttmeta.Tables).
type Connection struct {
	ConnectID          uint64
	ClientID           string
	LoginUser          string
	SourceIP           string
	Protocol           byte
	KeepAlive          uint16
	ReceiveMax         uint16
	MaxPacketSize      uint32
	TopicAliasMax      uint16
	RequestProblemInfo bool
	TopicAlias         map[uint16]string
	IsLogin            bool
}

// Topic is created lazily on first publish/subscribe reaching it.
type Topic struct {
	TopicID       string  `json:"topic_id"`
	TopicName     string  `json:"topic_name"`
	ClusterName   string  `json:"cluster_name"`
	RetainMessage *string `json:"retain_message,omitempty"`
}

// RetainForwardRule controls when a retained message is replayed to a
// new subscriber.
type RetainForwardRule string

const (
	RetainOnEverySubscribe RetainForwardRule = "OnEverySubscribe"
	RetainOnNewSubscribe   RetainForwardRule = "OnNewSubscribe"
	RetainNever            RetainForwardRule = "Never"
)

// SubscribeFilter is the per-filter delivery configuration negotiated at
// SUBSCRIBE time.
type SubscribeFilter struct {
	QoS                    byte              `json:"qos"`
	NoLocal                bool              `json:"no_local"`
	RetainAsPublished      bool              `json:"retain_as_published"`
	RetainForwardRule      RetainForwardRule `json:"retain_forward_rule"`
	SubscriptionIdentifier *uint32           `json:"subscription_identifier,omitempty"`
}

// Subscription is keyed by (ClientID, SubPath) 
type Subscription struct {
	ClientID string          `json:"client_id"`
	SubPath  string          `json:"sub_path"`
	Protocol byte            `json:"protocol"`
	Filter   SubscribeFilter `json:"filter"`
}

// RetainedMessage is at most one per topic; Payload == nil is a
// tombstone.
type RetainedMessage struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
	QoS     byte   `json:"qos"`
}
