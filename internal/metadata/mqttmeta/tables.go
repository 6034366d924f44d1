package mqttmeta

import (
	"fmt"
	"sync"
	"time"
)

// Tables is the process-wide MQTT session cache: O(1)
// keyed tables kept in memory on every broker node, updated in-process by
// the metadata state machine's handlers and by the broker call manager's
// cache-invalidation callbacks from other nodes.
type Tables struct {
	mu sync.RWMutex

	sessions    map[string]Session
	connections map[uint64]Connection
	topics      map[string]Topic
	topicByID   map[string]string

	subscriptions  map[string]map[string]Subscription // client_id -> sub_path -> Subscription
	subscribeIsNew map[string]map[string]bool

	pkids map[string][]uint16 // client_id -> sorted in-use pkids

	heartbeats map[string]Heartbeat

	ackWaiters  map[string]AckWaiter // "client_id|pkid"
	inboundQoS2 map[string]InboundQoS2

	users     map[string]User
	acl       map[string][]ACLRule // "resource_type|resource_name" -> rules
	blacklist []BlacklistEntry
	retained  map[string]RetainedMessage

	wills         map[string]WillMessage
	rewriteRules  map[string]TopicRewriteRule // "action|source_topic"
	autoSubscribe map[string]AutoSubscribeRule
	schemas       map[string]Schema
	schemaBinds   map[string][]string // topic -> schema names

	flapping     *FlappingDetectPolicy
	slowSub      *SlowSubscribeConfig
	connectTimes map[string][]time.Time // client_id -> recent connect times
	flapBans     map[string]time.Time   // client_id -> ban expiry
}

// Heartbeat is the liveness record for one client_id.
type Heartbeat struct {
	Protocol      byte
	KeepAlive     uint16
	LastHeartbeat time.Time
}

// AckWaiter tracks one in-flight QoS1/QoS2 publish awaiting a terminal
// ack, released on PUBACK (QoS1) or PUBCOMP (QoS2).
type AckWaiter struct {
	Notify    chan struct{}
	CreatedAt time.Time
}

// InboundQoS2 deduplicates inbound QoS2 publishes by (client_id, pkid)
// until PUBREL arrives.
type InboundQoS2 struct {
	ClientID  string
	CreatedAt time.Time
}

// NewTables creates an empty session cache.
func NewTables() *Tables {
	return &Tables{
		sessions:       make(map[string]Session),
		connections:    make(map[uint64]Connection),
		topics:         make(map[string]Topic),
		topicByID:      make(map[string]string),
		subscriptions:  make(map[string]map[string]Subscription),
		subscribeIsNew: make(map[string]map[string]bool),
		pkids:          make(map[string][]uint16),
		heartbeats:     make(map[string]Heartbeat),
		ackWaiters:     make(map[string]AckWaiter),
		inboundQoS2:    make(map[string]InboundQoS2),
		users:          make(map[string]User),
		acl:            make(map[string][]ACLRule),
		retained:       make(map[string]RetainedMessage),
		wills:          make(map[string]WillMessage),
		rewriteRules:   make(map[string]TopicRewriteRule),
		autoSubscribe:  make(map[string]AutoSubscribeRule),
		schemas:        make(map[string]Schema),
		schemaBinds:    make(map[string][]string),
		connectTimes:   make(map[string][]time.Time),
		flapBans:       make(map[string]time.Time),
	}
}

func ackKey(clientID string, pkid uint16) string {
	return fmt.Sprintf("%s|%d", clientID, pkid)
}

func aclKey(resourceType ACLResourceType, resourceName string) string {
	return string(resourceType) + "|" + resourceName
}

// --- sessions ---

func (t *Tables) SetSession(s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ClientID] = s
}

func (t *Tables) Session(clientID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[clientID]
	return s, ok
}

func (t *Tables) DeleteSession(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, clientID)
}

// --- connections ---

func (t *Tables) SetConnection(c Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[c.ConnectID] = c
}

func (t *Tables) Connection(connectID uint64) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.connections[connectID]
	return c, ok
}

func (t *Tables) DeleteConnection(connectID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connections, connectID)
}

// --- topics ---

func (t *Tables) SetTopic(topic Topic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[topic.TopicName] = topic
	t.topicByID[topic.TopicID] = topic.TopicName
}

func (t *Tables) Topic(name string) (Topic, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tp, ok := t.topics[name]
	return tp, ok
}

func (t *Tables) TopicNameByID(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.topicByID[id]
	return name, ok
}

func (t *Tables) DeleteTopic(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[name]; ok {
		delete(t.topicByID, tp.TopicID)
	}
	delete(t.topics, name)
}

// --- subscriptions ---

func (t *Tables) SetSubscription(sub Subscription, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscriptions[sub.ClientID] == nil {
		t.subscriptions[sub.ClientID] = make(map[string]Subscription)
		t.subscribeIsNew[sub.ClientID] = make(map[string]bool)
	}
	t.subscriptions[sub.ClientID][sub.SubPath] = sub
	t.subscribeIsNew[sub.ClientID][sub.SubPath] = isNew
}

func (t *Tables) Subscriptions(clientID string) map[string]Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Subscription, len(t.subscriptions[clientID]))
	for k, v := range t.subscriptions[clientID] {
		out[k] = v
	}
	return out
}

func (t *Tables) AllSubscriptions() map[string]map[string]Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]map[string]Subscription, len(t.subscriptions))
	for client, subs := range t.subscriptions {
		inner := make(map[string]Subscription, len(subs))
		for k, v := range subs {
			inner[k] = v
		}
		out[client] = inner
	}
	return out
}

func (t *Tables) DeleteSubscription(clientID, subPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscriptions[clientID], subPath)
	delete(t.subscribeIsNew[clientID], subPath)
}

// --- pkid allocator ---

// AllocatePkid scans 1..65535 for the first value not currently in use by
// clientID, returning ok=false if the client's range is exhausted so the
// caller can back off and retry.
func (t *Tables) AllocatePkid(clientID string) (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inUse := t.pkids[clientID]
	used := make(map[uint16]bool, len(inUse))
	for _, p := range inUse {
		used[p] = true
	}
	for p := uint16(1); p != 0; p++ {
		if !used[p] {
			t.pkids[clientID] = append(t.pkids[clientID], p)
			return p, true
		}
	}
	return 0, false
}

// ReleasePkid returns pkid to clientID's pool after a terminal ack.
func (t *Tables) ReleasePkid(clientID string, pkid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.pkids[clientID]
	for i, p := range list {
		if p == pkid {
			t.pkids[clientID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// --- heartbeats ---

func (t *Tables) SetHeartbeat(clientID string, hb Heartbeat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heartbeats[clientID] = hb
}

func (t *Tables) Heartbeat(clientID string) (Heartbeat, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hb, ok := t.heartbeats[clientID]
	return hb, ok
}

// --- ack waiters ---

func (t *Tables) SetAckWaiter(clientID string, pkid uint16, w AckWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ackWaiters[ackKey(clientID, pkid)] = w
}

func (t *Tables) AckWaiter(clientID string, pkid uint16) (AckWaiter, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.ackWaiters[ackKey(clientID, pkid)]
	return w, ok
}

func (t *Tables) DeleteAckWaiter(clientID string, pkid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ackWaiters, ackKey(clientID, pkid))
}

// --- inbound QoS2 dedup ---

func (t *Tables) SetInboundQoS2(clientID string, pkid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inboundQoS2[ackKey(clientID, pkid)] = InboundQoS2{ClientID: clientID, CreatedAt: time.Now()}
}

func (t *Tables) HasInboundQoS2(clientID string, pkid uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.inboundQoS2[ackKey(clientID, pkid)]
	return ok
}

func (t *Tables) DeleteInboundQoS2(clientID string, pkid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inboundQoS2, ackKey(clientID, pkid))
}

// --- users ---

func (t *Tables) SetUser(u User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users[u.Username] = u
}

func (t *Tables) User(username string) (User, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[username]
	return u, ok
}

func (t *Tables) DeleteUser(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, username)
}

// --- ACL ---

func (t *Tables) SetACLRule(rule ACLRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := aclKey(rule.ResourceType, rule.ResourceName)
	t.acl[key] = append(t.acl[key], rule)
}

func (t *Tables) ACLRules(resourceType ACLResourceType, resourceName string) []ACLRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]ACLRule(nil), t.acl[aclKey(resourceType, resourceName)]...)
}

func (t *Tables) DeleteACLRules(resourceType ACLResourceType, resourceName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.acl, aclKey(resourceType, resourceName))
}

// --- blacklist ---

func (t *Tables) AddBlacklistEntry(e BlacklistEntry) error {
	if err := e.Compile(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blacklist = append(t.blacklist, e)
	return nil
}

func (t *Tables) RemoveBlacklistEntry(kind BlacklistKind, resourceName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.blacklist[:0]
	for _, e := range t.blacklist {
		if e.Kind == kind && e.ResourceName == resourceName {
			continue
		}
		out = append(out, e)
	}
	t.blacklist = out
}

func (t *Tables) BlacklistEntries() []BlacklistEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]BlacklistEntry(nil), t.blacklist...)
}

// --- retained messages ---

func (t *Tables) SetRetained(m RetainedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.Payload == nil {
		delete(t.retained, m.Topic)
		return
	}
	t.retained[m.Topic] = m
}

func (t *Tables) Retained(topic string) (RetainedMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.retained[topic]
	return m, ok
}

func (t *Tables) AllRetained() []RetainedMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RetainedMessage, 0, len(t.retained))
	for _, m := range t.retained {
		out = append(out, m)
	}
	return out
}
