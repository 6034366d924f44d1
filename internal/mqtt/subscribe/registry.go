// Package subscribe implements the subscription engine:
// exclusive, shared-group-leader and shared-group-follower push modes
// over the topic trie, plus the QoS1/QoS2 delivery state machines and
// per-connection back-pressure.
package subscribe

import (
	"sync/atomic"

	"github.com/robustmq/robustmq/internal/mqtt/trie"
)

// Message is one payload fanned out to subscribers.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Subscriber receives messages matched against its filter. Deliver must
// not block the dispatch loop; slow subscribers should buffer or drop
// internally.
type Subscriber interface {
	ClientID() string
	Deliver(msg Message) error
}

// Mode is the push mode a subscription entry was created under.
type Mode string

const (
	ModeExclusive      Mode = "Exclusive"
	ModeSharedLeader   Mode = "SharedLeader"
	ModeSharedFollower Mode = "SharedFollower"
)

// entry is one trie leaf: either a lone exclusive subscriber or a shared
// group of subscribers dispatched round-robin.
type entry struct {
	mode  Mode
	group *sharedGroup // non-nil only for ModeSharedLeader
	sub   Subscriber   // non-nil for ModeExclusive and ModeSharedFollower
}

// sharedGroup round-robins deliveries across its members.
type sharedGroup struct {
	name      string
	members   []Subscriber
	nextIndex atomic.Uint64
}

func (g *sharedGroup) pick() Subscriber {
	if len(g.members) == 0 {
		return nil
	}
	i := g.nextIndex.Add(1) - 1
	return g.members[i%uint64(len(g.members))]
}

// Registry is the per-broker subscription trie: every local subscriber,
// keyed by topic filter, dispatched per entry.mode on Publish.
type Registry struct {
	filters *trie.Trie[*entry]
	groups  map[string]*sharedGroup // share-group name -> group, for adding members
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		filters: trie.New[*entry](),
		groups:  make(map[string]*sharedGroup),
	}
}

// SubscribeExclusive registers sub as the sole consumer of filter.
func (r *Registry) SubscribeExclusive(filter string, sub Subscriber) error {
	return r.filters.Insert(filter, &entry{mode: ModeExclusive, sub: sub})
}

// SubscribeSharedLeader adds sub as a member of groupName's round-robin
// pool for filter, creating the group on first use.
func (r *Registry) SubscribeSharedLeader(groupName, filter string, sub Subscriber) error {
	key := groupName + "\x00" + filter
	g, ok := r.groups[key]
	if !ok {
		g = &sharedGroup{name: groupName}
		r.groups[key] = g
		if err := r.filters.Insert(filter, &entry{mode: ModeSharedLeader, group: g}); err != nil {
			delete(r.groups, key)
			return err
		}
	}
	g.members = append(g.members, sub)
	return nil
}

// SubscribeSharedFollower registers sub as the local endpoint of a Bridge
// to a remote group leader; sub.Deliver is called for every message the
// Bridge republishes locally.
func (r *Registry) SubscribeSharedFollower(filter string, sub Subscriber) error {
	return r.filters.Insert(filter, &entry{mode: ModeSharedFollower, sub: sub})
}

// Unsubscribe removes every entry belonging to clientID under filter.
func (r *Registry) Unsubscribe(filter, clientID string) {
	r.filters.Remove(filter, func(e *entry) bool {
		if e.sub != nil {
			if e.sub.ClientID() == clientID {
				return true
			}
		}
		if e.group != nil {
			kept := e.group.members[:0]
			for _, m := range e.group.members {
				if m.ClientID() != clientID {
					kept = append(kept, m)
				}
			}
			e.group.members = kept
			return len(e.group.members) == 0
		}
		return false
	})
}

// Publish matches topic against every registered filter and delivers msg
// to the appropriate target per entry.mode: every exclusive and follower
// subscriber whose filter matches, plus one round-robin pick per matching
// shared-leader group. Returns the number of subscribers the message was
// handed to, so the publish ack can distinguish Success from
// NoMatchingSubscribers.
func (r *Registry) Publish(msg Message) (matched int, errs []error) {
	for _, e := range r.filters.Match(msg.Topic) {
		var sub Subscriber
		switch e.mode {
		case ModeExclusive, ModeSharedFollower:
			sub = e.sub
		case ModeSharedLeader:
			sub = e.group.pick()
		}
		if sub == nil {
			continue
		}
		matched++
		if err := sub.Deliver(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return matched, errs
}

// StripSubscriptionPrefix strips a $share/<group>/, $queue/ or
// $exclusive/ prefix and reports the resulting (mode, group, filter).
// Built on trie.ParseSharedTopic/ParseQueueTopic/ParseExclusiveTopic.
func StripSubscriptionPrefix(subPath string) (mode Mode, group, filter string) {
	if g, f, ok := trie.ParseSharedTopic(subPath); ok {
		return ModeSharedLeader, g, f
	}
	if f, ok := trie.ParseQueueTopic(subPath); ok {
		return ModeSharedLeader, "", f
	}
	if f, ok := trie.ParseExclusiveTopic(subPath); ok {
		return ModeExclusive, "", f
	}
	return ModeExclusive, "", subPath
}
