package processor

import (
	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/mqtt/subscribe"
	"github.com/robustmq/robustmq/internal/mqtt/trie"
	"github.com/robustmq/robustmq/internal/mqtt/wire"
	"github.com/robustmq/robustmq/internal/rerror"
)

// localSubscriber adapts a pusher callback to subscribe.Subscriber so the
// registry can fan out without knowing about the transport layer.
type localSubscriber struct {
	clientID string
	deliver  func(subscribe.Message) error
}

func (s *localSubscriber) ClientID() string { return s.clientID }
func (s *localSubscriber) Deliver(msg subscribe.Message) error {
	return s.deliver(msg)
}

// HandleSubscribe authorizes and registers every filter in a SUBSCRIBE
// packet, replaying retained messages per the filter's retain-handling
// rule and returning the per-filter reason codes for the SUBACK.
func (p *Processor) HandleSubscribe(conn mqttmeta.Connection, deliver func(subscribe.Message) error, s *wire.Subscribe) (*wire.SubAck, error) {
	codes := make([]wire.ReasonCode, len(s.Filters))
	for i, f := range s.Filters {
		mode, group, filter := subscribe.StripSubscriptionPrefix(f.Topic)

		if !p.auth.ACL(conn.LoginUser, conn.ClientID, conn.SourceIP, filter, false) {
			codes[i] = wire.ReasonNotAuthorized
			continue
		}

		// The delivered QoS is min(cluster_max_qos, filter_qos,
		// publish_qos); the first two cap here, the third at dispatch.
		granted := byte(f.Options.QoS)
		if p.cfg.MaxQoS < granted {
			granted = p.cfg.MaxQoS
		}
		capped := cappedDeliver(deliver, granted)

		sub := &localSubscriber{clientID: conn.ClientID, deliver: capped}
		var err error
		switch mode {
		case subscribe.ModeExclusive:
			err = p.registry.SubscribeExclusive(f.Topic, sub)
		case subscribe.ModeSharedLeader:
			err = p.registry.SubscribeSharedLeader(group, filter, sub)
		}
		if err != nil {
			codes[i] = wire.ReasonTopicFilterInvalid
			continue
		}

		_, existed := p.tables.Subscriptions(conn.ClientID)[f.Topic]

		record := mqttmeta.Subscription{
			ClientID: conn.ClientID,
			SubPath:  f.Topic,
			Protocol: conn.Protocol,
			Filter: mqttmeta.SubscribeFilter{
				QoS:               byte(f.Options.QoS),
				NoLocal:           f.Options.NoLocal,
				RetainAsPublished: f.Options.RetainAsPublished,
				RetainForwardRule: retainForwardRule(f.Options.RetainHandling),
			},
		}
		if err := p.proposeSubscription(record); err != nil {
			return nil, err
		}

		codes[i] = grantedReasonForQoS(wire.QoS(granted))
		switch f.Options.RetainHandling {
		case wire.RetainOnEverySubscribe:
			p.replayRetained(filter, capped)
		case wire.RetainOnNewSubscribe:
			if !existed {
				p.replayRetained(filter, capped)
			}
		}
	}
	return &wire.SubAck{Version: s.Version, PacketID: s.PacketID, ReasonCodes: codes}, nil
}

// HandleUnsubscribe removes every filter in an UNSUBSCRIBE packet.
func (p *Processor) HandleUnsubscribe(conn mqttmeta.Connection, u *wire.Unsubscribe) (*wire.UnsubAck, error) {
	codes := make([]wire.ReasonCode, len(u.Filters))
	for i, topic := range u.Filters {
		p.registry.Unsubscribe(topic, conn.ClientID)
		if err := p.proposeUnsubscribe(conn.ClientID, topic); err != nil {
			return nil, err
		}
		codes[i] = wire.ReasonSuccess
	}
	return &wire.UnsubAck{Version: u.Version, PacketID: u.PacketID, ReasonCodes: codes}, nil
}

func (p *Processor) replayRetained(filter string, deliver func(subscribe.Message) error) {
	for _, m := range p.tables.AllRetained() {
		if !trie.Matches(filter, m.Topic) {
			continue
		}
		_ = deliver(subscribe.Message{Topic: m.Topic, Payload: m.Payload, QoS: m.QoS, Retain: true})
	}
}

func (p *Processor) proposeSubscription(s mqttmeta.Subscription) error {
	data, err := consensus.EncodeStorageData(consensus.TypeSubscriptionSet, s)
	if err != nil {
		return rerror.Wrap(rerror.IO, err, "processor: encode subscription")
	}
	return p.propose.Propose(data, p.cfg.ProposeTimeout)
}

func (p *Processor) proposeUnsubscribe(clientID, subPath string) error {
	data, err := consensus.EncodeStorageData(consensus.TypeSubscriptionDelete, mqttmeta.Subscription{ClientID: clientID, SubPath: subPath})
	if err != nil {
		return rerror.Wrap(rerror.IO, err, "processor: encode unsubscribe")
	}
	return p.propose.Propose(data, p.cfg.ProposeTimeout)
}

func cappedDeliver(deliver func(subscribe.Message) error, maxQoS byte) func(subscribe.Message) error {
	return func(msg subscribe.Message) error {
		if msg.QoS > maxQoS {
			msg.QoS = maxQoS
		}
		return deliver(msg)
	}
}

func retainForwardRule(h wire.RetainHandling) mqttmeta.RetainForwardRule {
	switch h {
	case wire.RetainOnNewSubscribe:
		return mqttmeta.RetainOnNewSubscribe
	case wire.RetainNever:
		return mqttmeta.RetainNever
	default:
		return mqttmeta.RetainOnEverySubscribe
	}
}

func grantedReasonForQoS(qos wire.QoS) wire.ReasonCode {
	switch qos {
	case wire.AtLeastOnce:
		return wire.ReasonGrantedQoS1
	case wire.ExactlyOnce:
		return wire.ReasonGrantedQoS2
	default:
		return wire.ReasonGrantedQoS0
	}
}
