package processor

import (
	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/mqtt/subscribe"
	"github.com/robustmq/robustmq/internal/mqtt/wire"
	"github.com/robustmq/robustmq/internal/rerror"
)

// HandlePublish authorizes and fans out a PUBLISH, returning the ack
// packet to send back (nil for QoS0). Retained publishes are proposed to
// the consensus group before fan-out so every replica observes the same
// retained state.
func (p *Processor) HandlePublish(conn mqttmeta.Connection, pub *wire.Publish) (*wire.SimpleAck, error) {
	// Topic rewrite and schema validation apply before persistence;
	// topic-alias resolution already happened in the connection loop,
	// which owns the per-connection alias map.
	pub.Topic = p.tables.RewriteTopic(pub.Topic, mqttmeta.RewriteActionPublish)

	if !p.validateSchemas(pub.Topic, pub.Payload) {
		return p.rejectPublish(conn, pub, wire.ReasonPayloadFormatInvalid), nil
	}

	if !p.auth.ACL(conn.LoginUser, conn.ClientID, conn.SourceIP, pub.Topic, true) {
		return p.rejectPublish(conn, pub, wire.ReasonNotAuthorized), nil
	}

	if pub.Retain {
		if !p.auth.ACLRetain(conn.LoginUser, conn.ClientID, conn.SourceIP, pub.Topic) {
			return p.rejectPublish(conn, pub, wire.ReasonNotAuthorized), nil
		}
		if err := p.proposeRetain(pub.Topic, pub.Payload, byte(pub.QoS)); err != nil {
			return nil, err
		}
	}

	if p.persist != nil {
		if err := p.persist(pub.Topic, pub.Payload, byte(pub.QoS)); err != nil {
			return nil, err
		}
	}

	matched, _ := p.registry.Publish(subscribe.Message{Topic: pub.Topic, Payload: pub.Payload, QoS: byte(pub.QoS), Retain: pub.Retain})
	reason := wire.ReasonSuccess
	if matched == 0 {
		reason = wire.ReasonNoMatchingSubscribers
	}

	switch pub.QoS {
	case wire.AtMostOnce:
		return nil, nil
	case wire.AtLeastOnce:
		return &wire.SimpleAck{Type: wire.PacketPubAck, Version: connVersion(conn), PacketID: pub.PacketID, ReasonCode: reason}, nil
	default: // ExactlyOnce
		if !p.tables.HasInboundQoS2(conn.ClientID, pub.PacketID) {
			p.tables.SetInboundQoS2(conn.ClientID, pub.PacketID)
		}
		return &wire.SimpleAck{Type: wire.PacketPubRec, Version: connVersion(conn), PacketID: pub.PacketID, ReasonCode: reason}, nil
	}
}

// HandlePubRel completes the inbound QoS2 handshake:
// PUBREL -> dedup entry cleared -> PUBCOMP.
func (p *Processor) HandlePubRel(clientID string, pkid uint16) *wire.SimpleAck {
	p.tables.DeleteInboundQoS2(clientID, pkid)
	return &wire.SimpleAck{Type: wire.PacketPubComp, Version: wire.ProtocolV5, PacketID: pkid, ReasonCode: wire.ReasonSuccess}
}

// HandlePubAck completes an outbound QoS1 delivery and releases its
// back-pressure slot.
func (p *Processor) HandlePubAck(clientID string, pkid uint16) {
	if p.tracker.AckPubAck(clientID, pkid) {
		p.inflight.Release(clientID)
	}
}

// HandlePubRec advances an outbound QoS2 delivery; the caller still owes
// a PUBREL send.
func (p *Processor) HandlePubRec(clientID string, pkid uint16) bool {
	return p.tracker.AckPubRec(clientID, pkid)
}

// HandlePubComp completes an outbound QoS2 delivery and releases its
// back-pressure slot.
func (p *Processor) HandlePubComp(clientID string, pkid uint16) {
	if p.tracker.AckPubComp(clientID, pkid) {
		p.inflight.Release(clientID)
	}
}

func (p *Processor) proposeRetain(topic string, payload []byte, qos byte) error {
	m := mqttmeta.RetainedMessage{Topic: topic, Payload: payload, QoS: qos}
	data, err := consensus.EncodeStorageData(consensus.TypeRetainMessageSet, m)
	if err != nil {
		return rerror.Wrap(rerror.IO, err, "processor: encode retained message")
	}
	return p.propose.Propose(data, p.cfg.ProposeTimeout)
}

// rejectPublish builds the negative ack for a refused publish: v5
// carries the reason code in PUBACK/PUBREC, v3/v4 have no way to say no
// and silently drop.
func (p *Processor) rejectPublish(conn mqttmeta.Connection, pub *wire.Publish, reason wire.ReasonCode) *wire.SimpleAck {
	if pub.QoS == wire.AtMostOnce || connVersion(conn) != wire.ProtocolV5 {
		return nil
	}
	return &wire.SimpleAck{Type: ackTypeForQoS(pub.QoS), Version: wire.ProtocolV5, PacketID: pub.PacketID, ReasonCode: reason}
}

// validateSchemas checks the payload against every schema document
// bound to topic. JSON-type schemas are compiled at insert time and
// enforced here; other schema types are control-plane records executed
// by external validators.
func (p *Processor) validateSchemas(topic string, payload []byte) bool {
	for _, sc := range p.tables.BoundSchemas(topic) {
		if err := sc.Validate(payload); err != nil {
			if p.logger != nil {
				p.logger.Debug("schema validation failed",
					zap.String("topic", topic), zap.String("schema", sc.Name), zap.Error(err))
			}
			return false
		}
	}
	return true
}

func ackTypeForQoS(qos wire.QoS) byte {
	if qos == wire.ExactlyOnce {
		return wire.PacketPubRec
	}
	return wire.PacketPubAck
}

func connVersion(conn mqttmeta.Connection) wire.ProtocolVersion {
	return wire.ProtocolVersion(conn.Protocol)
}
