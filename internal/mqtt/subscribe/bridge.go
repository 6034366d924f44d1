package subscribe

import (
	"bufio"
	"net"
	"sync"

	"github.com/robustmq/robustmq/internal/mqtt/wire"
)

// Bridge is the shared-group-follower mechanism: when a
// shared subscription's group leader lives on a different broker, the
// local broker opens an internal MQTT v5 upstream session to the leader
// and republishes what it receives to the local subscriber. The bridge
// answers the leader's QoS1/QoS2 handshake itself; the local
// subscriber's own PUBACK/PUBREC/PUBCOMP are not forwarded upstream.
type Bridge struct {
	conn     net.Conn
	reader   *bufio.Reader
	clientID string
	local    Subscriber

	writeMu sync.Mutex
}

// Dial opens an upstream MQTT v5 session to addr on behalf of local,
// subscribing to filter at the given QoS. local.Deliver is invoked for
// every PUBLISH the leader forwards.
func Dial(addr, clientID, filter string, qos byte, local Subscriber) (*Bridge, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	b := &Bridge{conn: conn, reader: bufio.NewReader(conn), clientID: clientID, local: local}

	connect := &wire.Connect{
		ProtocolName: "MQTT",
		Version:      wire.ProtocolV5,
		CleanSession: true,
		ClientID:     clientID,
		KeepAlive:    60,
	}
	if err := connect.Encode(b.conn); err != nil {
		conn.Close()
		return nil, err
	}
	connAck, err := wire.ReadFixedHeader(b.reader)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := b.reader.Discard(connAck.RemainingLength); err != nil {
		conn.Close()
		return nil, err
	}

	sub := &wire.Subscribe{
		Version:  wire.ProtocolV5,
		PacketID: 1,
		Filters:  []wire.SubscribeFilter{{Topic: filter, Options: wire.SubscribeOptions{QoS: wire.QoS(qos)}}},
	}
	if err := sub.Encode(b.conn); err != nil {
		conn.Close()
		return nil, err
	}
	fh, err := wire.ReadFixedHeader(b.reader)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := wire.DecodeSubAck(b.reader, wire.ProtocolV5, fh.RemainingLength); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// Run reads upstream packets until the connection closes, republishing
// every PUBLISH to the local subscriber and answering upstream: PUBACK
// (QoS1) or PUBREC (QoS2) once local Deliver returns, and PUBCOMP as soon
// as the leader's PUBREL arrives. It does not wait for the local
// subscriber's acks.
func (b *Bridge) Run() error {
	for {
		fh, err := wire.ReadFixedHeader(b.reader)
		if err != nil {
			return err
		}
		switch fh.Type {
		case wire.PacketPublish:
			p, err := wire.DecodePublish(b.reader, wire.ProtocolV5, fh.Flags, fh.RemainingLength)
			if err != nil {
				return err
			}
			if err := b.local.Deliver(Message{Topic: p.Topic, Payload: p.Payload, QoS: byte(p.QoS)}); err != nil {
				return err
			}
			if p.QoS == wire.AtLeastOnce {
				if err := b.ack(wire.PacketPubAck, p.PacketID); err != nil {
					return err
				}
			} else if p.QoS == wire.ExactlyOnce {
				if err := b.ack(wire.PacketPubRec, p.PacketID); err != nil {
					return err
				}
			}
		case wire.PacketPubRel:
			a, err := wire.DecodeSimpleAck(b.reader, wire.PacketPubRel, wire.ProtocolV5, fh.RemainingLength)
			if err != nil {
				return err
			}
			if err := b.ack(wire.PacketPubComp, a.PacketID); err != nil {
				return err
			}
		default:
			if _, err := b.reader.Discard(fh.RemainingLength); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) ack(packetType byte, pkid uint16) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	a := &wire.SimpleAck{Type: packetType, Version: wire.ProtocolV5, PacketID: pkid, ReasonCode: wire.ReasonSuccess}
	return a.Encode(b.conn)
}

// Close tears down the upstream session.
func (b *Bridge) Close() error {
	return b.conn.Close()
}
