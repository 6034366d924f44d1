package broker

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/mqtt/subscribe"
	"github.com/robustmq/robustmq/internal/mqtt/wire"
	"github.com/robustmq/robustmq/internal/rerror"
)

// pkidRetryDelay is the brief sleep before re-scanning an exhausted pkid
// range.
const pkidRetryDelay = 50 * time.Millisecond

// clientConn is one live MQTT connection: a read loop decoding packets
// and a mutex-guarded writer shared with the dispatch and retry paths.
type clientConn struct {
	broker *Broker
	conn   net.Conn
	reader *bufio.Reader

	connectID uint64
	clientID  string
	version   wire.ProtocolVersion
	keepAlive uint16

	writeMu sync.Mutex

	closeOnce sync.Once
	// willOnce guards double delivery between the abnormal-exit path and
	// the keepalive sweeper.
	willOnce sync.Once
}

func newClientConn(b *Broker, conn net.Conn) *clientConn {
	return &clientConn{
		broker: b,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (c *clientConn) run(ctx context.Context) {
	defer c.close()

	if err := c.handshake(); err != nil {
		c.broker.logger.Debug("mqtt: handshake failed",
			zap.String("remote", c.conn.RemoteAddr().String()), zap.Error(err))
		return
	}

	c.broker.addConn(c)
	defer c.broker.removeConn(c)
	c.broker.logger.Info("mqtt: client connected",
		zap.String("client_id", c.clientID), zap.Uint64("connect_id", c.connectID))

	normal := c.loop(ctx)

	if !normal {
		// Abnormal disconnect delivers the will.
		c.willOnce.Do(func() { c.broker.publishWill(c.clientID) })
	}
	c.broker.processor.HandleDisconnect(c.connectID, c.clientID, nil)
	c.broker.logger.Info("mqtt: client disconnected",
		zap.String("client_id", c.clientID), zap.Bool("normal", normal))
}

// handshake requires the first frame to be CONNECT (anything else is
// NotAuthorized) and completes CONNECT validation through the
// processor.
func (c *clientConn) handshake() error {
	fh, err := wire.ReadFixedHeader(c.reader)
	if err != nil {
		return err
	}
	if fh.Type != wire.PacketConnect {
		c.writePacket(&wire.Disconnect{Version: wire.ProtocolV5, ReasonCode: wire.ReasonNotAuthorized})
		return errNotConnect
	}
	connect, err := wire.DecodeConnect(c.reader, fh.RemainingLength)
	if err != nil {
		return err
	}

	// Flapping detection: a client reconnecting faster than the active
	// policy allows is banned before any session work happens.
	if c.broker.tables.RecordConnect(connect.ClientID, time.Now()) {
		c.writePacket(&wire.ConnAck{
			Version:    connect.Version,
			ReturnCode: wire.ConnAckReasonFromReturnCode(wire.ReasonBanned),
			ReasonCode: wire.ReasonBanned,
		})
		return errFlappingBanned
	}

	connectID := c.broker.sessions.NextConnectID()
	host, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())
	ack, err := c.broker.processor.HandleConnect(connectID, host, connect)
	if err != nil {
		return err
	}
	if werr := c.writePacket(ack); werr != nil {
		return werr
	}
	if ack.ReasonCode != wire.ReasonSuccess {
		return errConnectRejected
	}

	c.connectID = connectID
	c.clientID = connect.ClientID
	c.version = connect.Version
	c.keepAlive = connect.KeepAlive

	if connect.WillFlag {
		will := mqttmeta.WillMessage{
			ClientID: connect.ClientID,
			Topic:    connect.WillTopic,
			Payload:  connect.WillPayload,
			QoS:      byte(connect.WillQoS),
			Retain:   connect.WillRetain,
		}
		if connect.WillProperties != nil && connect.WillProperties.WillDelayInterval != nil {
			will.DelayInterval = *connect.WillProperties.WillDelayInterval
		}
		if err := c.broker.deps.Meta.SetWillMessage(will); err != nil {
			return err
		}
	}

	c.autoSubscribe()
	return nil
}

// autoSubscribe applies every auto-subscribe rule to the fresh session.
func (c *clientConn) autoSubscribe() {
	rules := c.broker.tables.AutoSubscribeRules()
	if len(rules) == 0 {
		return
	}
	conn, ok := c.broker.tables.Connection(c.connectID)
	if !ok {
		return
	}
	filters := make([]wire.SubscribeFilter, 0, len(rules))
	for _, r := range rules {
		filters = append(filters, wire.SubscribeFilter{
			Topic: r.Topic,
			Options: wire.SubscribeOptions{
				QoS:               wire.QoS(r.QoS),
				NoLocal:           r.NoLocal,
				RetainAsPublished: r.RetainAsPublished,
				RetainHandling:    wire.RetainHandling(r.RetainedHandling),
			},
		})
	}
	sub := &wire.Subscribe{Version: c.version, Filters: filters}
	if _, err := c.broker.processor.HandleSubscribe(conn, c.deliver, sub); err != nil {
		c.broker.logger.Warn("auto-subscribe failed",
			zap.String("client_id", c.clientID), zap.Error(err))
	}
}

// loop processes packets until DISCONNECT (returns true), read error, or
// shutdown. TCP framing preserves FIFO, so responses go out in the order
// the processor produced them.
func (c *clientConn) loop(ctx context.Context) (normalExit bool) {
	for {
		select {
		case <-ctx.Done():
			return true
		default:
		}

		c.armReadDeadline()
		fh, err := wire.ReadFixedHeader(c.reader)
		if err != nil {
			return false
		}

		conn, ok := c.broker.tables.Connection(c.connectID)
		if !ok || !conn.IsLogin {
			c.writePacket(&wire.Disconnect{Version: c.version, ReasonCode: wire.ReasonNotAuthorized})
			return false
		}
		c.broker.sessions.Touch(c.clientID, byte(c.version), c.keepAlive)

		done, err := c.handlePacket(conn, fh)
		if err != nil {
			c.broker.logger.Debug("mqtt: packet failed",
				zap.String("client_id", c.clientID),
				zap.String("packet", wire.PacketTypeName(fh.Type)), zap.Error(err))
			return false
		}
		if done {
			return true
		}
	}
}

func (c *clientConn) handlePacket(conn mqttmeta.Connection, fh wire.FixedHeader) (done bool, err error) {
	switch fh.Type {
	case wire.PacketPublish:
		pub, err := wire.DecodePublish(c.reader, c.version, fh.Flags, fh.RemainingLength)
		if err != nil {
			return false, err
		}
		return false, c.handlePublish(conn, pub)

	case wire.PacketPubAck:
		a, err := wire.DecodeSimpleAck(c.reader, fh.Type, c.version, fh.RemainingLength)
		if err != nil {
			return false, err
		}
		c.broker.processor.HandlePubAck(c.clientID, a.PacketID)
		c.broker.tables.ReleasePkid(c.clientID, a.PacketID)
		return false, nil

	case wire.PacketPubRec:
		a, err := wire.DecodeSimpleAck(c.reader, fh.Type, c.version, fh.RemainingLength)
		if err != nil {
			return false, err
		}
		if c.broker.processor.HandlePubRec(c.clientID, a.PacketID) {
			return false, c.writePacket(&wire.SimpleAck{Type: wire.PacketPubRel, Version: c.version, PacketID: a.PacketID, ReasonCode: wire.ReasonSuccess})
		}
		return false, nil

	case wire.PacketPubRel:
		a, err := wire.DecodeSimpleAck(c.reader, fh.Type, c.version, fh.RemainingLength)
		if err != nil {
			return false, err
		}
		comp := c.broker.processor.HandlePubRel(c.clientID, a.PacketID)
		comp.Version = c.version
		// The inbound QoS2 exchange ends here; free its back-pressure
		// slot.
		c.broker.inflight.Release(c.clientID)
		return false, c.writePacket(comp)

	case wire.PacketPubComp:
		a, err := wire.DecodeSimpleAck(c.reader, fh.Type, c.version, fh.RemainingLength)
		if err != nil {
			return false, err
		}
		c.broker.processor.HandlePubComp(c.clientID, a.PacketID)
		c.broker.tables.ReleasePkid(c.clientID, a.PacketID)
		return false, nil

	case wire.PacketSubscribe:
		sub, err := wire.DecodeSubscribe(c.reader, c.version, fh.RemainingLength)
		if err != nil {
			return false, err
		}
		ack, err := c.broker.processor.HandleSubscribe(conn, c.deliver, sub)
		if err != nil {
			return false, err
		}
		return false, c.writePacket(ack)

	case wire.PacketUnsubscribe:
		unsub, err := wire.DecodeUnsubscribe(c.reader, c.version, fh.RemainingLength)
		if err != nil {
			return false, err
		}
		ack, err := c.broker.processor.HandleUnsubscribe(conn, unsub)
		if err != nil {
			return false, err
		}
		return false, c.writePacket(ack)

	case wire.PacketPingReq:
		c.writeMu.Lock()
		err := wire.EncodePingResp(c.conn)
		c.writeMu.Unlock()
		return false, err

	case wire.PacketDisconnect:
		d, err := wire.DecodeDisconnect(c.reader, c.version, fh.RemainingLength)
		if err != nil {
			return false, err
		}
		if c.broker.processor.HandleDisconnect(c.connectID, c.clientID, d) {
			c.willOnce.Do(func() { c.broker.publishWill(c.clientID) })
		} else {
			// Normal disconnection discards the will.
			c.willOnce.Do(func() {})
			if err := c.broker.deps.Meta.DeleteWillMessage(c.clientID); err != nil {
				c.broker.logger.Debug("will delete failed", zap.Error(err))
			}
		}
		return true, nil

	case wire.PacketAuth:
		if _, err := wire.DecodeAuth(c.reader, fh.RemainingLength); err != nil {
			return false, err
		}
		return false, nil

	default:
		if _, err := c.reader.Discard(fh.RemainingLength); err != nil {
			return false, err
		}
		return false, nil
	}
}

// handlePublish resolves topic aliases (the connection owns the alias
// map), enforces inbound receive_maximum, and hands the packet to the
// processor.
func (c *clientConn) handlePublish(conn mqttmeta.Connection, pub *wire.Publish) error {
	if c.version == wire.ProtocolV5 && pub.Properties != nil && pub.Properties.TopicAlias != nil {
		alias := *pub.Properties.TopicAlias
		if alias == 0 || alias > conn.TopicAliasMax {
			c.writePacket(&wire.Disconnect{Version: c.version, ReasonCode: wire.ReasonTopicAliasInvalid})
			return errTopicAlias
		}
		if pub.Topic == "" {
			name, ok := conn.TopicAlias[alias]
			if !ok {
				c.writePacket(&wire.Disconnect{Version: c.version, ReasonCode: wire.ReasonTopicAliasInvalid})
				return errTopicAlias
			}
			pub.Topic = name
		} else {
			if conn.TopicAlias == nil {
				conn.TopicAlias = make(map[uint16]string)
			}
			conn.TopicAlias[alias] = pub.Topic
			c.broker.tables.SetConnection(conn)
		}
	}

	if pub.QoS > wire.AtMostOnce {
		if err := c.broker.inflight.Acquire(c.clientID); err != nil {
			c.writePacket(&wire.Disconnect{Version: c.version, ReasonCode: wire.ReasonReceiveMaximumExceeded})
			return err
		}
	}

	ack, err := c.broker.processor.HandlePublish(conn, pub)
	if pub.QoS == wire.AtLeastOnce {
		// Inbound QoS1 completes at PUBACK send; QoS2 holds its slot
		// until PUBREL clears the dedup entry.
		c.broker.inflight.Release(c.clientID)
	}
	if err != nil {
		return err
	}
	if ack != nil {
		return c.writePacket(ack)
	}
	return nil
}

// deliver pushes one matched message out to this client, running the
// send side of the QoS state machines. Deliveries slower than the
// active slow-subscribe threshold are flagged.
func (c *clientConn) deliver(msg subscribe.Message) error {
	start := time.Now()
	defer func() {
		cfg, ok := c.broker.tables.SlowSubscribeConfig()
		if !ok || !cfg.Enable {
			return
		}
		if elapsed := time.Since(start); elapsed.Milliseconds() > cfg.ThresholdMS {
			c.broker.logger.Warn("slow subscribe",
				zap.String("client_id", c.clientID),
				zap.String("topic", msg.Topic),
				zap.Duration("elapsed", elapsed))
		}
	}()

	pub := &wire.Publish{
		Version: c.version,
		QoS:     wire.QoS(msg.QoS),
		Retain:  msg.Retain,
		Topic:   msg.Topic,
		Payload: msg.Payload,
	}

	if msg.QoS > 0 {
		pkid, ok := c.broker.tables.AllocatePkid(c.clientID)
		if !ok {
			// Exhausted range: back off briefly and retry once.
			time.Sleep(pkidRetryDelay)
			if pkid, ok = c.broker.tables.AllocatePkid(c.clientID); !ok {
				return errPkidExhausted
			}
		}
		pub.PacketID = pkid
		c.broker.tracker.Track(c.clientID, msg.Topic, msg.Payload, pkid, msg.QoS)
		c.broker.tables.SetAckWaiter(c.clientID, pkid, mqttmeta.AckWaiter{
			Notify:    make(chan struct{}, 1),
			CreatedAt: time.Now(),
		})
	}
	return c.writePacket(pub)
}

// resend re-runs the step a timed-out delivery is stuck on: a DUP
// PUBLISH, or a PUBREL once PUBREC was seen.
func (c *clientConn) resend(p subscribe.Pending) error {
	if p.NeedsPubRel() {
		return c.writePacket(&wire.SimpleAck{Type: wire.PacketPubRel, Version: c.version, PacketID: p.Pkid, ReasonCode: wire.ReasonSuccess})
	}
	pub := &wire.Publish{
		Version:  c.version,
		Dup:      p.Dup,
		QoS:      wire.QoS(p.QoS),
		Topic:    p.Topic,
		PacketID: p.Pkid,
		Payload:  p.Payload,
	}
	return c.writePacket(pub)
}

type encoder interface {
	Encode(w io.Writer) error
}

func (c *clientConn) writePacket(p encoder) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return p.Encode(c.conn)
}

func (c *clientConn) armReadDeadline() {
	if c.keepAlive == 0 {
		c.conn.SetReadDeadline(time.Time{})
		return
	}
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.keepAlive) * time.Second * 3 / 2))
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// shutdown closes the connection during broker stop, after the grace
// period; wills are not delivered for a server-initiated stop of a
// healthy session. Pending offsets are flushed after the broker stops.
func (c *clientConn) shutdown() {
	c.willOnce.Do(func() {})
	c.close()
}

var (
	errNotConnect      = rerror.New(rerror.Authorization, "broker: first packet was not CONNECT")
	errConnectRejected = rerror.New(rerror.Authorization, "broker: connect rejected")
	errFlappingBanned  = rerror.New(rerror.Authorization, "broker: client banned by flapping detection")
	errTopicAlias      = rerror.New(rerror.Protocol, "broker: topic alias invalid")
	errPkidExhausted   = rerror.New(rerror.Resource, "broker: pkid range exhausted")
)

func encodeTopicSet(t mqttmeta.Topic) (consensus.StorageData, error) {
	return consensus.EncodeStorageData(consensus.TypeTopicSet, t)
}

func encodeRetainSet(m mqttmeta.RetainedMessage) (consensus.StorageData, error) {
	return consensus.EncodeStorageData(consensus.TypeRetainMessageSet, m)
}
