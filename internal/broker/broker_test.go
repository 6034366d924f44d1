package broker

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/cluster"
	"github.com/robustmq/robustmq/internal/config"
	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/kv"
	"github.com/robustmq/robustmq/internal/logging"
	"github.com/robustmq/robustmq/internal/metadata"
	"github.com/robustmq/robustmq/internal/metadata/clustermeta"
	"github.com/robustmq/robustmq/internal/metadata/journalmeta"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/metadata/offsetmeta"
	"github.com/robustmq/robustmq/internal/mqtt/wire"
	"github.com/robustmq/robustmq/internal/storage"
	"github.com/robustmq/robustmq/internal/storage/index"
	"github.com/robustmq/robustmq/internal/storage/offsetmgr"
)

type testNode struct {
	broker *Broker
	svc    *metadata.Service
	tables *mqttmeta.Tables
	addr   string
}

func startTestNode(t *testing.T) *testNode {
	t.Helper()
	store := kv.NewMemory(nil)
	tables := mqttmeta.NewTables()

	metaRegistry := consensus.NewRegistry()
	clustermeta.RegisterHandlers(metaRegistry)
	journalmeta.RegisterHandlers(metaRegistry)
	offsetRegistry := consensus.NewRegistry()
	offsetmeta.RegisterHandlers(offsetRegistry)
	mqttRegistry := consensus.NewRegistry()
	mqttmeta.RegisterHandlers(mqttRegistry)

	svc := metadata.NewService(store,
		consensus.NewLocal(consensus.GroupMetadata, store, metadata.PrefixMetadata, metaRegistry, nil),
		consensus.NewLocal(consensus.GroupOffset, store, metadata.PrefixOffset, offsetRegistry, nil),
		consensus.NewLocal(consensus.GroupMQTT, store, metadata.PrefixMQTT, mqttRegistry,
			mqttmeta.ApplyNotify(tables, logging.Named("test"))),
		0)

	engine := storage.NewEngine(storage.Options{
		DataDir:        t.TempDir(),
		IOThreadNum:    1,
		MaxSegmentSize: 1 << 20,
	}, svc, index.New(store))
	t.Cleanup(engine.Stop)

	cfg := config.Default()
	cfg.Cluster.ClusterName = "test"
	cfg.Network.TCPPort = 0
	cfg.Network.WebSocketPort = 0

	b := New(cfg, Deps{
		Tables:  tables,
		Meta:    svc,
		Engine:  engine,
		Offsets: offsetmgr.NewManager(svc, time.Hour),
		Status:  cluster.NewStatusMachine(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		cancel()
		b.Shutdown()
	})

	return &testNode{broker: b, svc: svc, tables: tables, addr: b.Addr().String()}
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) connect(clientID, username, password string) *wire.ConnAck {
	c.t.Helper()
	connect := &wire.Connect{
		ProtocolName: "MQTT",
		Version:      wire.ProtocolV4,
		CleanSession: true,
		UsernameFlag: username != "",
		PasswordFlag: password != "",
		KeepAlive:    30,
		ClientID:     clientID,
		Username:     username,
		Password:     []byte(password),
	}
	require.NoError(c.t, connect.Encode(c.conn))

	fh, err := wire.ReadFixedHeader(c.reader)
	require.NoError(c.t, err)
	require.Equal(c.t, wire.PacketConnAck, fh.Type)
	ack, err := wire.DecodeConnAck(c.reader, wire.ProtocolV4, fh.RemainingLength)
	require.NoError(c.t, err)
	return ack
}

func (c *testClient) subscribe(pkid uint16, topic string, qos wire.QoS) *wire.SubAck {
	c.t.Helper()
	sub := &wire.Subscribe{
		Version:  wire.ProtocolV4,
		PacketID: pkid,
		Filters:  []wire.SubscribeFilter{{Topic: topic, Options: wire.SubscribeOptions{QoS: qos}}},
	}
	require.NoError(c.t, sub.Encode(c.conn))

	fh, err := wire.ReadFixedHeader(c.reader)
	require.NoError(c.t, err)
	require.Equal(c.t, wire.PacketSubAck, fh.Type)
	ack, err := wire.DecodeSubAck(c.reader, wire.ProtocolV4, fh.RemainingLength)
	require.NoError(c.t, err)
	return ack
}

func (c *testClient) publish(pkid uint16, topic string, qos wire.QoS, retain bool, payload []byte) {
	c.t.Helper()
	pub := &wire.Publish{
		Version:  wire.ProtocolV4,
		QoS:      qos,
		Retain:   retain,
		Topic:    topic,
		PacketID: pkid,
		Payload:  payload,
	}
	require.NoError(c.t, pub.Encode(c.conn))
}

func (c *testClient) readPacket() (wire.FixedHeader, interface{}) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	fh, err := wire.ReadFixedHeader(c.reader)
	require.NoError(c.t, err)
	switch fh.Type {
	case wire.PacketPublish:
		p, err := wire.DecodePublish(c.reader, wire.ProtocolV4, fh.Flags, fh.RemainingLength)
		require.NoError(c.t, err)
		return fh, p
	case wire.PacketPubAck, wire.PacketPubRec, wire.PacketPubRel, wire.PacketPubComp:
		a, err := wire.DecodeSimpleAck(c.reader, fh.Type, wire.ProtocolV4, fh.RemainingLength)
		require.NoError(c.t, err)
		return fh, a
	default:
		c.t.Fatalf("unexpected packet type %d", fh.Type)
		return fh, nil
	}
}

func (c *testClient) sendAck(packetType byte, pkid uint16) {
	c.t.Helper()
	a := &wire.SimpleAck{Type: packetType, Version: wire.ProtocolV4, PacketID: pkid, ReasonCode: wire.ReasonSuccess}
	require.NoError(c.t, a.Encode(c.conn))
}

func TestQoS1Roundtrip(t *testing.T) {
	node := startTestNode(t)
	require.NoError(t, node.svc.CreateUser(mqttmeta.User{Username: "u1", Password: "pw"}))

	sub := dialClient(t, node.addr)
	ack := sub.connect("c1", "u1", "pw")
	require.Equal(t, wire.ConnectAccepted, ack.ReturnCode)

	subAck := sub.subscribe(1, "sport/#", wire.AtLeastOnce)
	require.Equal(t, []wire.ReasonCode{wire.ReasonGrantedQoS1}, subAck.ReasonCodes)

	pub := dialClient(t, node.addr)
	pub.connect("p1", "u1", "pw")
	pub.publish(1, "sport/tennis", wire.AtLeastOnce, false, []byte("ping"))

	// The publisher gets its PUBACK.
	_, pkt := pub.readPacket()
	pubAck := pkt.(*wire.SimpleAck)
	require.Equal(t, wire.PacketPubAck, pubAck.Type)
	require.Equal(t, uint16(1), pubAck.PacketID)

	// The subscriber receives the message at QoS1 and acknowledges.
	_, pkt = sub.readPacket()
	received := pkt.(*wire.Publish)
	require.Equal(t, "sport/tennis", received.Topic)
	require.Equal(t, []byte("ping"), received.Payload)
	require.Equal(t, wire.AtLeastOnce, received.QoS)
	sub.sendAck(wire.PacketPubAck, received.PacketID)

	// The message was persisted to the topic's shard.
	require.Eventually(t, func() bool {
		records, err := node.broker.deps.Engine.ReadByOffset(context.Background(), MessageNamespace, "sport/tennis", 0, 10, 0)
		return err == nil && len(records) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	node := startTestNode(t)
	require.NoError(t, node.svc.CreateUser(mqttmeta.User{Username: "u1", Password: "pw"}))

	pub := dialClient(t, node.addr)
	pub.connect("p1", "u1", "pw")
	pub.publish(0, "news/alpha", wire.AtMostOnce, true, []byte("r1"))

	// Retained state is replicated before the ack-less QoS0 publish
	// returns, but give the broker a beat to process.
	require.Eventually(t, func() bool {
		_, ok := node.tables.Retained("news/alpha")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	sub := dialClient(t, node.addr)
	sub.connect("c2", "u1", "pw")
	// The retained replay runs while the SUBSCRIBE is processed, so the
	// retained PUBLISH reaches the client ahead of the SUBACK (MQTT allows
	// either order).
	require.NoError(t, (&wire.Subscribe{
		Version:  wire.ProtocolV4,
		PacketID: 1,
		Filters:  []wire.SubscribeFilter{{Topic: "news/alpha", Options: wire.SubscribeOptions{QoS: wire.AtMostOnce}}},
	}).Encode(sub.conn))

	_, pkt := sub.readPacket()
	received := pkt.(*wire.Publish)
	require.Equal(t, "news/alpha", received.Topic)
	require.Equal(t, []byte("r1"), received.Payload)
	require.True(t, received.Retain)

	fh, err := wire.ReadFixedHeader(sub.reader)
	require.NoError(t, err)
	require.Equal(t, wire.PacketSubAck, fh.Type)
}

func TestBlacklistedUserRejected(t *testing.T) {
	node := startTestNode(t)
	require.NoError(t, node.svc.CreateUser(mqttmeta.User{Username: "mallory", Password: "x"}))
	require.NoError(t, node.svc.CreateBlacklist(mqttmeta.BlacklistEntry{
		Kind:         mqttmeta.BlacklistUser,
		ResourceName: "mallory",
	}))

	c := dialClient(t, node.addr)
	ack := c.connect("c3", "mallory", "x")
	require.Equal(t, wire.ConnectNotAuthorized, ack.ReturnCode)
}

func TestFlappingClientBanned(t *testing.T) {
	node := startTestNode(t)
	require.NoError(t, node.svc.CreateUser(mqttmeta.User{Username: "u1", Password: "pw"}))
	require.NoError(t, node.svc.SetFlappingDetectPolicy(mqttmeta.FlappingDetectPolicy{
		Enable:               true,
		WindowTimeSec:        60,
		MaxClientConnections: 2,
		BanTimeSec:           300,
	}))

	for i := 0; i < 2; i++ {
		c := dialClient(t, node.addr)
		ack := c.connect("flappy", "u1", "pw")
		require.Equal(t, wire.ConnectAccepted, ack.ReturnCode)
		c.conn.Close()
	}

	// The third reconnect inside the window trips the ban.
	c := dialClient(t, node.addr)
	ack := c.connect("flappy", "u1", "pw")
	require.Equal(t, wire.ConnectNotAuthorized, ack.ReturnCode)
}

func TestACLDenyOnPublish(t *testing.T) {
	node := startTestNode(t)
	require.NoError(t, node.svc.CreateUser(mqttmeta.User{Username: "u1", Password: "pw"}))
	require.NoError(t, node.svc.CreateACL(mqttmeta.ACLRule{
		ResourceType: mqttmeta.ACLResourceClientID,
		ResourceName: "c3",
		Topic:        "secret",
		IP:           "*",
		Action:       mqttmeta.ACLActionPublish,
		Permission:   mqttmeta.ACLPermissionDeny,
	}))

	c := dialClient(t, node.addr)
	ack := c.connect("c3", "u1", "pw")
	require.Equal(t, wire.ConnectAccepted, ack.ReturnCode)

	// v3/v4 have no way to refuse a publish: the denied message is
	// silently dropped and the connection stays healthy. The next
	// allowed publish acks normally, proving the first produced
	// nothing.
	c.publish(1, "secret", wire.AtLeastOnce, false, []byte("x"))
	c.publish(2, "open", wire.AtLeastOnce, false, []byte("y"))

	_, pkt := c.readPacket()
	pubAck := pkt.(*wire.SimpleAck)
	require.Equal(t, wire.PacketPubAck, pubAck.Type)
	require.Equal(t, uint16(2), pubAck.PacketID)
}
