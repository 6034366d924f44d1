package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/mqtt/auth"
	"github.com/robustmq/robustmq/internal/mqtt/session"
	"github.com/robustmq/robustmq/internal/mqtt/subscribe"
	"github.com/robustmq/robustmq/internal/mqtt/wire"
)

type fakeProposer struct {
	proposed []consensus.StorageData
}

func (f *fakeProposer) Propose(data consensus.StorageData, timeout time.Duration) error {
	f.proposed = append(f.proposed, data)
	return nil
}

func newTestProcessor() (*Processor, *fakeProposer, *mqttmeta.Tables) {
	tables := mqttmeta.NewTables()
	driver := auth.NewDriver(tables)
	sessions := session.NewManager(tables, nil, nil)
	registry := subscribe.NewRegistry()
	tracker := subscribe.NewTracker(30 * time.Second)
	inflight := subscribe.NewInflightLimiter()
	fp := &fakeProposer{}
	p := New(DefaultConfig(), tables, driver, sessions, registry, tracker, inflight, fp, nil)
	return p, fp, tables
}

func TestHandleConnectAcceptsCleanSession(t *testing.T) {
	p, fp, _ := newTestProcessor()
	c := &wire.Connect{ProtocolName: "MQTT", Version: wire.ProtocolV4, CleanSession: true, ClientID: "c1", KeepAlive: 30}
	ack, err := p.HandleConnect(1, "10.0.0.1", c)
	require.NoError(t, err)
	require.Equal(t, wire.ConnectAccepted, ack.ReturnCode)
	require.Len(t, fp.proposed, 1)
	require.Equal(t, consensus.TypeSessionSet, fp.proposed[0].Type)
}

func TestHandleConnectRejectsInconsistentWill(t *testing.T) {
	p, _, _ := newTestProcessor()
	c := &wire.Connect{ProtocolName: "MQTT", Version: wire.ProtocolV4, CleanSession: true, ClientID: "c1", WillFlag: false, WillRetain: true}
	ack, err := p.HandleConnect(1, "10.0.0.1", c)
	require.NoError(t, err)
	require.Equal(t, wire.ConnectServerUnavailable, ack.ReturnCode) // ReasonProtocolError has no dedicated v3/v4 code
}

func TestHandleConnectRejectsBadPassword(t *testing.T) {
	p, _, tables := newTestProcessor()
	tables.SetUser(mqttmeta.User{Username: "alice", Password: "secret"})
	c := &wire.Connect{
		ProtocolName: "MQTT", Version: wire.ProtocolV4, CleanSession: true, ClientID: "c1",
		UsernameFlag: true, Username: "alice", PasswordFlag: true, Password: []byte("wrong"),
	}
	ack, err := p.HandleConnect(1, "10.0.0.1", c)
	require.NoError(t, err)
	require.Equal(t, wire.ConnectBadCredentials, ack.ReturnCode)
}

func TestHandlePublishQoS0FansOut(t *testing.T) {
	p, _, tables := newTestProcessor()
	var got []subscribe.Message
	require.NoError(t, p.registry.SubscribeExclusive("devices/1", &localSubscriber{
		clientID: "sub1",
		deliver:  func(m subscribe.Message) error { got = append(got, m); return nil },
	}))

	conn := mqttmeta.Connection{ClientID: "pub1", Protocol: byte(wire.ProtocolV4)}
	tables.SetConnection(conn)
	ack, err := p.HandlePublish(conn, &wire.Publish{Topic: "devices/1", Payload: []byte("on"), QoS: wire.AtMostOnce})
	require.NoError(t, err)
	require.Nil(t, ack)
	require.Len(t, got, 1)
	require.Equal(t, "on", string(got[0].Payload))
}

func TestHandlePublishQoS1Acks(t *testing.T) {
	p, _, _ := newTestProcessor()
	require.NoError(t, p.registry.SubscribeExclusive("devices/1", &localSubscriber{
		clientID: "sub1",
		deliver:  func(subscribe.Message) error { return nil },
	}))
	conn := mqttmeta.Connection{ClientID: "pub1", Protocol: byte(wire.ProtocolV4)}
	ack, err := p.HandlePublish(conn, &wire.Publish{Topic: "devices/1", PacketID: 9, QoS: wire.AtLeastOnce})
	require.NoError(t, err)
	require.NotNil(t, ack)
	require.Equal(t, wire.PacketPubAck, ack.Type)
	require.Equal(t, uint16(9), ack.PacketID)
	require.Equal(t, wire.ReasonSuccess, ack.ReasonCode)
}

func TestHandlePublishNoMatchingSubscribers(t *testing.T) {
	p, _, _ := newTestProcessor()
	conn := mqttmeta.Connection{ClientID: "pub1", Protocol: byte(wire.ProtocolV5)}
	ack, err := p.HandlePublish(conn, &wire.Publish{Topic: "devices/1", PacketID: 9, QoS: wire.AtLeastOnce})
	require.NoError(t, err)
	require.NotNil(t, ack)
	require.Equal(t, wire.ReasonNoMatchingSubscribers, ack.ReasonCode)
}

func TestHandlePublishDeniedByACL(t *testing.T) {
	p, _, tables := newTestProcessor()
	tables.SetACLRule(mqttmeta.ACLRule{
		ResourceType: mqttmeta.ACLResourceClientID, ResourceName: "pub1",
		Topic: "*", IP: "*", Action: mqttmeta.ACLActionPublish, Permission: mqttmeta.ACLPermissionDeny,
	})

	// v3/v4 have no negative PUBACK: the denied publish is silently
	// dropped.
	conn := mqttmeta.Connection{ClientID: "pub1", Protocol: byte(wire.ProtocolV4)}
	ack, err := p.HandlePublish(conn, &wire.Publish{Topic: "devices/1", PacketID: 1, QoS: wire.AtLeastOnce})
	require.NoError(t, err)
	require.Nil(t, ack)

	// v5 carries the reason code.
	conn5 := mqttmeta.Connection{ClientID: "pub1", Protocol: byte(wire.ProtocolV5)}
	ack, err = p.HandlePublish(conn5, &wire.Publish{Topic: "devices/1", PacketID: 1, QoS: wire.AtLeastOnce})
	require.NoError(t, err)
	require.NotNil(t, ack)
	require.Equal(t, wire.ReasonNotAuthorized, ack.ReasonCode)
}

func TestHandlePublishSchemaValidation(t *testing.T) {
	p, _, tables := newTestProcessor()
	require.NoError(t, tables.SetSchema(mqttmeta.Schema{
		Name:       "telemetry",
		SchemaType: "json",
		Schema:     `{"type":"object","required":["v"],"properties":{"v":{"type":"number"}}}`,
	}))
	tables.SetSchemaBinding(mqttmeta.SchemaBinding{SchemaName: "telemetry", Topic: "devices/1"})

	conn := mqttmeta.Connection{ClientID: "pub1", Protocol: byte(wire.ProtocolV5)}

	// Well-formed JSON that violates the schema is rejected.
	ack, err := p.HandlePublish(conn, &wire.Publish{Topic: "devices/1", PacketID: 1, QoS: wire.AtLeastOnce, Payload: []byte(`{"x":true}`)})
	require.NoError(t, err)
	require.NotNil(t, ack)
	require.Equal(t, wire.ReasonPayloadFormatInvalid, ack.ReasonCode)

	// A conforming payload passes.
	ack, err = p.HandlePublish(conn, &wire.Publish{Topic: "devices/1", PacketID: 2, QoS: wire.AtLeastOnce, Payload: []byte(`{"v":1.5}`)})
	require.NoError(t, err)
	require.NotNil(t, ack)
	require.Equal(t, wire.PacketPubAck, ack.Type)
	require.NotEqual(t, wire.ReasonPayloadFormatInvalid, ack.ReasonCode)
}

func TestHandleSubscribeGrantsAndProposes(t *testing.T) {
	p, fp, _ := newTestProcessor()
	conn := mqttmeta.Connection{ClientID: "c1", Protocol: byte(wire.ProtocolV4)}
	s := &wire.Subscribe{Version: wire.ProtocolV4, PacketID: 1, Filters: []wire.SubscribeFilter{
		{Topic: "sport/tennis", Options: wire.SubscribeOptions{QoS: wire.AtLeastOnce}},
	}}
	ack, err := p.HandleSubscribe(conn, func(subscribe.Message) error { return nil }, s)
	require.NoError(t, err)
	require.Equal(t, []wire.ReasonCode{wire.ReasonGrantedQoS1}, ack.ReasonCodes)
	require.Len(t, fp.proposed, 1)
	require.Equal(t, consensus.TypeSubscriptionSet, fp.proposed[0].Type)
}

func TestHandleSubscribeReplaysRetained(t *testing.T) {
	p, _, tables := newTestProcessor()
	tables.SetRetained(mqttmeta.RetainedMessage{Topic: "sport/tennis", Payload: []byte("score"), QoS: 0})

	var got []subscribe.Message
	conn := mqttmeta.Connection{ClientID: "c1", Protocol: byte(wire.ProtocolV4)}
	s := &wire.Subscribe{Version: wire.ProtocolV4, PacketID: 1, Filters: []wire.SubscribeFilter{
		{Topic: "sport/tennis", Options: wire.SubscribeOptions{QoS: wire.AtMostOnce}},
	}}
	_, err := p.HandleSubscribe(conn, func(m subscribe.Message) error { got = append(got, m); return nil }, s)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "score", string(got[0].Payload))
}

func TestHandleDisconnectClearsState(t *testing.T) {
	p, _, tables := newTestProcessor()
	tables.SetConnection(mqttmeta.Connection{ConnectID: 1, ClientID: "c1"})
	willPublish := p.HandleDisconnect(1, "c1", &wire.Disconnect{ReasonCode: wire.ReasonDisconnectWithWill})
	require.True(t, willPublish)
	_, ok := tables.Connection(1)
	require.False(t, ok)
}
