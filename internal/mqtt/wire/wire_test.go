package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectRoundTripV4(t *testing.T) {
	c := &Connect{
		ProtocolName: "MQTT",
		Version:      ProtocolV4,
		CleanSession: true,
		ClientID:     "c1",
		KeepAlive:    60,
	}
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf))

	br := bufio.NewReader(&buf)
	fh, err := ReadFixedHeader(br)
	require.NoError(t, err)
	require.Equal(t, PacketConnect, fh.Type)

	got, err := DecodeConnect(br, fh.RemainingLength)
	require.NoError(t, err)
	require.Equal(t, "c1", got.ClientID)
	require.True(t, got.CleanSession)
	require.Equal(t, uint16(60), got.KeepAlive)
}

func TestConnectRoundTripV5WithWill(t *testing.T) {
	sessionExpiry := uint32(30)
	c := &Connect{
		ProtocolName: "MQTT",
		Version:      ProtocolV5,
		CleanSession: false,
		ClientID:     "c2",
		KeepAlive:    30,
		Properties:   &Properties{SessionExpiryInterval: &sessionExpiry},
		WillFlag:     true,
		WillQoS:      AtLeastOnce,
		WillTopic:    "status/c2",
		WillPayload:  []byte("offline"),
		UsernameFlag: true,
		Username:     "alice",
		PasswordFlag: true,
		Password:     []byte("secret"),
	}
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf))

	br := bufio.NewReader(&buf)
	fh, err := ReadFixedHeader(br)
	require.NoError(t, err)

	got, err := DecodeConnect(br, fh.RemainingLength)
	require.NoError(t, err)
	require.Equal(t, "c2", got.ClientID)
	require.True(t, got.WillFlag)
	require.Equal(t, "status/c2", got.WillTopic)
	require.Equal(t, []byte("offline"), got.WillPayload)
	require.Equal(t, "alice", got.Username)
	require.Equal(t, []byte("secret"), got.Password)
	require.NotNil(t, got.Properties.SessionExpiryInterval)
	require.Equal(t, uint32(30), *got.Properties.SessionExpiryInterval)
}

func TestPublishRoundTripQoS1(t *testing.T) {
	p := &Publish{
		Version:  ProtocolV4,
		QoS:      AtLeastOnce,
		Topic:    "sport/tennis",
		PacketID: 42,
		Payload:  []byte("ping"),
	}
	var buf bytes.Buffer
	require.NoError(t, p.Encode(&buf))

	br := bufio.NewReader(&buf)
	fh, err := ReadFixedHeader(br)
	require.NoError(t, err)
	require.Equal(t, PacketPublish, fh.Type)

	got, err := DecodePublish(br, ProtocolV4, fh.Flags, fh.RemainingLength)
	require.NoError(t, err)
	require.Equal(t, "sport/tennis", got.Topic)
	require.Equal(t, uint16(42), got.PacketID)
	require.Equal(t, []byte("ping"), got.Payload)
}

func TestSubscribeRoundTrip(t *testing.T) {
	s := &Subscribe{
		Version:  ProtocolV4,
		PacketID: 7,
		Filters: []SubscribeFilter{
			{Topic: "sport/#", Options: SubscribeOptions{QoS: AtLeastOnce}},
			{Topic: "news/+", Options: SubscribeOptions{QoS: AtMostOnce}},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, s.Encode(&buf))

	br := bufio.NewReader(&buf)
	fh, err := ReadFixedHeader(br)
	require.NoError(t, err)

	got, err := DecodeSubscribe(br, ProtocolV4, fh.RemainingLength)
	require.NoError(t, err)
	require.Len(t, got.Filters, 2)
	require.Equal(t, "sport/#", got.Filters[0].Topic)
	require.Equal(t, AtLeastOnce, got.Filters[0].Options.QoS)
}

func TestSimpleAckCompactV5(t *testing.T) {
	a := &SimpleAck{Type: PacketPubAck, Version: ProtocolV5, PacketID: 9, ReasonCode: ReasonSuccess}
	var buf bytes.Buffer
	require.NoError(t, a.Encode(&buf))
	require.Equal(t, 4, buf.Len()) // fixed header (2) + 2-byte packet id, no reason code

	br := bufio.NewReader(&buf)
	fh, err := ReadFixedHeader(br)
	require.NoError(t, err)
	got, err := DecodeSimpleAck(br, PacketPubAck, ProtocolV5, fh.RemainingLength)
	require.NoError(t, err)
	require.Equal(t, uint16(9), got.PacketID)
	require.Equal(t, ReasonSuccess, got.ReasonCode)
}

func TestVariableIntSizeBoundaries(t *testing.T) {
	require.Equal(t, 1, VariableIntSize(127))
	require.Equal(t, 2, VariableIntSize(128))
	require.Equal(t, 2, VariableIntSize(16383))
	require.Equal(t, 3, VariableIntSize(16384))
	require.Equal(t, 4, VariableIntSize(2097152))
}
