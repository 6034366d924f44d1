// Package processor implements the MQTT packet-handling service:
// CONNECT validation, and the publish/subscribe/disconnect control flow
// shared across protocol versions. v3/v4/v5 share a single
// version-dispatched code path instead of near-duplicate per-version
// loops.
package processor

import (
	"time"

	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/consensus"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/mqtt/auth"
	"github.com/robustmq/robustmq/internal/mqtt/session"
	"github.com/robustmq/robustmq/internal/mqtt/subscribe"
	"github.com/robustmq/robustmq/internal/mqtt/wire"
	"github.com/robustmq/robustmq/internal/rerror"
)

// Proposer is the subset of *consensus.Group the processor needs: submit
// a control-plane change to the MQTT consensus group.
type Proposer interface {
	Propose(data consensus.StorageData, timeout time.Duration) error
}

// Config bounds the limits CONNECT validation and runtime enforcement
// check against, mirroring the enforced limits.
type Config struct {
	MaxPacketSize     uint32
	ReceiveMaximum    uint16
	TopicAliasMaximum uint16
	ServerKeepAlive   uint16
	MaxQoS            byte
	ProposeTimeout    time.Duration
}

// DefaultConfig returns the limits used when the configuration leaves
// them unset: MQTT's own defaults for receive maximum, topic alias
// maximum and maximum QoS, plus a 1 MiB packet size cap, a 60s server
// keepalive and a 5s propose timeout.
func DefaultConfig() Config {
	return Config{
		MaxPacketSize:     1 << 20,
		ReceiveMaximum:    65535,
		TopicAliasMaximum: 0,
		ServerKeepAlive:   60,
		MaxQoS:            2,
		ProposeTimeout:    5 * time.Second,
	}
}

// PersistFunc stores an authorized publish in the message store before
// the ack and fan-out. Installed by the broker; nil means in-memory fan-out only.
type PersistFunc func(topic string, payload []byte, qos byte) error

// Processor is the shared service layer driving CONNECT/PUBLISH/
// SUBSCRIBE/UNSUBSCRIBE/DISCONNECT handling for every protocol version.
type Processor struct {
	cfg      Config
	tables   *mqttmeta.Tables
	auth     *auth.Driver
	sessions *session.Manager
	registry *subscribe.Registry
	tracker  *subscribe.Tracker
	inflight *subscribe.InflightLimiter
	propose  Proposer
	persist  PersistFunc
	logger   *zap.Logger
}

// SetPersister installs the message-store write hook, called once during
// broker startup.
func (p *Processor) SetPersister(fn PersistFunc) { p.persist = fn }

// New builds a Processor wiring every MQTT subsystem together.
func New(cfg Config, tables *mqttmeta.Tables, authDriver *auth.Driver, sessions *session.Manager, registry *subscribe.Registry, tracker *subscribe.Tracker, inflight *subscribe.InflightLimiter, propose Proposer, logger *zap.Logger) *Processor {
	return &Processor{
		cfg: cfg, tables: tables, auth: authDriver, sessions: sessions,
		registry: registry, tracker: tracker, inflight: inflight,
		propose: propose, logger: logger,
	}
}

// HandleConnect validates a CONNECT packet (protocol name, level and
// reserved bit are already enforced by wire.DecodeConnect) and, if
// accepted, proposes the client's Session.
func (p *Processor) HandleConnect(connectID uint64, sourceIP string, c *wire.Connect) (*wire.ConnAck, error) {
	if reason, ok := p.validateConnect(c); !ok {
		return p.connAckReject(c.Version, reason), nil
	}

	if !p.auth.Authenticate(c.ClientID, c.Username, c.Password) {
		return p.connAckReject(c.Version, wire.ReasonBadUserNameOrPassword), nil
	}
	if p.auth.Blacklisted(c.Username, c.ClientID, sourceIP) {
		return p.connAckReject(c.Version, wire.ReasonNotAuthorized), nil
	}

	_, hadSession := p.tables.Session(c.ClientID)
	sessionPresent := hadSession && !c.CleanSession

	var sessionExpiry uint32
	if c.Properties != nil && c.Properties.SessionExpiryInterval != nil {
		sessionExpiry = *c.Properties.SessionExpiryInterval
	}
	sess := mqttmeta.Session{
		ClientID:              c.ClientID,
		SessionExpiryInterval: sessionExpiry,
		CleanSession:          c.CleanSession,
		ConnectionID:          &connectID,
		IsContainLastWill:     c.WillFlag,
	}
	if err := p.proposeSession(sess); err != nil {
		return nil, err
	}

	receiveMax := p.cfg.ReceiveMaximum
	if c.Properties != nil && c.Properties.ReceiveMaximum != nil {
		receiveMax = *c.Properties.ReceiveMaximum
	}
	p.inflight.SetLimit(c.ClientID, receiveMax)
	p.sessions.Touch(c.ClientID, byte(c.Version), c.KeepAlive)

	conn := mqttmeta.Connection{
		ConnectID:     connectID,
		ClientID:      c.ClientID,
		LoginUser:     c.Username,
		SourceIP:      sourceIP,
		Protocol:      byte(c.Version),
		KeepAlive:     c.KeepAlive,
		ReceiveMax:    receiveMax,
		MaxPacketSize: p.cfg.MaxPacketSize,
		TopicAliasMax: p.cfg.TopicAliasMaximum,
		IsLogin:       true,
	}
	p.tables.SetConnection(conn)

	ack := &wire.ConnAck{
		Version:        c.Version,
		SessionPresent: sessionPresent,
		ReturnCode:     wire.ConnectAccepted,
		ReasonCode:     wire.ReasonSuccess,
	}
	if c.Version == wire.ProtocolV5 {
		keepAlive := p.cfg.ServerKeepAlive
		ack.Properties = &wire.Properties{ServerKeepAlive: &keepAlive}
	}
	return ack, nil
}

// validateConnect runs the ClientId/clean_session, will-flag/QoS/retain
// and username/password-flag consistency checks, in that order, before
// any auth or consensus work happens.
func (p *Processor) validateConnect(c *wire.Connect) (wire.ReasonCode, bool) {
	if c.ClientID == "" && !c.CleanSession {
		return wire.ReasonClientIDNotValid, false
	}
	if !c.WillFlag && (c.WillQoS != wire.AtMostOnce || c.WillRetain) {
		return wire.ReasonProtocolError, false
	}
	if c.WillQoS > wire.ExactlyOnce {
		return wire.ReasonProtocolError, false
	}
	if !c.UsernameFlag && c.Username != "" {
		return wire.ReasonProtocolError, false
	}
	if !c.PasswordFlag && len(c.Password) > 0 {
		return wire.ReasonProtocolError, false
	}
	return wire.ReasonSuccess, true
}

func (p *Processor) connAckReject(version wire.ProtocolVersion, reason wire.ReasonCode) *wire.ConnAck {
	return &wire.ConnAck{
		Version:    version,
		ReturnCode: wire.ConnAckReasonFromReturnCode(reason),
		ReasonCode: reason,
	}
}

func (p *Processor) proposeSession(s mqttmeta.Session) error {
	data, err := consensus.EncodeStorageData(consensus.TypeSessionSet, s)
	if err != nil {
		return rerror.Wrap(rerror.IO, err, "processor: encode session")
	}
	return p.propose.Propose(data, p.cfg.ProposeTimeout)
}

// HandleDisconnect tears down connectID's runtime state. willPublish
// reports whether the will message should be delivered (true unless the
// client sent DISCONNECT with reason NormalDisconnection, which per the
// MQTT spec suppresses the will).
func (p *Processor) HandleDisconnect(connectID uint64, clientID string, d *wire.Disconnect) (willPublish bool) {
	p.tables.DeleteConnection(connectID)
	p.tracker.Abandon(clientID)
	p.inflight.Forget(clientID)
	return d == nil || d.ReasonCode != wire.ReasonNormalDisconnection
}
