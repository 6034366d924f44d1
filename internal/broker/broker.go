// Package broker wires the MQTT front end together: transport listeners,
// the per-connection packet loop, the QoS retry sweeper, keepalive GC and
// the bounded shutdown ordering (accepts stop -> grace
// period -> offset flush -> storage stop -> metadata stop; the last three
// belong to the process lifecycle in cmd/).
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/cluster"
	"github.com/robustmq/robustmq/internal/config"
	"github.com/robustmq/robustmq/internal/logging"
	"github.com/robustmq/robustmq/internal/metadata"
	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
	"github.com/robustmq/robustmq/internal/mqtt/auth"
	"github.com/robustmq/robustmq/internal/mqtt/processor"
	"github.com/robustmq/robustmq/internal/mqtt/session"
	"github.com/robustmq/robustmq/internal/mqtt/subscribe"
	"github.com/robustmq/robustmq/internal/storage"
	"github.com/robustmq/robustmq/internal/storage/offsetmgr"
	"github.com/robustmq/robustmq/internal/storage/pipeline"
	"github.com/robustmq/robustmq/internal/transport"
)

// MessageNamespace is the storage-engine namespace MQTT topics persist
// under; each topic maps to one shard named by its topic name.
const MessageNamespace = "mqtt"

// shutdownGrace is the drain window for in-flight MQTT processing after
// accepts stop.
const shutdownGrace = 3 * time.Second

// Deps carries the subsystems the broker is wired over.
type Deps struct {
	Tables *mqttmeta.Tables
	Meta   *metadata.Service
	// Engine, when non-nil, persists every accepted publish before ack
	// and fan-out. A nil engine runs the broker memory-only (tests).
	Engine *storage.Engine
	// Offsets backs the catch-up pushers of persistent sessions.
	Offsets *offsetmgr.Manager
	Status  *cluster.StatusMachine
}

// Broker runs the MQTT network servers.
type Broker struct {
	cfg    config.Config
	deps   Deps
	logger *zap.Logger

	tables    *mqttmeta.Tables
	sessions  *session.Manager
	registry  *subscribe.Registry
	tracker   *subscribe.Tracker
	inflight  *subscribe.InflightLimiter
	processor *processor.Processor

	listener *transport.MultiListener

	connMu sync.RWMutex
	conns  map[string]*clientConn // client_id -> live connection

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires a Broker. The processor, subscription registry and delivery
// tracker are constructed here; callers supply the shared caches and
// services through deps.
func New(cfg config.Config, deps Deps) *Broker {
	b := &Broker{
		cfg:      cfg,
		deps:     deps,
		logger:   logging.Named("broker"),
		tables:   deps.Tables,
		registry: subscribe.NewRegistry(),
		tracker:  subscribe.NewTracker(30 * time.Second),
		inflight: subscribe.NewInflightLimiter(),
		conns:    make(map[string]*clientConn),
	}
	b.sessions = session.NewManager(deps.Tables, b.logger, b.closeClient)

	pcfg := processor.DefaultConfig()
	b.processor = processor.New(pcfg, deps.Tables, auth.NewDriver(deps.Tables), b.sessions,
		b.registry, b.tracker, b.inflight, deps.Meta.MQTTProposer(), b.logger)
	if deps.Engine != nil {
		b.processor.SetPersister(b.persistPublish)
	}
	return b
}

// Processor exposes the packet processor for tests and the admin
// boundary.
func (b *Broker) Processor() *processor.Processor { return b.processor }

// Addr returns the primary (TCP) listener address, useful when the
// configured port is 0.
func (b *Broker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Start binds every configured transport and launches the accept loop,
// the QoS retry sweeper and the keepalive sweeper.
func (b *Broker) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	listeners, err := b.bind()
	if err != nil {
		return err
	}
	b.listener = transport.NewMultiListener(listeners...)

	b.wg.Add(1)
	go b.acceptLoop(ctx)

	b.wg.Add(1)
	go b.retryLoop(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sessions.Run(ctx, time.Second, b.liveClientIDs)
	}()

	if b.deps.Status != nil {
		if err := b.deps.Status.Transition(cluster.StatusRunning); err != nil {
			return err
		}
	}

	b.logger.Info("broker started",
		zap.Int("tcp_port", b.cfg.Network.TCPPort),
		zap.Int("websocket_port", b.cfg.Network.WebSocketPort))
	return nil
}

func (b *Broker) bind() ([]net.Listener, error) {
	var listeners []net.Listener

	tcp, err := transport.Listen(transport.NetworkTCP, fmt.Sprintf(":%d", b.cfg.Network.TCPPort), nil)
	if err != nil {
		return nil, err
	}
	listeners = append(listeners, tcp)

	ws, err := transport.Listen(transport.NetworkWS, fmt.Sprintf(":%d", b.cfg.Network.WebSocketPort), nil)
	if err != nil {
		return nil, err
	}
	listeners = append(listeners, ws)

	tlsConfig, err := b.tlsConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		tcps, err := transport.Listen(transport.NetworkTLS, fmt.Sprintf(":%d", b.cfg.Network.TCPSPort), tlsConfig)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, tcps)

		wss, err := transport.Listen(transport.NetworkWSS, fmt.Sprintf(":%d", b.cfg.Network.WebSocketSPort), tlsConfig)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, wss)

		quic, err := transport.Listen(transport.NetworkQUIC, fmt.Sprintf(":%d", b.cfg.Network.QUICPort), tlsConfig)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, quic)
	}
	return listeners, nil
}

func (b *Broker) tlsConfig() (*tls.Config, error) {
	if b.cfg.Network.TLSCert == "" || b.cfg.Network.TLSKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(b.cfg.Network.TLSCert, b.cfg.Network.TLSKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"mqtt"}}, nil
}

func (b *Broker) acceptLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		c := newClientConn(b, conn)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.run(ctx)
		}()
	}
}

// retryLoop drives the QoS1/QoS2 retry state machines:
// every second it sweeps the tracker for expired waits and re-sends the
// step each entry is stuck on, DUP set.
func (b *Broker) retryLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, r := range b.tracker.Sweep(now) {
				b.resend(r.Pending)
			}
		}
	}
}

func (b *Broker) resend(p subscribe.Pending) {
	b.connMu.RLock()
	c, ok := b.conns[p.ClientID]
	b.connMu.RUnlock()
	if !ok {
		b.tracker.Abandon(p.ClientID)
		return
	}
	if err := c.resend(p); err != nil {
		b.logger.Debug("resend failed", zap.String("client_id", p.ClientID), zap.Error(err))
	}
}

func (b *Broker) liveClientIDs() []string {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	out := make([]string, 0, len(b.conns))
	for id := range b.conns {
		out = append(out, id)
	}
	return out
}

// closeClient tears down a client's transport connection, used by the
// keepalive sweeper.
func (b *Broker) closeClient(clientID string) {
	b.connMu.RLock()
	c, ok := b.conns[clientID]
	b.connMu.RUnlock()
	if ok {
		c.close()
	}
}

func (b *Broker) addConn(c *clientConn) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if prev, ok := b.conns[c.clientID]; ok && prev != c {
		// Session takeover: the newer connection wins, the older one is
		// closed (MQTT 3.1.1 §3.1.4, MQTT 5 §3.1.4).
		prev.close()
	}
	b.conns[c.clientID] = c
}

func (b *Broker) removeConn(c *clientConn) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if cur, ok := b.conns[c.clientID]; ok && cur == c {
		delete(b.conns, c.clientID)
	}
}

// persistPublish writes an accepted publish into the message store,
// lazily creating the topic record and its shard on first touch.
func (b *Broker) persistPublish(topic string, payload []byte, qos byte) error {
	if err := b.ensureTopic(topic); err != nil {
		return err
	}
	_, err := b.deps.Engine.Write(context.Background(), pipeline.Request{
		Namespace: MessageNamespace,
		ShardName: topic,
		Payload:   payload,
	})
	return err
}

func (b *Broker) ensureTopic(topic string) error {
	if _, ok := b.tables.Topic(topic); ok {
		return nil
	}
	record := mqttmeta.Topic{
		TopicID:     uuid.NewString(),
		TopicName:   topic,
		ClusterName: b.cfg.Cluster.ClusterName,
	}
	data, err := encodeTopicSet(record)
	if err != nil {
		return err
	}
	if err := b.deps.Meta.MQTTProposer().Propose(data, 5*time.Second); err != nil {
		return err
	}
	if _, err := b.deps.Meta.GetShard(context.Background(), MessageNamespace, topic); err == nil {
		return nil
	}
	return b.deps.Engine.CreateShard(b.cfg.Cluster.ClusterName, MessageNamespace, topic, 1)
}

// Shutdown runs the broker's slice of the shutdown ordering: stop
// accepting, give in-flight processing the grace period, then close the
// remaining connections.
func (b *Broker) Shutdown() {
	if b.deps.Status != nil {
		if err := b.deps.Status.Transition(cluster.StatusStopping); err != nil {
			b.logger.Warn("status transition", zap.Error(err))
		}
	}
	if b.listener != nil {
		b.listener.Close()
	}
	time.Sleep(shutdownGrace)

	b.connMu.Lock()
	conns := make([]*clientConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.connMu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.logger.Info("broker stopped")
}

// publishWill delivers a client's stored will message and clears it.
func (b *Broker) publishWill(clientID string) {
	will, ok := b.tables.Will(clientID)
	if !ok {
		return
	}
	if will.Retain {
		m := mqttmeta.RetainedMessage{Topic: will.Topic, Payload: will.Payload, QoS: will.QoS}
		data, err := encodeRetainSet(m)
		if err == nil {
			if perr := b.deps.Meta.MQTTProposer().Propose(data, 5*time.Second); perr != nil {
				b.logger.Warn("will retain propose failed", zap.Error(perr))
			}
		}
	}
	b.registry.Publish(subscribe.Message{Topic: will.Topic, Payload: will.Payload, QoS: will.QoS, Retain: will.Retain})
	if err := b.deps.Meta.DeleteWillMessage(clientID); err != nil {
		b.logger.Warn("will delete failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// StartPusher launches a catch-up pusher reading a persistent session's
// stored messages forward from its consumer offset, delivering through
// the given function until ctx ends.
func (b *Broker) StartPusher(ctx context.Context, clientID, topicName string, deliver func(subscribe.Message) error) {
	if b.deps.Engine == nil || b.deps.Offsets == nil {
		return
	}
	topic, ok := b.tables.Topic(topicName)
	if !ok {
		return
	}
	p := &subscribe.Pusher{
		Namespace: MessageNamespace,
		ShardName: topicName,
		TopicName: topicName,
		TopicID:   topic.TopicID,
		GroupID:   clientID,
		Deliver:   deliver,
		Offsets:   b.deps.Offsets,
		Log:       b.deps.Engine,
		Logger:    b.logger,
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		p.Run(ctx)
	}()
}
