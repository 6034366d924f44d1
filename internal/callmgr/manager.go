package callmgr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/cluster"
	"github.com/robustmq/robustmq/internal/logging"
)

// CacheInvalidation is the MethodCacheInvalidate body: one committed
// consensus entry re-broadcast to every broker so their in-memory caches
// converge.
type CacheInvalidation struct {
	DataType string `json:"data_type"`
	Payload  []byte `json:"payload"`
}

// HeartbeatRequest is the MethodHeartbeat body.
type HeartbeatRequest struct {
	NodeID uint64    `json:"node_id"`
	Time   time.Time `json:"time"`
}

type call struct {
	targetNode uint64
	method     string
	body       []byte
}

// Manager queues typed call requests addressed to target node sets and
// forwards them through the per-node client pool, retrying with backoff
// until acknowledged or the target is declared dead.
type Manager struct {
	registry *cluster.Registry
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[uint64]*Client

	queue chan call
	wg    sync.WaitGroup
}

// NewManager creates a Manager over the cluster registry's liveness map.
func NewManager(registry *cluster.Registry) *Manager {
	return &Manager{
		registry: registry,
		logger:   logging.Named("callmgr"),
		clients:  make(map[uint64]*Client),
		queue:    make(chan call, 4096),
	}
}

// Start launches the forwarding workers.
func (m *Manager) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.forward(ctx)
	}
}

// Stop waits for the forwarding workers to drain after their context is
// cancelled.
func (m *Manager) Stop() {
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		c.Close()
	}
}

// BroadcastCacheInvalidation enqueues one committed entry for every
// target node. Called by the leader as a side effect after a successful
// apply.
func (m *Manager) BroadcastCacheInvalidation(dataType string, payload []byte, targets []uint64) {
	body, err := json.Marshal(CacheInvalidation{DataType: dataType, Payload: payload})
	if err != nil {
		m.logger.Error("encode invalidation", zap.Error(err))
		return
	}
	for _, nodeID := range targets {
		select {
		case m.queue <- call{targetNode: nodeID, method: MethodCacheInvalidate, body: body}:
		default:
			m.logger.Warn("call queue full, dropping invalidation",
				zap.Uint64("node_id", nodeID), zap.String("type", dataType))
		}
	}
}

func (m *Manager) forward(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.queue:
			m.deliver(ctx, c)
		}
	}
}

// deliver retries one call until it succeeds or the target is no longer
// alive per the registry.
func (m *Manager) deliver(ctx context.Context, c call) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	for {
		node, ok := m.registry.Node(c.targetNode)
		if !ok || !m.registry.IsAlive(c.targetNode, time.Now()) {
			m.logger.Info("dropping call to dead node", zap.Uint64("node_id", c.targetNode))
			m.dropClient(c.targetNode)
			return
		}

		client := m.client(c.targetNode, node.Addresses.InnerRPC)
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := client.Call(callCtx, c.method, c.body)
		cancel()
		if err == nil {
			return
		}

		m.logger.Debug("call failed, backing off",
			zap.Uint64("node_id", c.targetNode), zap.String("method", c.method), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}

func (m *Manager) client(nodeID uint64, addr string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[nodeID]; ok {
		return c
	}
	c := NewClient(addr)
	m.clients[nodeID] = c
	return c
}

func (m *Manager) dropClient(nodeID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[nodeID]; ok {
		c.Close()
		delete(m.clients, nodeID)
	}
}

// Heartbeater ticks a node's liveness to a meta member.
type Heartbeater struct {
	nodeID   uint64
	client   *Client
	interval time.Duration
	logger   *zap.Logger
}

// NewHeartbeater creates a heartbeater sending to metaAddr every
// interval.
func NewHeartbeater(nodeID uint64, metaAddr string, interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Heartbeater{
		nodeID:   nodeID,
		client:   NewClient(metaAddr),
		interval: interval,
		logger:   logging.Named("heartbeat"),
	}
}

// Run ticks until ctx is cancelled. Send failures back off and retry;
// the meta side fails the node after heartbeat_timeout of silence.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	b := &backoff.Backoff{Min: h.interval, Max: 30 * time.Second, Jitter: true}
	for {
		select {
		case <-ctx.Done():
			h.client.Close()
			return
		case <-ticker.C:
			body, _ := json.Marshal(HeartbeatRequest{NodeID: h.nodeID, Time: time.Now()})
			callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := h.client.Call(callCtx, MethodHeartbeat, body)
			cancel()
			if err != nil {
				h.logger.Warn("heartbeat failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.Duration()):
				}
				continue
			}
			b.Reset()
		}
	}
}

// RegisterMetaHandlers installs the meta-side handlers: heartbeat ticks
// update the liveness map, cache invalidations replay into the local
// apply-notify path.
func RegisterMetaHandlers(server *Server, registry *cluster.Registry, onInvalidate func(dataType string, payload []byte)) {
	server.Register(MethodHeartbeat, func(_ context.Context, body []byte) ([]byte, error) {
		var req HeartbeatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		registry.Heartbeat(req.NodeID, req.Time)
		return nil, nil
	})
	server.Register(MethodCacheInvalidate, func(_ context.Context, body []byte) ([]byte, error) {
		var inv CacheInvalidation
		if err := json.Unmarshal(body, &inv); err != nil {
			return nil, err
		}
		if onInvalidate != nil {
			onInvalidate(inv.DataType, inv.Payload)
		}
		return nil, nil
	})
}
