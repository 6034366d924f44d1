// Package session allocates connect IDs and sweeps keepalive timeouts
// on top of internal/metadata/mqttmeta.Tables, the process-wide MQTT
// session cache.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/metadata/mqttmeta"
)

// Manager allocates connect IDs and periodically evicts connections whose
// keepalive has lapsed.
type Manager struct {
	tables    *mqttmeta.Tables
	logger    *zap.Logger
	nextID    atomic.Uint64
	onExpired func(clientID string)
}

// NewManager creates a session manager over tables. onExpired, if non-nil,
// is invoked (outside any lock) for every client whose keepalive lapses
// during Sweep, so the caller can tear down its transport connection.
func NewManager(tables *mqttmeta.Tables, logger *zap.Logger, onExpired func(clientID string)) *Manager {
	return &Manager{tables: tables, logger: logger, onExpired: onExpired}
}

// NextConnectID returns a process-unique, monotonically increasing
// connection ID.
func (m *Manager) NextConnectID() uint64 {
	return m.nextID.Add(1)
}

// Touch records that clientID sent a heartbeat-eligible packet just now
// (any MQTT control packet resets the keepalive clock per the MQTT spec).
func (m *Manager) Touch(clientID string, protocol byte, keepAlive uint16) {
	m.tables.SetHeartbeat(clientID, mqttmeta.Heartbeat{
		Protocol:      protocol,
		KeepAlive:     keepAlive,
		LastHeartbeat: time.Now(),
	})
}

// keepAliveTimeout grants the conventional 1.5x grace period; a zero
// keepalive disables the timeout entirely (MQTT 3.1.1 §3.1.2.10).
func keepAliveTimeout(keepAlive uint16) time.Duration {
	if keepAlive == 0 {
		return 0
	}
	return time.Duration(keepAlive) * time.Second * 3 / 2
}

// Expired reports whether clientID's keepalive has lapsed as of now.
func (m *Manager) Expired(clientID string, now time.Time) bool {
	hb, ok := m.tables.Heartbeat(clientID)
	if !ok {
		return false
	}
	timeout := keepAliveTimeout(hb.KeepAlive)
	if timeout == 0 {
		return false
	}
	return now.Sub(hb.LastHeartbeat) > timeout
}

// Sweep runs one pass over every client_id with a recorded heartbeat,
// invoking onExpired for each one whose keepalive has lapsed. The
// heartbeat record is left in place.
func (m *Manager) Sweep(now time.Time, clientIDs []string) {
	for _, clientID := range clientIDs {
		if !m.Expired(clientID, now) {
			continue
		}
		if m.logger != nil {
			m.logger.Debug("mqtt: keepalive timeout", zap.String("client_id", clientID))
		}
		if m.onExpired != nil {
			m.onExpired(clientID)
		}
	}
}

// Run sweeps every interval until ctx is cancelled. clientIDs is called
// fresh each tick so newly connected clients are picked up.
func (m *Manager) Run(ctx context.Context, interval time.Duration, clientIDs func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now, clientIDs())
		}
	}
}
