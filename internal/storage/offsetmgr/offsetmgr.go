// Package offsetmgr buffers consumer-offset commits and flushes them in
// batches through the metadata service: a write-behind
// buffer keyed by (group, topic_id, shard), a background flusher on an
// interval, an explicit flush for shutdown, and reads where the buffer
// wins over the persisted value.
package offsetmgr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/logging"
	"github.com/robustmq/robustmq/internal/metadata/offsetmeta"
)

// Committer is the slice of the metadata service the manager flushes
// through; *metadata.Service satisfies it.
type Committer interface {
	CommitOffsets(offsets []offsetmeta.ConsumerOffset) error
	GetOffset(ctx context.Context, groupID, topicID, shardName string) (uint64, bool, error)
}

// Manager is the write-behind consumer-offset buffer.
type Manager struct {
	committer Committer
	interval  time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	buffer map[string]offsetmeta.ConsumerOffset
}

func bufferKey(groupID, topicID, shardName string) string {
	return groupID + "\x00" + topicID + "\x00" + shardName
}

// NewManager creates a manager flushing every interval.
func NewManager(committer Committer, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Manager{
		committer: committer,
		interval:  interval,
		logger:    logging.Named("offsetmgr"),
		buffer:    make(map[string]offsetmeta.ConsumerOffset),
	}
}

// Commit records a consumer group's position. Offsets are monotonic: a
// commit below the buffered value is dropped.
func (m *Manager) Commit(groupID, topicID, shardName string, offset uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bufferKey(groupID, topicID, shardName)
	if cur, ok := m.buffer[key]; ok && cur.Offset >= offset {
		return
	}
	m.buffer[key] = offsetmeta.ConsumerOffset{
		GroupID:   groupID,
		TopicID:   topicID,
		ShardName: shardName,
		Offset:    offset,
	}
}

// Read returns the group's position for one shard, preferring the
// unflushed buffer over the persisted projection.
func (m *Manager) Read(ctx context.Context, groupID, topicID, shardName string) (uint64, bool, error) {
	m.mu.Lock()
	buffered, ok := m.buffer[bufferKey(groupID, topicID, shardName)]
	m.mu.Unlock()
	if ok {
		return buffered.Offset, true, nil
	}
	return m.committer.GetOffset(ctx, groupID, topicID, shardName)
}

// Flush writes every buffered offset in one batched commit. On error the
// buffer is retained so the next flush retries.
func (m *Manager) Flush() error {
	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return nil
	}
	batch := make([]offsetmeta.ConsumerOffset, 0, len(m.buffer))
	for _, o := range m.buffer {
		batch = append(batch, o)
	}
	m.mu.Unlock()

	if err := m.committer.CommitOffsets(batch); err != nil {
		return err
	}

	m.mu.Lock()
	for _, o := range batch {
		key := bufferKey(o.GroupID, o.TopicID, o.ShardName)
		if cur, ok := m.buffer[key]; ok && cur.Offset <= o.Offset {
			delete(m.buffer, key)
		}
	}
	m.mu.Unlock()
	return nil
}

// Run flushes on the interval until ctx is cancelled, then performs
// one final flush so shutdown never strands buffered offsets.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.Flush(); err != nil {
				m.logger.Error("final offset flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := m.Flush(); err != nil {
				m.logger.Warn("offset flush failed", zap.Error(err))
			}
		}
	}
}
