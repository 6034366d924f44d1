package subscribe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/storage"
	"github.com/robustmq/robustmq/internal/storage/offsetmgr"
)

// ReadLog is the slice of the storage engine a pusher reads from;
// *storage.Engine satisfies it.
type ReadLog interface {
	ReadByOffset(ctx context.Context, namespace, shardName string, startOffset uint64, maxRecords int, maxBytes int64) ([]storage.Record, error)
}

// Pusher is the dedicated per-(client_id, topic_id) loop behind
// exclusive push: it reads forward from the consumer offset,
// delivers each stored record, and commits the advanced offset through
// the write-behind offset manager. Deliver blocking on the QoS1/QoS2
// handshake gives the loop its natural pacing.
type Pusher struct {
	Namespace string
	ShardName string
	TopicName string
	TopicID   string
	GroupID   string
	Deliver   func(Message) error
	Offsets   *offsetmgr.Manager
	Log       ReadLog
	// Interval is the idle poll interval once the shard is drained.
	Interval time.Duration
	Logger   *zap.Logger

	// BatchRecords bounds one read; defaults to 100.
	BatchRecords int
}

// Run pushes until ctx is cancelled or Deliver reports a terminal error
// (connection gone), committing offsets as it goes.
func (p *Pusher) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	batch := p.BatchRecords
	if batch <= 0 {
		batch = 100
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next, _, err := p.Offsets.Read(ctx, p.GroupID, p.TopicID, p.ShardName)
		if err != nil {
			p.warn("read offset", err)
			if !p.sleep(ctx, interval) {
				return
			}
			continue
		}

		records, err := p.Log.ReadByOffset(ctx, p.Namespace, p.ShardName, next, batch, 0)
		if err != nil {
			p.warn("read log", err)
			if !p.sleep(ctx, interval) {
				return
			}
			continue
		}
		if len(records) == 0 {
			if !p.sleep(ctx, interval) {
				return
			}
			continue
		}

		for _, rec := range records {
			msg := Message{Topic: p.TopicName, Payload: rec.Payload}
			if err := p.Deliver(msg); err != nil {
				// Connection loss abandons the delivery; the committed
				// offset keeps the record for the next session.
				p.warn("deliver", err)
				return
			}
			p.Offsets.Commit(p.GroupID, p.TopicID, p.ShardName, rec.Offset+1)
		}
	}
}

func (p *Pusher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (p *Pusher) warn(msg string, err error) {
	if p.Logger != nil {
		p.Logger.Warn("pusher: "+msg, zap.String("shard", p.ShardName), zap.Error(err))
	}
}
