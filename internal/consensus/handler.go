package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robustmq/robustmq/internal/kv"
	"github.com/robustmq/robustmq/internal/rerror"
)

// Handler applies one StorageData payload to the KV store. Handlers must
// be total, deterministic functions across replicas:
// create is idempotent, delete tolerates missing entries, and compound
// operations are expressed as multiple independently-idempotent entries
// rather than one handler mutating several unrelated keys.
type Handler func(ctx context.Context, store kv.Store, payload []byte) error

// Rejection is a deterministic handler outcome that is NOT apply
// divergence: every replica evaluates the same KV state and reaches the
// same verdict, so the log stays consistent and the node stays up. Used
// for compare-and-swap style entries (e.g. UpdateSegmentStatus whose
// cur_status no longer matches), which must fail without side effects
// rather than kill the node.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "consensus: rejected: " + r.Reason }

// Reject builds a Rejection with a formatted reason.
func Reject(format string, args ...interface{}) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a deterministic handler rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// NotifyFunc is called after a handler's batched write commits, so the
// cluster registry and local caches can react. Cross-node
// cache coherence is a separate concern, delivered by the broker call
// manager (internal/callmgr) as a side effect of the leader's apply.
type NotifyFunc func(dataType string, payload []byte)

// Registry maps StorageData.Type to its Handler, one per consensus
// group.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs the handler for dataType. Registering the same type
// twice is a programmer error and panics; misconfiguration should fail
// at startup, not at apply time.
func (r *Registry) Register(dataType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[dataType]; exists {
		panic("consensus: handler already registered for type " + dataType)
	}
	r.handlers[dataType] = h
}

// Dispatch looks up and runs the handler for data.Type.
func (r *Registry) Dispatch(ctx context.Context, store kv.Store, data StorageData) error {
	r.mu.RLock()
	h, ok := r.handlers[data.Type]
	r.mu.RUnlock()
	if !ok {
		return rerror.New(rerror.Resource, "consensus: no handler registered for type %q", data.Type)
	}
	return h(ctx, store, data.Payload)
}
