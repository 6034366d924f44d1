// Package rerror defines the error-kind taxonomy shared across RobustMQ's
// core subsystems. It wraps github.com/cockroachdb/errors so every error
// keeps a stack trace while still being classifiable by kind for the
// propagation policy (surface to client, retry locally, or exit).
package rerror

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies an error for the purposes of client-facing surfacing,
// local retry, or fatal process exit.
type Kind int

const (
	// Unknown is the zero value; treated as Resource for propagation.
	Unknown Kind = iota
	// Protocol covers malformed packets, bad protocol name/level, reserved
	// bits, invalid QoS, topic alias out of range, receive-maximum exceeded.
	Protocol
	// Authorization covers not-authorized, blacklist, ACL deny, session
	// takeover rejection.
	Authorization
	// Resource covers missing topic/shard/segment, no replicas, pkid
	// exhaustion, segment CAS mismatch.
	Resource
	// Transport covers connection loss, closed write queue, TLS handshake
	// failure.
	Transport
	// Consensus covers not-leader, proposal timeout, apply divergence.
	Consensus
	// IO covers filesystem, KV and serialization errors.
	IO
	// Config covers missing required fields, invalid values, malformed URLs.
	Config
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Authorization:
		return "authorization"
	case Resource:
		return "resource"
	case Transport:
		return "transport"
	case Consensus:
		return "consensus"
	case IO:
		return "io"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// kindError attaches a Kind to a wrapped cause.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.cause) }
func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Cause() error  { return e.cause }

// Wrap annotates err with kind, adding a stack trace if err does not
// already carry one. Returns nil if err is nil.
func Wrap(kind Kind, err error, msgAndArgs ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := errors.WithStack(err)
	if len(msgAndArgs) > 0 {
		if msg, ok := msgAndArgs[0].(string); ok {
			wrapped = errors.Wrapf(wrapped, msg, msgAndArgs[1:]...)
		}
	}
	return &kindError{kind: kind, cause: wrapped}
}

// New creates a new error of the given kind with a stack trace.
func New(kind Kind, msg string, args ...interface{}) error {
	return &kindError{kind: kind, cause: errors.Newf(msg, args...)}
}

// KindOf returns the Kind attached to err, or Unknown if err (or any error
// in its chain) never passed through Wrap/New.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fatal reports whether a Kind's propagation policy is process exit.
func (k Kind) Fatal() bool {
	return k == Consensus
}
