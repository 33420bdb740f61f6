// Package errs defines the error taxonomy shared by the protocol state
// machines. Every surfaced failure carries a Kind so callers (and the UI)
// can distinguish a dead socket from a coordinator rejection.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport covers socket-level failures: not connected, connect
	// timeout, unexpected close.
	KindTransport
	// KindProtocol covers explicit error envelopes from the coordinator.
	KindProtocol
	// KindAuth covers challenge/verify mismatches and missing auth state.
	KindAuth
	// KindChannel covers operations attempted without the required session
	// or channel/resize/close payload.
	KindChannel
	// KindSettlement covers on-chain submission failures.
	KindSettlement
	// KindSignaling covers peer negotiation failures on the broadcast topic.
	KindSignaling
	// KindTimeout covers per-operation deadlines expiring.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindChannel:
		return "channel"
	case KindSettlement:
		return "settlement"
	case KindSignaling:
		return "signaling"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a kinded error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err, or KindUnknown if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
