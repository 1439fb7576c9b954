// Package stmerr is the shared error-kind taxonomy (spec §7) that every
// layer of the engine — transport, protocol, planner, session, fleet —
// raises and tests against. Centralizing the sentinels here lets retry
// logic in package session decide propagation policy (retry vs escalate vs
// fatal) by kind, independent of which layer actually produced the error.
//
// Wrapping always goes through github.com/pkg/errors so that Cause() and
// the stdlib errors.Is chain both work, and so retries keep the original
// coordinates (sector, chunk, command) in the message without losing the
// sentinel identity.
package stmerr

import "errors"

var (
	ErrTransportTimeout    = errors.New("transport timeout")
	ErrTransportClosed     = errors.New("transport closed")
	ErrTransportIO         = errors.New("transport io error")
	ErrProtocolGarbage     = errors.New("protocol garbage")
	ErrCommandRejected     = errors.New("command rejected (NACK)")
	ErrVerifyMismatch      = errors.New("verify mismatch")
	ErrEraseCheckFailed    = errors.New("erase check failed")
	ErrUnsupportedDevice   = errors.New("unsupported device")
	ErrSectorUnrecoverable = errors.New("sector unrecoverable")
	ErrHook                = errors.New("hook error")
	ErrCancelled           = errors.New("cancelled")
	ErrPlan                = errors.New("plan error")
)

// IsTransportTimeout reports whether err (or any error it wraps) is
// ErrTransportTimeout.
func IsTransportTimeout(err error) bool { return errors.Is(err, ErrTransportTimeout) }

// IsTransportClosed reports whether err (or any error it wraps) is
// ErrTransportClosed.
func IsTransportClosed(err error) bool { return errors.Is(err, ErrTransportClosed) }

// IsTransportIO reports whether err (or any error it wraps) is ErrTransportIO.
func IsTransportIO(err error) bool { return errors.Is(err, ErrTransportIO) }

// IsProtocolGarbage reports whether err (or any error it wraps) is
// ErrProtocolGarbage.
func IsProtocolGarbage(err error) bool { return errors.Is(err, ErrProtocolGarbage) }

// IsCommandRejected reports whether err (or any error it wraps) is
// ErrCommandRejected.
func IsCommandRejected(err error) bool { return errors.Is(err, ErrCommandRejected) }

// IsRetryableTransport reports whether err is one of the four kinds (the
// three transport kinds plus protocol garbage) that the command layer's
// bounded retry (R_cmd) applies to.
func IsRetryableTransport(err error) bool {
	return IsTransportTimeout(err) || IsTransportClosed(err) || IsTransportIO(err) || IsProtocolGarbage(err)
}
