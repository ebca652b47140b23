// Package relayerr defines the typed error kinds Relay's components return.
//
// Callers are expected to use errors.Is / errors.As against the sentinel
// values here rather than string-matching error messages. Wrapping with
// fmt.Errorf("...: %w", err) preserves the underlying sentinel.
package relayerr

import "errors"

// Sentinel error kinds. See spec §7 for the full propagation policy.
var (
	// ErrInvalidSubject: subject or pattern fails validation (§4.1).
	// Surfaced synchronously to the caller; never persisted.
	ErrInvalidSubject = errors.New("relay: invalid subject")

	// ErrBackpressure: a bounded resource (adapter inbox, runtime permit
	// set) is saturated. Caller decides to drop or retry.
	ErrBackpressure = errors.New("relay: backpressure")

	// ErrStorage: Maildir or SQLite I/O error.
	ErrStorage = errors.New("relay: storage error")

	// ErrAdapterStopping: deliver() called after stop(). Caller should
	// redirect, not retry here.
	ErrAdapterStopping = errors.New("relay: adapter stopping")

	// ErrSignatureInvalid: webhook inbound request failed HMAC/timestamp
	// verification.
	ErrSignatureInvalid = errors.New("relay: invalid webhook signature")

	// ErrReplay: webhook inbound nonce was already seen within its TTL.
	ErrReplay = errors.New("relay: replayed nonce")

	// ErrDeliveryExhausted: outbound webhook delivery exceeded max
	// attempts and was moved to the DLQ.
	ErrDeliveryExhausted = errors.New("relay: delivery exhausted")

	// ErrPluginLoad: plugin module missing, wrong shape, or start timeout.
	ErrPluginLoad = errors.New("relay: plugin load error")

	// ErrNotFound: a generic lookup miss (adapter id, envelope id, ...).
	ErrNotFound = errors.New("relay: not found")
)

// AdapterError wraps an unexpected failure inside a specific adapter.
// Registry.Deliver logs it, emits a relay.adapter.<id>.error envelope and
// returns it to RelayCore's inbox worker, which logs and counts it without
// passing it on to the publisher; HotReload's stop-failure path logs and
// emits it. Register, Unregister, HotReload's start-failure path and
// Shutdown return it to their caller without emitting an event.
type AdapterError struct {
	AdapterID string
	Err       error
}

func (e *AdapterError) Error() string {
	return "relay: adapter " + e.AdapterID + ": " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError wraps err as an AdapterError for the given adapter id.
func NewAdapterError(adapterID string, err error) *AdapterError {
	return &AdapterError{AdapterID: adapterID, Err: err}
}
