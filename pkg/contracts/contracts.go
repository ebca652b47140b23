// Package contracts defines the small set of interfaces that let
// RelayCore, the Adapter Registry and the Plugin Loader depend on
// behavior rather than concrete types.
package contracts

import (
	"context"

	"github.com/dorkos/relay/pkg/relaymodels"
)

// Publisher is the capability RelayCore hands to every adapter's Start and
// to the Adapter Registry, mirroring the spec's "Publisher capability":
// publish, publishEphemeral, subscribe and metrics — without requiring
// callers to import internal/relaycore.
type Publisher interface {
	Publish(ctx context.Context, env relaymodels.Envelope) error

	// PublishEphemeral publishes env without persisting it to the Maildir
	// Store or SQLite index.
	PublishEphemeral(ctx context.Context, env relaymodels.Envelope) error

	// SubscribeHandler registers fn to run in-process for every envelope
	// published on a subject matching pattern, and returns an idempotent
	// disposer safe to call after RelayCore shuts down. If serial is true,
	// fn runs synchronously on the publishing goroutine, in registration
	// order relative to other serial handlers, before the next handler
	// runs or Publish returns; otherwise fn runs in its own goroutine and
	// its error is only logged.
	SubscribeHandler(pattern string, fn relaymodels.HandlerFunc, serial bool) (func(), error)

	// Metrics reports RelayCore's publish/dispatch counters.
	Metrics() relaymodels.Metrics
}

// Adapter is the capability set every adapter implements, regardless of
// AdapterKind. There is no inheritance hierarchy: a Telegram adapter, a
// webhook adapter and a dynamically loaded plugin are all just Adapters.
type Adapter interface {
	// ID returns the adapter's configured identity, stable across restarts.
	ID() string

	// Start begins the adapter's background work (long-poll loop, HTTP
	// listener, subprocess pool, ...). It must return once the adapter is
	// ready to accept Deliver calls, or with an error if startup failed.
	Start(ctx context.Context, pub Publisher) error

	// Stop drains in-flight work and releases resources. After Stop
	// returns, Deliver must return relayerr.ErrAdapterStopping.
	Stop(ctx context.Context) error

	// Deliver hands the adapter an Envelope matched to one of its
	// subscriptions.
	Deliver(ctx context.Context, env relaymodels.Envelope) error

	// GetStatus reports the adapter's current lifecycle state.
	GetStatus() relaymodels.AdapterStatus
}

// PluginModule is the shape internal/plugin validates a loaded .so's
// exported Module symbol against before handing it to the Adapter
// Registry.
type PluginModule interface {
	// Name is the plugin's self-reported identity, independent of the
	// AdapterConfig.ID the operator assigns an instance.
	Name() string
	// Version is a free-form string surfaced in admin API responses.
	Version() string
	// CreateAdapter builds one Adapter instance from the given settings
	// blob (AdapterConfig.Settings).
	CreateAdapter(settings []byte) (Adapter, error)
	// ConfigSchema optionally returns a JSON Schema document describing
	// the settings CreateAdapter expects. When it is non-nil, the loader
	// only checks that settings are present and well-formed JSON; they are
	// not validated against the schema. A nil return skips that check.
	ConfigSchema() []byte
}
