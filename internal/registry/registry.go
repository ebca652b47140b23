// Package registry implements the Adapter Registry: the component that
// owns every live Adapter instance, starts and stops them, and routes
// RelayCore's per-adapter deliveries to the right instance. Hot reloads
// start the replacement adapter before stopping the one it replaces, so a
// subject never goes dark mid-swap.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

// Registry owns the lifecycle of every adapter instance Relay runs.
type Registry struct {
	publisher contracts.Publisher
	log       zerolog.Logger

	mu       sync.RWMutex
	adapters map[string]contracts.Adapter
}

// New builds a Registry that hands every started adapter the given
// Publisher so it can publish replies and events back onto the bus.
func New(publisher contracts.Publisher, log zerolog.Logger) *Registry {
	return &Registry{
		publisher: publisher,
		log:       log.With().Str("component", "registry").Logger(),
		adapters:  make(map[string]contracts.Adapter),
	}
}

// Register starts adapter and adds it under id. If id is already
// registered, Register returns an error — callers that want to replace a
// running adapter must use HotReload.
func (r *Registry) Register(ctx context.Context, id string, adapter contracts.Adapter) error {
	r.mu.Lock()
	if _, exists := r.adapters[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: adapter %q already registered", relayerr.ErrPluginLoad, id)
	}
	r.mu.Unlock()

	if err := adapter.Start(ctx, r.publisher); err != nil {
		return relayerr.NewAdapterError(id, err)
	}

	r.mu.Lock()
	r.adapters[id] = adapter
	r.mu.Unlock()

	r.log.Info().Str("adapter_id", id).Msg("adapter registered")
	return nil
}

// Unregister stops and removes the adapter registered under id.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	adapter, ok := r.adapters[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: adapter %q", relayerr.ErrNotFound, id)
	}
	delete(r.adapters, id)
	r.mu.Unlock()

	if err := adapter.Stop(ctx); err != nil {
		return relayerr.NewAdapterError(id, err)
	}
	r.log.Info().Str("adapter_id", id).Msg("adapter unregistered")
	return nil
}

// HotReload replaces the adapter registered under id with replacement,
// starting replacement before stopping the adapter it replaces so
// in-flight deliveries are never routed to a dead instance. If replacement
// fails to start, the original adapter is left running unchanged.
func (r *Registry) HotReload(ctx context.Context, id string, replacement contracts.Adapter) error {
	r.mu.RLock()
	old, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return r.Register(ctx, id, replacement)
	}

	if err := replacement.Start(ctx, r.publisher); err != nil {
		return relayerr.NewAdapterError(id, fmt.Errorf("hot reload: start replacement: %w", err))
	}

	r.mu.Lock()
	r.adapters[id] = replacement
	r.mu.Unlock()

	if err := old.Stop(ctx); err != nil {
		r.emitAdapterError(ctx, relayerr.NewAdapterError(id, fmt.Errorf("hot reload: stop old adapter: %w", err)))
	}
	r.log.Info().Str("adapter_id", id).Msg("adapter hot-reloaded")
	return nil
}

// Deliver hands env to the adapter registered under adapterID. It
// implements relaycore.Dispatcher. A delivery failure is isolated here: it
// is logged, emitted as a relay.adapter.<id>.error event, and also returned
// so RelayCore's inbox worker can account for it — it is never allowed to
// propagate further than that worker.
func (r *Registry) Deliver(ctx context.Context, adapterID string, env relaymodels.Envelope) (err error) {
	r.mu.RLock()
	adapter, ok := r.adapters[adapterID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: adapter %q", relayerr.ErrNotFound, adapterID)
	}

	defer func() {
		if p := recover(); p != nil {
			adapterErr := relayerr.NewAdapterError(adapterID, fmt.Errorf("panic in Deliver: %v", p))
			r.emitAdapterError(ctx, adapterErr)
			err = adapterErr
		}
	}()

	if err := adapter.Deliver(ctx, env); err != nil {
		adapterErr := relayerr.NewAdapterError(adapterID, err)
		r.emitAdapterError(ctx, adapterErr)
		return adapterErr
	}
	return nil
}

// emitAdapterError logs err and publishes it on relay.adapter.<id>.error,
// per the isolation policy documented on relayerr.AdapterError: a failing
// adapter must never be able to throw an exception back at its publisher.
func (r *Registry) emitAdapterError(ctx context.Context, err *relayerr.AdapterError) {
	r.log.Warn().Err(err).Str("adapter_id", err.AdapterID).Msg("adapter error")

	payload, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		r.log.Error().Err(marshalErr).Msg("failed to marshal adapter error event payload")
		return
	}
	event := relaymodels.Envelope{
		ID:        uuid.NewString(),
		Subject:   "relay.adapter." + err.AdapterID + ".error",
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if pubErr := r.publisher.PublishEphemeral(ctx, event); pubErr != nil {
		r.log.Warn().Err(pubErr).Str("adapter_id", err.AdapterID).Msg("failed to publish adapter error event")
	}
}

// GetStatus returns the live status of the adapter registered under id.
func (r *Registry) GetStatus(id string) (relaymodels.AdapterStatus, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return relaymodels.AdapterStatus{}, fmt.Errorf("%w: adapter %q", relayerr.ErrNotFound, id)
	}
	return adapter.GetStatus(), nil
}

// ListStatuses returns every registered adapter's current status, keyed
// by adapter id.
func (r *Registry) ListStatuses() map[string]relaymodels.AdapterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]relaymodels.AdapterStatus, len(r.adapters))
	for id, a := range r.adapters {
		out[id] = a.GetStatus()
	}
	return out
}

// IDs returns the ids of every currently registered adapter.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every registered adapter concurrently. A failure to stop
// one adapter does not prevent the others from being stopped; all errors
// are collected and joined.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[string]contracts.Adapter)
	r.mu.Unlock()

	var g errgroup.Group
	var errMu sync.Mutex
	var errs []error
	for id, adapter := range adapters {
		id, adapter := id, adapter
		g.Go(func() error {
			if err := adapter.Stop(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, relayerr.NewAdapterError(id, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
