// Package relaycore implements RelayCore: the component that accepts
// published envelopes, persists them via the Maildir Store and the SQLite
// index, matches them against live subscriptions, and dispatches them to
// adapters through a bounded per-adapter inbox.
package relaycore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dorkos/relay/internal/config"
	"github.com/dorkos/relay/internal/maildir"
	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/internal/subject"
	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

// Dispatcher is the subset of the Adapter Registry RelayCore needs: the
// ability to hand one envelope to one adapter by id. internal/registry.Registry
// implements this.
type Dispatcher interface {
	Deliver(ctx context.Context, adapterID string, env relaymodels.Envelope) error
}

// Metrics is a point-in-time snapshot of RelayCore's counters.
type Metrics = relaymodels.Metrics

type boundSub struct {
	id        string
	pattern   *subject.Pattern
	adapterID string
	mode      relaymodels.DeliveryMode
}

// handlerSub is one in-process SubscribeHandler registration.
type handlerSub struct {
	id      string
	pattern *subject.Pattern
	fn      relaymodels.HandlerFunc
	serial  bool
}

// Core is RelayCore. One instance serves the whole process.
type Core struct {
	store      *maildir.Store
	db         *relaydb.DB
	dispatcher Dispatcher
	cfg        config.CoreConfig
	log        zerolog.Logger

	mu   sync.RWMutex
	subs map[string]boundSub

	handlerMu sync.RWMutex
	handlers  []*handlerSub

	inboxMu sync.Mutex
	inboxes map[string]chan relaymodels.Envelope

	published     atomic.Int64
	dispatched    atomic.Int64
	backpressured atomic.Int64
	failed        atomic.Int64

	wg sync.WaitGroup
}

// New builds a Core bound to the given Maildir Store, SQLite index and
// adapter dispatcher.
func New(store *maildir.Store, db *relaydb.DB, dispatcher Dispatcher, cfg config.CoreConfig, log zerolog.Logger) *Core {
	return &Core{
		store:      store,
		db:         db,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.With().Str("component", "relaycore").Logger(),
		subs:       make(map[string]boundSub),
		inboxes:    make(map[string]chan relaymodels.Envelope),
	}
}

// Subscribe binds pattern to adapterID for adapter dispatch and ensures the
// adapter has a running inbox worker. mode is accepted for forward
// compatibility but does not change dispatch behavior: all adapter
// dispatch is isolated, settled-promise style (see dispatch), never
// synchronous with respect to the publisher. It returns the subscription
// id.
func (c *Core) Subscribe(adapterID, pattern string, mode relaymodels.DeliveryMode) (string, error) {
	p, err := subject.CompilePattern(pattern)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.subs[id] = boundSub{id: id, pattern: p, adapterID: adapterID, mode: mode}
	c.mu.Unlock()

	c.ensureInbox(adapterID)
	return id, nil
}

// Unsubscribe removes an adapter subscription by id.
func (c *Core) Unsubscribe(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// SubscribeHandler registers fn to be invoked in-process for every
// published envelope whose subject matches pattern, in registration order
// relative to other handlers. If serial is true, Publish calls fn
// synchronously and waits for it to return before invoking the next
// handler or returning itself; otherwise fn runs in its own goroutine and
// a returned error is only logged. It returns an idempotent unsubscribe
// function, safe to call even after Close.
func (c *Core) SubscribeHandler(pattern string, fn relaymodels.HandlerFunc, serial bool) (func(), error) {
	p, err := subject.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	sub := &handlerSub{id: uuid.NewString(), pattern: p, fn: fn, serial: serial}
	c.handlerMu.Lock()
	c.handlers = append(c.handlers, sub)
	c.handlerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlerMu.Lock()
			defer c.handlerMu.Unlock()
			for i, h := range c.handlers {
				if h.id == sub.id {
					c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// ensureInbox lazily starts a bounded worker goroutine draining adapterID's
// inbox into the dispatcher, one envelope at a time.
func (c *Core) ensureInbox(adapterID string) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if _, ok := c.inboxes[adapterID]; ok {
		return
	}
	depth := c.cfg.AdapterInboxDepth
	if depth <= 0 {
		depth = 1
	}
	ch := make(chan relaymodels.Envelope, depth)
	c.inboxes[adapterID] = ch

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for env := range ch {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.dispatcher.Deliver(ctx, adapterID, env); err != nil {
				c.failed.Add(1)
				c.log.Warn().Err(err).Str("adapter_id", adapterID).Str("envelope_id", env.ID).Msg("fanout delivery failed")
			} else {
				c.dispatched.Add(1)
			}
			cancel()
		}
	}()
}

// Publish validates, persists (unless Ephemeral) and dispatches env to all
// matching subscriptions. In-process handlers (SubscribeHandler) are always
// invoked, never buffered. Adapter subscriptions are isolated: each
// adapter's bounded inbox is enqueued independently, and a full inbox
// yields relayerr.ErrBackpressure for that adapter's portion only — it
// does not fail delivery to any other adapter or in-process handler.
// Delivery failures once an envelope has been handed to an adapter are
// never returned here; they surface asynchronously as events (see
// internal/registry).
func (c *Core) Publish(ctx context.Context, env relaymodels.Envelope) error {
	if err := subject.ValidateSubject(env.Subject); err != nil {
		return err
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}

	var maildirKey string
	if !env.Ephemeral {
		key, err := c.store.Put(env)
		if err != nil {
			return err
		}
		maildirKey = key
		if err := c.db.IndexEnvelope(ctx, env, maildirKey); err != nil {
			return err
		}
	}
	c.published.Add(1)

	if err := c.dispatch(ctx, env); err != nil {
		return err
	}

	if !env.Ephemeral {
		if err := c.store.MarkProcessed(maildirKey); err != nil {
			return err
		}
		if err := c.db.MarkEnvelopeProcessed(ctx, env.ID, time.Now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

// PublishEphemeral publishes env without ever persisting it to the Maildir
// Store or the SQLite index. Used for status/heartbeat traffic that isn't
// worth the durability cost.
func (c *Core) PublishEphemeral(ctx context.Context, env relaymodels.Envelope) error {
	env.Ephemeral = true
	return c.Publish(ctx, env)
}

func (c *Core) matchingAdapters(subj string) []boundSub {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []boundSub
	for _, s := range c.subs {
		if s.pattern.Matches(subj) {
			out = append(out, s)
		}
	}
	return out
}

func (c *Core) matchingHandlers(subj string) []*handlerSub {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	var out []*handlerSub
	for _, h := range c.handlers {
		if h.pattern.Matches(subj) {
			out = append(out, h)
		}
	}
	return out
}

// dispatch invokes in-process handlers and enqueues env onto every matching
// adapter's inbox. Its only possible error is relayerr.ErrBackpressure (via
// enqueueFanout); adapter delivery failures happen later, inside the inbox
// worker goroutine, and never reach this return path.
func (c *Core) dispatch(ctx context.Context, env relaymodels.Envelope) error {
	c.dispatchHandlers(ctx, env)
	return c.dispatchAdapters(ctx, env)
}

// dispatchAdapters enqueues env onto every matching adapter's inbox,
// skipping in-process handlers entirely. Used by ReplayPending: messages
// recovered from a prior run's crash must still reach adapters, but
// in-process subscribers that registered fresh this run never saw the
// original publish and must not receive it now.
func (c *Core) dispatchAdapters(ctx context.Context, env relaymodels.Envelope) error {
	g, _ := errgroup.WithContext(ctx)
	for _, s := range c.matchingAdapters(env.Subject) {
		s := s
		g.Go(func() error {
			return c.enqueueFanout(s.adapterID, env)
		})
	}
	return g.Wait()
}

// dispatchHandlers runs every in-process handler matching env's subject, in
// registration order. Serial handlers run synchronously on the calling
// goroutine; the rest run in their own goroutine and only log on error.
func (c *Core) dispatchHandlers(ctx context.Context, env relaymodels.Envelope) {
	for _, h := range c.matchingHandlers(env.Subject) {
		if h.serial {
			if err := h.fn(ctx, env); err != nil {
				c.log.Warn().Err(err).Str("envelope_id", env.ID).Msg("serial in-process handler returned error")
			}
			continue
		}

		h := h
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := h.fn(context.Background(), env); err != nil {
				c.log.Warn().Err(err).Str("envelope_id", env.ID).Msg("in-process handler returned error")
			}
		}()
	}
}

func (c *Core) enqueueFanout(adapterID string, env relaymodels.Envelope) error {
	c.inboxMu.Lock()
	ch, ok := c.inboxes[adapterID]
	c.inboxMu.Unlock()
	if !ok {
		c.ensureInbox(adapterID)
		c.inboxMu.Lock()
		ch = c.inboxes[adapterID]
		c.inboxMu.Unlock()
	}

	select {
	case ch <- env:
		return nil
	default:
		c.backpressured.Add(1)
		c.log.Warn().Str("adapter_id", adapterID).Str("envelope_id", env.ID).Msg("adapter inbox full, rejecting with backpressure")
		return relayerr.NewAdapterError(adapterID, relayerr.ErrBackpressure)
	}
}

// ReplayPending re-dispatches every envelope the Maildir Store still has
// staged in new/ after a crash or unclean shutdown left it undelivered.
// It is meant to run once, after all adapters have subscribed, during
// startup.
func (c *Core) ReplayPending(ctx context.Context) (int, error) {
	names, err := c.store.ListNew()
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, name := range names {
		env, err := c.store.Read(name)
		if err != nil {
			c.log.Error().Err(err).Str("maildir_key", name).Msg("replay: failed to read envelope")
			continue
		}
		if err := c.dispatchAdapters(ctx, env); err != nil {
			c.log.Error().Err(err).Str("envelope_id", env.ID).Msg("replay: dispatch failed")
			continue
		}
		if err := c.store.MarkProcessed(name); err != nil {
			c.log.Error().Err(err).Str("maildir_key", name).Msg("replay: mark processed failed")
			continue
		}
		if err := c.db.MarkEnvelopeProcessed(ctx, env.ID, time.Now().UTC()); err != nil {
			c.log.Error().Err(err).Str("envelope_id", env.ID).Msg("replay: index update failed")
		}
		replayed++
	}
	return replayed, nil
}

// Metrics returns a snapshot of the publish/dispatch counters, exposed by
// the admin API's /admin/metrics route.
func (c *Core) Metrics() Metrics {
	return Metrics{
		Published:     c.published.Load(),
		Dispatched:    c.dispatched.Load(),
		Backpressured: c.backpressured.Load(),
		Failed:        c.failed.Load(),
	}
}

// Close drains and stops all adapter inbox workers.
func (c *Core) Close() {
	c.inboxMu.Lock()
	for _, ch := range c.inboxes {
		close(ch)
	}
	c.inboxMu.Unlock()
	c.wg.Wait()
}
