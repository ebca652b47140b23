// Package webhook implements Relay's webhook adapter: an inbound HTTP
// endpoint that verifies HMAC-signed, nonce-guarded requests and publishes
// them as envelopes, and an outbound Adapter that POSTs envelopes to a
// configured URL with a durable, jittered retry schedule.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dorkos/relay/internal/maildir"
	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

// DeadLetterSubject is where an outbound webhook delivery's original
// envelope is republished once it has exhausted MaxAttempts.
const DeadLetterSubject = "relay.adapter.webhook.deadletter"

// RetrySchedule is the durable, post-burst retry delay for each outbound
// delivery attempt after the first, as specified for the webhook adapter.
// Attempt N (1-indexed, N>=2) waits RetrySchedule[N-2] before firing; once
// attempt len(RetrySchedule)+1 (MaxAttempts) has failed, the delivery is
// dead-lettered.
var RetrySchedule = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// MaxAttempts is 1 immediate attempt plus one per RetrySchedule entry.
var MaxAttempts = len(RetrySchedule) + 1

// OutboundConfig describes one outbound webhook target. Secrets holds the
// signing secret(s) for this target: Secrets[0] is the current secret used
// to sign every outgoing request; additional entries exist only so a
// rotation in progress on the receiving end can still verify requests
// signed moments before the rotation completed, mirroring the rotation
// window the inbound side honors for verification.
type OutboundConfig struct {
	ID        string
	TargetURL string
	Secrets   []string
	// PollInterval controls how often the background loop checks for due
	// retries; it does not affect the retry schedule itself.
	PollInterval time.Duration
}

func (c OutboundConfig) signingSecret() string {
	if len(c.Secrets) == 0 {
		return ""
	}
	return c.Secrets[0]
}

// OutboundAdapter POSTs delivered envelopes to a single webhook target,
// retrying on a jittered schedule and dead-lettering after MaxAttempts.
type OutboundAdapter struct {
	cfg    OutboundConfig
	db     *relaydb.DB
	store  *maildir.Store
	client *http.Client
	pub    contracts.Publisher
	log    zerolog.Logger

	mu        sync.Mutex
	state     relaymodels.RunState
	startedAt time.Time
	lastErr   string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewOutboundAdapter builds an outbound webhook adapter backed by db for
// its durable retry queue and store to re-read the original envelope body
// of a delivery being retried.
func NewOutboundAdapter(cfg OutboundConfig, db *relaydb.DB, store *maildir.Store, log zerolog.Logger) *OutboundAdapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &OutboundAdapter{
		cfg:    cfg,
		db:     db,
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("component", "webhook.outbound").Str("adapter_id", cfg.ID).Logger(),
	}
}

func (a *OutboundAdapter) ID() string { return a.cfg.ID }

// Start marks the adapter running, retains pub so exhausted deliveries can
// be dead-lettered back onto the bus, and begins the background loop that
// polls relaydb for due retries.
func (a *OutboundAdapter) Start(ctx context.Context, pub contracts.Publisher) error {
	a.mu.Lock()
	a.state = relaymodels.RunStateRunning
	a.startedAt = time.Now()
	a.pub = pub
	a.mu.Unlock()

	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.retryLoop()
	return nil
}

// Stop signals the retry loop to exit and waits for it to drain.
func (a *OutboundAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.state = relaymodels.RunStateStopping
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()

	a.mu.Lock()
	a.state = relaymodels.RunStateStopped
	a.mu.Unlock()
	return nil
}

// Deliver makes the first attempt at POSTing env to the target URL. A
// short exponential burst (via cenkalti/backoff) absorbs transient
// failures inline; if the burst is exhausted, the delivery is persisted
// to the durable retry schedule and Deliver still returns nil — the
// caller sees the attempt as handed off, not failed.
func (a *OutboundAdapter) Deliver(ctx context.Context, env relaymodels.Envelope) error {
	if a.isStopping() {
		return relayerr.ErrAdapterStopping
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope for webhook: %v", relayerr.ErrStorage, err)
	}

	// One delivery id is minted here and reused on every attempt, burst and
	// durable retries alike, so X-DorkOS-Delivery-Id stays stable across
	// retries for the receiving end's dedup logic.
	deliveryID := uuid.NewString()

	burst := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), 2)

	sendErr := backoff.Retry(func() error {
		return a.send(ctx, deliveryID, body)
	}, backoff.WithContext(burst, ctx))

	a.recordActivity(sendErr)

	if sendErr == nil {
		return nil
	}

	rec := relaymodels.DeliveryRecord{
		ID:          deliveryID,
		EnvelopeID:  env.ID,
		AdapterID:   a.cfg.ID,
		TargetURL:   a.cfg.TargetURL,
		Attempt:     1,
		Status:      relaymodels.DeliveryStatusRetrying,
		LastError:   sendErr.Error(),
		NextAttempt: nextAttemptTime(1),
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.db.UpsertDelivery(ctx, rec); err != nil {
		return err
	}
	a.log.Warn().Err(sendErr).Str("envelope_id", env.ID).Msg("immediate delivery failed, queued for retry")
	return nil
}

// nextAttemptTime returns when attempt (the attempt number that just
// failed) should be retried next, with +/-20% jitter, or the zero time if
// attempt has exhausted the schedule.
func nextAttemptTime(attempt int) time.Time {
	idx := attempt - 1
	if idx < 0 || idx >= len(RetrySchedule) {
		return time.Time{}
	}
	base := RetrySchedule[idx]
	jitter := time.Duration(rand.Int63n(int64(base) / 5))
	if rand.Intn(2) == 0 {
		jitter = -jitter
	}
	return time.Now().Add(base + jitter)
}

func (a *OutboundAdapter) send(ctx context.Context, deliveryID string, body []byte) error {
	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TargetURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DorkOS-Delivery-Id", deliveryID)
	req.Header.Set("X-DorkOS-Signature", Sign(a.cfg.signingSecret(), ts, body))

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(fmt.Errorf("webhook target rejected delivery: status %d", resp.StatusCode))
	}
	return fmt.Errorf("webhook target returned status %d", resp.StatusCode)
}

// retryLoop polls relaydb for deliveries whose next_attempt has passed and
// retries each once, advancing its attempt counter or dead-lettering it.
func (a *OutboundAdapter) retryLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.processDue()
		}
	}
}

func (a *OutboundAdapter) processDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := a.db.DueDeliveries(ctx, time.Now())
	if err != nil {
		a.log.Error().Err(err).Msg("retry loop: failed to query due deliveries")
		return
	}

	for _, rec := range due {
		if rec.AdapterID != a.cfg.ID {
			continue
		}
		a.retryOne(ctx, rec)
	}
}

func (a *OutboundAdapter) retryOne(ctx context.Context, rec relaymodels.DeliveryRecord) {
	env, err := a.envelopeFor(ctx, rec)
	if err != nil {
		a.log.Error().Err(err).Str("delivery_id", rec.ID).Msg("retry: failed to reconstruct envelope")
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}

	sendErr := a.send(ctx, rec.ID, body)
	rec.Attempt++
	rec.UpdatedAt = time.Now().UTC()

	if sendErr == nil {
		rec.Status = relaymodels.DeliveryStatusDelivered
		rec.LastError = ""
		_ = a.db.UpsertDelivery(ctx, rec)
		return
	}

	rec.LastError = sendErr.Error()
	if rec.Attempt >= MaxAttempts {
		rec.Status = relaymodels.DeliveryStatusDead
		_ = a.db.UpsertDelivery(ctx, rec)
		a.log.Error().Str("delivery_id", rec.ID).Str("envelope_id", rec.EnvelopeID).
			Msg("delivery exhausted retry schedule, dead-lettered")
		a.publishDeadLetter(ctx, env)
		return
	}
	rec.NextAttempt = nextAttemptTime(rec.Attempt)
	_ = a.db.UpsertDelivery(ctx, rec)
}

// publishDeadLetter republishes the original envelope that exhausted its
// retry schedule on DeadLetterSubject, so anything watching that subject
// (an admin dashboard, an alerting adapter) sees exactly what was never
// delivered. Failure to publish is logged, not retried — the delivery row
// is already marked dead and won't be picked up again.
func (a *OutboundAdapter) publishDeadLetter(ctx context.Context, env relaymodels.Envelope) {
	if a.pub == nil {
		return
	}
	dead := relaymodels.Envelope{
		ID:      uuid.NewString(),
		Subject: DeadLetterSubject,
		Payload: mustMarshalEnvelope(env),
	}
	if err := a.pub.Publish(ctx, dead); err != nil {
		a.log.Warn().Err(err).Str("envelope_id", env.ID).Msg("failed to publish dead-letter event")
	}
}

func mustMarshalEnvelope(env relaymodels.Envelope) json.RawMessage {
	body, err := json.Marshal(env)
	if err != nil {
		return json.RawMessage("{}")
	}
	return body
}

// envelopeFor reconstructs the original envelope a delivery record refers
// to by looking up its maildir key in the index and reading the body back
// from the Maildir Store — the durable retry path resends exactly what was
// originally published, never an empty stand-in.
func (a *OutboundAdapter) envelopeFor(ctx context.Context, rec relaymodels.DeliveryRecord) (relaymodels.Envelope, error) {
	key, err := a.db.MaildirKeyForEnvelope(ctx, rec.EnvelopeID)
	if err != nil {
		return relaymodels.Envelope{}, err
	}
	return a.store.Read(key)
}

func (a *OutboundAdapter) isStopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == relaymodels.RunStateStopping || a.state == relaymodels.RunStateStopped
}

func (a *OutboundAdapter) recordActivity(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastErr = err.Error()
	}
}

// GetStatus reports the adapter's current lifecycle state.
func (a *OutboundAdapter) GetStatus() relaymodels.AdapterStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return relaymodels.AdapterStatus{
		AdapterID: a.cfg.ID,
		State:     a.state,
		LastError: a.lastErr,
		StartedAt: a.startedAt,
	}
}
