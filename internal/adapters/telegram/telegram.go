// Package telegram implements Relay's Telegram adapter: a long-polling
// reader of the Bot API's getUpdates endpoint that publishes each incoming
// message as an envelope, and a Deliver path that sends outbound messages
// back through sendMessage, rate limited per chat.
//
// The corpus carries no Telegram Bot API client (gotd/td speaks the
// MTProto user protocol, a different surface entirely), so this adapter
// talks to the Bot API directly over net/http in the same idiom the
// teacher's webhook driver uses for its own outbound calls.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

const apiBase = "https://api.telegram.org/bot"

// Config describes one Telegram adapter instance.
type Config struct {
	ID            string
	BotToken      string
	SubjectPrefix string
	PollTimeout   time.Duration
	// RatePerSecond and Burst bound outbound sendMessage calls per chat,
	// matching Telegram's per-chat rate limit guidance.
	RatePerSecond rate.Limit
	Burst         int

	// baseURL overrides apiBase; used by tests to point the adapter at a
	// local httptest server instead of the real Bot API.
	baseURL string
}

// Adapter is Relay's Telegram adapter.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
	pub    contracts.Publisher

	mu          sync.Mutex
	state       relaymodels.RunState
	startedAt   time.Time
	lastErr     string
	lastOffset  int64
	limiters    map[int64]*rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Telegram adapter. cfg.PollTimeout defaults to 30s (a
// typical long-poll window); cfg.RatePerSecond/Burst default to 1/1 to
// match Telegram's conservative per-chat guidance.
func New(cfg Config, log zerolog.Logger) *Adapter {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Adapter{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.PollTimeout + 10*time.Second},
		log:      log.With().Str("component", "telegram").Str("adapter_id", cfg.ID).Logger(),
		limiters: make(map[int64]*rate.Limiter),
	}
}

func (a *Adapter) ID() string { return a.cfg.ID }

// Start launches the getUpdates long-poll loop.
func (a *Adapter) Start(ctx context.Context, pub contracts.Publisher) error {
	a.mu.Lock()
	a.pub = pub
	a.state = relaymodels.RunStateRunning
	a.startedAt = time.Now()
	a.mu.Unlock()

	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.pollLoop()
	return nil
}

// Stop signals the poll loop to exit and waits for it.
func (a *Adapter) Stop(ctx context.Context) error {
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

// Deliver sends env's payload as a Telegram message to the chat encoded in
// its subject (the final token, "<subjectPrefix>.<chatID>"), rate limited
// per chat.
func (a *Adapter) Deliver(ctx context.Context, env relaymodels.Envelope) error {
	if a.isStopping() {
		return relayerr.ErrAdapterStopping
	}

	chatID, err := chatIDFromSubject(a.cfg.SubjectPrefix, env.Subject)
	if err != nil {
		return err
	}

	limiter := a.limiterFor(chatID)
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	text, err := messageText(env)
	if err != nil {
		return err
	}
	return a.sendMessage(ctx, chatID, text)
}

// GetStatus reports the adapter's current lifecycle state.
func (a *Adapter) GetStatus() relaymodels.AdapterStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return relaymodels.AdapterStatus{
		AdapterID: a.cfg.ID,
		State:     a.state,
		LastError: a.lastErr,
		StartedAt: a.startedAt,
	}
}

func (a *Adapter) limiterFor(chatID int64) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(a.cfg.RatePerSecond, a.cfg.Burst)
		a.limiters[chatID] = l
	}
	return l
}

func (a *Adapter) isStopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == relaymodels.RunStateStopping || a.state == relaymodels.RunStateStopped
}

func (a *Adapter) recordErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastErr = err.Error()
	}
}

// chatIDFromSubject extracts the chat id from a subject of the form
// "<prefix>.<chatID>".
func chatIDFromSubject(prefix, subject string) (int64, error) {
	suffix := strings.TrimPrefix(subject, prefix+".")
	if suffix == subject {
		return 0, fmt.Errorf("%w: subject %q does not match prefix %q", relayerr.ErrInvalidSubject, subject, prefix)
	}
	id, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject %q has non-numeric chat id", relayerr.ErrInvalidSubject, subject)
	}
	return id, nil
}

func messageText(env relaymodels.Envelope) (string, error) {
	var payload struct {
		Text string `json:"text"`
	}
	if len(env.Payload) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		// Fall back to raw payload bytes for non-JSON-object producers.
		return string(env.Payload), nil
	}
	return payload.Text, nil
}

func (a *Adapter) apiURL(method string) string {
	base := a.cfg.baseURL
	if base == "" {
		base = apiBase
	}
	return base + a.cfg.BotToken + "/" + method
}

func (a *Adapter) sendMessage(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.recordErr(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp)
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
		return a.sendMessage(ctx, chatID, text)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("telegram sendMessage failed: status %d: %s", resp.StatusCode, string(respBody))
		a.recordErr(err)
		return err
	}
	return nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	var payload struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	body, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(body, &payload) == nil && payload.Parameters.RetryAfter > 0 {
		return time.Duration(payload.Parameters.RetryAfter) * time.Second
	}
	return time.Second
}
