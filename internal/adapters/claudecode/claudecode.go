// Package claudecode implements Relay's Claude Code runtime adapter: it
// turns delivered envelopes into one-shot invocations of the `claude` CLI,
// bounds how many run concurrently with a weighted semaphore, records each
// run's lifecycle in the Index & Run Store, and publishes the result back
// onto the bus when the envelope carries a reply-to subject.
//
// No native Go SDK exists in the corpus for the streaming query() API the
// CLI exposes, so this adapter drives it the same way the teacher's
// process manager drives its own child processes: os/exec, a bounded
// context, and captured output.
package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

// Config describes one Claude Code runtime adapter instance.
type Config struct {
	ID string
	// CLIPath is the executable to invoke; defaults to "claude" on PATH.
	CLIPath string
	// MaxConcurrent bounds how many CLI invocations may run at once.
	MaxConcurrent int64
	// RunTimeout bounds a single invocation's wall-clock time.
	RunTimeout time.Duration
	// ExtraArgs are appended to the CLI invocation after the prompt flag,
	// e.g. MCP server configuration flags.
	ExtraArgs []string
}

// Adapter is Relay's Claude Code runtime adapter.
type Adapter struct {
	cfg Config
	db  *relaydb.DB
	sem *semaphore.Weighted
	log zerolog.Logger

	mu        sync.Mutex
	state     relaymodels.RunState
	startedAt time.Time
	lastErr   string
	pub       contracts.Publisher
}

// New builds a Claude Code runtime adapter backed by db for run history.
func New(cfg Config, db *relaydb.DB, log zerolog.Logger) *Adapter {
	if cfg.CLIPath == "" {
		cfg.CLIPath = "claude"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	return &Adapter{
		cfg: cfg,
		db:  db,
		sem: semaphore.NewWeighted(cfg.MaxConcurrent),
		log: log.With().Str("component", "claudecode").Str("adapter_id", cfg.ID).Logger(),
	}
}

func (a *Adapter) ID() string { return a.cfg.ID }

// Start marks the adapter running. There is no background loop — all work
// happens synchronously inside Deliver, bounded by the semaphore.
func (a *Adapter) Start(ctx context.Context, pub contracts.Publisher) error {
	a.mu.Lock()
	a.pub = pub
	a.state = relaymodels.RunStateRunning
	a.startedAt = time.Now()
	a.mu.Unlock()
	return nil
}

// Stop marks the adapter stopped. In-flight Deliver calls are allowed to
// finish; new ones are rejected.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.state = relaymodels.RunStateStopping
	a.mu.Unlock()

	// Drain by acquiring the full weight: blocks until every in-flight
	// run has released its permit.
	if err := a.sem.Acquire(ctx, a.cfg.MaxConcurrent); err != nil {
		return err
	}
	a.sem.Release(a.cfg.MaxConcurrent)

	a.mu.Lock()
	a.state = relaymodels.RunStateStopped
	a.mu.Unlock()
	return nil
}

// Deliver runs the Claude Code CLI against env's prompt. If every
// permit is in use, Deliver returns relayerr.ErrBackpressure immediately
// rather than queuing — callers (RelayCore's fanout path) already isolate
// per-adapter backpressure.
func (a *Adapter) Deliver(ctx context.Context, env relaymodels.Envelope) error {
	if a.isStopping() {
		return relayerr.ErrAdapterStopping
	}
	if !a.sem.TryAcquire(1) {
		return relayerr.ErrBackpressure
	}
	defer a.sem.Release(1)

	prompt, err := extractPrompt(env)
	if err != nil {
		return err
	}

	rec := relaymodels.RunRecord{
		ID:         uuid.NewString(),
		AdapterID:  a.cfg.ID,
		EnvelopeID: env.ID,
		Prompt:     prompt,
		ReplyTo:    env.ReplyTo,
		StartedAt:  time.Now().UTC(),
	}
	if err := a.db.InsertRun(ctx, rec); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
	defer cancel()

	output, exitCode, runErr := a.invoke(runCtx, prompt)

	endedAt := time.Now().UTC()
	errText := ""
	outcome := relaymodels.RunOutcomeSuccess
	errorKind := ""
	if runErr != nil {
		errText = runErr.Error()
		outcome = relaymodels.RunOutcomeFailure
		errorKind = classifyRunError(runCtx, runErr)
		a.recordErr(runErr)
	}
	cost := reportedCost(output)

	result := relaymodels.RunRecord{
		ID:           rec.ID,
		ExitCode:     exitCode,
		Output:       output,
		Err:          errText,
		Outcome:      outcome,
		ErrorKind:    errorKind,
		CostReported: cost,
		EndedAt:      endedAt,
	}
	if err := a.db.CompleteRun(ctx, result); err != nil {
		a.log.Error().Err(err).Str("run_id", rec.ID).Msg("failed to record run completion")
	}

	if env.ReplyTo != "" && a.pub != nil {
		if err := a.publishReply(ctx, env, output, errorKind, runErr); err != nil {
			a.log.Error().Err(err).Str("run_id", rec.ID).Msg("failed to publish run reply")
		}
	}

	return runErr
}

// classifyRunError maps a run failure onto a short, machine-readable kind
// for the reply envelope's payload and the runs row, per the errorKind
// field runtime-adapter failures are required to carry.
func classifyRunError(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, relayerr.ErrAdapterStopping):
		return "adapter_stopping"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "cli_exit_error"
		}
		return "cli_invocation_failed"
	}
}

// reportedCost extracts a cost figure from output if the CLI emitted
// structured JSON (e.g. --output-format json's total_cost_usd field); a
// plain-text result yields zero.
func reportedCost(output string) float64 {
	var parsed struct {
		TotalCostUSD float64 `json:"total_cost_usd"`
		CostUSD      float64 `json:"cost_usd"`
	}
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		return 0
	}
	if parsed.TotalCostUSD != 0 {
		return parsed.TotalCostUSD
	}
	return parsed.CostUSD
}

func (a *Adapter) invoke(ctx context.Context, prompt string) (output string, exitCode int, err error) {
	args := append([]string{"--print", prompt}, a.cfg.ExtraArgs...)
	cmd := exec.CommandContext(ctx, a.cfg.CLIPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr == nil {
		return stdout.String(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		combined := stdout.String()
		if stderr.Len() > 0 {
			combined += "\n" + stderr.String()
		}
		return combined, exitErr.ExitCode(), fmt.Errorf("claude exited %d: %s", exitErr.ExitCode(), stderr.String())
	}
	return stdout.String(), -1, fmt.Errorf("failed to run claude cli: %w", runErr)
}

func (a *Adapter) publishReply(ctx context.Context, env relaymodels.Envelope, output, errorKind string, runErr error) error {
	payload := map[string]any{"output": output}
	if runErr != nil {
		payload["error"] = runErr.Error()
		payload["errorKind"] = errorKind
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.pub.Publish(ctx, relaymodels.Envelope{
		ID:            uuid.NewString(),
		Subject:       env.ReplyTo,
		Payload:       body,
		CorrelationID: env.CorrelationID,
		CreatedAt:     time.Now().UTC(),
	})
}

func extractPrompt(env relaymodels.Envelope) (string, error) {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if len(env.Payload) == 0 {
		return "", fmt.Errorf("envelope %s has no payload to use as a prompt", env.ID)
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Prompt == "" {
		return string(env.Payload), nil
	}
	return payload.Prompt, nil
}

func (a *Adapter) isStopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == relaymodels.RunStateStopping || a.state == relaymodels.RunStateStopped
}

func (a *Adapter) recordErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErr = err.Error()
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
