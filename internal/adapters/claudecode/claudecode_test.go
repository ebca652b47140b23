package claudecode

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorkos/relay/internal/config"
	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

func testDB(t *testing.T) *relaydb.DB {
	t.Helper()
	db, err := relaydb.Open(context.Background(), filepath.Join(t.TempDir(), "relay.db"), config.IndexConfig{
		BusyTimeout: 2 * time.Second,
		MmapSizeMB:  4,
		CacheSizeKB: 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

type recordingPublisher struct {
	envs []relaymodels.Envelope
}

func (r *recordingPublisher) Publish(ctx context.Context, env relaymodels.Envelope) error {
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingPublisher) PublishEphemeral(ctx context.Context, env relaymodels.Envelope) error {
	return r.Publish(ctx, env)
}

func (r *recordingPublisher) SubscribeHandler(pattern string, fn relaymodels.HandlerFunc, serial bool) (func(), error) {
	return func() {}, nil
}

func (r *recordingPublisher) Metrics() relaymodels.Metrics { return relaymodels.Metrics{} }

// echoCLI stands in for the real `claude` binary: /bin/echo simply prints
// its arguments, which is enough to exercise the invoke/record/reply path
// without depending on the real CLI being installed.
const echoCLI = "/bin/echo"

func TestDeliver_RunsCLIAndRecordsRun(t *testing.T) {
	db := testDB(t)
	a := New(Config{ID: "cc-1", CLIPath: echoCLI, MaxConcurrent: 2}, db, zerolog.Nop())
	require.NoError(t, a.Start(context.Background(), &recordingPublisher{}))
	defer a.Stop(context.Background())

	env := relaymodels.Envelope{ID: "env-1", Payload: []byte(`{"prompt":"fix the bug"}`)}
	err := a.Deliver(context.Background(), env)
	require.NoError(t, err)

	runs, err := db.ListRuns(context.Background(), "cc-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "fix the bug", runs[0].Prompt)
	assert.Equal(t, 0, runs[0].ExitCode)
	assert.Contains(t, runs[0].Output, "fix the bug")
	assert.Equal(t, relaymodels.RunOutcomeSuccess, runs[0].Outcome)
}

func TestDeliver_PublishesReplyWhenReplyToSet(t *testing.T) {
	db := testDB(t)
	pub := &recordingPublisher{}
	a := New(Config{ID: "cc-1", CLIPath: echoCLI, MaxConcurrent: 2}, db, zerolog.Nop())
	require.NoError(t, a.Start(context.Background(), pub))
	defer a.Stop(context.Background())

	env := relaymodels.Envelope{
		ID:            "env-1",
		Payload:       []byte(`{"prompt":"summarize"}`),
		ReplyTo:       "relay.reply.env-1",
		CorrelationID: "corr-1",
	}
	require.NoError(t, a.Deliver(context.Background(), env))

	require.Len(t, pub.envs, 1)
	assert.Equal(t, "relay.reply.env-1", pub.envs[0].Subject)
	assert.Equal(t, "corr-1", pub.envs[0].CorrelationID)
}

func TestDeliver_BackpressureWhenSaturated(t *testing.T) {
	db := testDB(t)
	a := New(Config{ID: "cc-1", CLIPath: echoCLI, MaxConcurrent: 1}, db, zerolog.Nop())
	require.NoError(t, a.Start(context.Background(), &recordingPublisher{}))
	defer a.Stop(context.Background())

	require.True(t, a.sem.TryAcquire(1))
	defer a.sem.Release(1)

	err := a.Deliver(context.Background(), relaymodels.Envelope{ID: "env-2", Payload: []byte(`{"prompt":"x"}`)})
	require.ErrorIs(t, err, relayerr.ErrBackpressure)
}

func TestDeliver_AfterStopReturnsStoppingError(t *testing.T) {
	db := testDB(t)
	a := New(Config{ID: "cc-1", CLIPath: echoCLI}, db, zerolog.Nop())
	require.NoError(t, a.Start(context.Background(), &recordingPublisher{}))
	require.NoError(t, a.Stop(context.Background()))

	err := a.Deliver(context.Background(), relaymodels.Envelope{ID: "env-3", Payload: []byte(`{"prompt":"x"}`)})
	require.ErrorIs(t, err, relayerr.ErrAdapterStopping)
}

func TestDeliver_MissingPayloadRejected(t *testing.T) {
	db := testDB(t)
	a := New(Config{ID: "cc-1", CLIPath: echoCLI}, db, zerolog.Nop())
	require.NoError(t, a.Start(context.Background(), &recordingPublisher{}))
	defer a.Stop(context.Background())

	err := a.Deliver(context.Background(), relaymodels.Envelope{ID: "env-4"})
	require.Error(t, err)
}
