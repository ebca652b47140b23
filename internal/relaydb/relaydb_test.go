package relaydb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorkos/relay/internal/config"
	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	cfg := config.IndexConfig{
		BusyTimeout: 5 * time.Second,
		MmapSizeMB:  8,
		CacheSizeKB: 2048,
	}
	db, err := Open(context.Background(), path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func TestIndexEnvelope_AndReconcile(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	env := relaymodels.Envelope{ID: "env-1", Subject: "relay.status", CreatedAt: time.Now()}
	require.NoError(t, db.IndexEnvelope(ctx, env, "01ABC.json"))

	keys, err := db.UnprocessedMaildirKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"01ABC.json"}, keys)

	require.NoError(t, db.MarkEnvelopeProcessed(ctx, "env-1", time.Now()))

	keys, err = db.UnprocessedMaildirKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestUpsertDelivery_AndDueDeliveries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec := relaymodels.DeliveryRecord{
		ID:          "d-1",
		EnvelopeID:  "env-1",
		AdapterID:   "webhook-1",
		TargetURL:   "https://example.com/hook",
		Attempt:     1,
		Status:      relaymodels.DeliveryStatusRetrying,
		NextAttempt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, db.UpsertDelivery(ctx, rec))

	due, err := db.DueDeliveries(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "d-1", due[0].ID)

	rec.Attempt = 2
	rec.Status = relaymodels.DeliveryStatusDelivered
	require.NoError(t, db.UpsertDelivery(ctx, rec))

	due, err = db.DueDeliveries(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestInsertNonce_RejectsReplay(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec := relaymodels.NonceRecord{Nonce: "abc123", AdapterID: "webhook-1", SeenAt: time.Now()}
	require.NoError(t, db.InsertNonce(ctx, rec))

	err := db.InsertNonce(ctx, rec)
	require.ErrorIs(t, err, relayerr.ErrReplay)
}

func TestPruneNonces_RemovesOldOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := relaymodels.NonceRecord{Nonce: "old", AdapterID: "a", SeenAt: time.Now().Add(-time.Hour)}
	fresh := relaymodels.NonceRecord{Nonce: "fresh", AdapterID: "a", SeenAt: time.Now()}
	require.NoError(t, db.InsertNonce(ctx, old))
	require.NoError(t, db.InsertNonce(ctx, fresh))

	n, err := db.PruneNonces(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRunLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec := relaymodels.RunRecord{
		ID:         "run-1",
		AdapterID:  "claudecode-1",
		EnvelopeID: "env-1",
		Prompt:     "fix the bug",
		StartedAt:  time.Now(),
	}
	require.NoError(t, db.InsertRun(ctx, rec))
	require.NoError(t, db.CompleteRun(ctx, relaymodels.RunRecord{
		ID:           "run-1",
		ExitCode:     0,
		Output:       "done",
		Outcome:      relaymodels.RunOutcomeSuccess,
		CostReported: 0.04,
		EndedAt:      time.Now(),
	}))

	runs, err := db.ListRuns(ctx, "claudecode-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 0, runs[0].ExitCode)
	assert.Equal(t, "done", runs[0].Output)
	assert.Equal(t, relaymodels.RunOutcomeSuccess, runs[0].Outcome)
	assert.InDelta(t, 0.04, runs[0].CostReported, 0.0001)
}
