// Package relaydb is Relay's SQLite-backed index: a queryable mirror of
// the Maildir Store's envelope headers, the outbound webhook delivery
// queue, the inbound replay-defense nonce table, and Claude Code run
// history. The Maildir Store remains the source of truth for envelope
// bodies; this package exists so RelayCore and the admin API can query by
// subject, status or time range without scanning the filesystem.
package relaydb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dorkos/relay/internal/config"
	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	subject     TEXT NOT NULL,
	maildir_key TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	processed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_subject ON messages(subject);

CREATE TABLE IF NOT EXISTS deliveries (
	id           TEXT PRIMARY KEY,
	envelope_id  TEXT NOT NULL,
	adapter_id   TEXT NOT NULL,
	target_url   TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	status       TEXT NOT NULL,
	last_error   TEXT,
	next_attempt TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status, next_attempt);

CREATE TABLE IF NOT EXISTS nonces (
	nonce      TEXT NOT NULL,
	adapter_id TEXT NOT NULL,
	seen_at    TEXT NOT NULL,
	PRIMARY KEY (adapter_id, nonce)
);
CREATE INDEX IF NOT EXISTS idx_nonces_seen_at ON nonces(seen_at);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	adapter_id    TEXT NOT NULL,
	envelope_id   TEXT NOT NULL,
	prompt        TEXT NOT NULL,
	reply_to      TEXT,
	exit_code     INTEGER,
	output        TEXT,
	error         TEXT,
	outcome       TEXT,
	error_kind    TEXT,
	cost_reported REAL,
	started_at    TEXT NOT NULL,
	ended_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_adapter ON runs(adapter_id, started_at);
`

// DB wraps the SQLite connection pool and pragma configuration.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// WAL-mode pragmas from cfg, and runs the schema migration.
func Open(ctx context.Context, path string, cfg config.IndexConfig) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", relayerr.ErrStorage, err)
	}
	// WAL readers/writers don't block each other; relaycore only ever
	// needs a single writer connection's worth of concurrency.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		fmt.Sprintf("PRAGMA mmap_size=%d", cfg.MmapSizeMB*1024*1024),
		fmt.Sprintf("PRAGMA cache_size=-%d", cfg.CacheSizeKB),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: apply pragma %q: %v", relayerr.ErrStorage, p, err)
		}
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: migrate schema: %v", relayerr.ErrStorage, err)
	}

	return &DB{conn: conn}, nil
}

// Close checkpoints the WAL back into the main database file and closes
// the connection. Called during graceful shutdown.
func (d *DB) Close(ctx context.Context) error {
	if _, err := d.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		d.conn.Close()
		return fmt.Errorf("%w: checkpoint on close: %v", relayerr.ErrStorage, err)
	}
	return d.conn.Close()
}

// IndexEnvelope records an envelope's header in the messages table. Called
// by RelayCore immediately after the Maildir Store durably stages the
// envelope in new/.
func (d *DB) IndexEnvelope(ctx context.Context, env relaymodels.Envelope, maildirKey string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO messages (id, subject, maildir_key, created_at) VALUES (?, ?, ?, ?)`,
		env.ID, env.Subject, maildirKey, env.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: index envelope: %v", relayerr.ErrStorage, err)
	}
	return nil
}

// MarkEnvelopeProcessed stamps a message row with its processed_at time,
// mirroring the Maildir Store's new/ -> cur/ move.
func (d *DB) MarkEnvelopeProcessed(ctx context.Context, envelopeID string, at time.Time) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE messages SET processed_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), envelopeID,
	)
	if err != nil {
		return fmt.Errorf("%w: mark processed: %v", relayerr.ErrStorage, err)
	}
	return nil
}

// MaildirKeyForEnvelope looks up the maildir_key a published envelope was
// stored under, so a caller holding only the envelope id (e.g. a delivery
// record) can re-read the original body from the Maildir Store.
func (d *DB) MaildirKeyForEnvelope(ctx context.Context, envelopeID string) (string, error) {
	var key string
	err := d.conn.QueryRowContext(ctx,
		`SELECT maildir_key FROM messages WHERE id = ?`, envelopeID,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: envelope %q", relayerr.ErrNotFound, envelopeID)
	}
	if err != nil {
		return "", fmt.Errorf("%w: lookup maildir key: %v", relayerr.ErrStorage, err)
	}
	return key, nil
}

// UnprocessedMaildirKeys returns the maildir_key of every message row with
// no processed_at, used at startup to reconcile the index against
// whatever the Maildir Store's new/ directory actually contains.
func (d *DB) UnprocessedMaildirKeys(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT maildir_key FROM messages WHERE processed_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("%w: query unprocessed: %v", relayerr.ErrStorage, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%w: scan unprocessed: %v", relayerr.ErrStorage, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpsertDelivery inserts or updates an outbound webhook delivery attempt
// record.
func (d *DB) UpsertDelivery(ctx context.Context, rec relaymodels.DeliveryRecord) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO deliveries (id, envelope_id, adapter_id, target_url, attempt, status, last_error, next_attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempt = excluded.attempt,
			status = excluded.status,
			last_error = excluded.last_error,
			next_attempt = excluded.next_attempt,
			updated_at = excluded.updated_at
	`,
		rec.ID, rec.EnvelopeID, rec.AdapterID, rec.TargetURL, rec.Attempt, rec.Status,
		rec.LastError, formatNullableTime(rec.NextAttempt), now, now,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert delivery: %v", relayerr.ErrStorage, err)
	}
	return nil
}

// DueDeliveries returns retrying deliveries whose next_attempt has passed.
func (d *DB) DueDeliveries(ctx context.Context, asOf time.Time) ([]relaymodels.DeliveryRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, envelope_id, adapter_id, target_url, attempt, status, last_error, next_attempt, created_at, updated_at
		FROM deliveries
		WHERE status = ? AND next_attempt <= ?
		ORDER BY next_attempt ASC
	`, relaymodels.DeliveryStatusRetrying, asOf.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: query due deliveries: %v", relayerr.ErrStorage, err)
	}
	defer rows.Close()

	var out []relaymodels.DeliveryRecord
	for rows.Next() {
		var rec relaymodels.DeliveryRecord
		var nextAttempt, createdAt, updatedAt string
		var lastError sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EnvelopeID, &rec.AdapterID, &rec.TargetURL,
			&rec.Attempt, &rec.Status, &lastError, &nextAttempt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan delivery: %v", relayerr.ErrStorage, err)
		}
		rec.LastError = lastError.String
		rec.NextAttempt, _ = time.Parse(time.RFC3339Nano, nextAttempt)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertNonce records a webhook nonce. It returns relayerr.ErrReplay if the
// (adapterID, nonce) pair was already seen.
func (d *DB) InsertNonce(ctx context.Context, rec relaymodels.NonceRecord) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO nonces (nonce, adapter_id, seen_at) VALUES (?, ?, ?)`,
		rec.Nonce, rec.AdapterID, rec.SeenAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return relayerr.ErrReplay
		}
		return fmt.Errorf("%w: insert nonce: %v", relayerr.ErrStorage, err)
	}
	return nil
}

// PruneNonces deletes nonce rows older than cutoff, bounding the replay
// window the webhook adapter needs to defend.
func (d *DB) PruneNonces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.conn.ExecContext(ctx,
		`DELETE FROM nonces WHERE seen_at < ?`, cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: prune nonces: %v", relayerr.ErrStorage, err)
	}
	return res.RowsAffected()
}

// InsertRun records the start of a Claude Code runtime invocation.
func (d *DB) InsertRun(ctx context.Context, rec relaymodels.RunRecord) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO runs (id, adapter_id, envelope_id, prompt, reply_to, exit_code, output, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.AdapterID, rec.EnvelopeID, rec.Prompt, rec.ReplyTo, rec.ExitCode,
		rec.Output, rec.Err, rec.StartedAt.UTC().Format(time.RFC3339Nano), formatNullableTime(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("%w: insert run: %v", relayerr.ErrStorage, err)
	}
	return nil
}

// CompleteRun stamps a run row with its outcome, output and end time. Only
// the fields a completed run carries (ID, ExitCode, Output, Err, Outcome,
// ErrorKind, CostReported, EndedAt) are read from rec.
func (d *DB) CompleteRun(ctx context.Context, rec relaymodels.RunRecord) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE runs SET exit_code = ?, output = ?, error = ?, outcome = ?, error_kind = ?, cost_reported = ?, ended_at = ? WHERE id = ?`,
		rec.ExitCode, rec.Output, rec.Err, string(rec.Outcome), rec.ErrorKind, rec.CostReported,
		rec.EndedAt.UTC().Format(time.RFC3339Nano), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: complete run: %v", relayerr.ErrStorage, err)
	}
	return nil
}

// ListRuns returns the most recent runs for adapterID, newest first.
func (d *DB) ListRuns(ctx context.Context, adapterID string, limit int) ([]relaymodels.RunRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, adapter_id, envelope_id, prompt, reply_to, exit_code, output, error, outcome, error_kind, cost_reported, started_at, ended_at
		FROM runs WHERE adapter_id = ? ORDER BY started_at DESC LIMIT ?
	`, adapterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", relayerr.ErrStorage, err)
	}
	defer rows.Close()

	var out []relaymodels.RunRecord
	for rows.Next() {
		var rec relaymodels.RunRecord
		var replyTo, output, runErr, outcome, errorKind, endedAt sql.NullString
		var startedAt string
		var exitCode sql.NullInt64
		var costReported sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.AdapterID, &rec.EnvelopeID, &rec.Prompt, &replyTo,
			&exitCode, &output, &runErr, &outcome, &errorKind, &costReported, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("%w: scan run: %v", relayerr.ErrStorage, err)
		}
		rec.ReplyTo = replyTo.String
		rec.Output = output.String
		rec.Err = runErr.String
		rec.Outcome = relaymodels.RunOutcome(outcome.String)
		rec.ErrorKind = errorKind.String
		rec.CostReported = costReported.Float64
		rec.ExitCode = int(exitCode.Int64)
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if endedAt.Valid {
			rec.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatNullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func isUniqueConstraintErr(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as a *sqlite.Error
	// whose message contains "UNIQUE constraint failed"; string-matching
	// is the documented way to distinguish this from other exec errors
	// since the driver exports no typed sentinel for it.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
