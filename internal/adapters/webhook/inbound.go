package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relaymodels"
)

// InboundConfig describes how one inbound webhook route authenticates
// requests and maps them onto the bus. Secrets holds the current and,
// during a rotation window, previous signing secret — a request verifying
// under either is accepted.
type InboundConfig struct {
	AdapterID string
	Secrets   []string
	Subject   string
	MaxBody   int64
}

// inboundEnvelope is the shape an inbound webhook body is expected to
// carry its nonce in. Unknown fields are ignored; the full raw body is
// still published as the envelope payload.
type inboundEnvelope struct {
	Nonce string `json:"nonce"`
}

// InboundHandler verifies each request's X-DorkOS-Signature header and
// nonce, then publishes the body as an envelope on cfg.Subject. A bad or
// missing signature yields 401; a replayed nonce yields 409.
func InboundHandler(cfg InboundConfig, db *relaydb.DB, pub contracts.Publisher, log zerolog.Logger) http.HandlerFunc {
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	log = log.With().Str("component", "webhook.inbound").Str("adapter_id", cfg.AdapterID).Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		sigHeader := r.Header.Get("X-DorkOS-Signature")
		if sigHeader == "" {
			http.Error(w, "missing signature", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if !Verify(cfg.Secrets, sigHeader, body, time.Now()) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var parsed inboundEnvelope
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Nonce == "" {
			http.Error(w, "missing nonce in body", http.StatusUnauthorized)
			return
		}
		nonce := parsed.Nonce

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		err = db.InsertNonce(ctx, relaymodels.NonceRecord{
			Nonce:     nonce,
			AdapterID: cfg.AdapterID,
			SeenAt:    time.Now().UTC(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("rejecting inbound webhook")
			http.Error(w, "replayed request", http.StatusConflict)
			return
		}

		env := relaymodels.Envelope{
			ID:        uuid.NewString(),
			Subject:   cfg.Subject,
			Payload:   append([]byte(nil), body...),
			CreatedAt: time.Now().UTC(),
		}
		if err := pub.Publish(ctx, env); err != nil {
			log.Error().Err(err).Msg("failed to publish inbound webhook envelope")
			http.Error(w, fmt.Sprintf("publish failed: %v", err), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}
