package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorkos/relay/pkg/relayerr"
	"github.com/dorkos/relay/pkg/relaymodels"
)

func TestChatIDFromSubject(t *testing.T) {
	id, err := chatIDFromSubject("relay.telegram", "relay.telegram.12345")
	require.NoError(t, err)
	assert.EqualValues(t, 12345, id)

	_, err = chatIDFromSubject("relay.telegram", "relay.other.12345")
	require.ErrorIs(t, err, relayerr.ErrInvalidSubject)

	_, err = chatIDFromSubject("relay.telegram", "relay.telegram.not-a-number")
	require.ErrorIs(t, err, relayerr.ErrInvalidSubject)
}

func TestMessageText_ExtractsJSONTextField(t *testing.T) {
	env := relaymodels.Envelope{Payload: []byte(`{"text":"hello there"}`)}
	text, err := messageText(env)
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestMessageText_FallsBackToRawPayload(t *testing.T) {
	env := relaymodels.Envelope{Payload: []byte(`not json`)}
	text, err := messageText(env)
	require.NoError(t, err)
	assert.Equal(t, "not json", text)
}

func TestAdapter_DeliverAfterStopReturnsStoppingError(t *testing.T) {
	a := New(Config{ID: "tg-1", BotToken: "x", SubjectPrefix: "relay.telegram"}, zerolog.Nop())
	require.NoError(t, a.Start(context.Background(), nil))
	require.NoError(t, a.Stop(context.Background()))

	err := a.Deliver(context.Background(), relaymodels.Envelope{Subject: "relay.telegram.1"})
	require.ErrorIs(t, err, relayerr.ErrAdapterStopping)
}

func TestAdapter_LimiterForReusesSameLimiter(t *testing.T) {
	a := New(Config{ID: "tg-1", BotToken: "x", SubjectPrefix: "relay.telegram"}, zerolog.Nop())
	l1 := a.limiterFor(42)
	l2 := a.limiterFor(42)
	assert.Same(t, l1, l2)
}

func TestAdapter_GetStatus_ReflectsLifecycle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(getUpdatesResponse{OK: true})
	}))
	defer server.Close()

	a := New(Config{
		ID: "tg-1", BotToken: "x", SubjectPrefix: "relay.telegram",
		PollTimeout: 20 * time.Millisecond,
	}, zerolog.Nop())
	a.cfg.baseURL = server.URL + "/bot"

	require.NoError(t, a.Start(context.Background(), nil))
	defer a.Stop(context.Background())

	status := a.GetStatus()
	assert.Equal(t, relaymodels.RunStateRunning, status.State)
	assert.Equal(t, "tg-1", status.AdapterID)
}

func TestAdapter_Deliver_SendsMessageToChat(t *testing.T) {
	var gotChatID float64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The poll loop's getUpdates requests reach this server too; only
		// sendMessage carries the chat_id under test.
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			_ = json.NewEncoder(w).Encode(getUpdatesResponse{OK: true})
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotChatID, _ = body["chat_id"].(float64)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	a := New(Config{ID: "tg-1", BotToken: "x", SubjectPrefix: "relay.telegram"}, zerolog.Nop())
	a.cfg.baseURL = server.URL + "/bot"
	require.NoError(t, a.Start(context.Background(), nil))
	defer a.Stop(context.Background())

	payload, _ := json.Marshal(map[string]string{"text": "hi"})
	err := a.Deliver(context.Background(), relaymodels.Envelope{Subject: "relay.telegram.555", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, float64(555), gotChatID)
}
