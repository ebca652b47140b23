package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dorkos/relay/pkg/relaymodels"
)

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type getUpdatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// pollLoop repeatedly calls getUpdates, publishing each message update as
// an envelope on "<subjectPrefix>.<chatID>", and advancing the offset past
// the last update it has seen.
func (a *Adapter) pollLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PollTimeout+5*time.Second)
		updates, err := a.getUpdates(ctx)
		cancel()
		if err != nil {
			a.recordErr(err)
			a.log.Warn().Err(err).Msg("getUpdates failed, backing off")
			select {
			case <-time.After(2 * time.Second):
			case <-a.stopCh:
				return
			}
			continue
		}

		for _, u := range updates {
			a.handleUpdate(u)
		}
	}
}

func (a *Adapter) getUpdates(ctx context.Context) ([]update, error) {
	a.mu.Lock()
	offset := a.lastOffset
	a.mu.Unlock()

	url := fmt.Sprintf("%s?timeout=%d&offset=%d", a.apiURL("getUpdates"), int(a.cfg.PollTimeout.Seconds()), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed getUpdatesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("getUpdates returned ok=false")
	}
	return parsed.Result, nil
}

func (a *Adapter) handleUpdate(u update) {
	a.mu.Lock()
	if u.UpdateID >= a.lastOffset {
		a.lastOffset = u.UpdateID + 1
	}
	pub := a.pub
	a.mu.Unlock()

	if u.Message == nil || pub == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{"text": u.Message.Text})
	if err != nil {
		return
	}
	env := relaymodels.Envelope{
		ID:        uuid.NewString(),
		Subject:   fmt.Sprintf("%s.%d", a.cfg.SubjectPrefix, u.Message.Chat.ID),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := pub.Publish(context.Background(), env); err != nil {
		a.log.Error().Err(err).Msg("failed to publish telegram update")
	}
}
