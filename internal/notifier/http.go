package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig points at a JSON mail API.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	From     string
	Timeout  time.Duration
}

// HTTP posts each message to a mail API. The recipient id doubles as the
// idempotency key so a retried request is not delivered twice by the provider.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

type httpMessage struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Text           string `json:"text"`
	Channel        string `json:"channel"`
	Priority       string `json:"priority"`
	AnnouncementID string `json:"announcement_id"`
}

func (h *HTTP) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(httpMessage{
		From:           h.cfg.From,
		To:             msg.To,
		Subject:        msg.Subject,
		Text:           msg.Body,
		Channel:        msg.Channel,
		Priority:       string(msg.Priority),
		AnnouncementID: msg.AnnouncementID,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return &Error{Transport: "http", Message: "invalid endpoint", Permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.RecipientID)
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if cerr := ClassifyStatus("http", resp.StatusCode, string(body)); cerr != nil {
		return cerr
	}
	return nil
}
