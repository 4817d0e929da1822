package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"convoy/internal/logging"
	"convoy/internal/ports"
)

// WebhookTransport serves chat surfaces that deliver inbound messages by
// HTTP POST and receive replies on a callback URL. The callback may be
// fixed at construction or supplied per message in the inbound payload.
type WebhookTransport struct {
	callbackURL string
	client      *http.Client
	logger      logging.Logger
}

// webhookIn is the inbound POST body shape.
type webhookIn struct {
	Text          string            `json:"text"`
	RequestID     string            `json:"requestId,omitempty"`
	UserID        string            `json:"userId"`
	ChatID        string            `json:"chatId"`
	Username      string            `json:"username,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Admin         bool              `json:"admin,omitempty"`
	CallbackURL   string            `json:"callbackUrl,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// webhookOut is the callback POST body shape.
type webhookOut struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	Edit      bool   `json:"edit,omitempty"`
}

// NewWebhookTransport builds a transport posting replies to callbackURL.
// callbackURL may be empty if every inbound payload carries its own.
func NewWebhookTransport(callbackURL string, logger logging.Logger) *WebhookTransport {
	return &WebhookTransport{
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logging.OrNop(logger),
	}
}

var _ ports.Transport = (*WebhookTransport)(nil)

func (t *WebhookTransport) resolveCallback(in webhookIn) (string, error) {
	if in.CallbackURL != "" {
		return in.CallbackURL, nil
	}
	if t.callbackURL != "" {
		return t.callbackURL, nil
	}
	return "", fmt.Errorf("webhook: no callback url for chat %s", in.ChatID)
}

func (t *WebhookTransport) post(ctx context.Context, url string, out webhookOut) error {
	body, err := json.Marshal(out)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: callback returned %d", resp.StatusCode)
	}
	return nil
}

func (t *WebhookTransport) Send(ctx context.Context, original json.RawMessage, text string) (ports.MessageRef, error) {
	var in webhookIn
	if err := json.Unmarshal(original, &in); err != nil {
		return ports.MessageRef{}, fmt.Errorf("webhook: decode original context: %w", err)
	}
	url, err := t.resolveCallback(in)
	if err != nil {
		return ports.MessageRef{}, err
	}
	msgID := uuid.NewString()
	if err := t.post(ctx, url, webhookOut{ChatID: in.ChatID, MessageID: msgID, Text: text}); err != nil {
		return ports.MessageRef{}, err
	}
	return ports.MessageRef{Channel: "webhook", ChatID: in.ChatID, ID: msgID, Callback: url}, nil
}

// Edit re-posts under the same message id with the edit flag; the
// receiving surface decides whether to replace or append. The edit goes
// to the callback the original message was delivered on, falling back to
// the fixed URL.
func (t *WebhookTransport) Edit(ctx context.Context, ref ports.MessageRef, text string) error {
	url := ref.Callback
	if url == "" {
		url = t.callbackURL
	}
	if url == "" {
		return fmt.Errorf("webhook: no callback url to edit message %s", ref.ID)
	}
	return t.post(ctx, url, webhookOut{ChatID: ref.ChatID, MessageID: ref.ID, Text: text, Edit: true})
}

// Typing is a no-op; webhook surfaces poll rather than stream.
func (t *WebhookTransport) Typing(ctx context.Context, original json.RawMessage) error {
	return nil
}

func (t *WebhookTransport) ParseContext(raw json.RawMessage) (ports.ParsedInput, error) {
	var in webhookIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return ports.ParsedInput{}, fmt.Errorf("webhook: decode payload: %w", err)
	}
	return ports.ParsedInput{
		Text:          in.Text,
		RequestID:     in.RequestID,
		UserID:        in.UserID,
		ChatID:        in.ChatID,
		Username:      in.Username,
		CorrelationID: in.CorrelationID,
		Admin:         in.Admin,
		Metadata:      in.Metadata,
		Raw:           raw,
	}, nil
}
