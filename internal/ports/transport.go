package ports

import (
	"context"
	"encoding/json"
)

// MessageRef identifies a delivered message so it can later be edited.
type MessageRef struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	ID      string `json:"id"`
	// Callback is the transport-specific reply route the message was
	// delivered on (e.g. a webhook callback URL), for edits that must
	// reach the same place. Empty when the channel routes by ChatID.
	Callback string `json:"callback,omitempty"`
}

// ParsedInput is the transport-neutral view of one inbound message.
type ParsedInput struct {
	Text          string            `json:"text"`
	RequestID     string            `json:"request_id"`
	UserID        string            `json:"user_id"`
	ChatID        string            `json:"chat_id"`
	Username      string            `json:"username,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Admin         bool              `json:"admin,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	// Raw carries the transport-specific payload needed to reply later.
	// It is stored by value and never interpreted by the core.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Transport delivers progress and final text to a chat surface. The core
// never depends on transport specifics beyond this contract.
type Transport interface {
	// Send delivers text to the chat identified by the original context.
	Send(ctx context.Context, original json.RawMessage, text string) (MessageRef, error)

	// Edit replaces the content of a previously sent message.
	Edit(ctx context.Context, ref MessageRef, text string) error

	// Typing signals that a response is being prepared. Best effort;
	// callers log and ignore the error.
	Typing(ctx context.Context, original json.RawMessage) error

	// ParseContext extracts the transport-neutral input from a raw
	// inbound payload.
	ParseContext(raw json.RawMessage) (ParsedInput, error)
}
