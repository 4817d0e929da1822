package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"convoy/internal/ports"
)

// Envelope wraps a channel payload with its routing discriminator. The
// server wraps every inbound payload before enqueueing, so the original
// context stored with a batch is always an envelope and replies route
// back to the right channel after a restart.
type Envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// WrapEnvelope builds the routed form of an inbound payload.
func WrapEnvelope(channel string, payload json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(Envelope{Channel: channel, Payload: payload})
}

// Router fans transport calls out to the channel named in the envelope.
type Router struct {
	mu         sync.RWMutex
	transports map[string]ports.Transport
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{transports: make(map[string]ports.Transport)}
}

var _ ports.Transport = (*Router)(nil)

// Register adds a channel. Later registrations replace earlier ones.
func (r *Router) Register(channel string, t ports.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[channel] = t
}

func (r *Router) resolve(channel string) (ports.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[channel]
	if !ok {
		return nil, fmt.Errorf("channels: unknown channel %q", channel)
	}
	return t, nil
}

func (r *Router) unwrap(original json.RawMessage) (ports.Transport, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(original, &env); err != nil {
		return nil, nil, fmt.Errorf("channels: decode envelope: %w", err)
	}
	t, err := r.resolve(env.Channel)
	if err != nil {
		return nil, nil, err
	}
	return t, env.Payload, nil
}

func (r *Router) Send(ctx context.Context, original json.RawMessage, text string) (ports.MessageRef, error) {
	t, payload, err := r.unwrap(original)
	if err != nil {
		return ports.MessageRef{}, err
	}
	return t.Send(ctx, payload, text)
}

func (r *Router) Edit(ctx context.Context, ref ports.MessageRef, text string) error {
	t, err := r.resolve(ref.Channel)
	if err != nil {
		return err
	}
	return t.Edit(ctx, ref, text)
}

func (r *Router) Typing(ctx context.Context, original json.RawMessage) error {
	t, payload, err := r.unwrap(original)
	if err != nil {
		return err
	}
	return t.Typing(ctx, payload)
}

// ParseContext delegates to the named channel and rewrites Raw to the
// full envelope so stored context stays routable.
func (r *Router) ParseContext(raw json.RawMessage) (ports.ParsedInput, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ports.ParsedInput{}, fmt.Errorf("channels: decode envelope: %w", err)
	}
	t, err := r.resolve(env.Channel)
	if err != nil {
		return ports.ParsedInput{}, err
	}
	parsed, err := t.ParseContext(env.Payload)
	if err != nil {
		return ports.ParsedInput{}, err
	}
	parsed.Raw = raw
	return parsed, nil
}
