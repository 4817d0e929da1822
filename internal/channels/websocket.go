package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"convoy/internal/logging"
	"convoy/internal/ports"
)

// wsFrame is the wire format in both directions on a chat socket.
type wsFrame struct {
	Type          string            `json:"type"` // message, edit, typing
	ChatID        string            `json:"chatId,omitempty"`
	MessageID     string            `json:"messageId,omitempty"`
	Text          string            `json:"text,omitempty"`
	RequestID     string            `json:"requestId,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	Username      string            `json:"username,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Admin         bool              `json:"admin,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// wsConn wraps a socket with the write lock gorilla requires.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// WSHub tracks live chat sockets by chat id and implements the outbound
// transport over them. A chat with no live socket gets a send error; the
// batch engine logs and swallows delivery failures, so this is safe.
type WSHub struct {
	mu     sync.RWMutex
	conns  map[string]*wsConn
	logger logging.Logger
}

// NewWSHub builds an empty hub.
func NewWSHub(logger logging.Logger) *WSHub {
	return &WSHub{
		conns:  make(map[string]*wsConn),
		logger: logging.OrNop(logger),
	}
}

var _ ports.Transport = (*WSHub)(nil)

// ServeConn owns the socket for one chat: registers it, pumps inbound
// frames to onMessage, and unregisters on exit. Blocks until the socket
// closes or ctx is done.
func (h *WSHub) ServeConn(ctx context.Context, chatID string, conn *websocket.Conn, onMessage func(ctx context.Context, raw json.RawMessage)) {
	wc := &wsConn{conn: conn}
	h.mu.Lock()
	if old, ok := h.conns[chatID]; ok {
		old.conn.Close()
	}
	h.conns[chatID] = wc
	h.mu.Unlock()
	h.logger.Info("ws: chat %s connected", chatID)

	defer func() {
		h.mu.Lock()
		if h.conns[chatID] == wc {
			delete(h.conns, chatID)
		}
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("ws: chat %s disconnected", chatID)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws: chat %s read error: %v", chatID, err)
			}
			return
		}
		onMessage(ctx, json.RawMessage(data))
	}
}

func (h *WSHub) connFor(chatID string) (*wsConn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[chatID]
	if !ok {
		return nil, fmt.Errorf("ws: no live socket for chat %s", chatID)
	}
	return c, nil
}

// Send delivers text to the chat the original frame came from.
func (h *WSHub) Send(ctx context.Context, original json.RawMessage, text string) (ports.MessageRef, error) {
	var in wsFrame
	if err := json.Unmarshal(original, &in); err != nil {
		return ports.MessageRef{}, fmt.Errorf("ws: decode original context: %w", err)
	}
	c, err := h.connFor(in.ChatID)
	if err != nil {
		return ports.MessageRef{}, err
	}
	msgID := uuid.NewString()
	if err := c.writeJSON(wsFrame{Type: "message", ChatID: in.ChatID, MessageID: msgID, Text: text}); err != nil {
		return ports.MessageRef{}, fmt.Errorf("ws: write: %w", err)
	}
	return ports.MessageRef{Channel: "websocket", ChatID: in.ChatID, ID: msgID}, nil
}

// Edit rewrites a previously sent message in place.
func (h *WSHub) Edit(ctx context.Context, ref ports.MessageRef, text string) error {
	c, err := h.connFor(ref.ChatID)
	if err != nil {
		return err
	}
	return c.writeJSON(wsFrame{Type: "edit", ChatID: ref.ChatID, MessageID: ref.ID, Text: text})
}

// Typing signals the assistant is working.
func (h *WSHub) Typing(ctx context.Context, original json.RawMessage) error {
	var in wsFrame
	if err := json.Unmarshal(original, &in); err != nil {
		return fmt.Errorf("ws: decode original context: %w", err)
	}
	c, err := h.connFor(in.ChatID)
	if err != nil {
		return err
	}
	return c.writeJSON(wsFrame{Type: "typing", ChatID: in.ChatID})
}

// ParseContext maps an inbound frame to the channel-neutral input shape.
func (h *WSHub) ParseContext(raw json.RawMessage) (ports.ParsedInput, error) {
	var in wsFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return ports.ParsedInput{}, fmt.Errorf("ws: decode frame: %w", err)
	}
	if in.Type != "" && in.Type != "message" {
		return ports.ParsedInput{}, fmt.Errorf("ws: unexpected frame type %q", in.Type)
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
