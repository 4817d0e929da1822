package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"convoy/internal/logging"
	"convoy/internal/ports"
)

// HTTPSink posts event upserts to an external observability endpoint.
// Calls are fire-and-forget from the caller's perspective: errors are
// returned for logging only and must never alter core control flow.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	logger   logging.Logger
}

// NewHTTPSink builds a sink posting to endpoint.
func NewHTTPSink(endpoint string, logger logging.Logger) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logging.OrNop(logger),
	}
}

func (s *HTTPSink) UpsertEvent(ctx context.Context, update ports.EventUpdate) error {
	if update.EventID == "" {
		return fmt.Errorf("event sink: event id is required")
	}
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("event sink: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("event sink: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("event sink: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) UpsertEvent(context.Context, ports.EventUpdate) error { return nil }
