package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"convoy/internal/logging"
	"convoy/internal/ports"
)

// Config holds provider connection settings.
type Config struct {
	APIKey  string            `json:"api_key"`
	BaseURL string            `json:"base_url"`
	Model   string            `json:"model"`
	Timeout time.Duration     `json:"timeout"`
	Headers map[string]string `json:"headers,omitempty"`
}

// OpenAI API compatible client.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient constructs an LLM client that speaks the OpenAI-compatible
// chat completions API.
func NewOpenAIClient(cfg Config, logger logging.Logger) (ports.LLMClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	timeout := 120 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	return &openaiClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}, nil
}

func (c *openaiClient) Model() string { return c.model }

func (c *openaiClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	oaiReq := map[string]any{
		"model":    c.model,
		"messages": c.convertMessages(req.Messages),
		"stream":   false,
	}
	if req.Temperature > 0 {
		oaiReq["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		oaiReq["max_tokens"] = req.MaxTokens
	}
	if req.TopP > 0 {
		oaiReq["top_p"] = req.TopP
	}
	if len(req.StopSequences) > 0 {
		oaiReq["stop"] = req.StopSequences
	}
	if len(req.Tools) > 0 {
		oaiReq["tools"] = c.convertTools(req.Tools)
		oaiReq["tool_choice"] = "auto"
	}

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("llm: POST %s model=%s messages=%d", endpoint, c.model, len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: provider returned %d: %s", resp.StatusCode, truncateForLog(raw, 512))
	}

	var oaiResp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role      string `json:"role"`
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &oaiResp); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("llm: response contained no choices")
	}

	choice := oaiResp.Choices[0]
	out := &ports.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Model:      oaiResp.Model,
		Usage: ports.TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ports.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (c *openaiClient) convertMessages(msgs []ports.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{
			"role":    m.Role,
			"content": m.Content,
		}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if m.Name != "" {
			entry["name"] = m.Name
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func (c *openaiClient) convertTools(tools []ports.ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

func truncateForLog(b []byte, max int) string {
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
