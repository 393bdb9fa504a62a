package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
)

const maxResponseBytes = 4 << 20

// APIError is a non-2xx answer of the model endpoint
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model endpoint returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the call may succeed when retried
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type messagesResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPProvider talks to a Messages-style JSON endpoint
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPProvider creates a provider for cfg.BaseURL
func NewHTTPProvider(cfg config.LLMConfig, logger *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/v1/messages",
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

// Complete sends req. Timeouts, 429 and 5xx answers are returned as plain
// errors so the job is retried, other 4xx answers are permanent.
func (p *HTTPProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("failed to marshal model request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("failed to build model request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("X-Api-Key", p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read model response: %w", err)
	}

	var out messagesResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			apiErr.Message = out.Error.Message
		}

		p.logger.Warn("Model invocation failed",
			slog.String("model", req.Model),
			slog.Int("status", resp.StatusCode),
			slog.String("message", apiErr.Message),
		)

		partial := &Response{Usage: out.Usage}
		if apiErr.Transient() {
			return partial, apiErr
		}
		return partial, domain.NewPermanentError(apiErr)
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("invalid model response: %w", decodeErr)
	}

	return &Response{
		Content:    out.Content,
		StopReason: out.StopReason,
		Usage:      out.Usage,
	}, nil
}
