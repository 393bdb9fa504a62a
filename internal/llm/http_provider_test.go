package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/tools"
	"github.com/cuongbtq/agentflow/shared/logger"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewHTTPProvider(config.LLMConfig{
		BaseURL: server.URL + "/",
		APIKey:  "test-key",
		Timeout: time.Second,
	}, logger.NewDiscard())
}

func TestHTTPProvider_Complete(t *testing.T) {
	var got Request
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "Let me check. "},
				{"type": "tool_use", "id": "call-1", "name": "crm__lookup", "input": {"email": "a@b.c"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 120, "output_tokens": 30}
		}`))
	})

	resp, err := p.Complete(context.Background(), &Request{
		Model:     "test-model",
		System:    "be brief",
		Messages:  []Message{UserText("who is a@b.c?")},
		Tools:     []tools.Definition{{Name: "crm__lookup", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		MaxTokens: 256,
	})
	require.NoError(t, err)

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, 256, got.MaxTokens)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "who is a@b.c?", got.Messages[0].Content[0].Text)

	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, "Let me check. ", resp.Text())
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 30}, resp.Usage)

	calls := resp.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].ID)
	assert.Equal(t, "crm__lookup", calls[0].Name)
	assert.JSONEq(t, `{"email":"a@b.c"}`, string(calls[0].Input))
}

func TestHTTPProvider_Complete_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantPermanent bool
		wantMessage   string
		wantUsage     Usage
	}{
		{
			name:        "server error is transient",
			status:      http.StatusInternalServerError,
			body:        `{"error":{"type":"api_error","message":"overloaded"}}`,
			wantMessage: "overloaded",
		},
		{
			name:        "rate limit is transient",
			status:      http.StatusTooManyRequests,
			body:        `{}`,
			wantMessage: "Too Many Requests",
		},
		{
			name:          "bad request is permanent",
			status:        http.StatusBadRequest,
			body:          `{"error":{"type":"invalid_request_error","message":"bad tool schema"},"usage":{"input_tokens":10,"output_tokens":0}}`,
			wantPermanent: true,
			wantMessage:   "bad tool schema",
			wantUsage:     Usage{InputTokens: 10},
		},
		{
			name:          "non json error body",
			status:        http.StatusUnauthorized,
			body:          `nope`,
			wantPermanent: true,
			wantMessage:   "Unauthorized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			resp, err := p.Complete(context.Background(), &Request{Model: "m", Messages: []Message{UserText("hi")}})
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, domain.IsPermanent(err))

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)

			require.NotNil(t, resp)
			assert.Equal(t, tt.wantUsage, resp.Usage)
		})
	}
}

func TestHTTPProvider_Complete_Timeout(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	// runs before the server's Close, which waits for this handler
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Complete(ctx, &Request{Model: "m", Messages: []Message{UserText("hi")}})
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
}

func TestHTTPProvider_Complete_InvalidBody(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})

	_, err := p.Complete(context.Background(), &Request{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model response")
}
