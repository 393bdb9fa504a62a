package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuongbtq/agentflow/internal/config"
)

const maxResponseBytes = 1 << 20

// HTTPProvider calls an external tool service: POST {tool, arguments} to its
// URL, which answers {result} or {error}
type HTTPProvider struct {
	namespace string
	url       string
	tools     []Definition
	client    *http.Client
}

type callRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type callResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// NewHTTPProvider builds a provider from its configuration
func NewHTTPProvider(cfg config.ToolProviderConfig) (*HTTPProvider, error) {
	defs := make([]Definition, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		schema := []byte(`{"type":"object"}`)
		if t.InputSchema != nil {
			var err error
			schema, err = json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("invalid input schema for %s: %w", t.Name, err)
			}
		}
		defs = append(defs, Definition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPProvider{
		namespace: cfg.Namespace,
		url:       cfg.URL,
		tools:     defs,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPProvider) Namespace() string {
	return p.namespace
}

func (p *HTTPProvider) Tools() []Definition {
	return p.tools
}

// Call posts the invocation and returns the result as text. JSON string
// results are unquoted, other JSON values are returned verbatim.
func (p *HTTPProvider) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(callRequest{Tool: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool %s unreachable: %w", Qualify(p.namespace, name), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read tool response: %w", err)
	}

	var out callResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return "", fmt.Errorf("invalid tool response: %w", err)
		}
	}

	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("tool %s returned status %d", Qualify(p.namespace, name), resp.StatusCode)
	}

	var text string
	if err := json.Unmarshal(out.Result, &text); err == nil {
		return text, nil
	}
	return string(out.Result), nil
}

// RegistryFromConfig registers one HTTPProvider per configured provider
func RegistryFromConfig(providers []config.ToolProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range providers {
		p, err := NewHTTPProvider(cfg)
		if err != nil {
			return nil, err
		}
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}
