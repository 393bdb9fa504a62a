package llm

import (
	"context"
	"encoding/json"

	"github.com/cuongbtq/agentflow/internal/tools"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ContentBlock is one part of a message
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one conversation turn
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Request is one model invocation
type Request struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []Message          `json:"messages"`
	Tools     []tools.Definition `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Usage holds token counts of one invocation
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model answer
type Response struct {
	Content    []ContentBlock
	StopReason string
	Usage      Usage
}

// Provider invokes a language model. On failure the returned response may
// still carry the usage the provider reported.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// UserText builds a user turn holding plain text
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// Text concatenates the text blocks of the response
func (r *Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool_use blocks of the response
func (r *Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return calls
}
