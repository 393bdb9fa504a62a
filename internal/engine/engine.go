package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/llm"
	"github.com/cuongbtq/agentflow/internal/metrics"
	"github.com/cuongbtq/agentflow/internal/tools"
)

// DefaultMaxRounds bounds the tool loop when the configuration does not
const DefaultMaxRounds = 10

// BudgetChecker blocks invocations of organizations over their ceiling
type BudgetChecker interface {
	Check(ctx context.Context, organizationID string) error
}

// UsageRecorder appends invocations to the usage ledger
type UsageRecorder interface {
	Record(ctx context.Context, entry *domain.UsageEntry) error
}

// ToolCaller lists and executes tools
type ToolCaller interface {
	Definitions() []tools.Definition
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// CostModel prices one invocation in cents
type CostModel interface {
	Cost(model string, inputTokens, outputTokens int) float64
}

// Request is what the user asked for
type Request struct {
	Text   string
	Model  string
	System string
}

// ExecContext identifies who pays for the execution and how to observe
// cancellation
type ExecContext struct {
	OrganizationID string
	UserID         string
	JobID          string

	// Cancelled is polled between rounds. Optional.
	Cancelled func(ctx context.Context) (bool, error)
}

// ToolCallSummary describes one executed tool call
type ToolCallSummary struct {
	Round    int           `json:"round"`
	Name     string        `json:"name"`
	IsError  bool          `json:"is_error"`
	Duration time.Duration `json:"duration"`
}

// Result of an execution. Truncated results are successful: the loop hit
// its round ceiling and Text holds the last assistant text.
type Result struct {
	Success   bool
	Truncated bool
	Cancelled bool
	Text      string
	Usage     llm.Usage
	CostCents float64
	Rounds    int
	ToolCalls []ToolCallSummary
}

// Engine runs the bounded model/tool loop
type Engine struct {
	provider llm.Provider
	tools    ToolCaller
	budget   BudgetChecker
	ledger   UsageRecorder
	pricing  CostModel
	cfg      config.EngineConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an engine
func New(
	provider llm.Provider,
	toolCaller ToolCaller,
	budget BudgetChecker,
	ledger UsageRecorder,
	pricing CostModel,
	cfg config.EngineConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{
		provider: provider,
		tools:    toolCaller,
		budget:   budget,
		ledger:   ledger,
		pricing:  pricing,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute runs the loop until the model stops requesting tools or the round
// ceiling is reached. It returns domain.ErrBudgetExceeded, without invoking
// the model, once the organization is over budget.
func (e *Engine) Execute(ctx context.Context, req Request, ec ExecContext) (*Result, error) {
	model := req.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}
	system := req.System
	if system == "" {
		system = e.cfg.SystemPrompt
	}

	var defs []tools.Definition
	if e.tools != nil {
		defs = e.tools.Definitions()
	}

	log := e.logger.With(
		slog.String("job_id", ec.JobID),
		slog.String("organization_id", ec.OrganizationID),
		slog.String("model", model),
	)

	result := &Result{}
	conversation := []llm.Message{llm.UserText(req.Text)}
	var lastText string

	for round := 0; round < e.cfg.MaxRounds; round++ {
		if cancelled, err := e.cancelled(ctx, ec); err != nil {
			return nil, err
		} else if cancelled {
			log.Info("Execution cancelled", slog.Int("round", round))
			result.Cancelled = true
			result.Text = lastText
			return result, nil
		}

		if err := e.budget.Check(ctx, ec.OrganizationID); err != nil {
			if errors.Is(err, domain.ErrBudgetExceeded) {
				e.metrics.BudgetRejections.Inc()
			}
			return nil, err
		}

		resp, err := e.invoke(ctx, &llm.Request{
			Model:     model,
			System:    system,
			Messages:  conversation,
			Tools:     defs,
			MaxTokens: e.cfg.MaxTokens,
		}, ec, result)
		if err != nil {
			return nil, err
		}
		result.Rounds++

		if text := resp.Text(); text != "" {
			lastText = text
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			result.Success = true
			result.Text = lastText
			log.Info("Execution completed",
				slog.Int("rounds", result.Rounds),
				slog.Int("tool_calls", len(result.ToolCalls)),
			)
			return result, nil
		}
		// results of the last round would never reach the model
		if round == e.cfg.MaxRounds-1 {
			break
		}

		conversation = e.nextConversation(ctx, conversation, resp, calls, round, result)
	}

	e.metrics.EngineTruncations.Inc()
	log.Warn("Execution stopped at round ceiling",
		slog.Int("max_rounds", e.cfg.MaxRounds),
	)

	result.Success = true
	result.Truncated = true
	result.Text = lastText
	return result, nil
}

// nextConversation returns a new conversation extended with the assistant
// turn and the results of its tool calls
func (e *Engine) nextConversation(ctx context.Context, conversation []llm.Message, resp *llm.Response, calls []llm.ToolCall, round int, result *Result) []llm.Message {
	results := make([]llm.ContentBlock, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.callTool(ctx, call, round, result))
	}

	next := make([]llm.Message, 0, len(conversation)+2)
	next = append(next, conversation...)
	next = append(next,
		llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
		llm.Message{Role: llm.RoleUser, Content: results},
	)
	return next
}

func (e *Engine) callTool(ctx context.Context, call llm.ToolCall, round int, result *Result) llm.ContentBlock {
	start := e.now()
	block := llm.ContentBlock{Type: llm.BlockToolResult, ToolUseID: call.ID}

	var (
		out string
		err error
	)
	if e.tools == nil {
		err = tools.ErrToolNotFound
	} else {
		out, err = e.tools.Call(ctx, call.Name, call.Input)
	}

	status := "ok"
	if err != nil {
		status = "error"
		block.IsError = true
		block.Content = err.Error()
		e.logger.Warn("Tool call failed",
			slog.String("tool", call.Name),
			slog.Int("round", round),
			slog.Any("error", err),
		)
	} else {
		block.Content = out
	}

	e.metrics.ToolCalls.WithLabelValues(namespaceOf(call.Name), status).Inc()
	result.ToolCalls = append(result.ToolCalls, ToolCallSummary{
		Round:    round,
		Name:     call.Name,
		IsError:  block.IsError,
		Duration: e.now().Sub(start),
	})
	return block
}

// invoke calls the model and records usage whether or not the call succeeded
func (e *Engine) invoke(ctx context.Context, req *llm.Request, ec ExecContext, result *Result) (*llm.Response, error) {
	start := e.now()
	resp, err := e.provider.Complete(ctx, req)
	e.metrics.ModelDuration.WithLabelValues(req.Model).Observe(e.now().Sub(start).Seconds())

	var usage llm.Usage
	if resp != nil {
		usage = resp.Usage
	}
	cost := e.pricing.Cost(req.Model, usage.InputTokens, usage.OutputTokens)

	result.Usage.InputTokens += usage.InputTokens
	result.Usage.OutputTokens += usage.OutputTokens
	result.CostCents += cost

	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.ModelInvocations.WithLabelValues(req.Model, status).Inc()
	e.metrics.ModelTokens.WithLabelValues(req.Model, "input").Add(float64(usage.InputTokens))
	e.metrics.ModelTokens.WithLabelValues(req.Model, "output").Add(float64(usage.OutputTokens))
	e.metrics.ModelCostCents.WithLabelValues(req.Model).Add(cost)

	entry := &domain.UsageEntry{
		OrganizationID: ec.OrganizationID,
		Model:          req.Model,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		CostCents:      cost,
		Success:        err == nil,
		CreatedAt:      e.now().UTC(),
	}
	if recErr := e.ledger.Record(ctx, entry); recErr != nil {
		e.logger.Error("Failed to record usage",
			slog.String("organization_id", ec.OrganizationID),
			slog.String("job_id", ec.JobID),
			slog.Any("error", recErr),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("model invocation failed: %w", err)
	}
	return resp, nil
}

func (e *Engine) cancelled(ctx context.Context, ec ExecContext) (bool, error) {
	if ec.Cancelled == nil {
		return false, nil
	}
	cancelled, err := ec.Cancelled(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation: %w", err)
	}
	return cancelled, nil
}

func namespaceOf(name string) string {
	if ns, _, ok := strings.Cut(name, tools.Separator); ok {
		return ns
	}
	return "unqualified"
}
