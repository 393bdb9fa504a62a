package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/engine"
	"github.com/cuongbtq/agentflow/internal/jobstore"
	"github.com/cuongbtq/agentflow/internal/progress"
)

// User-facing replies for failed requests
const (
	MessageBudgetExceeded = "Your organization has reached its monthly AI usage budget. Please contact your administrator."
	MessageFailed         = "Sorry, something went wrong while processing your request. Please try again later."
	MessageCancelled      = "Your request was cancelled."
	messageValidation     = "Your request could not be processed: %s"
)

// Executor runs the model/tool loop
type Executor interface {
	Execute(ctx context.Context, req engine.Request, ec engine.ExecContext) (*engine.Result, error)
}

// CancelChecker reads the cancellation flag of a job
type CancelChecker interface {
	IsCancelled(ctx context.Context, job *domain.Job) (bool, error)
}

// NotificationKey is the idempotency key of the reply to a request. Events
// and orchestration jobs of one request share jobID.
func NotificationKey(jobID string) string {
	return "notify:" + jobID
}

// OrchestrationHandler drives one request through validation, the engine
// and reply delivery while publishing its progress
type OrchestrationHandler struct {
	executor         Executor
	enqueuer         Enqueuer
	cancels          CancelChecker
	publisher        progress.Publisher
	maxRequestLength int
	logger           *slog.Logger
}

// NewOrchestrationHandler creates an OrchestrationHandler. maxRequestLength
// is in characters; zero disables the check.
func NewOrchestrationHandler(executor Executor, enqueuer Enqueuer, cancels CancelChecker, publisher progress.Publisher, maxRequestLength int, logger *slog.Logger) *OrchestrationHandler {
	return &OrchestrationHandler{
		executor:         executor,
		enqueuer:         enqueuer,
		cancels:          cancels,
		publisher:        publisher,
		maxRequestLength: maxRequestLength,
		logger:           logger,
	}
}

// Handle processes one orchestration job
func (h *OrchestrationHandler) Handle(ctx context.Context, job *domain.Job) error {
	var payload domain.OrchestrationPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	event := payload.Event

	log := h.logger.With(
		slog.String("job_id", job.ID),
		slog.String("organization_id", event.OrganizationID),
		slog.String("session_id", event.SessionID),
	)

	tracker := progress.NewTracker(job.ID, event.SessionID, event.OrganizationID, h.publisher)
	h.advance(tracker, progress.StateStarted, "")

	if cancelled, err := h.cancelled(ctx, job); err != nil {
		h.fail(tracker, job, err.Error(), err)
		return err
	} else if cancelled {
		return h.cancel(ctx, job, tracker, &payload, log)
	}

	if err := h.validate(&event); err != nil {
		log.Info("Request rejected", slog.Any("error", err))
		if notifyErr := h.notify(ctx, job, &payload, fmt.Sprintf(messageValidation, reason(err)), domain.ErrorKindValidation, false); notifyErr != nil {
			h.fail(tracker, job, err.Error(), notifyErr)
			return notifyErr
		}
		tracker.Fail(err.Error())
		return domain.NewPermanentError(err)
	}
	h.advance(tracker, progress.StateValidated, "")
	h.advance(tracker, progress.StateProcessing, "")

	result, err := h.executor.Execute(ctx, engine.Request{
		Text:  event.RequestText,
		Model: payload.Model,
	}, engine.ExecContext{
		OrganizationID: event.OrganizationID,
		UserID:         event.UserID,
		JobID:          job.ID,
		Cancelled: func(ctx context.Context) (bool, error) {
			return h.cancelled(ctx, job)
		},
	})
	if err != nil {
		return h.executionFailed(ctx, job, tracker, &payload, err, log)
	}
	if result.Cancelled {
		return h.cancel(ctx, job, tracker, &payload, log)
	}

	h.advance(tracker, progress.StateFinalizing, "")

	if err := h.notify(ctx, job, &payload, result.Text, domain.ErrorKindNone, result.Truncated); err != nil {
		h.fail(tracker, job, err.Error(), err)
		return err
	}

	h.advance(tracker, progress.StateCompleted, "")
	log.Info("Request completed",
		slog.Int("rounds", result.Rounds),
		slog.Int("tool_calls", len(result.ToolCalls)),
		slog.Bool("truncated", result.Truncated),
		slog.Float64("cost_cents", result.CostCents),
	)
	return nil
}

// OnDeadLetter tells the user about a request that exhausted its retries.
// Permanent failures were already reported by Handle.
func (h *OrchestrationHandler) OnDeadLetter(ctx context.Context, job *domain.Job, cause error) {
	if domain.IsPermanent(cause) {
		return
	}

	var payload domain.OrchestrationPayload
	if err := job.DecodePayload(&payload); err != nil {
		return
	}

	if err := h.notify(ctx, job, &payload, MessageFailed, domain.ErrorKindFailed, false); err != nil {
		h.logger.Error("Failed to enqueue failure notification",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

func (h *OrchestrationHandler) executionFailed(ctx context.Context, job *domain.Job, tracker *progress.Tracker, payload *domain.OrchestrationPayload, err error, log *slog.Logger) error {
	if errors.Is(err, domain.ErrBudgetExceeded) {
		log.Warn("Request blocked by budget")
		if notifyErr := h.notify(ctx, job, payload, MessageBudgetExceeded, domain.ErrorKindBudgetExceeded, false); notifyErr != nil {
			h.fail(tracker, job, "budget exceeded", notifyErr)
			return notifyErr
		}
		tracker.Fail("budget exceeded")
		return domain.NewPermanentError(err)
	}

	if domain.IsPermanent(err) {
		if notifyErr := h.notify(ctx, job, payload, MessageFailed, domain.ErrorKindFailed, false); notifyErr != nil {
			h.fail(tracker, job, err.Error(), notifyErr)
			return notifyErr
		}
	}
	h.fail(tracker, job, err.Error(), err)
	return err
}

// fail publishes FAILED for the current attempt. returned is what Handle
// hands back to the pool; the event is flagged as retrying when the pool
// will run the job again.
func (h *OrchestrationHandler) fail(tracker *progress.Tracker, job *domain.Job, detail string, returned error) {
	var err error
	if willRetry(job, returned) {
		err = tracker.FailRetrying(detail)
	} else {
		err = tracker.Fail(detail)
	}
	if err != nil {
		h.logger.Error("Progress transition rejected", slog.Any("error", err))
	}
}

// willRetry mirrors the pool's routing of a handler error
func willRetry(job *domain.Job, err error) bool {
	var deferErr *domain.DeferError
	switch {
	case err == nil, errors.Is(err, domain.ErrCancelled), domain.IsPermanent(err):
		return false
	case errors.As(err, &deferErr):
		return true
	}
	return job.Attempts+1 < job.MaxAttempts
}

func (h *OrchestrationHandler) cancel(ctx context.Context, job *domain.Job, tracker *progress.Tracker, payload *domain.OrchestrationPayload, log *slog.Logger) error {
	log.Info("Request cancelled")
	if err := h.notify(ctx, job, payload, MessageCancelled, domain.ErrorKindCancelled, false); err != nil {
		h.fail(tracker, job, "cancelled", err)
		return err
	}
	tracker.Fail("cancelled")
	return domain.ErrCancelled
}

func (h *OrchestrationHandler) validate(event *domain.CanonicalEvent) error {
	switch {
	case event.OrganizationID == "":
		return fmt.Errorf("%w: organization is required", domain.ErrValidation)
	case event.UserID == "":
		return fmt.Errorf("%w: user is required", domain.ErrValidation)
	case event.RequestText == "":
		return fmt.Errorf("%w: request text is empty", domain.ErrValidation)
	case h.maxRequestLength > 0 && utf8.RuneCountInString(event.RequestText) > h.maxRequestLength:
		return fmt.Errorf("%w: request longer than %d characters", domain.ErrValidation, h.maxRequestLength)
	}
	return nil
}

func (h *OrchestrationHandler) cancelled(ctx context.Context, job *domain.Job) (bool, error) {
	if h.cancels == nil {
		return false, nil
	}
	return h.cancels.IsCancelled(ctx, job)
}

func (h *OrchestrationHandler) notify(ctx context.Context, job *domain.Job, payload *domain.OrchestrationPayload, text, kind string, truncated bool) error {
	return enqueueReply(ctx, h.enqueuer, job, &payload.Event, text, kind, truncated)
}

// enqueueReply queues the reply to the request carried by job. Every stage
// uses the same idempotency key, so at most one reply is delivered.
func enqueueReply(ctx context.Context, enqueuer Enqueuer, job *domain.Job, event *domain.CanonicalEvent, text, kind string, truncated bool) error {
	_, err := enqueuer.Enqueue(ctx, domain.QueueNotifications, domain.NotificationPayload{
		IdempotencyKey: NotificationKey(job.ID),
		OrganizationID: event.OrganizationID,
		UserID:         event.UserID,
		SessionID:      event.SessionID,
		Destination:    event.Source,
		Text:           text,
		ErrorKind:      kind,
		Truncated:      truncated,
		SourceJobID:    job.ID,
	}, jobstore.EnqueueOptions{
		Priority:       job.Priority,
		OrganizationID: event.OrganizationID,
		UserID:         event.UserID,
		Admission:      jobstore.AdmitOverLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// advance logs transitions the state machine refuses. They indicate a bug,
// not a job failure.
func (h *OrchestrationHandler) advance(tracker *progress.Tracker, state progress.State, detail string) {
	if err := tracker.Transition(state, detail); err != nil {
		h.logger.Error("Progress transition rejected", slog.Any("error", err))
	}
}

// reason strips the sentinel prefix from a validation error
func reason(err error) string {
	msg := err.Error()
	prefix := domain.ErrValidation.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return msg
}
