package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the progress of one orchestration job
type State string

const (
	StateStarted    State = "STARTED"
	StateValidated  State = "VALIDATED"
	StateProcessing State = "PROCESSING"
	StateFinalizing State = "FINALIZING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// ErrInvalidTransition is returned for backward moves and moves out of a
// terminal state
var ErrInvalidTransition = errors.New("invalid progress transition")

var order = map[State]int{
	StateStarted:    1,
	StateValidated:  2,
	StateProcessing: 3,
	StateFinalizing: 4,
	StateCompleted:  5,
}

// Percent is the completion hint of s
func (s State) Percent() int {
	switch s {
	case StateValidated:
		return 20
	case StateProcessing:
		return 50
	case StateFinalizing:
		return 80
	case StateCompleted:
		return 100
	default:
		return 0
	}
}

// Terminal reports whether no transition may follow s
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether from -> to is allowed. The empty state is
// the state before STARTED.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return from != ""
	}
	next, ok := order[to]
	if !ok {
		return false
	}
	return next > order[from]
}

// Event is one published transition
type Event struct {
	JobID          string    `json:"job_id"`
	SessionID      string    `json:"session_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	State          State     `json:"state"`
	Percent        int       `json:"percent"`
	Detail         string    `json:"detail,omitempty"`
	Retrying       bool      `json:"retrying,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Final reports whether no further event will be published for the job. A
// FAILED attempt that will be retried is not final.
func (e Event) Final() bool {
	return e.State.Terminal() && !e.Retrying
}

// Publisher is a best-effort side channel. Publish must never block.
type Publisher interface {
	Publish(event Event)
}

// Tracker enforces the state machine of one job and publishes every change
type Tracker struct {
	mu             sync.Mutex
	jobID          string
	sessionID      string
	organizationID string
	state          State
	publisher      Publisher
	now            func() time.Time
}

// NewTracker creates a tracker in the state before STARTED
func NewTracker(jobID, sessionID, organizationID string, publisher Publisher) *Tracker {
	return &Tracker{
		jobID:          jobID,
		sessionID:      sessionID,
		organizationID: organizationID,
		publisher:      publisher,
		now:            time.Now,
	}
}

// State returns the current state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves to state and publishes the change
func (t *Tracker) Transition(state State, detail string) error {
	return t.transition(state, detail, false)
}

func (t *Tracker) transition(state State, detail string, retrying bool) error {
	t.mu.Lock()
	if !CanTransition(t.state, state) {
		from := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, displayState(from), state)
	}
	t.state = state
	event := Event{
		JobID:          t.jobID,
		SessionID:      t.sessionID,
		OrganizationID: t.organizationID,
		State:          state,
		Percent:        state.Percent(),
		Detail:         detail,
		Retrying:       retrying,
		Timestamp:      t.now().UTC(),
	}
	t.mu.Unlock()

	if t.publisher != nil {
		t.publisher.Publish(event)
	}
	return nil
}

// Fail moves to FAILED unless the job already reached a terminal state
func (t *Tracker) Fail(detail string) error {
	return t.Transition(StateFailed, detail)
}

// FailRetrying moves to FAILED and marks the event as followed by another
// attempt of the same job
func (t *Tracker) FailRetrying(detail string) error {
	return t.transition(StateFailed, detail, true)
}

func displayState(s State) string {
	if s == "" {
		return "NONE"
	}
	return string(s)
}
