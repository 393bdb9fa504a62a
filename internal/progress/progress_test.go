package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/metrics"
	"github.com/cuongbtq/agentflow/shared/logger"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{from: "", to: StateStarted, want: true},
		{from: "", to: StateFailed, want: false},
		{from: "", to: StateValidated, want: true},
		{from: StateStarted, to: StateValidated, want: true},
		{from: StateValidated, to: StateProcessing, want: true},
		{from: StateProcessing, to: StateFinalizing, want: true},
		{from: StateFinalizing, to: StateCompleted, want: true},
		{from: StateProcessing, to: StateValidated, want: false},
		{from: StateProcessing, to: StateProcessing, want: false},
		{from: StateStarted, to: StateFailed, want: true},
		{from: StateFinalizing, to: StateFailed, want: true},
		{from: StateCompleted, to: StateFailed, want: false},
		{from: StateFailed, to: StateFailed, want: false},
		{from: StateFailed, to: StateCompleted, want: false},
		{from: StateStarted, to: State("BOGUS"), want: false},
	}

	for _, tt := range tests {
		t.Run(string(displayState(tt.from))+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestState_Percent(t *testing.T) {
	want := map[State]int{
		StateStarted:    0,
		StateValidated:  20,
		StateProcessing: 50,
		StateFinalizing: 80,
		StateCompleted:  100,
		StateFailed:     0,
	}
	for state, percent := range want {
		assert.Equal(t, percent, state.Percent(), state)
	}
}

func TestTracker_HappyPath(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker("job-1", "slack:C1", "org-a", rec)

	for _, s := range []State{StateStarted, StateValidated, StateProcessing, StateFinalizing, StateCompleted} {
		require.NoError(t, tr.Transition(s, ""))
	}
	assert.Equal(t, StateCompleted, tr.State())

	err := tr.Fail("too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.Len(t, rec.events, 5)
	assert.Equal(t, "job-1", rec.events[0].JobID)
	assert.Equal(t, "slack:C1", rec.events[0].SessionID)
	assert.Equal(t, 100, rec.events[4].Percent)
}

func TestTracker_FailFromProcessing(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker("job-1", "", "org-a", rec)

	require.NoError(t, tr.Transition(StateStarted, ""))
	require.NoError(t, tr.Transition(StateValidated, ""))
	require.NoError(t, tr.Transition(StateProcessing, ""))
	require.NoError(t, tr.Fail("model timeout"))

	assert.ErrorIs(t, tr.Transition(StateCompleted, ""), ErrInvalidTransition)
	assert.ErrorIs(t, tr.Transition(StateProcessing, ""), ErrInvalidTransition)

	require.Len(t, rec.events, 4)
	last := rec.events[3]
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, 0, last.Percent)
	assert.Equal(t, "model timeout", last.Detail)
}

func TestTracker_FailRetrying(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker("job-1", "", "org-a", rec)

	require.NoError(t, tr.Transition(StateStarted, ""))
	require.NoError(t, tr.FailRetrying("model timeout"))
	assert.ErrorIs(t, tr.Fail("again"), ErrInvalidTransition)

	require.Len(t, rec.events, 2)
	last := rec.events[1]
	assert.Equal(t, StateFailed, last.State)
	assert.True(t, last.Retrying)
	assert.False(t, last.Final())
}

func TestEvent_Final(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"processing", Event{State: StateProcessing}, false},
		{"completed", Event{State: StateCompleted}, true},
		{"failed", Event{State: StateFailed}, true},
		{"failed retrying", Event{State: StateFailed, Retrying: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Final())
		})
	}
}

func TestTracker_NilPublisher(t *testing.T) {
	tr := NewTracker("job-1", "", "", nil)
	require.NoError(t, tr.Transition(StateStarted, ""))
}

func newTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisPublisher_PublishAndLast(t *testing.T) {
	rdb := newTestRedis(t)
	pub := NewRedisPublisher(rdb, config.ProgressConfig{BufferSize: 8, LastTTL: time.Hour}, nil, logger.NewDiscard())
	pub.Start(context.Background())

	sub := NewSubscriber(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := sub.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	pub.Publish(Event{JobID: "job-1", SessionID: "s1", State: StateProcessing, Percent: 50})

	select {
	case e := <-stream:
		assert.Equal(t, StateProcessing, e.State)
		assert.Equal(t, 50, e.Percent)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress event received")
	}

	pub.Close()

	last, err := sub.Last(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, StateProcessing, last.State)

	none, err := sub.Last(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Nil(t, none)

	cancel()
	_, open := <-stream
	assert.False(t, open)
}

func TestRedisPublisher_DropsOnBackpressure(t *testing.T) {
	rdb := newTestRedis(t)
	m := metrics.NewNop()
	pub := NewRedisPublisher(rdb, config.ProgressConfig{BufferSize: 1}, m, logger.NewDiscard())

	// not started, so nothing drains the buffer
	pub.Publish(Event{JobID: "job-1", State: StateStarted})
	pub.Publish(Event{JobID: "job-1", State: StateValidated})
	pub.Publish(Event{JobID: "job-1", State: StateProcessing})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProgressDropped))

	// the buffered event is flushed on close
	pub.Start(context.Background())
	pub.Close()

	last, err := NewSubscriber(rdb).Last(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, StateStarted, last.State)
}
