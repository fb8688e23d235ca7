package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiagent/kiagent/internal/common/logger"
)

// collector gathers delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []*Event
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, e *Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []*Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestPublishDeliversToExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	c := newCollector()
	_, err := b.Subscribe(SessionSubject(SubjectProgress, "s1"), c.handle)
	require.NoError(t, err)

	event := NewEvent("progress", "orchestrator", "s1", map[string]any{"step": 1})
	require.NoError(t, b.Publish(context.Background(), SessionSubject(SubjectProgress, "s1"), event))

	got := c.wait(t, 1)
	assert.Equal(t, event.ID, got[0].ID)
	assert.Equal(t, "s1", got[0].SessionID)
}

func TestPublishSkipsOtherSessions(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	c := newCollector()
	_, err := b.Subscribe(SessionSubject(SubjectProgress, "s1"), c.handle)
	require.NoError(t, err)

	event := NewEvent("progress", "orchestrator", "s2", nil)
	require.NoError(t, b.Publish(context.Background(), SessionSubject(SubjectProgress, "s2"), event))

	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.events)
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	single := newCollector()
	_, err := b.Subscribe("workflow.progress.*", single.handle)
	require.NoError(t, err)

	all := newCollector()
	_, err = b.Subscribe("workflow.>", all.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(),
		SessionSubject(SubjectProgress, "s1"), NewEvent("progress", "test", "s1", nil)))
	require.NoError(t, b.Publish(context.Background(),
		SessionSubject(SubjectResult, "s1"), NewEvent("result", "test", "s1", nil)))

	assert.Len(t, single.wait(t, 1), 1)
	assert.Len(t, all.wait(t, 2), 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	c := newCollector()
	sub, err := b.Subscribe(SubjectResult, c.handle)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectResult, NewEvent("result", "test", "", nil)))
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.events)
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	assert.Error(t, b.Publish(context.Background(), SubjectProgress, NewEvent("x", "test", "", nil)))
	_, err := b.Subscribe(SubjectProgress, func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}

func TestNewEventPopulatesMetadata(t *testing.T) {
	e := NewEvent("agent_event", "orchestrator", "s9", map[string]any{"agent": "codesmith"})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "agent_event", e.Type)
	assert.Equal(t, "s9", e.SessionID)
	assert.WithinDuration(t, time.Now().UTC(), e.Timestamp, time.Minute)
}
