package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/pkg/schema"
)

func receive(t *testing.T, ch <-chan StatusUpdate) StatusUpdate {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return StatusUpdate{}
	}
}

func assertEmpty(t *testing.T, ch <-chan StatusUpdate) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected update: %+v", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, UpdateFilter{})
	require.NoError(t, err)
	defer cancel()

	update := StatusUpdate{
		EventType:   schema.EventInstanceStatusUpdated,
		ExecutionID: "exec-1",
		InstanceID:  "inst-1",
		StepName:    "Install",
		Status:      schema.StatusRunning,
	}
	require.NoError(t, hub.Publish(ctx, update))

	got := receive(t, ch)
	assert.Equal(t, update, got)
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byExec, cancel1, err := hub.Subscribe(ctx, UpdateFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel1()
	byType, cancel2, err := hub.Subscribe(ctx, UpdateFilter{EventTypes: []string{schema.EventExecutionEnded}})
	require.NoError(t, err)
	defer cancel2()
	byStatus, cancel3, err := hub.Subscribe(ctx, UpdateFilter{Statuses: []schema.ExecutionStatus{schema.StatusFailed}})
	require.NoError(t, err)
	defer cancel3()

	require.NoError(t, hub.Publish(ctx, StatusUpdate{ExecutionID: "exec-2", EventType: schema.EventInstanceStatusUpdated, Status: schema.StatusRunning}))
	require.NoError(t, hub.Publish(ctx, StatusUpdate{ExecutionID: "exec-1", EventType: schema.EventExecutionEnded, Status: schema.StatusFailed}))

	assert.Equal(t, "exec-1", receive(t, byExec).ExecutionID)
	assertEmpty(t, byExec)
	assert.Equal(t, schema.EventExecutionEnded, receive(t, byType).EventType)
	assertEmpty(t, byType)
	assert.Equal(t, schema.StatusFailed, receive(t, byStatus).Status)
	assertEmpty(t, byStatus)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, UpdateFilter{})
	require.NoError(t, err)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, hub.Publish(ctx, StatusUpdate{ExecutionID: "x"}))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, UpdateFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StatusUpdate{ExecutionID: "x"}))
	}
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, UpdateFilter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, hub.Publish(ctx, StatusUpdate{}), context.Canceled)
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, UpdateFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				_ = hub.Publish(ctx, StatusUpdate{ExecutionID: "x"})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 32)
}
