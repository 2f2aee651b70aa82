package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
)

func testBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	b := NewMemoryEventBus(8, log)
	t.Cleanup(b.Close)
	return b
}

func recvOne(t *testing.T, sub Subscription) *events.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		require.True(t, ok, "subscription channel closed")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := testBus(t)

	sub, err := b.Subscribe(Filter{}, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	env := events.NewEnvelope(events.SessionCreated, "sess-1", "", map[string]string{"title": "hello"})
	require.NoError(t, b.Publish(context.Background(), env))

	got := recvOne(t, sub)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, events.SessionCreated, got.Type)
	assert.Equal(t, "sess-1", got.SessionID)
}

func TestMemoryEventBus_OrderingPerSubscriber(t *testing.T) {
	b := testBus(t)

	sub, err := b.Subscribe(Filter{SessionID: "sess-1"}, 16)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		env := events.NewEnvelope(events.MessageAppended, "sess-1", "", map[string]int{"seq": i})
		require.NoError(t, b.Publish(context.Background(), env))
	}

	for i := 0; i < 10; i++ {
		got := recvOne(t, sub)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(got.Data))
	}
}

func TestMemoryEventBus_Filtering(t *testing.T) {
	b := testBus(t)

	t.Run("by session", func(t *testing.T) {
		sub, err := b.Subscribe(Filter{SessionID: "sess-a"}, 4)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, b.Publish(context.Background(), events.NewEnvelope(events.RunStarted, "sess-b", "run-1", nil)))
		require.NoError(t, b.Publish(context.Background(), events.NewEnvelope(events.RunStarted, "sess-a", "run-2", nil)))

		got := recvOne(t, sub)
		assert.Equal(t, "sess-a", got.SessionID)
		assert.Equal(t, "run-2", got.RunID)
	})

	t.Run("by run", func(t *testing.T) {
		sub, err := b.Subscribe(Filter{RunID: "run-9"}, 4)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, b.Publish(context.Background(), events.NewEnvelope(events.RunFinished, "sess-a", "run-1", nil)))
		require.NoError(t, b.Publish(context.Background(), events.NewEnvelope(events.RunFinished, "sess-a", "run-9", nil)))

		got := recvOne(t, sub)
		assert.Equal(t, "run-9", got.RunID)
	})
}

func TestMemoryEventBus_SlowSubscriberDisconnected(t *testing.T) {
	b := testBus(t)

	slow, err := b.Subscribe(Filter{}, 2)
	require.NoError(t, err)

	fast, err := b.Subscribe(Filter{}, 16)
	require.NoError(t, err)
	defer fast.Unsubscribe()

	// Never drain `slow`; the third publish overflows its queue.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), events.NewEnvelope(events.SidecarStatus, "", "", nil)))
	}

	// Drain whatever was buffered, then the channel must be closed.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.C():
			if !ok {
				assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
				// Fast subscriber is unaffected.
				for i := 0; i < 3; i++ {
					recvOne(t, fast)
				}
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber was not disconnected")
		}
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := testBus(t)

	sub, err := b.Subscribe(Filter{}, 4)
	require.NoError(t, err)

	b.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	assert.ErrorIs(t, b.Publish(context.Background(), events.NewEnvelope(events.SessionCreated, "", "", nil)), ErrBusClosed)
	_, err = b.Subscribe(Filter{}, 4)
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.False(t, b.IsConnected())
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := testBus(t)

	sub, err := b.Subscribe(Filter{}, 4)
	require.NoError(t, err)
	sub.Unsubscribe()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	// Publishing after unsubscribe must not panic or deliver.
	require.NoError(t, b.Publish(context.Background(), events.NewEnvelope(events.SessionCreated, "", "", nil)))
}
