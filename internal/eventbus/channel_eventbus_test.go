package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestChannelEventBus_PublishAndSubscribe(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(1, 10*time.Millisecond),
	)
	defer eb.Close()

	received := make(chan string, 1)
	handler := func(ctx context.Context, event Event) error {
		received <- string(event.Type())
		return nil
	}
	_, err := eb.Subscribe([]EventType{EventToolExecuted}, handler)
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEvent(EventToolExecuted, "added", "test", nil)))

	select {
	case typ := <-received:
		assert.Equal(t, string(EventToolExecuted), typ)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event handler")
	}
}

func TestChannelEventBus_SubscribeAllSeesEveryType(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1))
	defer eb.Close()

	var mu sync.Mutex
	seen := map[EventType]bool{}
	done := make(chan struct{}, 2)
	_, err := eb.SubscribeAll(func(ctx context.Context, event Event) error {
		mu.Lock()
		seen[event.Type()] = true
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEmptyEvent(EventTurnStarted, "test")))
	require.NoError(t, eb.Publish(context.Background(), NewEmptyEvent(EventReceiptChanged, "test")))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen[EventTurnStarted])
	assert.True(t, seen[EventReceiptChanged])
}

func TestChannelEventBus_HandlerRetry(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(2, 10*time.Millisecond),
	)
	defer eb.Close()

	var calls atomic.Int32
	succeeded := make(chan struct{})
	handler := func(ctx context.Context, event Event) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		close(succeeded)
		return nil
	}
	_, err := eb.Subscribe([]EventType{EventToolFailed}, handler)
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEmptyEvent(EventToolFailed, "test")))

	select {
	case <-succeeded:
	case <-time.After(time.Second):
		t.Fatal("handler was not retried")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestChannelEventBus_HandlerPanicIsContained(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1), WithRetries(0, time.Millisecond))
	defer eb.Close()

	_, err := eb.Subscribe([]EventType{EventSystemError}, func(ctx context.Context, event Event) error {
		panic("subscriber bug")
	})
	require.NoError(t, err)

	after := make(chan struct{})
	_, err = eb.Subscribe([]EventType{EventSystemInfo}, func(ctx context.Context, event Event) error {
		close(after)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eb.Publish(context.Background(), NewEmptyEvent(EventSystemError, "test")))
	require.NoError(t, eb.Publish(context.Background(), NewEmptyEvent(EventSystemInfo, "test")))

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking handler")
	}
}

func TestChannelEventBus_CancelledContextIsRejected(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1))
	defer eb.Close()

	received := make(chan struct{}, 1)
	_, err := eb.Subscribe([]EventType{EventAttemptStarted}, func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = eb.Publish(ctx, NewEmptyEvent(EventAttemptStarted, "test"))
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-received:
		t.Error("handler should not be called after context cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelEventBus_Unsubscribe(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1))
	defer eb.Close()

	received := make(chan struct{}, 1)
	id, err := eb.Subscribe([]EventType{EventResponseGenerated}, func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, eb.Unsubscribe(id))

	require.NoError(t, eb.Publish(context.Background(), NewEmptyEvent(EventResponseGenerated, "test")))
	select {
	case <-received:
		t.Error("unsubscribed handler was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelEventBus_Closed(t *testing.T) {
	eb := NewChannelEventBus()
	require.NoError(t, eb.Close())
	require.NoError(t, eb.Close())

	assert.ErrorIs(t, eb.Publish(context.Background(), NewEmptyEvent(EventSystemInfo, "test")), ErrBusClosed)
	_, err := eb.SubscribeAll(func(ctx context.Context, event Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, eb.Unsubscribe("missing"), ErrBusClosed)
}

func TestChannelEventBus_Validation(t *testing.T) {
	eb := NewChannelEventBus()
	defer eb.Close()

	_, err := eb.Subscribe(nil, func(ctx context.Context, event Event) error { return nil })
	assert.Error(t, err)
	_, err = eb.Subscribe([]EventType{EventSystemInfo}, nil)
	assert.Error(t, err)
}

func TestBaseEvent_Metadata(t *testing.T) {
	evt := NewEvent(EventToolExecuted, "payload", "src", nil).
		WithMetadata("tool", "get_transaction").
		AddMetadata(map[string]interface{}{"status": "ok"})

	assert.Equal(t, EventToolExecuted, evt.Type())
	assert.Equal(t, "payload", evt.Payload())
	assert.Equal(t, "src", evt.Source())
	assert.Equal(t, "get_transaction", evt.Metadata()["tool"])
	assert.Equal(t, "ok", evt.Metadata()["status"])
	assert.NotZero(t, evt.Timestamp())
}
