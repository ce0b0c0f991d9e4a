package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestBus_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := New()
	require.NoError(t, err)

	received := make(chan *testEvent, 1)
	SubscribeJSON(bus, "test-handler", "test.topic", func(ctx context.Context, ev *testEvent) error {
		received <- ev
		return nil
	})

	go func() { _ = bus.Run(ctx) }()
	<-bus.Running()
	defer bus.Close()

	require.NoError(t, bus.Publish(ctx, "test.topic", &testEvent{ID: "e1", Value: 42}))

	select {
	case ev := <-received:
		assert.Equal(t, "e1", ev.ID)
		assert.Equal(t, 42, ev.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered within timeout")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := New()
	require.NoError(t, err)

	received1 := make(chan *testEvent, 1)
	received2 := make(chan *testEvent, 1)
	SubscribeJSON(bus, "handler-1", "test.topic", func(ctx context.Context, ev *testEvent) error {
		received1 <- ev
		return nil
	})
	SubscribeJSON(bus, "handler-2", "test.topic", func(ctx context.Context, ev *testEvent) error {
		received2 <- ev
		return nil
	})

	go func() { _ = bus.Run(ctx) }()
	<-bus.Running()
	defer bus.Close()

	require.NoError(t, bus.Publish(ctx, "test.topic", &testEvent{ID: "e2"}))

	for name, ch := range map[string]chan *testEvent{"handler-1": received1, "handler-2": received2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "e2", ev.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not receive the event", name)
		}
	}
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := New()
	require.NoError(t, err)

	received := make(chan *testEvent, 1)
	SubscribeJSON(bus, "topic-a-handler", "topic.a", func(ctx context.Context, ev *testEvent) error {
		received <- ev
		return nil
	})

	go func() { _ = bus.Run(ctx) }()
	<-bus.Running()
	defer bus.Close()

	require.NoError(t, bus.Publish(ctx, "topic.b", &testEvent{ID: "other"}))
	require.NoError(t, bus.Publish(ctx, "topic.a", &testEvent{ID: "mine"}))

	select {
	case ev := <-received:
		assert.Equal(t, "mine", ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered within timeout")
	}
}
