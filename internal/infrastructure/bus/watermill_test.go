package bus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "tasks.done", Topic("tasks", "done"))
	assert.Equal(t, "done", Topic("", "done"))
}

func TestLocalBus_PublishSubscribe(t *testing.T) {
	b := NewLocalBus(logger.NewNop())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := b.Subscribe(ctx, "tasks", "done")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "tasks", "done", []byte(`{"task":"x"}`)))

	select {
	case msg := <-messages:
		assert.JSONEq(t, `{"task":"x"}`, string(msg.Payload))
		assert.Equal(t, "tasks", msg.Metadata.Get("exchange"))
		assert.Equal(t, "done", msg.Metadata.Get("route"))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestLocalBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewLocalBus(logger.NewNop())
	defer b.Close()

	assert.NoError(t, b.Publish(context.Background(), "ex", "rk", []byte("{}")))
}

func TestWatermillLogger_With(t *testing.T) {
	l := NewWatermillLogger(logger.NewNop())

	child := l.With(watermill.LogFields{"topic": "a"})
	child.Info("hello", watermill.LogFields{"n": 1})
	child.Error("boom", assert.AnError, nil)

	wl := child.(*watermillLogger)
	assert.Equal(t, "a", wl.fields["topic"])
}
