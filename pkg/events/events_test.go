package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wasm-watchdog/pkg/types"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	a := b.Subscribe()
	c := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventPoolScaled, Message: "replicas=2"})

	for _, sub := range []Subscriber{a, c} {
		ev := receive(t, sub)
		assert.Equal(t, EventPoolScaled, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()

	// Not started: the queue fills and further events are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			b.Publish(&Event{Type: EventInstanceCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Equal(t, uint64(300-256), b.Dropped())
}

func TestInstanceEvent(t *testing.T) {
	rec := &types.InstanceRecord{ID: "i-1", Function: "echo", State: types.InstanceStateFaulted}
	ev := InstanceEvent(EventInstanceFaulted, rec, "trap")

	require.NotNil(t, ev.Instance)
	assert.Equal(t, "i-1", ev.Metadata["instance_id"])
	assert.Equal(t, "echo", ev.Metadata["function"])
	assert.Equal(t, "faulted", ev.Metadata["state"])
}
