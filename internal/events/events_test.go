package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePublishDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(Event{Type: ModelAdded, Payload: ModelAddedPayload{ModelID: "m-1"}})
	bus.Publish(Event{Type: ModelRemoved, Payload: ModelRemovedPayload{ModelID: "m-1"}})

	select {
	case ev := <-ch:
		assert.Equal(t, ModelAdded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first event")
	}
	select {
	case ev := <-ch:
		assert.Equal(t, ModelRemoved, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestPublishToMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: CacheHit, Payload: CacheHitPayload{Fingerprint: "f"}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, CacheHit, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishCoalescesWhenSubscriberSlow(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberQueueDepth+10; i++ {
		bus.Publish(Event{Type: InferenceStarted, Payload: InferenceStartedPayload{RequestID: "r"}})
	}

	require.Equal(t, subscriberQueueDepth, len(ch))
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus()
	assert.Equal(t, 0, bus.SubscriberCount())
	_, unsubscribe := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())
	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())
}
