package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub Subscriber) []*Event {
	var got []*Event
	for e := range sub {
		got = append(got, e)
	}
	return got
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	sub := b.Subscribe()

	b.Publish(&Event{Type: EventJailCreated, Host: "h1", Service: "web"})
	b.Stop()

	got := collect(sub)
	require.Len(t, got, 1)
	assert.Equal(t, EventJailCreated, got[0].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestStopDeliversPendingEvents(t *testing.T) {
	b := NewBroker()
	b.Start()
	first := b.Subscribe()
	second := b.Subscribe()

	types := []EventType{EventDeployStarted, EventJailCreated, EventProxySwitched, EventDeploySucceeded}
	for _, typ := range types {
		b.Publish(&Event{Type: typ})
	}
	b.Stop()

	for _, sub := range []Subscriber{first, second} {
		got := collect(sub)
		require.Len(t, got, len(types))
		for i, e := range got {
			assert.Equal(t, types[i], e.Type, "events arrive in publish order")
		}
	}
	assert.Zero(t, b.SubscriberCount())
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// a second unsubscribe must not close the channel again
	assert.NotPanics(t, func() { b.Unsubscribe(sub) })
}

func TestFullSubscriberIsSkipped(t *testing.T) {
	b := NewBroker()
	b.Start()
	slow := b.Subscribe()

	for i := 0; i < cap(slow)+10; i++ {
		b.Publish(&Event{Type: EventJailDestroyed})
	}
	b.Stop()

	assert.Len(t, collect(slow), cap(slow))
}

func TestNilBrokerDropsEvents(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() { b.Publish(&Event{Type: EventDeployFailed}) })
}

func TestStopWithoutStart(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a broker that never started")
	}

	_, open := <-sub
	assert.False(t, open)
	b.Publish(&Event{Type: EventDeployStarted})
}
