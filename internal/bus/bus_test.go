package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribed(t *testing.T) {
	b := New()
	var got []Message
	b.Subscribe("server:1", "alice", func(topic string, msg Message) {
		got = append(got, msg)
	})

	n := b.Publish("server:1", Message{Event: "message_create", Payload: "hi"})
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, "message_create", got[0].Event)
}

func TestNoBufferingBeforeSubscribe(t *testing.T) {
	b := New()
	n := b.Publish("server:1", Message{Event: "early"})
	assert.Equal(t, 0, n)

	var got []Message
	b.Subscribe("server:1", "alice", func(_ string, msg Message) { got = append(got, msg) })
	assert.Empty(t, got, "messages published before subscribe are lost")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe("t", "a", func(string, Message) { count++ })
	b.Publish("t", Message{Event: "e"})
	b.Unsubscribe("t", "a")
	b.Publish("t", Message{Event: "e"})
	assert.Equal(t, 1, count)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	b.Subscribe("t", "a", func(string, Message) {})
	b.Unsubscribe("t", "a")
	assert.NotPanics(t, func() {
		b.Unsubscribe("t", "a")
		b.Unsubscribe("missing", "a")
	})
}

func TestResubscribeReplacesHandler(t *testing.T) {
	b := New()
	first, second := 0, 0
	b.Subscribe("t", "a", func(string, Message) { first++ })
	b.Subscribe("t", "a", func(string, Message) { second++ })
	b.Publish("t", Message{Event: "e"})
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, b.SubscriberCount("t"))
}

func TestPerTopicOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("t", "a", func(_ string, msg Message) { got = append(got, msg.Event) })
	for _, e := range []string{"one", "two", "three"} {
		b.Publish("t", Message{Event: e})
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestConcurrentPublishersDoNotCorruptDelivery(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0
	b.Subscribe("t", "a", func(string, Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish("t", Message{Event: "e"})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, count)
}
