package notifier

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nkkko/ruleflow/pkg/proto"
)

func outcome(id string) *proto.Notification {
	return &proto.Notification{
		Kind:      KindOutcome,
		Adaptor:   "generator",
		EventId:   id,
		EventType: proto.EventType_GENERATE,
		Status:    "success",
	}
}

// TestBroadcastBuffer tests fan-out to several subscribers
func TestBroadcastBuffer(t *testing.T) {
	flushInterval := 50 * time.Millisecond
	buffer := NewBroadcastBuffer(10, flushInterval)
	defer buffer.Close()

	const numSubscribers = 5
	channels := make([]<-chan *proto.Notification, numSubscribers)
	for i := 0; i < numSubscribers; i++ {
		channels[i] = buffer.Subscribe(fmt.Sprintf("subscriber-%d", i), 10)
	}
	assert.Equal(t, numSubscribers, buffer.Subscribers())

	buffer.Publish(outcome("ev-1"))

	for i, ch := range channels {
		select {
		case received := <-ch:
			assert.Equal(t, "ev-1", received.EventId, "Subscriber %d should receive the notification", i)
		case <-time.After(flushInterval * 4):
			t.Errorf("Timeout waiting for subscriber %d", i)
		}
	}

	buffer.Unsubscribe("subscriber-0")
	_, open := <-channels[0]
	assert.False(t, open, "Unsubscribe closes the channel")

	buffer.Publish(outcome("ev-2"))
	for i := 1; i < numSubscribers; i++ {
		select {
		case received := <-channels[i]:
			assert.Equal(t, "ev-2", received.EventId)
		case <-time.After(flushInterval * 4):
			t.Errorf("Timeout waiting for subscriber %d for second notification", i)
		}
	}
}

// TestBufferFlushTriggers tests both the interval and the buffer-full flush
func TestBufferFlushTriggers(t *testing.T) {
	bufferSize := 5
	flushInterval := 50 * time.Millisecond
	buffer := NewBroadcastBuffer(bufferSize, flushInterval)
	defer buffer.Close()

	ch := buffer.Subscribe("test-client", 10)

	buffer.Publish(outcome("interval"))
	select {
	case received := <-ch:
		assert.Equal(t, "interval", received.EventId)
	case <-time.After(flushInterval * 3):
		t.Fatal("Timeout waiting for interval-based flush")
	}

	for i := 0; i < bufferSize; i++ {
		buffer.Publish(outcome(fmt.Sprintf("full-%d", i)))
	}
	for i := 0; i < bufferSize; i++ {
		select {
		case received := <-ch:
			assert.Equal(t, fmt.Sprintf("full-%d", i), received.EventId, "order is preserved per subscriber")
		case <-time.After(flushInterval * 3):
			t.Fatalf("Timeout waiting for buffer-full flush after %d/%d notifications", i, bufferSize)
		}
	}
}

// TestBufferChannelFull tests that a full subscriber never blocks the flush
func TestBufferChannelFull(t *testing.T) {
	flushInterval := 10 * time.Millisecond
	buffer := NewBroadcastBuffer(5, flushInterval)
	defer buffer.Close()

	slow := buffer.Subscribe("slow", 1)
	fast := buffer.Subscribe("fast", 10)

	for i := 0; i < 5; i++ {
		buffer.Publish(outcome(fmt.Sprintf("overflow-%d", i)))
	}

	received := 0
	timeout := time.After(time.Second)
	for received < 5 {
		select {
		case <-fast:
			received++
		case <-timeout:
			t.Fatalf("fast subscriber received %d/5", received)
		}
	}

	select {
	case <-slow:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("slow subscriber should receive at least one notification")
	}
}

func TestBufferCloseIsIdempotent(t *testing.T) {
	buffer := NewBroadcastBuffer(5, 10*time.Millisecond)
	ch := buffer.Subscribe("s", 1)

	assert.NoError(t, buffer.Close())
	assert.NoError(t, buffer.Close())

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, buffer.Subscribers())
}

// BenchmarkBroadcastBuffer measures publish cost with many subscribers
func BenchmarkBroadcastBuffer(b *testing.B) {
	for _, subscribers := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("subscribers=%d", subscribers), func(b *testing.B) {
			buffer := NewBroadcastBuffer(100, 10*time.Millisecond)
			defer buffer.Close()

			for i := 0; i < subscribers; i++ {
				ch := buffer.Subscribe(fmt.Sprintf("sub-%d", i), 1000)
				go func() {
					for range ch {
					}
				}()
			}

			n := outcome("bench")
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				buffer.Publish(n)
			}
		})
	}
}
