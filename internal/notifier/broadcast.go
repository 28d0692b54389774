package notifier

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nkkko/ruleflow/internal/metrics"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// BroadcastBuffer batches notifications and fans them out to subscriber
// channels. Slow subscribers lose notifications; publishers never block.
type BroadcastBuffer struct {
	bufferSize    int
	flushInterval time.Duration

	subscribers     map[string]chan *proto.Notification
	subscribersLock sync.RWMutex

	currentBuffer     []*proto.Notification
	currentBufferLock sync.Mutex

	forceFlush chan struct{}
	close      chan struct{}
	closeOnce  sync.Once
	done       chan struct{}

	metrics *metrics.Metrics
}

// NewBroadcastBuffer creates a broadcast buffer and starts its flush loop
func NewBroadcastBuffer(bufferSize int, flushInterval time.Duration) *BroadcastBuffer {
	b := &BroadcastBuffer{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		subscribers:   make(map[string]chan *proto.Notification),
		currentBuffer: make([]*proto.Notification, 0, bufferSize),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       metrics.GetMetrics(),
	}

	go b.bufferFlushLoop()

	return b
}

// Subscribe adds a subscriber with its own channel of the given capacity
func (b *BroadcastBuffer) Subscribe(id string, buffer int) <-chan *proto.Notification {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	channel := make(chan *proto.Notification, buffer)
	b.subscribers[id] = channel
	b.metrics.NotifierConnectionsActive.Inc()

	return channel
}

// Unsubscribe removes a subscriber and closes its channel
func (b *BroadcastBuffer) Unsubscribe(id string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		b.metrics.NotifierConnectionsActive.Dec()
	}
}

// Subscribers returns the number of current subscribers
func (b *BroadcastBuffer) Subscribers() int {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()
	return len(b.subscribers)
}

// Publish adds a notification to the buffer
func (b *BroadcastBuffer) Publish(n *proto.Notification) {
	b.currentBufferLock.Lock()
	defer b.currentBufferLock.Unlock()

	b.currentBuffer = append(b.currentBuffer, n)

	if len(b.currentBuffer) >= b.bufferSize {
		select {
		case b.forceFlush <- struct{}{}:
		default:
		}
	}
}

func (b *BroadcastBuffer) bufferFlushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.forceFlush:
			b.flush()
		case <-b.close:
			b.flush()
			return
		}
	}
}

// flush sends buffered notifications to all subscribers
func (b *BroadcastBuffer) flush() {
	b.currentBufferLock.Lock()
	buffer := b.currentBuffer
	if len(buffer) == 0 {
		b.currentBufferLock.Unlock()
		return
	}
	b.currentBuffer = make([]*proto.Notification, 0, b.bufferSize)
	b.currentBufferLock.Unlock()

	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send without stalling anyone
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	for id, ch := range b.subscribers {
		sent, dropped := 0, 0
		for _, n := range buffer {
			select {
			case ch <- n:
				sent++
			default:
				dropped++
			}
		}

		if sent > 0 {
			b.metrics.NotifierEventsPublished.WithLabelValues("broadcast").Add(float64(sent))
		}
		if dropped > 0 {
			b.metrics.NotifierEventsDropped.Add(float64(dropped))
			log.Warn().
				Str("component", "notifier").
				Str("subscriber_id", id).
				Int("dropped", dropped).
				Msg("Subscriber channel is full, dropping notifications")
		}
	}
}

// Close flushes what is buffered and closes every subscriber channel
func (b *BroadcastBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.close)
		<-b.done

		b.subscribersLock.Lock()
		defer b.subscribersLock.Unlock()

		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
			b.metrics.NotifierConnectionsActive.Dec()
		}
	})
	return nil
}
