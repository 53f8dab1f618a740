package sink

import (
	"chat-sync/contract"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"context"
	"sync"
)

var _ contract.EventSink = (*BufferedSink)(nil)

// Delivery is one event routed to one topic.
type Delivery struct {
	Topic topic.Topic
	Event event.Event
}

// BufferedSink queues deliveries for a single consumer.
// Consume never blocks: once the buffer is full the delivery is refused.
type BufferedSink struct {
	mu     sync.RWMutex
	queue  chan Delivery
	closed bool
}

func NewBufferedSink(size int) *BufferedSink {
	return &BufferedSink{queue: make(chan Delivery, size)}
}

func (s *BufferedSink) Consume(ctx context.Context, t topic.Topic, e event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.ErrTransportClosed
	}
	select {
	case s.queue <- Delivery{Topic: t, Event: e}:
		return nil
	default:
		return errors.ErrSinkFull
	}
}

// Deliveries is closed by Close.
func (s *BufferedSink) Deliveries() <-chan Delivery {
	return s.queue
}

func (s *BufferedSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}
