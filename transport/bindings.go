// Package transport keeps the client-side bookkeeping shared by every transport:
// which topics are subscribed and which handler is bound to which event name.
package transport

import (
	"chat-sync/contract"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

var _ contract.Channel = (*Channel)(nil)

// pendingLimit bounds the events kept for a name nobody has bound yet.
const pendingLimit = 32

type Bindings struct {
	mu       sync.RWMutex
	channels map[topic.Topic]*Channel
	onGap    []func()
}

func NewBindings() *Bindings {
	return &Bindings{channels: make(map[topic.Topic]*Channel)}
}

// Open returns the channel of t, creating it when needed.
// release runs once, when the channel is unsubscribed.
func (b *Bindings) Open(t topic.Topic, release func() error) (*Channel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[t]; ok {
		return ch, false
	}
	ch := &Channel{
		topic:    t,
		owner:    b,
		handlers: make(map[event.Name]contract.Handler),
		release:  release,
	}
	b.channels[t] = ch
	return ch, true
}

// Dispatch hands e to the handler bound on its topic.
// An event for a topic nobody holds anymore is a stale delivery.
func (b *Bindings) Dispatch(t topic.Topic, e event.Event) error {
	b.mu.RLock()
	ch, ok := b.channels[t]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s on %s", errors.ErrStaleSubscription, e.Name(), t)
	}
	ch.deliver(e)
	return nil
}

func (b *Bindings) Topics() []topic.Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return lo.Keys(b.channels)
}

// OnGap registers fn, called each time the transport may have lost events.
func (b *Bindings) OnGap(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onGap = append(b.onGap, fn)
}

// Gap tells the registered listeners that deliveries are reliable again
// after some may have been lost.
func (b *Bindings) Gap() {
	b.mu.RLock()
	listeners := append([]func(){}, b.onGap...)
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// CloseAll unsubscribes every channel and returns the first release error.
func (b *Bindings) CloseAll() error {
	b.mu.RLock()
	channels := lo.Values(b.channels)
	b.mu.RUnlock()
	var first error
	for _, ch := range channels {
		if err := ch.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *Bindings) remove(ch *Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.channels[ch.topic]; ok && current == ch {
		delete(b.channels, ch.topic)
	}
}

type Channel struct {
	topic    topic.Topic
	owner    *Bindings
	mu       sync.Mutex
	handlers map[event.Name]contract.Handler
	pending  []event.Event
	release  func() error
	once     sync.Once
}

func (c *Channel) Topic() topic.Topic { return c.topic }

// Bind replays the events that reached the channel before a handler existed for name.
func (c *Channel) Bind(name event.Name, handler contract.Handler) {
	c.mu.Lock()
	c.handlers[name] = handler
	replay := lo.Filter(c.pending, func(e event.Event, _ int) bool { return e.Name() == name })
	c.pending = lo.Reject(c.pending, func(e event.Event, _ int) bool { return e.Name() == name })
	c.mu.Unlock()
	for _, e := range replay {
		handler(e)
	}
}

func (c *Channel) Unbind(name event.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, name)
}

// Unsubscribe drops every binding and releases the topic once.
func (c *Channel) Unsubscribe() error {
	var err error
	c.once.Do(func() {
		c.owner.remove(c)
		c.mu.Lock()
		clear(c.handlers)
		c.pending = nil
		c.mu.Unlock()
		if c.release != nil {
			err = c.release()
		}
	})
	return err
}

func (c *Channel) deliver(e event.Event) {
	c.mu.Lock()
	handler, ok := c.handlers[e.Name()]
	if !ok && len(c.pending) < pendingLimit {
		c.pending = append(c.pending, e)
	}
	c.mu.Unlock()
	if ok {
		handler(e)
	}
}
