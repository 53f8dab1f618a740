package runtime

import (
	"chat-sync/contract"
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"chat-sync/observability"
	"chat-sync/sink"
	"chat-sync/transport"
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	_ contract.Transport   = (*Connection)(nil)
	_ contract.Worker      = (*Connection)(nil)
	_ contract.EventSink   = (*Connection)(nil)
	_ contract.GapReporter = (*Connection)(nil)
)

// Connection attaches one client to the hub in the same process.
// Deliveries are queued by the hub and dispatched by Run to the bound handlers,
// so a slow client loses events instead of slowing everybody down. Once it
// has drained its backlog the loss is reported through OnGap.
type Connection struct {
	ID       string
	address  chat.Address
	log      *slog.Logger
	metrics  *observability.Metrics
	registry contract.IRegistry
	bindings *transport.Bindings
	inbound  *sink.BufferedSink
	lagging  atomic.Bool
	mu       sync.Mutex
	closed   bool
}

func NewConnection(log *slog.Logger, metrics *observability.Metrics, registry contract.IRegistry,
	address chat.Address, bufferSize int) *Connection {
	id := uuid.NewString()
	return &Connection{
		ID:       id,
		address:  address,
		log:      log.With("connection", id, "address", address),
		metrics:  metrics,
		registry: registry,
		bindings: transport.NewBindings(),
		inbound:  sink.NewBufferedSink(bufferSize),
	}
}

// Subscribe opens a channel on t. Subscribing twice returns the same channel.
// The personal topic of another user is refused.
func (c *Connection) Subscribe(ctx context.Context, t topic.Topic) (contract.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Kind() == topic.KindUnknown {
		return nil, fmt.Errorf("%w: %s", errors.ErrForbiddenTopic, t)
	}
	if t.Kind() == topic.KindUser && !t.IsPersonalOf(c.address) {
		return nil, fmt.Errorf("%w: %s", errors.ErrForbiddenTopic, t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.ErrTransportClosed
	}
	ch, created := c.bindings.Open(t, func() error {
		c.registry.Unsubscribe(c.ID, t)
		return nil
	})
	if created {
		c.registry.Subscribe(c.ID, c.address, t, c)
		c.log.Debug("Subscribed", "topic", t)
	}
	return ch, nil
}

// Consume is the hub side of the connection.
func (c *Connection) Consume(ctx context.Context, t topic.Topic, e event.Event) error {
	err := c.inbound.Consume(ctx, t, e)
	if goerrors.Is(err, errors.ErrSinkFull) && !c.lagging.Swap(true) {
		c.log.Warn("Connection is falling behind, events are lost", "topic", t, "event", e.Name())
	}
	return err
}

// OnGap registers fn, called once the backlog that overflowed is drained.
func (c *Connection) OnGap(fn func()) {
	c.bindings.OnGap(fn)
}

// Run dispatches queued deliveries until the context ends or the connection closes.
func (c *Connection) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-c.inbound.Deliveries():
			if !ok {
				return nil
			}
			if err := c.bindings.Dispatch(delivery.Topic, delivery.Event); err != nil {
				c.metrics.DroppedEvents.WithLabelValues("stale_subscription").Inc()
				c.log.Debug("Dropping event", "error", err)
			}
			if len(c.inbound.Deliveries()) == 0 && c.lagging.CompareAndSwap(true, false) {
				c.bindings.Gap()
			}
		}
	}
}

// Close releases every subscription and leaves the hub.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.bindings.CloseAll()
	c.registry.Disconnect(c.ID)
	c.inbound.Close()
	return err
}
