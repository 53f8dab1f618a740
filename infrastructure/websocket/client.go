package websocket

import (
	"chat-sync/contract"
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"chat-sync/observability"
	"chat-sync/transport"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	_ contract.Transport   = (*Client)(nil)
	_ contract.Worker      = (*Client)(nil)
	_ contract.GapReporter = (*Client)(nil)
)

// Client is the transport of a remote session: subscriptions become
// commands sent to the server, frames become events dispatched to the
// bound handlers. A dropped connection is dialed again with backoff and
// every held topic is subscribed anew.
type Client struct {
	log      *slog.Logger
	metrics  *observability.Metrics
	endpoint string
	ws       *websocket.Conn
	options  Options
	bindings *transport.Bindings
	writeMu  sync.Mutex
	mu       sync.Mutex
	closed   bool
}

// Dial connects to the /ws endpoint of server as address.
func Dial(ctx context.Context, log *slog.Logger, metrics *observability.Metrics, server string,
	address chat.Address, options Options) (*Client, error) {
	endpoint, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	query := endpoint.Query()
	query.Set("address", string(address))
	endpoint.RawQuery = query.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", server, err)
	}
	return &Client{
		log:      log.With("address", address),
		metrics:  metrics,
		endpoint: endpoint.String(),
		ws:       ws,
		options:  options,
		bindings: transport.NewBindings(),
	}, nil
}

func (c *Client) Subscribe(ctx context.Context, t topic.Topic) (contract.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errors.ErrTransportClosed
	}
	ch, created := c.bindings.Open(t, func() error {
		return c.send(Command{Action: ActionUnsubscribe, Topic: t})
	})
	if !created {
		return ch, nil
	}
	if err := c.send(Command{Action: ActionSubscribe, Topic: t}); err != nil {
		_ = ch.Unsubscribe()
		return nil, err
	}
	return ch, nil
}

// OnGap registers fn, called after each successful reconnect.
func (c *Client) OnGap(fn func()) {
	c.bindings.OnGap(fn)
}

// Run reads frames until ctx ends or Close is called, reconnecting whenever
// the connection drops.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		err := c.read(c.conn())
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		c.metrics.DroppedEvents.WithLabelValues("disconnected").Inc()
		c.log.Warn("Connection lost, reconnecting", "error", err)
		if err = c.reconnect(ctx); err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			return fmt.Errorf("%w: %v", errors.ErrTransportClosed, err)
		}
	}
}

func (c *Client) read(ws *websocket.Conn) error {
	ws.SetReadLimit(c.options.MaxMessageSize)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		t, evt, err := event.Decode(raw)
		if err != nil {
			c.metrics.DroppedEvents.WithLabelValues("malformed").Inc()
			c.log.Warn("Frame dropped", "error", err)
			continue
		}
		if err = c.bindings.Dispatch(t, evt); err != nil {
			c.metrics.DroppedEvents.WithLabelValues("stale_subscription").Inc()
			c.log.Debug("Dropping event", "error", err)
		}
	}
}

// reconnect dials until it succeeds, doubling the wait up to ReconnectMax,
// then subscribes the held topics again and reports the gap.
func (c *Client) reconnect(ctx context.Context) error {
	delay := c.options.reconnectMin()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
		if err != nil {
			c.log.Debug("Reconnect failed", "error", err, "retry_in", delay)
			delay = min(2*delay, c.options.reconnectMax())
			continue
		}
		if err = c.swap(ws); err != nil {
			return err
		}
		topics := c.bindings.Topics()
		for _, t := range topics {
			if err = c.send(Command{Action: ActionSubscribe, Topic: t}); err != nil {
				break
			}
		}
		if err != nil {
			c.log.Debug("Resubscribe failed", "error", err)
			continue
		}
		c.log.Info("Reconnected", "topics", len(topics))
		c.bindings.Gap()
		return nil
	}
}

// swap installs a fresh connection unless the client was closed meanwhile.
func (c *Client) swap(ws *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = ws.Close()
		return errors.ErrTransportClosed
	}
	c.writeMu.Lock()
	old := c.ws
	c.ws = ws
	c.writeMu.Unlock()
	_ = old.Close()
	return nil
}

func (c *Client) conn() *websocket.Conn {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws
}

// Close unsubscribes everything then closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	_ = c.bindings.CloseAll()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	ws := c.ws
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.options.WriteWait))
	c.writeMu.Unlock()
	return ws.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) send(cmd Command) error {
	if c.isClosed() {
		return errors.ErrTransportClosed
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}
