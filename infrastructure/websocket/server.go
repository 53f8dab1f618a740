// Package websocket carries the topic hub over websocket connections:
// the server relays hub deliveries to browsers and CLI clients, the client
// implements the transport used by a remote session.
package websocket

import (
	"chat-sync/contract"
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"chat-sync/observability"
	"chat-sync/sink"
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Command is the only frame a client sends.
type Command struct {
	Action string      `json:"action"`
	Topic  topic.Topic `json:"topic"`
}

type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	BufferSize     int
	// client side only
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

func (o Options) reconnectMin() time.Duration {
	if o.ReconnectMin <= 0 {
		return 100 * time.Millisecond
	}
	return o.ReconnectMin
}

func (o Options) reconnectMax() time.Duration {
	if o.ReconnectMax < o.reconnectMin() {
		return max(o.reconnectMin(), 5*time.Second)
	}
	return o.ReconnectMax
}

// Server upgrades /ws?address=... requests and attaches them to the hub.
type Server struct {
	log      *slog.Logger
	metrics  *observability.Metrics
	registry contract.IRegistry
	options  Options
	upgrader websocket.Upgrader
}

func NewServer(log *slog.Logger, metrics *observability.Metrics, registry contract.IRegistry, options Options) *Server {
	return &Server{
		log:      log,
		metrics:  metrics,
		registry: registry,
		options:  options,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	address := chat.Address(r.URL.Query().Get("address"))
	if _, err := topic.ForUser(address); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Upgrade failed", "error", err)
		return
	}

	c := &serverConn{
		id:      uuid.NewString(),
		address: address,
		ws:      ws,
		egress:  sink.NewBufferedSink(s.options.BufferSize),
		server:  s,
	}
	c.log = s.log.With("connection", c.id, "address", address)
	c.log.Info("Client connected")

	go c.writeLoop()
	c.readLoop()
}

var _ contract.EventSink = (*serverConn)(nil)

type serverConn struct {
	id      string
	address chat.Address
	ws      *websocket.Conn
	egress  *sink.BufferedSink
	server  *Server
	log     *slog.Logger
	lagOnce sync.Once
}

// Consume queues the delivery for the write loop. A client that falls behind
// is disconnected: once it reconnects it fetches everything again, which a
// silently dropped event would never trigger.
func (c *serverConn) Consume(ctx context.Context, t topic.Topic, e event.Event) error {
	err := c.egress.Consume(ctx, t, e)
	if goerrors.Is(err, errors.ErrSinkFull) {
		c.lagOnce.Do(func() {
			c.server.metrics.DroppedEvents.WithLabelValues("slow_client").Inc()
			c.log.Warn("Client cannot keep up, closing connection", "topic", t, "event", e.Name())
			_ = c.ws.Close()
		})
	}
	return err
}

// readLoop owns the connection lifetime: when it returns the client has left.
func (c *serverConn) readLoop() {
	defer func() {
		c.server.registry.Disconnect(c.id)
		c.egress.Close()
		c.log.Info("Client disconnected")
	}()

	options := c.server.options
	c.ws.SetReadLimit(options.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(options.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("Read failed", "error", err)
			}
			return
		}
		var cmd Command
		if err = json.Unmarshal(raw, &cmd); err != nil {
			c.log.Debug("Malformed command", "error", err)
			continue
		}
		if err = c.handle(cmd); err != nil {
			c.log.Warn("Command refused", "action", cmd.Action, "topic", cmd.Topic, "error", err)
		}
	}
}

func (c *serverConn) handle(cmd Command) error {
	switch cmd.Action {
	case ActionSubscribe:
		if err := c.authorize(cmd.Topic); err != nil {
			return err
		}
		c.server.registry.Subscribe(c.id, c.address, cmd.Topic, c)
		return nil
	case ActionUnsubscribe:
		c.server.registry.Unsubscribe(c.id, cmd.Topic)
		return nil
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// authorize refuses unknown topics and the personal topics of other users.
func (c *serverConn) authorize(t topic.Topic) error {
	switch t.Kind() {
	case topic.KindUnknown:
		return fmt.Errorf("%w: %s", errors.ErrForbiddenTopic, t)
	case topic.KindUser:
		if !t.IsPersonalOf(c.address) {
			return fmt.Errorf("%w: %s", errors.ErrForbiddenTopic, t)
		}
	}
	return nil
}

func (c *serverConn) writeLoop() {
	options := c.server.options
	ticker := time.NewTicker(options.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case delivery, ok := <-c.egress.Deliveries():
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage, nil, time.Now().Add(options.WriteWait))
				return
			}
			if err := c.write(delivery.Topic, delivery.Event); err != nil {
				c.log.Warn("Write failed", "topic", delivery.Topic, "event", delivery.Event.Name(), "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(options.WriteWait)); err != nil {
				c.log.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

func (c *serverConn) write(t topic.Topic, e event.Event) error {
	frame, err := event.Encode(t, e)
	if err != nil {
		c.server.metrics.DroppedEvents.WithLabelValues("encode").Inc()
		c.log.Warn("Event not encoded", "error", err)
		return nil
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.options.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
