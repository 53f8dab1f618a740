package runtime

import (
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"chat-sync/observability"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func startConnection(t *testing.T, registry *Registry, address chat.Address) *Connection {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	conn := NewConnection(log, observability.NewNopMetrics(), registry, address, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = conn.Run(ctx) }()
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
	})
	return conn
}

func TestConnection_ReceivesPublishedEvents(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()
	conn := startConnection(t, registry, "alice@example.com")
	conversation, _ := topic.ForConversation("c1")

	ch, err := conn.Subscribe(ctx, conversation)
	req.NoError(err)
	received := make(chan event.Event, 1)
	ch.Bind(event.ConversationDeleteName, func(e event.Event) { received <- e })

	req.NoError(registry.Publish(ctx, conversation, event.ConversationDeleted{ID: "c1"}))

	select {
	case e := <-received:
		req.Equal(event.ConversationDeleted{ID: "c1"}, e)
	case <-time.After(time.Second):
		req.Fail("event not delivered")
	}
}

func TestConnection_Subscribe_ForeignPersonalTopic(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry()
	conn := startConnection(t, registry, "alice@example.com")
	bobTopic, _ := topic.ForUser("bob@example.com")

	_, err := conn.Subscribe(context.Background(), bobTopic)
	req.ErrorIs(err, errors.ErrForbiddenTopic)
}

func TestConnection_Unsubscribe_LeavesHub(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()
	conn := startConnection(t, registry, "alice@example.com")
	conversation, _ := topic.ForConversation("c1")

	ch, err := conn.Subscribe(ctx, conversation)
	req.NoError(err)
	req.Len(registry.GetSinksForTopic(conversation), 1)

	req.NoError(ch.Unsubscribe())
	req.Nil(registry.GetSinksForTopic(conversation))
}

func TestConnection_Close_RemovesPresence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()
	conn := startConnection(t, registry, "alice@example.com")

	_, err := conn.Subscribe(ctx, topic.Presence)
	req.NoError(err)
	req.Equal([]chat.Address{"alice@example.com"}, registry.Members())

	req.NoError(conn.Close())
	req.Empty(registry.Members())

	_, err = conn.Subscribe(ctx, topic.Presence)
	req.ErrorIs(err, errors.ErrTransportClosed)
}

func TestConnection_Overflow_ReportsGapOnceDrained(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	conn := NewConnection(log, observability.NewNopMetrics(), registry, "alice@example.com", 1)
	t.Cleanup(func() { _ = conn.Close() })
	conversation, _ := topic.ForConversation("c1")
	_, err := conn.Subscribe(ctx, conversation)
	req.NoError(err)
	gaps := make(chan struct{}, 1)
	conn.OnGap(func() { gaps <- struct{}{} })

	// Given a connection that is not draining overflows
	for _, id := range []chat.ConversationID{"c1", "c2", "c3"} {
		req.NoError(registry.Publish(ctx, conversation, event.ConversationDeleted{ID: id}))
	}

	// When it catches up
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = conn.Run(runCtx) }()

	// Then the loss is reported once
	select {
	case <-gaps:
	case <-time.After(time.Second):
		req.Fail("gap not reported")
	}
	req.NoError(registry.Publish(ctx, conversation, event.ConversationDeleted{ID: "c4"}))
	select {
	case <-gaps:
		req.Fail("gap reported twice")
	case <-time.After(50 * time.Millisecond):
	}
}
