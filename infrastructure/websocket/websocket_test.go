package websocket

import (
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/mocks"
	"chat-sync/observability"
	"chat-sync/runtime"
	"chat-sync/session"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var testOptions = Options{
	WriteWait:      time.Second,
	PongWait:       5 * time.Second,
	MaxMessageSize: 64 * 1024,
	BufferSize:     16,
	ReconnectMin:   20 * time.Millisecond,
	ReconnectMax:   200 * time.Millisecond,
}

func startServer(t *testing.T) (*runtime.Registry, string) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	metrics := observability.NewNopMetrics()
	hub := runtime.NewRegistry(log, metrics)
	server := httptest.NewServer(NewServer(log, metrics, hub, testOptions))
	t.Cleanup(server.Close)
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string, address chat.Address) *Client {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	client, err := Dial(context.Background(), log, observability.NewNopMetrics(), url, address, testOptions)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = client.Run(ctx) }()
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
	})
	return client
}

func TestWebsocket_PublishReachesSubscriber(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, url := startServer(t)
	client := dial(t, url, "alice@example.com")
	personal, _ := topic.ForUser("alice@example.com")

	ch, err := client.Subscribe(ctx, personal)
	req.NoError(err)
	received := make(chan event.Event, 1)
	ch.Bind(event.ConversationDeleteName, func(e event.Event) { received <- e })

	// Given the server registered the subscription
	req.Eventually(func() bool { return len(hub.GetSinksForTopic(personal)) == 1 }, time.Second, 10*time.Millisecond)

	// When an event is published
	req.NoError(hub.Publish(ctx, personal, event.ConversationDeleted{ID: "c1"}))

	// Then it crosses the wire
	select {
	case e := <-received:
		req.Equal(event.ConversationDeleted{ID: "c1"}, e)
	case <-time.After(time.Second):
		req.Fail("event not received")
	}

	// And unsubscribing releases the server side
	req.NoError(ch.Unsubscribe())
	req.Eventually(func() bool { return hub.GetSinksForTopic(personal) == nil }, time.Second, 10*time.Millisecond)
}

func TestWebsocket_Presence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, url := startServer(t)
	alice := dial(t, url, "alice@example.com")

	ch, err := alice.Subscribe(ctx, topic.Presence)
	req.NoError(err)
	snapshots := make(chan event.Event, 1)
	added := make(chan event.Event, 1)
	ch.Bind(event.PresenceSubscribedName, func(e event.Event) { snapshots <- e })
	ch.Bind(event.MemberAddedName, func(e event.Event) { added <- e })

	select {
	case e := <-snapshots:
		req.Equal(event.PresenceSubscribed{Members: []chat.Address{"alice@example.com"}}, e)
	case <-time.After(time.Second):
		req.Fail("snapshot not received")
	}

	bob := dial(t, url, "bob@example.com")
	_, err = bob.Subscribe(ctx, topic.Presence)
	req.NoError(err)

	select {
	case e := <-added:
		req.Equal(event.MemberAdded{ID: "bob@example.com"}, e)
	case <-time.After(time.Second):
		req.Fail("member added not received")
	}

	// When bob leaves, the hub forgets him
	req.NoError(bob.Close())
	req.Eventually(func() bool { return len(hub.Members()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebsocket_RefusesForeignPersonalTopic(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub, url := startServer(t)
	mallory := dial(t, url, "mallory@example.com")
	bobTopic, _ := topic.ForUser("bob@example.com")
	presence := topic.Presence

	_, err := mallory.Subscribe(ctx, bobTopic)
	req.NoError(err)
	_, err = mallory.Subscribe(ctx, presence)
	req.NoError(err)

	// The presence subscription sent afterwards is registered, the foreign one never is
	req.Eventually(func() bool { return len(hub.GetSinksForTopic(presence)) == 1 }, time.Second, 10*time.Millisecond)
	req.Nil(hub.GetSinksForTopic(bobTopic))
}

func TestWebsocket_RejectsInvalidAddress(t *testing.T) {
	req := require.New(t)
	_, url := startServer(t)
	httpURL := "http" + strings.TrimPrefix(url, "ws")

	resp, err := http.Get(httpURL + "?address=")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

// droppableServer keeps the hijacked connections so a test can cut them.
type droppableServer struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (d *droppableServer) track(c net.Conn, state http.ConnState) {
	if state != http.StateHijacked {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *droppableServer) dropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_ = c.Close()
	}
	d.conns = nil
}

func TestWebsocket_Reconnect_SessionCatchesUp(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	metrics := observability.NewNopMetrics()
	hub := runtime.NewRegistry(log, metrics)
	dropper := &droppableServer{}
	server := httptest.NewUnstartedServer(NewServer(log, metrics, hub, testOptions))
	server.Config.ConnState = dropper.track
	server.Start()
	t.Cleanup(server.Close)

	alice := chat.User{ID: "alice", Name: "Alice", Address: "alice@example.com"}
	bob := chat.User{ID: "bob", Name: "Bob", Address: "bob@example.com"}
	personal, _ := topic.ForUser(alice.Address)
	client, err := Dial(ctx, log, metrics, "ws"+strings.TrimPrefix(server.URL, "http"), alice.Address, testOptions)
	req.NoError(err)
	go func() { _ = client.Run(ctx) }()

	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	s := session.NewSession(log, metrics, alice, client, fetcher, mocks.NewMockSeenAcknowledger(ctrl))
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() { _ = s.Close() })

	// Given a started session with nothing in it
	missed := chat.Conversation{ID: "c1", CreatedAt: time.Now().UTC(), Members: []chat.User{alice, bob}}
	gomock.InOrder(
		fetcher.EXPECT().Conversations(gomock.Any(), alice).Return(nil, nil),
		fetcher.EXPECT().Conversations(gomock.Any(), alice).
			Return([]chat.ConversationDetail{{Conversation: missed}}, nil).MinTimes(1),
	)
	req.NoError(s.Start(ctx))
	req.Eventually(func() bool { return len(hub.GetSinksForTopic(personal)) == 1 }, time.Second, 10*time.Millisecond)

	// When the connection drops and a conversation is created meanwhile
	dropper.dropAll()
	req.Eventually(func() bool { return hub.GetSinksForTopic(personal) == nil }, time.Second, 5*time.Millisecond)
	req.NoError(hub.Publish(ctx, personal, event.ConversationCreated{Conversation: missed}))

	// Then the client comes back on its topics and the session fetches what it missed
	req.Eventually(func() bool { return len(hub.GetSinksForTopic(personal)) == 1 }, 2*time.Second, 10*time.Millisecond)
	req.Eventually(func() bool {
		views, err := s.Conversations(ctx)
		return err == nil && len(views) == 1 && views[0].ID == missed.ID
	}, 2*time.Second, 10*time.Millisecond)
}
