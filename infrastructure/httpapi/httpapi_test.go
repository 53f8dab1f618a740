package httpapi

import (
	"chat-sync/domain/chat"
	"chat-sync/errors"
	"chat-sync/observability"
	"chat-sync/repositories"
	"chat-sync/runtime"
	"chat-sync/services"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

var (
	alice = chat.User{ID: "alice", Name: "Alice", Address: "alice@example.com"}
	bob   = chat.User{ID: "bob", Name: "Bob", Address: "bob@example.com"}
	clara = chat.User{ID: "clara", Name: "Clara", Address: "clara@example.com"}
)

func startAPI(t *testing.T) string {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	metrics := observability.NewNopMetrics()
	users := repositories.NewUserRepository(db)
	service := services.NewConversationService(log,
		users,
		repositories.NewConversationRepository(db),
		repositories.NewMessageRepository(db, log, nil),
		runtime.NewNotifier(log, metrics, runtime.NewRegistry(log, metrics), time.Second),
	)
	server := httptest.NewServer(NewHandler(log, service, users))
	t.Cleanup(server.Close)
	return server.URL
}

func registered(t *testing.T, url string, users ...chat.User) []*Client {
	t.Helper()
	clients := make([]*Client, 0, len(users))
	for _, user := range users {
		client := NewClient(url, user, time.Second)
		require.NoError(t, client.RegisterUser(context.Background()))
		clients = append(clients, client)
	}
	return clients
}

func TestAPI_ConversationRoundTrip(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	url := startAPI(t)
	clients := registered(t, url, alice, bob)
	aliceAPI, bobAPI := clients[0], clients[1]

	// Given a direct conversation with one message from alice
	conversation, err := aliceAPI.CreateConversation(ctx, CreateConversationRequest{OtherID: bob.ID})
	req.NoError(err)
	sent, err := aliceAPI.PostMessage(ctx, conversation.ID, PostMessageRequest{Body: "hello"})
	req.NoError(err)
	req.Equal([]chat.UserID{alice.ID}, sent.Seen)

	// When bob reconciles and marks the conversation seen
	details, err := bobAPI.Conversations(ctx, bob)
	req.NoError(err)
	seen, err := bobAPI.MarkSeen(ctx, conversation.ID, bob)
	req.NoError(err)

	// Then bob got the conversation with its message, now seen by both
	req.Len(details, 1)
	req.Equal(conversation.ID, details[0].ID)
	req.Len(details[0].Messages, 1)
	req.ElementsMatch([]chat.UserID{alice.ID, bob.ID}, seen.Seen)

	messages, err := bobAPI.Messages(ctx, conversation.ID)
	req.NoError(err)
	req.Len(messages, 1)
	req.ElementsMatch([]chat.UserID{alice.ID, bob.ID}, messages[0].Seen)

	// And a second direct conversation request returns the same one
	again, err := bobAPI.CreateConversation(ctx, CreateConversationRequest{OtherID: alice.ID})
	req.NoError(err)
	req.Equal(conversation.ID, again.ID)

	// And deleting it leaves nothing to reconcile
	req.NoError(bobAPI.DeleteConversation(ctx, conversation.ID))
	details, err = aliceAPI.Conversations(ctx, alice)
	req.NoError(err)
	req.Empty(details)
}

func TestAPI_ErrorsKeepTheirSentinel(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	url := startAPI(t)
	clients := registered(t, url, alice, bob, clara)
	aliceAPI, claraAPI := clients[0], clients[2]

	conversation, err := aliceAPI.CreateConversation(ctx, CreateConversationRequest{OtherID: bob.ID})
	req.NoError(err)

	_, err = claraAPI.PostMessage(ctx, conversation.ID, PostMessageRequest{Body: "intruder"})
	req.ErrorIs(err, errors.ErrNotMember)
	var statusError *StatusError
	req.ErrorAs(err, &statusError)
	req.Equal(http.StatusForbidden, statusError.Code)

	_, err = claraAPI.Messages(ctx, conversation.ID)
	req.ErrorIs(err, errors.ErrNotMember)
	req.ErrorAs(err, &statusError)
	req.Equal(http.StatusForbidden, statusError.Code)

	_, err = aliceAPI.PostMessage(ctx, conversation.ID, PostMessageRequest{})
	req.ErrorIs(err, errors.ErrEmptyMessage)

	_, err = aliceAPI.MarkSeen(ctx, conversation.ID, alice)
	req.ErrorIs(err, errors.ErrMessageNotFound)

	_, err = aliceAPI.CreateConversation(ctx, CreateConversationRequest{IsGroup: true, Name: "solo", MemberIDs: []chat.UserID{bob.ID}})
	req.ErrorIs(err, errors.ErrInvalidGroup)

	req.ErrorIs(aliceAPI.RegisterUser(ctx), errors.ErrUserAlreadyExists)
}

func TestAPI_RequiresAKnownUser(t *testing.T) {
	req := require.New(t)
	url := startAPI(t)

	resp, err := http.Get(url + "/api/conversations")
	req.NoError(err)
	_ = resp.Body.Close()
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	stranger := NewClient(url, chat.User{ID: "nobody"}, time.Second)
	_, err = stranger.Conversations(context.Background(), chat.User{ID: "nobody"})
	req.ErrorIs(err, errors.ErrUserNotFound)
}
