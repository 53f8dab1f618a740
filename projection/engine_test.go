package projection

import (
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

var (
	alice = chat.User{ID: "alice", Name: "Alice", Address: "alice@example.com"}
	bob   = chat.User{ID: "bob", Name: "Bob", Address: "bob@example.com"}
	clara = chat.User{ID: "clara", Name: "Clara", Address: "clara@example.com"}
)

func newEngine(t *testing.T, viewer chat.User) *Engine {
	t.Helper()
	return NewEngine(logs.GetLoggerFromLevel(slog.LevelDebug), viewer)
}

func direct(now time.Time) chat.Conversation {
	return chat.Conversation{ID: "c1", CreatedAt: now, Members: []chat.User{alice, bob}}
}

func TestEngine_ApplyNewMessage_Duplicates(t *testing.T) {
	req := require.New(t)
	engine := newEngine(t, bob)
	engine.Open("c1", nil)
	message := chat.Message{ID: "m1", ConversationID: "c1", Sender: alice, Body: "hi", CreatedAt: time.Now().UTC()}

	for range 5 {
		req.NoError(engine.ApplyNewMessage(message))
	}

	req.Len(engine.Messages(), 1)
}

func TestEngine_ApplyMessageUpdate_SeenIsMonotonic(t *testing.T) {
	req := require.New(t)
	message := chat.Message{ID: "m1", ConversationID: "c1", Sender: alice, Body: "hi", CreatedAt: time.Now().UTC()}
	updates := []chat.Message{
		message.MarkSeen("bob"),
		message.MarkSeen("clara"),
		message.MarkSeen("bob").MarkSeen("dan"),
		message,
	}

	for range 20 {
		engine := newEngine(t, alice)
		engine.Open("c1", nil)
		// Any interleaving, with the creation possibly arriving last
		events := append([]chat.Message{}, updates...)
		rand.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
		for _, update := range events {
			req.NoError(engine.ApplyMessageUpdate(update))
		}
		req.NoError(engine.ApplyNewMessage(message))

		messages := engine.Messages()
		req.Len(messages, 1)
		req.ElementsMatch([]chat.UserID{"bob", "clara", "dan"}, messages[0].Seen)
	}
}

func TestEngine_UnreadAfterSeenOnLatestOnly(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC()
	m1 := chat.Message{ID: "m1", ConversationID: "c1", Sender: alice, Body: "one", CreatedAt: now}
	m2 := chat.Message{ID: "m2", ConversationID: "c1", Sender: alice, Body: "two", CreatedAt: now.Add(time.Second)}
	engine := newEngine(t, bob)
	engine.Load([]chat.ConversationDetail{{Conversation: direct(now), Messages: []chat.Message{m1, m2}}})
	engine.Open("c1", []chat.Message{m1, m2})

	// When bob opens the conversation, only the latest message is marked
	req.NoError(engine.ApplyMessageUpdate(m2.MarkSeen("bob")))

	req.Equal(1, engine.UnreadCount())
	messages := engine.Messages()
	req.Equal([]string{"Bob"}, messages[1].SeenBy)
	req.Empty(messages[0].SeenBy)

	// And the conversation list follows without a conversation:update of its own
	view, ok := engine.Conversation("c1")
	req.True(ok)
	req.Equal(1, view.UnreadCount)
	req.True(view.HasSeen)
}

func TestEngine_Apply_StaleTopic(t *testing.T) {
	req := require.New(t)
	engine := newEngine(t, bob)
	engine.Open("c1", nil)
	c1, _ := topic.ForConversation("c1")
	message := chat.Message{ID: "m1", ConversationID: "c1", Sender: alice, Body: "hi", CreatedAt: time.Now().UTC()}

	// Given the topic was never activated
	err := engine.Apply(c1, event.MessageCreated{Message: message})
	req.ErrorIs(err, errors.ErrStaleSubscription)

	// When it is
	engine.Activate(c1)
	req.NoError(engine.Apply(c1, event.MessageCreated{Message: message}))

	// A message of another conversation delivered late is stale as well
	other := chat.Message{ID: "m2", ConversationID: "c2", Sender: alice, Body: "hi", CreatedAt: time.Now().UTC()}
	req.ErrorIs(engine.Apply(c1, event.MessageCreated{Message: other}), errors.ErrStaleSubscription)

	engine.Deactivate(c1)
	req.ErrorIs(engine.Apply(c1, event.MessageCreated{Message: message}), errors.ErrStaleSubscription)
	req.Len(engine.Messages(), 1)
}

func TestEngine_ConversationLifecycle(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC()
	engine := newEngine(t, alice)
	personal, _ := topic.ForUser(alice.Address)
	engine.Activate(personal)

	group := chat.Conversation{ID: "c2", Name: "Friends", IsGroup: true, CreatedAt: now.Add(time.Minute),
		Members: []chat.User{alice, bob, clara}}

	// Given two conversations, the group being the newest
	req.NoError(engine.Apply(personal, event.ConversationCreated{Conversation: direct(now)}))
	req.NoError(engine.Apply(personal, event.ConversationCreated{Conversation: group}))
	req.NoError(engine.Apply(personal, event.ConversationCreated{Conversation: direct(now)}))

	views := engine.Conversations()
	req.Len(views, 2)
	req.Equal("Friends", views[0].Title)
	req.Equal("Bob", views[1].Title)
	req.Equal("Started a conversation", views[1].Preview)

	// When bob writes in the direct conversation
	latest := chat.Message{ID: "m1", ConversationID: "c1", Sender: bob, Body: "hi", CreatedAt: now.Add(2 * time.Minute)}
	req.NoError(engine.Apply(personal, event.ConversationUpdated{
		ID: "c1", LastMessageAt: latest.CreatedAt, Messages: []chat.Message{latest},
	}))

	// Then it moves on top with an unread message, members untouched
	views = engine.Conversations()
	want := ConversationView{
		ID:            "c1",
		Members:       []chat.User{alice, bob},
		LastMessageAt: latest.CreatedAt,
		Title:         "Bob",
		Preview:       "hi",
		UnreadCount:   1,
		HasSeen:       false,
	}
	if diff := cmp.Diff(want, views[0]); diff != "" {
		t.Errorf("conversation view mismatch (-want +got):\n%s", diff)
	}

	// An update for a conversation never seen asks for a resync
	err := engine.Apply(personal, event.ConversationUpdated{ID: "ghost", Messages: []chat.Message{latest}})
	req.ErrorIs(err, errors.ErrConversationNotFound)
}

func TestEngine_ConversationDeleted_NavigatesAway(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC()
	engine := newEngine(t, alice)
	engine.Load([]chat.ConversationDetail{{Conversation: direct(now)}})
	engine.Open("c1", nil)

	var left chat.ConversationID
	engine.OnNavigateAway(func(id chat.ConversationID) { left = id })

	req.False(engine.ApplyConversationDeleted("other"))
	req.True(engine.ApplyConversationDeleted("c1"))

	req.Equal(chat.ConversationID("c1"), left)
	req.Empty(engine.Conversations())
	req.Empty(engine.OpenConversation())
	req.Nil(engine.Messages())
}

func TestEngine_Search(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC()
	engine := newEngine(t, alice)
	group := chat.Conversation{ID: "c2", Name: "Climbing", IsGroup: true, CreatedAt: now,
		Members: []chat.User{alice, bob, clara}}
	engine.Load([]chat.ConversationDetail{{Conversation: direct(now)}, {Conversation: group}})

	req.Len(engine.Search("climb"), 1)
	req.Len(engine.Search("CLARA"), 1)
	req.Len(engine.Search("bob"), 2)
	req.Len(engine.Search(" "), 2)
	req.Empty(engine.Search("zoe"))
}
