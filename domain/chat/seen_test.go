package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessage_MarkSeen_Idempotent(t *testing.T) {
	req := require.New(t)
	msg := Message{ID: "m1", Sender: User{ID: "a"}, Seen: []UserID{"a"}}

	once := msg.MarkSeen("b")
	twice := once.MarkSeen("b")

	req.Equal([]UserID{"a", "b"}, once.Seen)
	req.Equal(once, twice)
	// The original value is left untouched
	req.Equal([]UserID{"a"}, msg.Seen)
}

func TestMessage_SeenBy_Sender(t *testing.T) {
	req := require.New(t)
	msg := Message{ID: "m1", Sender: User{ID: "a"}}

	req.True(msg.SeenBy("a"))
	req.False(msg.SeenBy("b"))
}

func TestMergeSeen_Union(t *testing.T) {
	req := require.New(t)

	merged := MergeSeen([]UserID{"a", "b"}, []UserID{"b", "c", ""})

	req.Equal([]UserID{"a", "b", "c"}, merged)
}

func TestUnreadCount_OnlyLatestMarked(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	// Given two messages nobody has seen
	messages := []Message{
		{ID: "m1", Sender: User{ID: "a"}, CreatedAt: now},
		{ID: "m2", Sender: User{ID: "a"}, CreatedAt: now.Add(time.Second)},
	}

	// When only the latest is marked by u
	messages[1] = messages[1].MarkSeen("u")

	// Then the older one is still unread
	req.Equal(1, UnreadCount(messages, "u"))
	req.True(HasSeenLast(messages, "u"))
	req.Equal(0, UnreadCount(messages, "a"))
}

func TestLatest(t *testing.T) {
	req := require.New(t)
	now := time.Now()

	_, ok := Latest(nil)
	req.False(ok)

	latest, ok := Latest([]Message{
		{ID: "m2", CreatedAt: now.Add(time.Minute)},
		{ID: "m1", CreatedAt: now},
	})
	req.True(ok)
	req.Equal(MessageID("m2"), latest.ID)
	req.False(HasSeenLast(nil, "u"))
}

func TestPreview(t *testing.T) {
	req := require.New(t)

	req.Equal("Started a conversation", Preview(nil))
	req.Equal("Sent an image", Preview([]Message{{Image: "https://cdn/x.png"}}))
	req.Equal("hello", Preview([]Message{{Body: "hello"}}))

	long := strings.Repeat("é", 40)
	req.Equal(strings.Repeat("é", 30)+"...", Preview([]Message{{Body: long}}))
}

func TestConversation_Title(t *testing.T) {
	req := require.New(t)
	direct := Conversation{Members: []User{{ID: "a", Name: "Alice"}, {ID: "b", Name: "Bob"}}}
	group := Conversation{Name: "Friends", IsGroup: true, Members: direct.Members}

	req.Equal("Bob", direct.Title("a"))
	req.Equal("Alice", direct.Title("b"))
	req.Equal("Friends", group.Title("a"))
	req.Equal("Unknown User", Conversation{Members: []User{{ID: "a"}}}.Title("a"))
	req.True(direct.HasMember("b"))
	req.False(direct.HasMember("c"))
	req.Equal([]UserID{"a", "b"}, direct.MemberIDs())
}
