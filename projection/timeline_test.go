package projection

import (
	"chat-sync/domain/chat"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeline_Add_KeepsCreationOrder(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC()
	timeline := NewTimeline("c1", nil)

	first := chat.Message{ID: "m1", ConversationID: "c1", Body: "Hello Bob", CreatedAt: now}
	second := chat.Message{ID: "m2", ConversationID: "c1", Body: "Hi Alice", CreatedAt: now.Add(time.Second)}

	// Given the second message arrives first
	req.True(timeline.Add(second))
	req.True(timeline.Add(first))
	// And the first one is redelivered
	req.False(timeline.Add(first))

	messages := timeline.Messages()
	req.Len(messages, 2)
	req.Equal(chat.MessageID("m1"), messages[0].ID)
	req.Equal(chat.MessageID("m2"), messages[1].ID)
}

func TestTimeline_Upsert_UnionsSeen(t *testing.T) {
	req := require.New(t)
	message := chat.Message{ID: "m1", ConversationID: "c1", Body: "hi", CreatedAt: time.Now().UTC()}
	timeline := NewTimeline("c1", []chat.Message{message})

	timeline.Upsert(message.MarkSeen("bob"))
	// An older payload cannot take bob away
	timeline.Upsert(message.MarkSeen("clara"))

	messages := timeline.Messages()
	req.Len(messages, 1)
	req.ElementsMatch([]chat.UserID{"bob", "clara"}, messages[0].Seen)
}
