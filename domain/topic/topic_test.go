package topic

import (
	"chat-sync/domain/chat"
	"chat-sync/errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForUser(t *testing.T) {
	req := require.New(t)

	got, err := ForUser("alice@example.com")

	req.NoError(err)
	req.Equal(Topic("private-user-alice@example.com"), got)
	req.Equal(KindUser, got.Kind())
	req.True(got.IsPersonalOf("alice@example.com"))
	req.False(got.IsPersonalOf("bob@example.com"))
}

func TestForUser_Stable(t *testing.T) {
	req := require.New(t)
	first, err := ForUser("alice@example.com")
	req.NoError(err)
	second, err := ForUser("alice@example.com")
	req.NoError(err)
	req.Equal(first, second)
}

func TestForUser_InvalidAddress(t *testing.T) {
	for _, address := range []chat.Address{"", "alice @example.com", "alice\n", "\t"} {
		t.Run(string(address), func(t *testing.T) {
			req := require.New(t)
			got, err := ForUser(address)
			req.ErrorIs(err, errors.ErrInvalidAddress)
			req.Empty(got)
		})
	}
}

func TestForConversation(t *testing.T) {
	req := require.New(t)

	got, err := ForConversation("c1")
	req.NoError(err)
	req.Equal(KindConversation, got.Kind())

	_, err = ForConversation("")
	req.ErrorIs(err, errors.ErrInvalidConversationID)
}

func TestTopics_Injective(t *testing.T) {
	req := require.New(t)

	// Given a user and a conversation sharing the same raw key
	userTopic, err := ForUser("shared")
	req.NoError(err)
	conversationTopic, err := ForConversation("shared")
	req.NoError(err)

	// Then the topics never collide, neither with each other nor with presence
	req.NotEqual(userTopic, conversationTopic)
	req.NotEqual(Presence, userTopic)
	req.NotEqual(Presence, conversationTopic)

	// And a key that looks like another prefix stays in its own namespace
	tricky, err := ForUser("conversation-shared")
	req.NoError(err)
	req.NotEqual(conversationTopic, tricky)
	req.Equal(KindUser, tricky.Kind())
}

func TestKind(t *testing.T) {
	req := require.New(t)
	req.Equal(KindPresence, Presence.Kind())
	req.Equal(KindUnknown, Topic("private-user-").Kind())
	req.Equal(KindUnknown, Topic("random").Kind())
}
