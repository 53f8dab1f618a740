package projection

import (
	"chat-sync/domain/chat"
	"time"

	"github.com/samber/lo"
)

// ConversationView is what a conversation list renders.
// Every field past Members is derived at build time.
type ConversationView struct {
	ID            chat.ConversationID
	IsGroup       bool
	Members       []chat.User
	LastMessageAt time.Time
	Title         string
	Preview       string
	UnreadCount   int
	HasSeen       bool
}

// MessageView is one message of the open conversation as the viewer sees it.
type MessageView struct {
	chat.Message
	IsOwn  bool
	SeenBy []string
}

func conversationView(detail chat.ConversationDetail, viewer chat.UserID) ConversationView {
	return ConversationView{
		ID:            detail.ID,
		IsGroup:       detail.IsGroup,
		Members:       detail.Members,
		LastMessageAt: recency(detail.Conversation),
		Title:         detail.Title(viewer),
		Preview:       chat.Preview(detail.Messages),
		UnreadCount:   chat.UnreadCount(detail.Messages, viewer),
		HasSeen:       chat.HasSeenLast(detail.Messages, viewer),
	}
}

// messageView lists the names of the members who have seen the message, sender aside.
func messageView(message chat.Message, members []chat.User, viewer chat.UserID) MessageView {
	seenBy := lo.FilterMap(members, func(u chat.User, _ int) (string, bool) {
		return u.Name, u.ID != message.Sender.ID && lo.Contains(message.Seen, u.ID)
	})
	return MessageView{Message: message, IsOwn: message.Sender.ID == viewer, SeenBy: seenBy}
}
