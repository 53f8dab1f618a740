package projection

import (
	"chat-sync/domain/chat"
	"slices"
	"time"
)

// Inbox is the conversation list of the connected user, most recent first.
type Inbox struct {
	conversations []chat.ConversationDetail
}

func NewInbox(conversations []chat.ConversationDetail) *Inbox {
	inbox := &Inbox{conversations: slices.Clone(conversations)}
	inbox.sort()
	return inbox
}

// Prepend adds the conversation on top unless its id is already known.
func (i *Inbox) Prepend(conversation chat.ConversationDetail) bool {
	if i.indexOf(conversation.ID) >= 0 {
		return false
	}
	i.conversations = slices.Insert(i.conversations, 0, conversation)
	return true
}

// MergePreview bumps the activity of a known conversation and upserts the latest message.
// Members and name are left untouched.
func (i *Inbox) MergePreview(id chat.ConversationID, lastMessageAt time.Time, latest chat.Message) bool {
	idx := i.indexOf(id)
	if idx < 0 {
		return false
	}
	current := &i.conversations[idx]
	if lastMessageAt.After(current.LastMessageAt) {
		current.LastMessageAt = lastMessageAt
	}
	current.Messages = upsertMessage(current.Messages, latest)
	i.sort()
	return true
}

// MergeSeen unions the seen-set of a message the inbox already holds.
// Unknown messages are ignored: the list only carries previews.
func (i *Inbox) MergeSeen(message chat.Message) bool {
	idx := i.indexOf(message.ConversationID)
	if idx < 0 {
		return false
	}
	current := &i.conversations[idx]
	if !slices.ContainsFunc(current.Messages, func(m chat.Message) bool { return m.ID == message.ID }) {
		return false
	}
	current.Messages = upsertMessage(current.Messages, message)
	return true
}

func (i *Inbox) Remove(id chat.ConversationID) bool {
	idx := i.indexOf(id)
	if idx < 0 {
		return false
	}
	i.conversations = slices.Delete(i.conversations, idx, idx+1)
	return true
}

func (i *Inbox) Get(id chat.ConversationID) (chat.ConversationDetail, bool) {
	idx := i.indexOf(id)
	if idx < 0 {
		return chat.ConversationDetail{}, false
	}
	return i.conversations[idx], true
}

func (i *Inbox) List() []chat.ConversationDetail {
	return slices.Clone(i.conversations)
}

func (i *Inbox) indexOf(id chat.ConversationID) int {
	return slices.IndexFunc(i.conversations, func(c chat.ConversationDetail) bool { return c.ID == id })
}

func (i *Inbox) sort() {
	slices.SortStableFunc(i.conversations, func(a, b chat.ConversationDetail) int {
		return recency(b.Conversation).Compare(recency(a.Conversation))
	})
}

func recency(c chat.Conversation) time.Time {
	if c.LastMessageAt.After(c.CreatedAt) {
		return c.LastMessageAt
	}
	return c.CreatedAt
}

func upsertMessage(messages []chat.Message, message chat.Message) []chat.Message {
	idx := slices.IndexFunc(messages, func(m chat.Message) bool { return m.ID == message.ID })
	if idx < 0 {
		return append(slices.Clone(messages), message)
	}
	messages = slices.Clone(messages)
	message.Seen = chat.MergeSeen(messages[idx].Seen, message.Seen)
	messages[idx] = message
	return messages
}
