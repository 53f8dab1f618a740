// Package projection builds the local state of a client from observed events.
// Handles ordering, deduplication, and derived fields.
// Does not emit events or interact with UI directly.
package projection

import (
	"chat-sync/domain/chat"
	"slices"
)

// Timeline holds the messages of the open conversation, oldest first.
type Timeline struct {
	ConversationID chat.ConversationID
	messages       []chat.Message
}

func NewTimeline(id chat.ConversationID, messages []chat.Message) *Timeline {
	t := &Timeline{ConversationID: id}
	for _, m := range messages {
		t.Upsert(m)
	}
	return t
}

// Add appends the message unless its id is already known.
func (t *Timeline) Add(message chat.Message) bool {
	if t.indexOf(message.ID) >= 0 {
		return false
	}
	t.insert(message)
	return true
}

// Upsert replaces the message with the same id, keeping every seen id ever known.
// An unknown message is added.
func (t *Timeline) Upsert(message chat.Message) {
	i := t.indexOf(message.ID)
	if i < 0 {
		t.insert(message)
		return
	}
	message.Seen = chat.MergeSeen(t.messages[i].Seen, message.Seen)
	t.messages[i] = message
}

func (t *Timeline) Messages() []chat.Message {
	return slices.Clone(t.messages)
}

// insert keeps creation order; late arrivals are placed among their peers.
func (t *Timeline) insert(message chat.Message) {
	i, _ := slices.BinarySearchFunc(t.messages, message, func(current, target chat.Message) int {
		if current.CreatedAt.After(target.CreatedAt) {
			return 1
		}
		return -1
	})
	t.messages = slices.Insert(t.messages, i, message)
}

func (t *Timeline) indexOf(id chat.MessageID) int {
	return slices.IndexFunc(t.messages, func(m chat.Message) bool { return m.ID == id })
}
