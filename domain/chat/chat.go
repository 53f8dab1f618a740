// Package chat contains core concepts of the messaging system.
// This file defines users, conversations and messages.
// No runtime, network, or UI logic should be added here.
package chat

import (
	"time"

	"github.com/samber/lo"
)

type (
	UserID         string
	Address        string
	ConversationID string
	MessageID      string
)

// User is read-only to the synchronization layer.
// Address doubles as the personal topic key and the presence identity.
type User struct {
	ID      UserID  `json:"id" validate:"required"`
	Name    string  `json:"name"`
	Address Address `json:"address"`
}

type Conversation struct {
	ID            ConversationID `json:"id" validate:"required"`
	Name          string         `json:"name,omitempty"`
	IsGroup       bool           `json:"isGroup"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastMessageAt time.Time      `json:"lastMessageAt"`
	Members       []User         `json:"users" validate:"min=2,dive"`
}

// Message is immutable except for its seen-set, which only grows.
type Message struct {
	ID             MessageID      `json:"id" validate:"required"`
	ConversationID ConversationID `json:"conversationId" validate:"required"`
	Sender         User           `json:"sender"`
	Body           string         `json:"body,omitempty"`
	Image          string         `json:"image,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	Seen           []UserID       `json:"seenIds"`
}

// ConversationDetail is a conversation together with the messages known for it.
type ConversationDetail struct {
	Conversation
	Messages []Message `json:"messages"`
}

func (c Conversation) HasMember(id UserID) bool {
	return lo.ContainsBy(c.Members, func(u User) bool { return u.ID == id })
}

func (c Conversation) MemberIDs() []UserID {
	return lo.Map(c.Members, func(u User, _ int) UserID { return u.ID })
}

// Others returns every member except the given one.
func (c Conversation) Others(id UserID) []User {
	return lo.Filter(c.Members, func(u User, _ int) bool { return u.ID != id })
}

// Title is the group name, or the name of the first other member of a direct conversation.
func (c Conversation) Title(viewer UserID) string {
	if c.Name != "" {
		return c.Name
	}
	others := c.Others(viewer)
	if len(others) == 0 || others[0].Name == "" {
		return "Unknown User"
	}
	return others[0].Name
}

func (m Message) HasContent() bool {
	return m.Body != "" || m.Image != ""
}
