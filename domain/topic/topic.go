// Package topic maps domain entities to pub/sub topic identifiers.
// Every function is pure: the same entity always resolves to the same topic,
// and distinct entities never share one.
package topic

import (
	"chat-sync/domain/chat"
	"chat-sync/errors"
	"fmt"
	"strings"
	"unicode"
)

type Topic string

type Kind int

const (
	KindUnknown Kind = iota
	KindUser
	KindConversation
	KindPresence
)

const (
	userPrefix         = "private-user-"
	conversationPrefix = "private-conversation-"

	// Presence is the only topic used to track online membership.
	Presence Topic = "presence-messenger"
)

// ForUser returns the personal topic of a user.
func ForUser(address chat.Address) (Topic, error) {
	if err := validKey(string(address)); err != nil {
		return "", fmt.Errorf("%w: %q", errors.ErrInvalidAddress, address)
	}
	return Topic(userPrefix + string(address)), nil
}

// ForConversation returns the topic shared by everybody viewing a conversation.
func ForConversation(id chat.ConversationID) (Topic, error) {
	if err := validKey(string(id)); err != nil {
		return "", fmt.Errorf("%w: %q", errors.ErrInvalidConversationID, id)
	}
	return Topic(conversationPrefix + string(id)), nil
}

func (t Topic) Kind() Kind {
	switch {
	case t == Presence:
		return KindPresence
	case strings.HasPrefix(string(t), userPrefix) && len(t) > len(userPrefix):
		return KindUser
	case strings.HasPrefix(string(t), conversationPrefix) && len(t) > len(conversationPrefix):
		return KindConversation
	default:
		return KindUnknown
	}
}

// IsPersonalOf reports whether t is the personal topic of address.
func (t Topic) IsPersonalOf(address chat.Address) bool {
	own, err := ForUser(address)
	return err == nil && own == t
}

func (t Topic) String() string { return string(t) }

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("reserved character %q", r)
		}
	}
	return nil
}
