package chat

import (
	"github.com/samber/lo"
)

const previewLength = 30

// SeenBy reports whether the user acknowledged the message.
// The sender has always seen their own message.
func (m Message) SeenBy(id UserID) bool {
	return m.Sender.ID == id || lo.Contains(m.Seen, id)
}

// MarkSeen returns the message with id added to its seen-set.
// Marking twice is a no-op.
func (m Message) MarkSeen(id UserID) Message {
	m.Seen = MergeSeen(m.Seen, []UserID{id})
	return m
}

// MergeSeen is the union of two seen-sets, keeping first-appearance order.
func MergeSeen(current, incoming []UserID) []UserID {
	return lo.Filter(lo.Union(current, incoming), func(id UserID, _ int) bool { return id != "" })
}

// UnreadCount counts the messages the user has not seen.
func UnreadCount(messages []Message, id UserID) int {
	return lo.CountBy(messages, func(m Message) bool { return !m.SeenBy(id) })
}

// Latest returns the most recent message, by creation time then position.
func Latest(messages []Message) (Message, bool) {
	if len(messages) == 0 {
		return Message{}, false
	}
	latest := messages[0]
	for _, m := range messages[1:] {
		if !m.CreatedAt.Before(latest.CreatedAt) {
			latest = m
		}
	}
	return latest, true
}

// HasSeenLast is false when there is no message at all.
func HasSeenLast(messages []Message, id UserID) bool {
	latest, ok := Latest(messages)
	return ok && latest.SeenBy(id)
}

// Preview is the one-line summary shown in a conversation list.
func Preview(messages []Message) string {
	latest, ok := Latest(messages)
	switch {
	case !ok:
		return "Started a conversation"
	case latest.Image != "":
		return "Sent an image"
	case latest.Body != "":
		runes := []rune(latest.Body)
		if len(runes) > previewLength {
			return string(runes[:previewLength]) + "..."
		}
		return latest.Body
	default:
		return "Started a conversation"
	}
}
