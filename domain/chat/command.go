package chat

import (
	"time"
)

// CreateConversationCommand opens a direct conversation with OtherID,
// or a group with MemberIDs when IsGroup is set.
type CreateConversationCommand struct {
	Creator   User
	OtherID   UserID
	IsGroup   bool
	Name      string
	MemberIDs []UserID
	CreatedAt time.Time
}

type PostMessageCommand struct {
	ConversationID ConversationID `validate:"required"`
	Sender         User
	Body           string `validate:"max=4000"`
	Image          string `validate:"omitempty,uri"`
	CreatedAt      time.Time
}

type GetMessagesCommand struct {
	ConversationID ConversationID
	Cursor         *string
}
