package errors

import "fmt"

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	// Topic naming
	ErrInvalidAddress        = fmt.Errorf("invalid user address")
	ErrInvalidConversationID = fmt.Errorf("invalid conversation id")

	// Delivery
	ErrPublishFailure     = fmt.Errorf("publish failure")
	ErrSinkFull           = fmt.Errorf("sink buffer is full")
	ErrMalformedEvent     = fmt.Errorf("malformed event")
	ErrUnknownEvent       = fmt.Errorf("unknown event")
	ErrStaleSubscription  = fmt.Errorf("event received on a stale subscription")
	ErrForbiddenTopic     = fmt.Errorf("topic subscription is not allowed")
	ErrSessionClosed      = fmt.Errorf("session is closed")
	ErrSessionNotStarted  = fmt.Errorf("session is not started")
	ErrTransportClosed    = fmt.Errorf("transport is closed")
	ErrNoOpenConversation = fmt.Errorf("no open conversation")

	// Persistence and commands
	ErrUserNotFound         = fmt.Errorf("user not found")
	ErrUserAlreadyExists    = fmt.Errorf("user already exists")
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrMessageNotFound      = fmt.Errorf("message not found")
	ErrNotMember            = fmt.Errorf("user is not a member of the conversation")
	ErrEmptyMessage         = fmt.Errorf("message requires a body or an image")
	ErrInvalidGroup         = fmt.Errorf("group requires a name and at least two other members")
	ErrInvalidDirect        = fmt.Errorf("direct conversation requires another user")
)
