// Package event defines the closed catalog of realtime events.
// Every variant published by the notifier or the presence hub is listed here,
// so producers and consumers cannot drift apart.
package event

import (
	"chat-sync/domain/chat"
	"encoding/json"
	"time"
)

type Name string

const (
	ConversationNewName    Name = "conversation:new"
	ConversationUpdateName Name = "conversation:update"
	ConversationDeleteName Name = "conversation:delete"
	MessageNewName         Name = "messages:new"
	MessageUpdateName      Name = "messages:update"
	PresenceSubscribedName Name = "presence:subscription-succeeded"
	MemberAddedName        Name = "presence:member-added"
	MemberRemovedName      Name = "presence:member-removed"
)

// Event is implemented only by the variants of this package.
type Event interface {
	Name() Name
	sealed()
}

// ConversationCreated carries the full conversation, members included,
// so a client without prior knowledge can render it.
type ConversationCreated struct {
	chat.Conversation
}

// ConversationUpdated is a preview delta: clients merge it, never replace with it.
type ConversationUpdated struct {
	ID            chat.ConversationID `json:"id" validate:"required"`
	LastMessageAt time.Time           `json:"lastMessageAt"`
	Messages      []chat.Message      `json:"messages" validate:"min=1,dive"`
}

// ConversationDeleted travels as a bare conversation id.
type ConversationDeleted struct {
	ID chat.ConversationID `validate:"required"`
}

type MessageCreated struct {
	chat.Message
}

type MessageUpdated struct {
	chat.Message
}

type PresenceSubscribed struct {
	Members []chat.Address `json:"members" validate:"dive,required"`
}

type MemberAdded struct {
	ID chat.Address `json:"id" validate:"required"`
}

type MemberRemoved struct {
	ID chat.Address `json:"id" validate:"required"`
}

func (ConversationCreated) Name() Name { return ConversationNewName }
func (ConversationUpdated) Name() Name { return ConversationUpdateName }
func (ConversationDeleted) Name() Name { return ConversationDeleteName }
func (MessageCreated) Name() Name      { return MessageNewName }
func (MessageUpdated) Name() Name      { return MessageUpdateName }
func (PresenceSubscribed) Name() Name  { return PresenceSubscribedName }
func (MemberAdded) Name() Name         { return MemberAddedName }
func (MemberRemoved) Name() Name       { return MemberRemovedName }

func (ConversationCreated) sealed() {}
func (ConversationUpdated) sealed() {}
func (ConversationDeleted) sealed() {}
func (MessageCreated) sealed()      {}
func (MessageUpdated) sealed()      {}
func (PresenceSubscribed) sealed()  {}
func (MemberAdded) sealed()         {}
func (MemberRemoved) sealed()       {}

// Latest returns the newest message of the delta.
func (u ConversationUpdated) Latest() (chat.Message, bool) {
	return chat.Latest(u.Messages)
}

func (d ConversationDeleted) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(d.ID))
}

func (d *ConversationDeleted) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	d.ID = chat.ConversationID(id)
	return nil
}
