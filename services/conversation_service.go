package services

import (
	"chat-sync/contract"
	"chat-sync/domain/chat"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"chat-sync/repositories"
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	_ contract.Fetcher          = (*ConversationService)(nil)
	_ contract.SeenAcknowledger = (*ConversationService)(nil)
)

type IConversationService interface {
	RegisterUser(ctx context.Context, user chat.User) error
	CreateConversation(ctx context.Context, cmd chat.CreateConversationCommand) (chat.Conversation, error)
	PostMessage(ctx context.Context, cmd chat.PostMessageCommand) (chat.Message, error)
	MarkSeen(ctx context.Context, id chat.ConversationID, user chat.User) (chat.Message, error)
	DeleteConversation(ctx context.Context, id chat.ConversationID, user chat.User) error
	GetMessages(cmd chat.GetMessagesCommand) ([]chat.Message, *string, error)
	Conversations(ctx context.Context, user chat.User) ([]chat.ConversationDetail, error)
	Messages(ctx context.Context, id chat.ConversationID) ([]chat.Message, error)
	MemberMessages(ctx context.Context, id chat.ConversationID, user chat.User) ([]chat.Message, error)
}

// ConversationService commits mutations then hands them to the notifier.
// A fan-out failure never fails the mutation: the state is committed and
// clients catch up on their next resync. The fan-out outlives the caller's
// cancellation, only its own publish timeout bounds it.
type ConversationService struct {
	log           *slog.Logger
	users         repositories.IUserRepository
	conversations repositories.IConversationRepository
	messages      repositories.IMessageRepository
	notifier      contract.INotifier
	validate      *validator.Validate
}

func NewConversationService(log *slog.Logger, users repositories.IUserRepository,
	conversations repositories.IConversationRepository, messages repositories.IMessageRepository,
	notifier contract.INotifier) *ConversationService {
	return &ConversationService{
		log:           log,
		users:         users,
		conversations: conversations,
		messages:      messages,
		notifier:      notifier,
		validate:      validator.New(),
	}
}

// RegisterUser stores a user whose address can be used as a personal topic.
func (s *ConversationService) RegisterUser(_ context.Context, user chat.User) error {
	if err := s.validate.Struct(user); err != nil {
		return err
	}
	if _, err := topic.ForUser(user.Address); err != nil {
		return err
	}
	return s.users.CreateUser(user)
}

// CreateConversation opens a direct conversation, or a group when cmd.IsGroup is set.
// An existing direct conversation between the same two users is returned as is.
func (s *ConversationService) CreateConversation(ctx context.Context,
	cmd chat.CreateConversationCommand) (chat.Conversation, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return chat.Conversation{}, err
	}
	creator, err := s.users.GetUser(cmd.Creator.ID)
	if err != nil {
		return chat.Conversation{}, err
	}

	conversation := chat.Conversation{
		ID:        chat.ConversationID(uuid.NewString()),
		IsGroup:   cmd.IsGroup,
		CreatedAt: orNow(cmd.CreatedAt),
	}

	if cmd.IsGroup {
		others := lo.Without(lo.Uniq(cmd.MemberIDs), creator.ID)
		if cmd.Name == "" || len(others) < 2 {
			return chat.Conversation{}, errors.ErrInvalidGroup
		}
		members, err := s.users.GetUsers(others)
		if err != nil {
			return chat.Conversation{}, err
		}
		conversation.Name = cmd.Name
		conversation.Members = append([]chat.User{creator}, members...)
	} else {
		if cmd.OtherID == "" || cmd.OtherID == creator.ID {
			return chat.Conversation{}, errors.ErrInvalidDirect
		}
		existing, err := s.conversations.FindDirect(creator.ID, cmd.OtherID)
		switch {
		case err == nil:
			s.log.Debug("Direct conversation already exists", "conversation", existing.ID)
			return existing, nil
		case !goerrors.Is(err, errors.ErrConversationNotFound):
			return chat.Conversation{}, err
		}
		other, err := s.users.GetUser(cmd.OtherID)
		if err != nil {
			return chat.Conversation{}, err
		}
		conversation.Members = []chat.User{creator, other}
	}

	if err = s.conversations.StoreConversation(conversation); err != nil {
		return chat.Conversation{}, err
	}
	s.notifier.NotifyNewConversation(context.WithoutCancel(ctx), conversation)
	return conversation, nil
}

// PostMessage stores the message, already seen by its sender, and bumps the conversation.
func (s *ConversationService) PostMessage(ctx context.Context, cmd chat.PostMessageCommand) (chat.Message, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return chat.Message{}, err
	}
	if cmd.Body == "" && cmd.Image == "" {
		return chat.Message{}, errors.ErrEmptyMessage
	}
	conversation, err := s.conversations.GetConversation(cmd.ConversationID)
	if err != nil {
		return chat.Message{}, err
	}
	if !conversation.HasMember(cmd.Sender.ID) {
		return chat.Message{}, fmt.Errorf("%w: %s in %s", errors.ErrNotMember, cmd.Sender.ID, conversation.ID)
	}

	message := chat.Message{
		ID:             chat.MessageID(uuid.NewString()),
		ConversationID: conversation.ID,
		Sender:         cmd.Sender,
		Body:           cmd.Body,
		Image:          cmd.Image,
		CreatedAt:      orNow(cmd.CreatedAt),
		Seen:           []chat.UserID{cmd.Sender.ID},
	}
	if err = s.messages.StoreMessage(message); err != nil {
		return chat.Message{}, err
	}
	conversation.LastMessageAt = message.CreatedAt
	if err = s.conversations.StoreConversation(conversation); err != nil {
		return chat.Message{}, err
	}

	s.notifier.NotifyMessagePosted(context.WithoutCancel(ctx), conversation, message)
	return message, nil
}

// MarkSeen marks the latest message of the conversation as seen by user.
// Nothing is published when the user had already seen it.
func (s *ConversationService) MarkSeen(ctx context.Context, id chat.ConversationID,
	user chat.User) (chat.Message, error) {
	conversation, err := s.member(id, user)
	if err != nil {
		return chat.Message{}, err
	}
	updated, changed, err := s.messages.MarkLatestSeen(id, user.ID)
	if err != nil {
		return chat.Message{}, err
	}
	if !changed {
		return updated, nil
	}
	s.notifier.NotifyMessageSeen(context.WithoutCancel(ctx), conversation, updated, user)
	return updated, nil
}

// DeleteConversation removes the conversation and its messages.
// The members are captured first: once deleted they can no longer be queried.
func (s *ConversationService) DeleteConversation(ctx context.Context, id chat.ConversationID, user chat.User) error {
	conversation, err := s.member(id, user)
	if err != nil {
		return err
	}
	formerMembers := conversation.Members

	deleted, err := s.messages.DeleteMessages(id)
	if err != nil {
		return err
	}
	if err = s.conversations.DeleteConversation(id); err != nil {
		return err
	}
	s.log.Debug("Conversation deleted", "conversation", id, "messages", deleted)

	s.notifier.NotifyConversationDeleted(context.WithoutCancel(ctx), id, formerMembers)
	return nil
}

func (s *ConversationService) GetMessages(cmd chat.GetMessagesCommand) ([]chat.Message, *string, error) {
	return s.messages.GetMessages(cmd.ConversationID, cmd.Cursor)
}

// Conversations lists the conversations of user with their most recent messages.
func (s *ConversationService) Conversations(ctx context.Context, user chat.User) ([]chat.ConversationDetail, error) {
	conversations, err := s.conversations.ListConversations(user.ID)
	if err != nil {
		return nil, err
	}
	details := make([]chat.ConversationDetail, 0, len(conversations))
	for _, conversation := range conversations {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		messages, _, err := s.messages.GetMessages(conversation.ID, nil)
		if err != nil {
			return nil, err
		}
		details = append(details, chat.ConversationDetail{Conversation: conversation, Messages: messages})
	}
	return details, nil
}

// Messages returns the most recent page of the conversation, oldest first.
func (s *ConversationService) Messages(ctx context.Context, id chat.ConversationID) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	messages, _, err := s.messages.GetMessages(id, nil)
	return messages, err
}

// MemberMessages is Messages on behalf of user, refused to non-members.
func (s *ConversationService) MemberMessages(ctx context.Context, id chat.ConversationID,
	user chat.User) ([]chat.Message, error) {
	if _, err := s.member(id, user); err != nil {
		return nil, err
	}
	return s.Messages(ctx, id)
}

func (s *ConversationService) member(id chat.ConversationID, user chat.User) (chat.Conversation, error) {
	conversation, err := s.conversations.GetConversation(id)
	if err != nil {
		return chat.Conversation{}, err
	}
	if !conversation.HasMember(user.ID) {
		return chat.Conversation{}, fmt.Errorf("%w: %s in %s", errors.ErrNotMember, user.ID, id)
	}
	return conversation, nil
}

func orNow(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at
}
