//go:generate go run go.uber.org/mock/mockgen -source=conversation.go -destination=../mocks/mock_conversation_repository.go -package=mocks
package repositories

import (
	"chat-sync/domain/chat"
	"chat-sync/errors"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type IConversationRepository interface {
	StoreConversation(conversation chat.Conversation) error
	GetConversation(id chat.ConversationID) (chat.Conversation, error)
	FindDirect(a, b chat.UserID) (chat.Conversation, error)
	ListConversations(userID chat.UserID) ([]chat.Conversation, error)
	DeleteConversation(id chat.ConversationID) error
}

type ConversationRepository struct {
	db *badger.DB
}

func NewConversationRepository(db *badger.DB) IConversationRepository {
	return &ConversationRepository{db: db}
}

// StoreConversation writes the conversation and its lookup keys:
//   - "conv:{id}" holds the conversation itself
//   - "member:{user}:{id}" lists the conversations of a user
//   - "direct:{a}:{b}" points to the single direct conversation of a pair
func (r ConversationRepository) StoreConversation(conversation chat.Conversation) error {
	data, err := json.Marshal(conversation)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(conversationKey(conversation.ID), data); err != nil {
			return err
		}
		for _, id := range conversation.MemberIDs() {
			if err := txn.Set(memberKey(id, conversation.ID), nil); err != nil {
				return err
			}
		}
		if !conversation.IsGroup && len(conversation.Members) == 2 {
			key := directKey(conversation.Members[0].ID, conversation.Members[1].ID)
			return txn.Set(key, []byte(conversation.ID))
		}
		return nil
	})
}

func (r ConversationRepository) GetConversation(id chat.ConversationID) (chat.Conversation, error) {
	var conversation chat.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		conversation, err = getConversation(txn, id)
		return err
	})
	return conversation, err
}

// FindDirect returns ErrConversationNotFound when the pair never talked.
func (r ConversationRepository) FindDirect(a, b chat.UserID) (chat.Conversation, error) {
	var conversation chat.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(directKey(a, b))
		if err == badger.ErrKeyNotFound {
			return errors.ErrConversationNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		conversation, err = getConversation(txn, chat.ConversationID(id))
		return err
	})
	return conversation, err
}

// ListConversations returns the conversations of a user, most recent activity first.
func (r ConversationRepository) ListConversations(userID chat.UserID) ([]chat.Conversation, error) {
	var conversations []chat.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("member:%s:", userID))
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		var ids []chat.ConversationID
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, chat.ConversationID(strings.TrimPrefix(string(it.Item().Key()), string(prefix))))
		}
		for _, id := range ids {
			conversation, err := getConversation(txn, id)
			if err != nil {
				return err
			}
			conversations = append(conversations, conversation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return recency(conversations[i]).After(recency(conversations[j]))
	})
	return conversations, nil
}

// DeleteConversation removes the conversation and its lookup keys.
// Messages are removed separately by the message repository.
func (r ConversationRepository) DeleteConversation(id chat.ConversationID) error {
	return r.db.Update(func(txn *badger.Txn) error {
		conversation, err := getConversation(txn, id)
		if err != nil {
			return err
		}
		for _, memberID := range conversation.MemberIDs() {
			if err = txn.Delete(memberKey(memberID, id)); err != nil {
				return err
			}
		}
		if !conversation.IsGroup && len(conversation.Members) == 2 {
			if err = txn.Delete(directKey(conversation.Members[0].ID, conversation.Members[1].ID)); err != nil {
				return err
			}
		}
		return txn.Delete(conversationKey(id))
	})
}

func getConversation(txn *badger.Txn, id chat.ConversationID) (chat.Conversation, error) {
	var conversation chat.Conversation
	item, err := txn.Get(conversationKey(id))
	if err == badger.ErrKeyNotFound {
		return conversation, fmt.Errorf("%w: %s", errors.ErrConversationNotFound, id)
	}
	if err != nil {
		return conversation, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conversation)
	})
	return conversation, err
}

func conversationKey(id chat.ConversationID) []byte {
	return []byte("conv:" + string(id))
}

func memberKey(userID chat.UserID, id chat.ConversationID) []byte {
	return []byte(fmt.Sprintf("member:%s:%s", userID, id))
}

// directKey is symmetric: (a, b) and (b, a) share the same key.
func directKey(a, b chat.UserID) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte(fmt.Sprintf("direct:%s:%s", a, b))
}

func recency(c chat.Conversation) time.Time {
	if c.LastMessageAt.After(c.CreatedAt) {
		return c.LastMessageAt
	}
	return c.CreatedAt
}
