//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"chat-sync/domain/chat"
	"chat-sync/errors"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dgraph-io/badger/v4"
)

type IMessageRepository interface {
	StoreMessage(message chat.Message) error
	GetMessage(id chat.MessageID) (chat.Message, error)
	GetLatestMessage(conversationID chat.ConversationID) (chat.Message, error)
	MarkLatestSeen(conversationID chat.ConversationID, userID chat.UserID) (chat.Message, bool, error)
	GetMessages(conversationID chat.ConversationID, cursor *string) ([]chat.Message, *string, error)
	DeleteMessages(conversationID chat.ConversationID) (int, error)
}

type MessageRepository struct {
	db            *badger.DB
	log           *slog.Logger
	limitMessages *int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, limitMessages *int) MessageRepository {
	return MessageRepository{db: db, log: log, limitMessages: limitMessages}
}

// StoreMessage persists a message in BadgerDB.
// The key is formatted as "msg:{conversation_id}:{timestamp_padded}:{id}" to:
//  1. Ensure chronological sorting using 19-digit zero padding (lexicographical order).
//  2. Prevent data loss by using the id as a collision disconnector if two messages
//     arrive at the same nanosecond.
//
// A "msgid:{id}" entry points to that key, so storing the same message again
// (after a seen update) overwrites it in place.
func (m MessageRepository) StoreMessage(message chat.Message) error {
	key := messageKey(message)
	bytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		if err = txn.Set(key, bytes); err != nil {
			return err
		}
		return txn.Set(messageIndexKey(message.ID), key)
	})
}

func (m MessageRepository) GetMessage(id chat.MessageID) (chat.Message, error) {
	var message chat.Message
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageIndexKey(id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id)
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &message)
		})
	})
	return message, err
}

// GetLatestMessage seeks the last key of the conversation prefix.
func (m MessageRepository) GetLatestMessage(conversationID chat.ConversationID) (chat.Message, error) {
	var message chat.Message
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		message, _, err = latestMessage(txn, conversationID)
		return err
	})
	return message, err
}

// MarkLatestSeen adds userID to the seen-set of the latest message in one
// transaction. Concurrent readers conflict on the same key; the loser is
// retried on the fresh value so that no id is lost.
// The boolean is false when the user had already seen the message.
func (m MessageRepository) MarkLatestSeen(conversationID chat.ConversationID,
	userID chat.UserID) (chat.Message, bool, error) {
	for attempt := 1; ; attempt++ {
		var message chat.Message
		var changed bool
		err := m.db.Update(func(txn *badger.Txn) error {
			latest, key, err := latestMessage(txn, conversationID)
			if err != nil {
				return err
			}
			if latest.SeenBy(userID) {
				message = latest
				return nil
			}
			message, changed = latest.MarkSeen(userID), true
			bytes, err := json.Marshal(message)
			if err != nil {
				return err
			}
			return txn.Set(key, bytes)
		})
		if err == badger.ErrConflict && attempt < maxConflictRetries {
			m.log.Debug("Seen update conflicted, retrying", "conversation", conversationID, "attempt", attempt)
			continue
		}
		if err != nil {
			return chat.Message{}, false, err
		}
		return message, changed, nil
	}
}

// GetMessages retrieves messages for a conversation using a reverse prefix scan,
// newest first, up to limitMessages per page. The page is returned in chronological
// order together with the cursor to pass for the previous page.
func (m MessageRepository) GetMessages(conversationID chat.ConversationID, cursor *string) ([]chat.Message, *string, error) {
	var byteMessages [][]byte
	var lastKey string
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(conversationID)
		prefixLen := len(prefix)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			seekKey = append(prefix, []byte("9999999999999999999")...)
		default:
			seekKey = append(prefix, []byte(*cursor)...)
		}

		it.Seek(seekKey)

		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if m.limitMessages != nil && len(byteMessages) == *m.limitMessages {
				m.log.Debug(fmt.Sprintf("Maximum of %d message reached", *m.limitMessages))
				break
			}
			item := it.Item()
			// Memorize cursor part of the actual key
			lastKey = string(item.Key()[prefixLen:])
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			byteMessages = append(byteMessages, value)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	messages := make([]chat.Message, 0, len(byteMessages))
	for _, b := range byteMessages {
		var message chat.Message
		if err = json.Unmarshal(b, &message); err != nil {
			return nil, nil, err
		}
		messages = append(messages, message)
	}
	slices.Reverse(messages)
	return messages, &lastKey, nil
}

// DeleteMessages removes every message of a conversation and returns how many were deleted.
func (m MessageRepository) DeleteMessages(conversationID chat.ConversationID) (int, error) {
	var deleted int
	err := m.db.Update(func(txn *badger.Txn) error {
		prefix := messagePrefix(conversationID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var keys [][]byte
		var ids []chat.MessageID
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var message chat.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &message)
			})
			if err != nil {
				it.Close()
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
			ids = append(ids, message.ID)
		}
		it.Close()

		for i, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(messageIndexKey(ids[i])); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	return deleted, err
}

const maxConflictRetries = 100

func latestMessage(txn *badger.Txn, conversationID chat.ConversationID) (chat.Message, []byte, error) {
	prefix := messagePrefix(conversationID)
	options := badger.DefaultIteratorOptions
	options.Reverse = true
	it := txn.NewIterator(options)
	it.Seek(append(prefix, []byte("9999999999999999999")...))
	if !it.ValidForPrefix(prefix) {
		it.Close()
		return chat.Message{}, nil, fmt.Errorf("%w: conversation %s is empty", errors.ErrMessageNotFound, conversationID)
	}
	key := it.Item().KeyCopy(nil)
	it.Close()

	// A direct read registers the key for conflict detection.
	item, err := txn.Get(key)
	if err != nil {
		return chat.Message{}, nil, err
	}
	var message chat.Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &message)
	})
	return message, key, err
}

func messagePrefix(conversationID chat.ConversationID) []byte {
	return []byte(fmt.Sprintf("msg:%s:", conversationID))
}

func messageKey(message chat.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s",
		message.ConversationID,
		message.CreatedAt.UnixNano(),
		message.ID,
	))
}

func messageIndexKey(id chat.MessageID) []byte {
	return []byte("msgid:" + string(id))
}
