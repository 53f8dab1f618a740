//go:generate go run go.uber.org/mock/mockgen -source=user.go -destination=../mocks/mock_user_repository.go -package=mocks
package repositories

import (
	"chat-sync/domain/chat"
	"chat-sync/errors"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

type IUserRepository interface {
	CreateUser(user chat.User) error
	GetUser(id chat.UserID) (chat.User, error)
	GetUsers(ids []chat.UserID) ([]chat.User, error)
}

type UserRepository struct {
	db *badger.DB
}

func NewUserRepository(db *badger.DB) IUserRepository {
	return &UserRepository{db: db}
}

// CreateUser persists a user, refusing to overwrite an existing id.
func (u UserRepository) CreateUser(user chat.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return u.db.Update(func(txn *badger.Txn) error {
		key := userKey(user.ID)
		if _, err = txn.Get(key); err == nil {
			return errors.ErrUserAlreadyExists
		}
		return txn.Set(key, data)
	})
}

func (u UserRepository) GetUser(id chat.UserID) (chat.User, error) {
	var user chat.User
	err := u.db.View(func(txn *badger.Txn) error {
		var err error
		user, err = getUser(txn, id)
		return err
	})
	return user, err
}

// GetUsers fails with ErrUserNotFound as soon as one id is unknown.
func (u UserRepository) GetUsers(ids []chat.UserID) ([]chat.User, error) {
	users := make([]chat.User, 0, len(ids))
	err := u.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			user, err := getUser(txn, id)
			if err != nil {
				return err
			}
			users = append(users, user)
		}
		return nil
	})
	return users, err
}

func getUser(txn *badger.Txn, id chat.UserID) (chat.User, error) {
	var user chat.User
	item, err := txn.Get(userKey(id))
	if err == badger.ErrKeyNotFound {
		return user, fmt.Errorf("%w: %s", errors.ErrUserNotFound, id)
	}
	if err != nil {
		return user, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &user)
	})
	return user, err
}

func userKey(id chat.UserID) []byte {
	return []byte("user:" + string(id))
}
