package repositories

import (
	"chat-sync/domain/chat"
	"chat-sync/errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *badger.DB {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newMessage(id chat.MessageID, conversationID chat.ConversationID, body string, at time.Time) chat.Message {
	sender := chat.User{ID: "alice", Name: "Alice", Address: "alice@example.com"}
	return chat.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
		CreatedAt:      at,
		Seen:           []chat.UserID{sender.ID},
	}
}

func Test_Record_Multiple_Message(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openDB(t), slog.Default(), nil)
	at := time.Now().UTC()
	messages := []chat.Message{
		newMessage("m1", "c1", "first", at),
		newMessage("m2", "c1", "second", at.Add(time.Minute)),
		newMessage("m3", "c1", "third", at.Add(2*time.Minute)),
		newMessage("x1", "c2", "elsewhere", at),
	}
	for _, m := range messages {
		req.NoError(repository.StoreMessage(m))
	}

	fetched, _, err := repository.GetMessages("c1", nil)

	req.NoError(err)
	req.Equal(messages[:3], fetched)
}

func Test_Record_Multiple_Message_And_Limit(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openDB(t), slog.Default(), lo.ToPtr(2))
	at := time.Now().UTC()
	for i, id := range []chat.MessageID{"m1", "m2", "m3"} {
		req.NoError(repository.StoreMessage(newMessage(id, "c1", "body", at.Add(time.Duration(i)*time.Minute))))
	}

	// When the newest page is fetched
	page, cursor, err := repository.GetMessages("c1", nil)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(chat.MessageID("m2"), page[0].ID)
	req.Equal(chat.MessageID("m3"), page[1].ID)

	// Then the cursor leads to the older message
	page, _, err = repository.GetMessages("c1", cursor)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal(chat.MessageID("m1"), page[0].ID)
}

func Test_Store_Overwrites_Seen(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openDB(t), slog.Default(), nil)
	msg := newMessage("m1", "c1", "hello", time.Now().UTC())
	req.NoError(repository.StoreMessage(msg))

	// When the message is stored again after being seen
	req.NoError(repository.StoreMessage(msg.MarkSeen("bob")))

	// Then there is still one message, with the new seen-set
	all, _, err := repository.GetMessages("c1", nil)
	req.NoError(err)
	req.Len(all, 1)
	got, err := repository.GetMessage("m1")
	req.NoError(err)
	req.Equal([]chat.UserID{"alice", "bob"}, got.Seen)
}

func Test_GetLatestMessage(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openDB(t), slog.Default(), nil)

	_, err := repository.GetLatestMessage("c1")
	req.ErrorIs(err, errors.ErrMessageNotFound)

	at := time.Now().UTC()
	req.NoError(repository.StoreMessage(newMessage("m2", "c1", "late", at.Add(time.Minute))))
	req.NoError(repository.StoreMessage(newMessage("m1", "c1", "early", at)))

	latest, err := repository.GetLatestMessage("c1")
	req.NoError(err)
	req.Equal(chat.MessageID("m2"), latest.ID)
}

func Test_DeleteMessages(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openDB(t), slog.Default(), nil)
	at := time.Now().UTC()
	req.NoError(repository.StoreMessage(newMessage("m1", "c1", "a", at)))
	req.NoError(repository.StoreMessage(newMessage("m2", "c1", "b", at.Add(time.Second))))
	req.NoError(repository.StoreMessage(newMessage("x1", "c2", "c", at)))

	deleted, err := repository.DeleteMessages("c1")

	req.NoError(err)
	req.Equal(2, deleted)
	_, err = repository.GetMessage("m1")
	req.ErrorIs(err, errors.ErrMessageNotFound)
	remaining, _, err := repository.GetMessages("c2", nil)
	req.NoError(err)
	req.Len(remaining, 1)
}

func Test_MarkLatestSeen_ConcurrentReaders(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openDB(t), slog.Default(), nil)
	at := time.Now().UTC()
	req.NoError(repository.StoreMessage(newMessage("m1", "c1", "older", at)))
	req.NoError(repository.StoreMessage(newMessage("m2", "c1", "latest", at.Add(time.Minute))))

	// When nineteen members open the conversation at the same time
	readers := lo.Times(19, func(i int) chat.UserID { return chat.UserID(fmt.Sprintf("u%d", i+1)) })
	var wg sync.WaitGroup
	errs := make(chan error, len(readers))
	for _, reader := range readers {
		wg.Add(1)
		go func(reader chat.UserID) {
			defer wg.Done()
			if _, _, err := repository.MarkLatestSeen("c1", reader); err != nil {
				errs <- err
			}
		}(reader)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	// Then no seen id was lost and only the latest message moved
	latest, err := repository.GetLatestMessage("c1")
	req.NoError(err)
	req.ElementsMatch(append([]chat.UserID{"alice"}, readers...), latest.Seen)
	older, err := repository.GetMessage("m1")
	req.NoError(err)
	req.Equal([]chat.UserID{"alice"}, older.Seen)
}

func Test_MarkLatestSeen_AlreadySeen(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openDB(t), slog.Default(), nil)
	req.NoError(repository.StoreMessage(newMessage("m1", "c1", "hello", time.Now().UTC())))

	message, changed, err := repository.MarkLatestSeen("c1", "bob")
	req.NoError(err)
	req.True(changed)
	req.ElementsMatch([]chat.UserID{"alice", "bob"}, message.Seen)

	_, changed, err = repository.MarkLatestSeen("c1", "bob")
	req.NoError(err)
	req.False(changed)

	_, _, err = repository.MarkLatestSeen("empty", "bob")
	req.ErrorIs(err, errors.ErrMessageNotFound)
}
