//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink receives what the hub delivers for one connection.
// Consume must not block: a slow connection drops, it never stalls the hub.
type EventSink interface {
	Consume(ctx context.Context, t topic.Topic, e event.Event) error
}

// Publisher is the sending half of the transport.
type Publisher interface {
	Publish(ctx context.Context, t topic.Topic, e event.Event) error
}

type Handler func(e event.Event)

// Channel is a scoped subscription handle. Unsubscribe must be called on
// every exit path; it is safe to call more than once.
type Channel interface {
	Topic() topic.Topic
	Bind(name event.Name, handler Handler)
	Unbind(name event.Name)
	Unsubscribe() error
}

// Transport is the receiving half of the transport, seen from a client.
type Transport interface {
	Subscribe(ctx context.Context, t topic.Topic) (Channel, error)
}

// GapReporter is implemented by transports that can lose events, across a
// reconnect or when the client falls behind. fn runs once delivery is
// reliable again; the subscriber is expected to fetch everything anew.
type GapReporter interface {
	OnGap(fn func())
}

type IRegistry interface {
	Publisher
	Subscribe(connID string, address chat.Address, t topic.Topic, sink EventSink)
	Unsubscribe(connID string, t topic.Topic)
	Disconnect(connID string)
}

// INotifier translates committed mutations into realtime events.
type INotifier interface {
	NotifyNewConversation(ctx context.Context, conversation chat.Conversation) FanoutResult
	NotifyConversationUpdated(ctx context.Context, conversation chat.Conversation, latest chat.Message) FanoutResult
	NotifyConversationDeleted(ctx context.Context, id chat.ConversationID, formerMembers []chat.User) FanoutResult
	NotifyNewMessage(ctx context.Context, message chat.Message) FanoutResult
	NotifyMessagePosted(ctx context.Context, conversation chat.Conversation, message chat.Message) FanoutResult
	NotifyMessageSeen(ctx context.Context, conversation chat.Conversation, message chat.Message, seenBy chat.User) FanoutResult
}

// Fetcher is the full-reconciliation fallback used after a detected gap.
type Fetcher interface {
	Conversations(ctx context.Context, user chat.User) ([]chat.ConversationDetail, error)
	Messages(ctx context.Context, id chat.ConversationID) ([]chat.Message, error)
}

// SeenAcknowledger marks the latest message of a conversation as seen.
type SeenAcknowledger interface {
	MarkSeen(ctx context.Context, id chat.ConversationID, user chat.User) (chat.Message, error)
}

type TopicFailure struct {
	Topic topic.Topic
	Err   error
}

// FanoutResult tells how many of the targeted topics accepted the event.
type FanoutResult struct {
	Event     event.Name
	Targets   int
	Succeeded int
	Failures  []TopicFailure
}

func (r FanoutResult) Partial() bool {
	return r.Succeeded > 0 && r.Succeeded < r.Targets
}

// Merge sums two results of the same logical mutation.
func (r FanoutResult) Merge(other FanoutResult) FanoutResult {
	return FanoutResult{
		Event:     r.Event,
		Targets:   r.Targets + other.Targets,
		Succeeded: r.Succeeded + other.Succeeded,
		Failures:  append(append([]TopicFailure(nil), r.Failures...), other.Failures...),
	}
}
