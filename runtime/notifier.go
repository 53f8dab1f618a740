package runtime

import (
	"chat-sync/contract"
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"chat-sync/observability"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

var _ contract.INotifier = (*Notifier)(nil)

// Notifier turns committed mutations into realtime events.
// It holds no state: every call publishes to its targets concurrently,
// each publish bounded by publishTimeout, and reports what was accepted.
// A failed publish is never retried, clients recover through a resync.
type Notifier struct {
	log            *slog.Logger
	metrics        *observability.Metrics
	publisher      contract.Publisher
	publishTimeout time.Duration
}

func NewNotifier(log *slog.Logger, metrics *observability.Metrics, publisher contract.Publisher,
	publishTimeout time.Duration) *Notifier {
	return &Notifier{log: log, metrics: metrics, publisher: publisher, publishTimeout: publishTimeout}
}

// NotifyNewConversation sends the full conversation to the personal topic of every member.
func (n *Notifier) NotifyNewConversation(ctx context.Context, conversation chat.Conversation) contract.FanoutResult {
	return n.fanout(ctx, n.personalTopics(conversation.Members), event.ConversationCreated{Conversation: conversation})
}

// NotifyConversationUpdated sends a preview delta carrying only the latest message.
func (n *Notifier) NotifyConversationUpdated(ctx context.Context, conversation chat.Conversation,
	latest chat.Message) contract.FanoutResult {
	return n.fanout(ctx, n.personalTopics(conversation.Members), previewOf(conversation, latest))
}

// NotifyConversationDeleted targets the members captured before the deletion.
func (n *Notifier) NotifyConversationDeleted(ctx context.Context, id chat.ConversationID,
	formerMembers []chat.User) contract.FanoutResult {
	return n.fanout(ctx, n.personalTopics(formerMembers), event.ConversationDeleted{ID: id})
}

// NotifyNewMessage publishes once, on the conversation topic.
func (n *Notifier) NotifyNewMessage(ctx context.Context, message chat.Message) contract.FanoutResult {
	evt := event.MessageCreated{Message: message}
	t, err := topic.ForConversation(message.ConversationID)
	if err != nil {
		return n.invalid(evt, err)
	}
	return n.fanout(ctx, []topic.Topic{t}, evt)
}

// NotifyMessagePosted delivers a new message to the readers of the conversation
// and its preview to every member inbox, both at once.
func (n *Notifier) NotifyMessagePosted(ctx context.Context, conversation chat.Conversation,
	message chat.Message) contract.FanoutResult {
	return both(
		func() contract.FanoutResult { return n.NotifyNewMessage(ctx, message) },
		func() contract.FanoutResult { return n.NotifyConversationUpdated(ctx, conversation, message) },
	)
}

// NotifyMessageSeen refreshes the message for the readers of the conversation
// and the inbox previews of the members other than the one who just read it.
func (n *Notifier) NotifyMessageSeen(ctx context.Context, conversation chat.Conversation, message chat.Message,
	seenBy chat.User) contract.FanoutResult {
	update := event.MessageUpdated{Message: message}
	t, err := topic.ForConversation(conversation.ID)
	if err != nil {
		return n.invalid(update, err)
	}
	others := lo.Reject(conversation.Members, func(u chat.User, _ int) bool { return u.ID == seenBy.ID })

	return both(
		func() contract.FanoutResult { return n.fanout(ctx, []topic.Topic{t}, update) },
		func() contract.FanoutResult {
			return n.fanout(ctx, n.personalTopics(others), previewOf(conversation, message))
		},
	)
}

// both runs two fan-outs of one mutation side by side.
func both(first, second func() contract.FanoutResult) contract.FanoutResult {
	var wg sync.WaitGroup
	var a, b contract.FanoutResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		a = first()
	}()
	go func() {
		defer wg.Done()
		b = second()
	}()
	wg.Wait()
	return a.Merge(b)
}

func (n *Notifier) fanout(ctx context.Context, topics []topic.Topic, evt event.Event) contract.FanoutResult {
	result := contract.FanoutResult{Event: evt.Name(), Targets: len(topics)}
	if len(topics) == 0 {
		return result
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, t := range topics {
		wg.Add(1)
		go func(t topic.Topic) {
			defer wg.Done()
			err := n.publish(ctx, t, evt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures = append(result.Failures, contract.TopicFailure{Topic: t, Err: err})
				return
			}
			result.Succeeded++
		}(t)
	}
	wg.Wait()

	if len(result.Failures) > 0 {
		if result.Partial() {
			n.metrics.PartialFanouts.WithLabelValues(string(evt.Name())).Inc()
		}
		n.log.Warn("Fan-out incomplete", "event", evt.Name(),
			"targets", result.Targets, "succeeded", result.Succeeded)
	}
	return result
}

func (n *Notifier) publish(ctx context.Context, t topic.Topic, evt event.Event) error {
	ctx, cancel := context.WithTimeout(ctx, n.publishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- n.publisher.Publish(ctx, t, evt) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		n.metrics.Publishes.WithLabelValues(string(evt.Name()), "failure").Inc()
		n.log.Debug("Publish failed", "topic", t, "event", evt.Name(), "error", err)
		return fmt.Errorf("%w: %s on %s: %w", errors.ErrPublishFailure, evt.Name(), t, err)
	}
	n.metrics.Publishes.WithLabelValues(string(evt.Name()), "success").Inc()
	return nil
}

// personalTopics skips the members whose address cannot name a topic.
func (n *Notifier) personalTopics(users []chat.User) []topic.Topic {
	return lo.Uniq(lo.FilterMap(users, func(u chat.User, _ int) (topic.Topic, bool) {
		t, err := topic.ForUser(u.Address)
		if err != nil {
			n.log.Warn("Skipping member without a valid address", "user", u.ID, "error", err)
			return "", false
		}
		return t, true
	}))
}

func (n *Notifier) invalid(evt event.Event, err error) contract.FanoutResult {
	n.log.Warn("Nothing to notify", "event", evt.Name(), "error", err)
	return contract.FanoutResult{Event: evt.Name()}
}

func previewOf(conversation chat.Conversation, latest chat.Message) event.ConversationUpdated {
	return event.ConversationUpdated{
		ID:            conversation.ID,
		LastMessageAt: lo.Ternary(latest.CreatedAt.After(conversation.LastMessageAt), latest.CreatedAt, conversation.LastMessageAt),
		Messages:      []chat.Message{latest},
	}
}
