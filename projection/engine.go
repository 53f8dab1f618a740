package projection

import (
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"
)

// Engine merges inbound events into the local state of one user.
// Events may arrive late, twice or out of order: every operation converges
// to the same state whatever the interleaving.
// Engine is not safe for concurrent use, its owner serialises the calls.
type Engine struct {
	log            *slog.Logger
	viewer         chat.User
	inbox          *Inbox
	timeline       *Timeline
	active         map[topic.Topic]struct{}
	onNavigateAway func(chat.ConversationID)
}

func NewEngine(log *slog.Logger, viewer chat.User) *Engine {
	return &Engine{
		log:    log,
		viewer: viewer,
		inbox:  NewInbox(nil),
		active: make(map[topic.Topic]struct{}),
	}
}

// Load replaces the conversation list with a full fetch.
func (e *Engine) Load(conversations []chat.ConversationDetail) {
	e.inbox = NewInbox(conversations)
}

// Open makes id the open conversation, seeded with the fetched messages.
func (e *Engine) Open(id chat.ConversationID, messages []chat.Message) {
	e.timeline = NewTimeline(id, messages)
}

func (e *Engine) Close() {
	e.timeline = nil
}

// OpenConversation is empty when nothing is open.
func (e *Engine) OpenConversation() chat.ConversationID {
	if e.timeline == nil {
		return ""
	}
	return e.timeline.ConversationID
}

// OnNavigateAway is called when the open conversation is deleted.
func (e *Engine) OnNavigateAway(fn func(chat.ConversationID)) {
	e.onNavigateAway = fn
}

func (e *Engine) Activate(t topic.Topic) {
	e.active[t] = struct{}{}
}

func (e *Engine) Deactivate(t topic.Topic) {
	delete(e.active, t)
}

func (e *Engine) IsActive(t topic.Topic) bool {
	_, ok := e.active[t]
	return ok
}

// Apply routes an event received on t.
// Events of a topic that is no longer active are stale and left out.
func (e *Engine) Apply(t topic.Topic, evt event.Event) error {
	if !e.IsActive(t) {
		return fmt.Errorf("%w: %s on %s", errors.ErrStaleSubscription, evt.Name(), t)
	}
	switch v := evt.(type) {
	case event.ConversationCreated:
		e.ApplyConversationNew(v.Conversation)
		return nil
	case event.ConversationUpdated:
		return e.ApplyConversationUpdate(v)
	case event.ConversationDeleted:
		e.ApplyConversationDeleted(v.ID)
		return nil
	case event.MessageCreated:
		return e.ApplyNewMessage(v.Message)
	case event.MessageUpdated:
		return e.ApplyMessageUpdate(v.Message)
	default:
		return fmt.Errorf("%w: %s is not handled by the engine", errors.ErrUnknownEvent, evt.Name())
	}
}

// ApplyNewMessage appends the message to the open conversation if its id is new.
func (e *Engine) ApplyNewMessage(message chat.Message) error {
	if err := e.belongsToOpen(message); err != nil {
		return err
	}
	if !e.timeline.Add(message) {
		e.log.Debug("Duplicate message ignored", "message", message.ID)
	}
	return nil
}

// ApplyMessageUpdate replaces the message and unions its seen-set with the local one.
// The conversation list preview gets the same seen-set when it holds that message.
func (e *Engine) ApplyMessageUpdate(message chat.Message) error {
	if err := e.belongsToOpen(message); err != nil {
		return err
	}
	e.timeline.Upsert(message)
	e.inbox.MergeSeen(message)
	return nil
}

// ApplyConversationNew prepends the conversation if its id is new.
func (e *Engine) ApplyConversationNew(conversation chat.Conversation) bool {
	return e.inbox.Prepend(chat.ConversationDetail{Conversation: conversation})
}

// ApplyConversationUpdate merges the preview fields of a known conversation.
// An unknown conversation means something was missed, the caller should resync.
func (e *Engine) ApplyConversationUpdate(delta event.ConversationUpdated) error {
	latest, ok := delta.Latest()
	if !ok {
		return fmt.Errorf("%w: conversation update without message", errors.ErrMalformedEvent)
	}
	if !e.inbox.MergePreview(delta.ID, delta.LastMessageAt, latest) {
		return fmt.Errorf("%w: %s", errors.ErrConversationNotFound, delta.ID)
	}
	return nil
}

// ApplyConversationDeleted removes the conversation. It reports whether it was
// the open one, in which case the timeline is closed and OnNavigateAway fires.
func (e *Engine) ApplyConversationDeleted(id chat.ConversationID) bool {
	e.inbox.Remove(id)
	if e.OpenConversation() != id {
		return false
	}
	e.timeline = nil
	if e.onNavigateAway != nil {
		e.onNavigateAway(id)
	}
	return true
}

// Conversations builds the conversation list.
func (e *Engine) Conversations() []ConversationView {
	return lo.Map(e.inbox.List(), func(c chat.ConversationDetail, _ int) ConversationView {
		return conversationView(c, e.viewer.ID)
	})
}

func (e *Engine) Conversation(id chat.ConversationID) (ConversationView, bool) {
	detail, ok := e.inbox.Get(id)
	if !ok {
		return ConversationView{}, false
	}
	return conversationView(detail, e.viewer.ID), true
}

// Search filters the list on the conversation name and the names of its members.
func (e *Engine) Search(query string) []ConversationView {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return e.Conversations()
	}
	return lo.Filter(e.Conversations(), func(view ConversationView, _ int) bool {
		return strings.Contains(strings.ToLower(view.Title), query) ||
			lo.ContainsBy(view.Members, func(u chat.User) bool {
				return strings.Contains(strings.ToLower(u.Name), query)
			})
	})
}

// Messages builds the open conversation, oldest first.
func (e *Engine) Messages() []MessageView {
	if e.timeline == nil {
		return nil
	}
	detail, _ := e.inbox.Get(e.timeline.ConversationID)
	return lo.Map(e.timeline.Messages(), func(m chat.Message, _ int) MessageView {
		return messageView(m, detail.Members, e.viewer.ID)
	})
}

// UnreadCount counts the messages of the open conversation the viewer has not seen.
func (e *Engine) UnreadCount() int {
	if e.timeline == nil {
		return 0
	}
	return chat.UnreadCount(e.timeline.Messages(), e.viewer.ID)
}

func (e *Engine) belongsToOpen(message chat.Message) error {
	if e.timeline == nil {
		return fmt.Errorf("%w: %s", errors.ErrNoOpenConversation, message.ID)
	}
	if message.ConversationID != e.timeline.ConversationID {
		return fmt.Errorf("%w: message of %s while %s is open",
			errors.ErrStaleSubscription, message.ConversationID, e.timeline.ConversationID)
	}
	return nil
}
