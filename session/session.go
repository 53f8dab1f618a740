// Package session keeps one user connected: it owns the subscriptions of the
// user and feeds what they deliver to the reconciliation engine and the
// presence registry.
//
// Every state change happens on the goroutine running Run. Transport handlers
// and public calls only enqueue work for it, so the engine never sees two
// writers at once.
package session

import (
	"chat-sync/contract"
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"chat-sync/observability"
	"chat-sync/presence"
	"chat-sync/projection"
	"context"
	goerrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

const inboxSize = 1024

var _ contract.Worker = (*Session)(nil)

var (
	personalEvents = []event.Name{event.ConversationNewName, event.ConversationUpdateName, event.ConversationDeleteName}
	messageEvents  = []event.Name{event.MessageNewName, event.MessageUpdateName}
	presenceEvents = []event.Name{event.PresenceSubscribedName, event.MemberAddedName, event.MemberRemovedName}
)

// View is the state handed to OnChange after each applied event.
type View struct {
	Conversations []projection.ConversationView
	Open          chat.ConversationID
	Messages      []projection.MessageView
}

type Session struct {
	log          *slog.Logger
	metrics      *observability.Metrics
	user         chat.User
	transport    contract.Transport
	fetcher      contract.Fetcher
	acknowledger contract.SeenAcknowledger
	engine       *projection.Engine
	presence     *presence.Registry

	inbox       chan func()
	done        chan struct{}
	needsResync atomic.Bool

	mu       sync.Mutex
	running  bool
	closed   bool
	cancel   context.CancelFunc
	closeErr error

	// owned by the loop
	started         bool
	personal        contract.Channel
	presenceChannel contract.Channel
	conversation    contract.Channel
	onChange        func(View)
	onNavigateAway  func(chat.ConversationID)
}

func NewSession(log *slog.Logger, metrics *observability.Metrics, user chat.User, transport contract.Transport,
	fetcher contract.Fetcher, acknowledger contract.SeenAcknowledger) *Session {
	log = log.With("user", user.ID)
	s := &Session{
		log:          log,
		metrics:      metrics,
		user:         user,
		transport:    transport,
		fetcher:      fetcher,
		acknowledger: acknowledger,
		engine:       projection.NewEngine(log, user),
		presence:     presence.NewRegistry(log, metrics),
		inbox:        make(chan func(), inboxSize),
		done:         make(chan struct{}),
	}
	s.engine.OnNavigateAway(s.navigateAway)
	if reporter, ok := transport.(contract.GapReporter); ok {
		reporter.OnGap(s.scheduleResync)
	}
	return s
}

// OnChange registers fn, called on the session loop after each applied event.
// fn must not call back into the session.
func (s *Session) OnChange(fn func(View)) {
	s.post(func() { s.onChange = fn })
}

// OnNavigateAway registers fn, called when the open conversation is deleted.
func (s *Session) OnNavigateAway(fn func(chat.ConversationID)) {
	s.post(func() { s.onNavigateAway = fn })
}

// OnPresence subscribes fn to the presence changes.
func (s *Session) OnPresence(fn func(presence.Delta)) *presence.Subscription {
	return s.presence.Subscribe(fn)
}

func (s *Session) IsOnline(address chat.Address) bool {
	return s.presence.IsOnline(address)
}

func (s *Session) Online() []chat.Address {
	return s.presence.Snapshot()
}

// Run is the single writer of the session. It releases every subscription on exit.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return errors.ErrSessionClosed
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	defer close(s.done)
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.inbox:
			fn()
			if s.needsResync.Swap(false) {
				if err := s.resync(ctx); err != nil {
					s.log.Warn("Resync failed", "error", err)
				}
			}
		}
	}
}

// Start subscribes the personal and presence topics and loads the conversation list.
// Run must be running. Whatever was acquired is released if a step fails.
func (s *Session) Start(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.started {
			return nil
		}
		personalTopic, err := topic.ForUser(s.user.Address)
		if err != nil {
			return err
		}
		personal, err := s.transport.Subscribe(ctx, personalTopic)
		if err != nil {
			return err
		}
		for _, name := range personalEvents {
			personal.Bind(name, s.forward(personalTopic))
		}
		s.engine.Activate(personalTopic)

		presenceChannel, err := s.transport.Subscribe(ctx, topic.Presence)
		if err != nil {
			s.release(personal)
			return err
		}
		for _, name := range presenceEvents {
			presenceChannel.Bind(name, func(e event.Event) {
				s.post(func() { _ = s.presence.Handle(e) })
			})
		}

		conversations, err := s.fetcher.Conversations(ctx, s.user)
		if err != nil {
			s.release(presenceChannel)
			s.release(personal)
			return err
		}
		s.engine.Load(conversations)

		s.personal, s.presenceChannel = personal, presenceChannel
		s.started = true
		s.log.Info("Session started", "conversations", len(conversations))
		return nil
	})
}

// OpenConversation switches the open conversation to id. The previous one is
// released before the new subscription becomes current, then the latest
// message is acknowledged as seen.
func (s *Session) OpenConversation(ctx context.Context, id chat.ConversationID) error {
	return s.call(ctx, func() error {
		if !s.started {
			return errors.ErrSessionNotStarted
		}
		t, err := topic.ForConversation(id)
		if err != nil {
			return err
		}
		s.closeConversation()

		ch, err := s.transport.Subscribe(ctx, t)
		if err != nil {
			return err
		}
		messages, err := s.fetcher.Messages(ctx, id)
		if err != nil {
			_ = ch.Unsubscribe()
			return err
		}
		for _, name := range messageEvents {
			ch.Bind(name, s.forward(t))
		}
		s.engine.Activate(t)
		s.engine.Open(id, messages)
		s.conversation = ch

		seen, err := s.acknowledger.MarkSeen(ctx, id, s.user)
		switch {
		case err == nil:
			_ = s.engine.ApplyMessageUpdate(seen)
		case goerrors.Is(err, errors.ErrMessageNotFound):
		default:
			s.log.Warn("Seen acknowledgement failed", "conversation", id, "error", err)
		}
		s.changed()
		return nil
	})
}

func (s *Session) CloseConversation(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.conversation == nil {
			return errors.ErrNoOpenConversation
		}
		s.closeConversation()
		return nil
	})
}

// Resync replaces the local state with a full fetch.
func (s *Session) Resync(ctx context.Context) error {
	return s.call(ctx, func() error { return s.resync(ctx) })
}

func (s *Session) Conversations(ctx context.Context) ([]projection.ConversationView, error) {
	var views []projection.ConversationView
	err := s.call(ctx, func() error {
		views = s.engine.Conversations()
		return nil
	})
	return views, err
}

func (s *Session) Search(ctx context.Context, query string) ([]projection.ConversationView, error) {
	var views []projection.ConversationView
	err := s.call(ctx, func() error {
		views = s.engine.Search(query)
		return nil
	})
	return views, err
}

func (s *Session) Messages(ctx context.Context) ([]projection.MessageView, error) {
	var views []projection.MessageView
	err := s.call(ctx, func() error {
		if s.engine.OpenConversation() == "" {
			return errors.ErrNoOpenConversation
		}
		views = s.engine.Messages()
		return nil
	})
	return views, err
}

func (s *Session) UnreadCount(ctx context.Context) (int, error) {
	var count int
	err := s.call(ctx, func() error {
		count = s.engine.UnreadCount()
		return nil
	})
	return count, err
}

// Close releases every subscription. Safe on every path, including when Run
// never started or already returned.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.waitDone()
		return s.closeErr
	}
	s.closed = true
	running, cancel := s.running, s.cancel
	s.mu.Unlock()

	if running {
		cancel()
		<-s.done
	} else {
		s.teardown()
	}
	return s.closeErr
}

func (s *Session) waitDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.ErrSessionClosed
	}
	result := make(chan error, 1)
	select {
	case s.inbox <- func() { result <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.ErrSessionClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.ErrSessionClosed
	}
}

// post never blocks: a handler may run on the loop itself when a channel
// replays early events. A full inbox loses the work and schedules a resync.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	default:
		s.metrics.DroppedEvents.WithLabelValues("session_backlog").Inc()
		s.log.Warn("Session inbox is full, scheduling a resync")
		s.needsResync.Store(true)
	}
}

// scheduleResync asks the loop for a full fetch once the transport reports
// that events may have been lost.
func (s *Session) scheduleResync() {
	s.post(func() {
		if s.started {
			s.log.Info("Transport reported a gap, resyncing")
			s.needsResync.Store(true)
		}
	})
}

func (s *Session) forward(t topic.Topic) contract.Handler {
	return func(e event.Event) {
		s.post(func() { s.apply(t, e) })
	}
}

func (s *Session) apply(t topic.Topic, e event.Event) {
	err := s.engine.Apply(t, e)
	switch {
	case err == nil:
		s.changed()
	case goerrors.Is(err, errors.ErrStaleSubscription), goerrors.Is(err, errors.ErrNoOpenConversation):
		s.metrics.DroppedEvents.WithLabelValues("stale_subscription").Inc()
		s.log.Debug("Stale event discarded", "topic", t, "event", e.Name(), "error", err)
	case goerrors.Is(err, errors.ErrConversationNotFound):
		s.log.Info("Unknown conversation, resyncing", "event", e.Name(), "error", err)
		s.needsResync.Store(true)
	default:
		s.metrics.DroppedEvents.WithLabelValues("rejected").Inc()
		s.log.Warn("Event rejected", "topic", t, "event", e.Name(), "error", err)
	}
}

func (s *Session) resync(ctx context.Context) error {
	if !s.started {
		return errors.ErrSessionNotStarted
	}
	conversations, err := s.fetcher.Conversations(ctx, s.user)
	if err != nil {
		return err
	}
	s.engine.Load(conversations)
	if open := s.engine.OpenConversation(); open != "" {
		messages, err := s.fetcher.Messages(ctx, open)
		if err != nil {
			return err
		}
		s.engine.Open(open, messages)
	}
	s.changed()
	return nil
}

func (s *Session) changed() {
	if s.onChange == nil {
		return
	}
	s.onChange(View{
		Conversations: s.engine.Conversations(),
		Open:          s.engine.OpenConversation(),
		Messages:      s.engine.Messages(),
	})
}

func (s *Session) navigateAway(id chat.ConversationID) {
	s.closeConversation()
	if s.onNavigateAway != nil {
		s.onNavigateAway(id)
	}
}

// closeConversation unbinds, deactivates then unsubscribes the open conversation.
func (s *Session) closeConversation() {
	if s.conversation == nil {
		s.engine.Close()
		return
	}
	ch := s.conversation
	s.conversation = nil
	for _, name := range messageEvents {
		ch.Unbind(name)
	}
	s.engine.Deactivate(ch.Topic())
	s.engine.Close()
	s.release(ch)
}

func (s *Session) release(ch contract.Channel) {
	s.engine.Deactivate(ch.Topic())
	if err := ch.Unsubscribe(); err != nil {
		s.log.Warn("Unsubscribe failed", "topic", ch.Topic(), "error", err)
		s.mu.Lock()
		if s.closeErr == nil {
			s.closeErr = err
		}
		s.mu.Unlock()
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeConversation()
	if s.presenceChannel != nil {
		s.release(s.presenceChannel)
		s.presenceChannel = nil
	}
	if s.personal != nil {
		s.release(s.personal)
		s.personal = nil
	}
	s.presence.Teardown()
	s.started = false
	s.log.Info("Session closed")
}
