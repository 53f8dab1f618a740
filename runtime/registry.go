package runtime

import (
	"chat-sync/contract"
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/domain/topic"
	"chat-sync/observability"
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"
)

var _ contract.IRegistry = (*Registry)(nil)

type Set map[string]struct{}

type member struct {
	address chat.Address
	sink    contract.EventSink
}

// Registry is the server-side topic hub. It routes published events to the
// connections subscribed to a topic and maintains presence membership on
// topic.Presence: a member is online while at least one of its connections
// holds the presence subscription.
// Presence changes are computed and delivered under presenceMu, so every
// connection sees snapshots and deltas in the order they happened.
type Registry struct {
	mu           sync.RWMutex
	presenceMu   sync.Mutex
	log          *slog.Logger
	metrics      *observability.Metrics
	sessions     map[string]member   // map connection -> member
	topicMembers map[topic.Topic]Set // map topic to connections
}

func NewRegistry(log *slog.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		log:          log,
		metrics:      metrics,
		sessions:     make(map[string]member),
		topicMembers: make(map[topic.Topic]Set),
	}
}

// GetSinksForTopic retrieves all active connections of a topic.
// It performs a two-step lookup:
// 1. Identifies connection IDs associated with the topic via topicMembers.
// 2. Resolves those IDs into actual EventSinks using the sessions map.
// Returns nil if nobody is subscribed.
func (r *Registry) GetSinksForTopic(t topic.Topic) []contract.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinksLocked(t, "")
}

// Subscribe registers a connection and assigns it to a topic.
// Subscribing twice to the same topic is a no-op.
// On the presence topic the new connection receives the current membership,
// and the others learn about the member if it was not online yet.
func (r *Registry) Subscribe(connID string, address chat.Address, t topic.Topic, sink contract.EventSink) {
	if t == topic.Presence {
		r.presenceMu.Lock()
		defer r.presenceMu.Unlock()
	}
	r.mu.Lock()
	r.sessions[connID] = member{address: address, sink: sink}
	if _, ok := r.topicMembers[t]; !ok {
		r.topicMembers[t] = make(Set)
	}
	if _, ok := r.topicMembers[t][connID]; ok {
		r.mu.Unlock()
		return
	}
	joined := t == topic.Presence && !lo.Contains(r.presenceLocked(), address)
	r.topicMembers[t][connID] = struct{}{}
	r.metrics.Subscriptions.Inc()

	var snapshot []chat.Address
	var others []contract.EventSink
	if t == topic.Presence {
		snapshot = r.presenceLocked()
		if joined {
			others = r.sinksLocked(t, connID)
		}
	}
	r.mu.Unlock()

	if t != topic.Presence {
		return
	}
	ctx := context.Background()
	r.deliver(ctx, t, event.PresenceSubscribed{Members: snapshot}, []contract.EventSink{sink})
	if joined {
		r.log.Debug("Member joined presence", "address", address)
		r.deliver(ctx, t, event.MemberAdded{ID: address}, others)
	}
}

// Unsubscribe removes a connection from a topic and ensures no empty sets are
// left in the topic map. Leaving presence with the last connection of a member
// tells the others it went offline.
func (r *Registry) Unsubscribe(connID string, t topic.Topic) {
	if t == topic.Presence {
		r.presenceMu.Lock()
		defer r.presenceMu.Unlock()
	}
	r.mu.Lock()
	left, address, others := r.unsubscribeLocked(connID, t)
	r.mu.Unlock()

	if left {
		r.log.Debug("Member left presence", "address", address)
		r.deliver(context.Background(), t, event.MemberRemoved{ID: address}, others)
	}
}

// Disconnect releases every subscription of a connection.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	var topics []topic.Topic
	for t, members := range r.topicMembers {
		if _, ok := members[connID]; ok {
			topics = append(topics, t)
		}
	}
	r.mu.Unlock()

	for _, t := range topics {
		r.Unsubscribe(connID, t)
	}

	r.mu.Lock()
	delete(r.sessions, connID)
	r.mu.Unlock()
}

// Publish hands the event to every connection of the topic.
// A connection that cannot keep up loses the event; the publish itself succeeds.
func (r *Registry) Publish(ctx context.Context, t topic.Topic, e event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(e); err != nil {
		return err
	}
	r.deliver(ctx, t, e, r.GetSinksForTopic(t))
	return nil
}

// Members is the server view of who is online, sorted.
func (r *Registry) Members() []chat.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenceLocked()
}

// Stats reports the size of the hub, for monitoring.
func (r *Registry) Stats() observability.HubStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return observability.HubStats{
		Connections: len(r.sessions),
		Topics:      len(r.topicMembers),
		Online:      len(r.presenceLocked()),
	}
}

func (r *Registry) deliver(ctx context.Context, t topic.Topic, e event.Event, sinks []contract.EventSink) {
	for _, sink := range sinks {
		if err := sink.Consume(ctx, t, e); err != nil {
			r.metrics.Deliveries.WithLabelValues(string(e.Name()), "dropped").Inc()
			r.log.Debug("Event not delivered", "topic", t, "event", e.Name(), "error", err)
			continue
		}
		r.metrics.Deliveries.WithLabelValues(string(e.Name()), "delivered").Inc()
	}
}

func (r *Registry) unsubscribeLocked(connID string, t topic.Topic) (bool, chat.Address, []contract.EventSink) {
	members, ok := r.topicMembers[t]
	if !ok {
		return false, "", nil
	}
	if _, ok = members[connID]; !ok {
		return false, "", nil
	}
	delete(members, connID)
	r.metrics.Subscriptions.Dec()

	// If no one is left on the topic, remove the topic entry entirely
	if len(members) == 0 {
		delete(r.topicMembers, t)
	}
	if t != topic.Presence {
		return false, "", nil
	}
	address := r.sessions[connID].address
	if lo.Contains(r.presenceLocked(), address) {
		return false, "", nil
	}
	return true, address, r.sinksLocked(t, connID)
}

func (r *Registry) sinksLocked(t topic.Topic, except string) []contract.EventSink {
	members, ok := r.topicMembers[t]
	if !ok {
		return nil
	}
	var activeSinks []contract.EventSink
	for connID := range members {
		if connID == except {
			continue
		}
		if m, exists := r.sessions[connID]; exists {
			activeSinks = append(activeSinks, m.sink)
		}
	}
	return activeSinks
}

func (r *Registry) presenceLocked() []chat.Address {
	addresses := lo.Uniq(lo.FilterMap(lo.Keys(r.topicMembers[topic.Presence]), func(connID string, _ int) (chat.Address, bool) {
		m, ok := r.sessions[connID]
		return m.address, ok
	}))
	slices.Sort(addresses)
	return addresses
}
