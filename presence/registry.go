// Package presence keeps the client view of who is online.
//
// The registry is fed by the presence topic and read by the views. Membership
// changes are commutative: adding a member twice or removing an absent member
// changes nothing, so redelivered presence events are harmless.
package presence

import (
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"chat-sync/observability"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"
)

const subscriberQueueSize = 64

type State int

const (
	Uninitialized State = iota
	Synced
)

func (s State) String() string {
	switch s {
	case Synced:
		return "synced"
	default:
		return "uninitialized"
	}
}

// Delta describes one membership change and the resulting set.
type Delta struct {
	Added   []chat.Address
	Removed []chat.Address
	Members []chat.Address
}

type Registry struct {
	mu          sync.RWMutex
	log         *slog.Logger
	metrics     *observability.Metrics
	state       State
	members     map[chat.Address]struct{}
	subscribers map[int]*Subscription
	nextID      int
}

func NewRegistry(log *slog.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		log:         log,
		metrics:     metrics,
		members:     make(map[chat.Address]struct{}),
		subscribers: make(map[int]*Subscription),
	}
}

// Snapshot returns a sorted copy of the members.
func (r *Registry) Snapshot() []chat.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) IsOnline(address chat.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[address]
	return ok
}

func (r *Registry) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Subscribe registers onChange for every future delta. Each subscriber is
// served by its own goroutine so a slow one never holds the others back.
func (r *Registry) Subscribe(onChange func(Delta)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{
		id:       r.nextID,
		registry: r,
		queue:    make(chan Delta, subscriberQueueSize),
		done:     make(chan struct{}),
	}
	r.subscribers[sub.id] = sub
	go sub.drain(onChange)
	return sub
}

// SubscriptionSucceeded replaces the whole set with the server snapshot.
func (r *Registry) SubscriptionSucceeded(members []chat.Address) error {
	if lo.Contains(members, "") {
		return fmt.Errorf("%w: empty presence member", errors.ErrMalformedEvent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current := lo.Keys(r.members)
	added, removed := lo.Difference(lo.Uniq(members), current)

	r.members = lo.SliceToMap(members, func(a chat.Address) (chat.Address, struct{}) { return a, struct{}{} })
	r.state = Synced
	if len(added) > 0 || len(removed) > 0 {
		r.emitLocked(added, removed)
	}
	return nil
}

func (r *Registry) MemberAdded(address chat.Address) error {
	if address == "" {
		return fmt.Errorf("%w: empty presence member", errors.ErrMalformedEvent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[address]; ok {
		return nil
	}
	r.members[address] = struct{}{}
	r.emitLocked([]chat.Address{address}, nil)
	return nil
}

func (r *Registry) MemberRemoved(address chat.Address) error {
	if address == "" {
		return fmt.Errorf("%w: empty presence member", errors.ErrMalformedEvent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[address]; !ok {
		return nil
	}
	delete(r.members, address)
	r.emitLocked(nil, []chat.Address{address})
	return nil
}

// Handle routes the presence events of the catalog.
func (r *Registry) Handle(e event.Event) error {
	var err error
	switch evt := e.(type) {
	case event.PresenceSubscribed:
		err = r.SubscriptionSucceeded(evt.Members)
	case event.MemberAdded:
		err = r.MemberAdded(evt.ID)
	case event.MemberRemoved:
		err = r.MemberRemoved(evt.ID)
	default:
		err = fmt.Errorf("%w: %s is not a presence event", errors.ErrUnknownEvent, e.Name())
	}
	if err != nil {
		r.log.Warn("Presence event dropped", "event", e.Name(), "error", err)
	}
	return err
}

// Teardown releases every subscriber and forgets the members.
func (r *Registry) Teardown() {
	r.mu.Lock()
	subscribers := lo.Values(r.subscribers)
	r.members = make(map[chat.Address]struct{})
	r.state = Uninitialized
	r.metrics.PresenceMembers.Set(0)
	r.mu.Unlock()

	for _, sub := range subscribers {
		sub.Release()
	}
}

func (r *Registry) emitLocked(added, removed []chat.Address) {
	slices.Sort(added)
	slices.Sort(removed)
	members := r.snapshotLocked()
	r.metrics.PresenceMembers.Set(float64(len(members)))
	for _, sub := range r.subscribers {
		delta := Delta{Added: added, Removed: removed, Members: slices.Clone(members)}
		select {
		case sub.queue <- delta:
		default:
			r.log.Warn("Presence subscriber is too slow, delta dropped", "subscriber", sub.id)
		}
	}
}

func (r *Registry) snapshotLocked() []chat.Address {
	members := lo.Keys(r.members)
	slices.Sort(members)
	return members
}

type Subscription struct {
	id       int
	registry *Registry
	queue    chan Delta
	done     chan struct{}
	once     sync.Once
}

// Release stops the deliveries. Safe to call more than once.
func (s *Subscription) Release() {
	s.once.Do(func() {
		s.registry.mu.Lock()
		delete(s.registry.subscribers, s.id)
		close(s.queue)
		s.registry.mu.Unlock()
	})
}

// Done is closed once every queued delta has been handled after Release.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) drain(onChange func(Delta)) {
	defer close(s.done)
	for delta := range s.queue {
		onChange(delta)
	}
}
