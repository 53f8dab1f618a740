package presence

import (
	"chat-sync/domain/chat"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"chat-sync/observability"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *observability.Metrics) {
	metrics := observability.NewNopMetrics()
	return NewRegistry(logs.GetLoggerFromLevel(slog.LevelDebug), metrics), metrics
}

func TestRegistry_SnapshotThenDeltas(t *testing.T) {
	req := require.New(t)
	registry, metrics := newTestRegistry()
	req.Equal(Uninitialized, registry.State())

	// Given the server snapshot
	req.NoError(registry.SubscriptionSucceeded([]chat.Address{"a", "b"}))
	// When c joins and a leaves
	req.NoError(registry.MemberAdded("c"))
	req.NoError(registry.MemberRemoved("a"))

	// Then
	req.Equal([]chat.Address{"b", "c"}, registry.Snapshot())
	req.Equal(Synced, registry.State())
	req.True(registry.IsOnline("c"))
	req.False(registry.IsOnline("a"))
	req.Equal(float64(2), testutil.ToFloat64(metrics.PresenceMembers))
}

func TestRegistry_MemberAdded_Idempotent(t *testing.T) {
	req := require.New(t)
	registry, _ := newTestRegistry()
	req.NoError(registry.SubscriptionSucceeded([]chat.Address{"a", "b"}))

	req.NoError(registry.MemberAdded("c"))
	req.NoError(registry.MemberAdded("c"))
	req.NoError(registry.MemberRemoved("ghost"))

	req.Equal([]chat.Address{"a", "b", "c"}, registry.Snapshot())
}

func TestRegistry_Handle(t *testing.T) {
	req := require.New(t)
	registry, _ := newTestRegistry()

	req.NoError(registry.Handle(event.PresenceSubscribed{Members: []chat.Address{"a"}}))
	req.NoError(registry.Handle(event.MemberAdded{ID: "b"}))
	req.NoError(registry.Handle(event.MemberRemoved{ID: "a"}))
	req.Equal([]chat.Address{"b"}, registry.Snapshot())

	// Malformed deltas are refused and leave the set alone
	req.ErrorIs(registry.Handle(event.MemberAdded{}), errors.ErrMalformedEvent)
	req.ErrorIs(registry.Handle(event.ConversationDeleted{ID: "c1"}), errors.ErrUnknownEvent)
	req.Equal([]chat.Address{"b"}, registry.Snapshot())
}

func TestRegistry_Subscribe_ReceivesDeltas(t *testing.T) {
	req := require.New(t)
	registry, _ := newTestRegistry()
	deltas := make(chan Delta, 4)
	sub := registry.Subscribe(func(d Delta) { deltas <- d })
	defer sub.Release()

	req.NoError(registry.SubscriptionSucceeded([]chat.Address{"a", "b"}))
	// The same snapshot again is not a change
	req.NoError(registry.SubscriptionSucceeded([]chat.Address{"b", "a"}))
	req.NoError(registry.MemberRemoved("a"))

	first := receive(t, deltas)
	req.Equal([]chat.Address{"a", "b"}, first.Added)
	req.Empty(first.Removed)

	second := receive(t, deltas)
	req.Equal([]chat.Address{"a"}, second.Removed)
	req.Equal([]chat.Address{"b"}, second.Members)

	req.Empty(deltas)
}

func TestRegistry_Teardown(t *testing.T) {
	req := require.New(t)
	registry, metrics := newTestRegistry()
	sub := registry.Subscribe(func(Delta) {})
	req.NoError(registry.SubscriptionSucceeded([]chat.Address{"a"}))

	registry.Teardown()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		req.Fail("subscription not released")
	}
	sub.Release()
	req.Empty(registry.Snapshot())
	req.Equal(Uninitialized, registry.State())
	req.Equal(float64(0), testutil.ToFloat64(metrics.PresenceMembers))
}

func receive(t *testing.T, deltas <-chan Delta) Delta {
	t.Helper()
	select {
	case d := <-deltas:
		return d
	case <-time.After(time.Second):
		require.Fail(t, "no delta received")
		return Delta{}
	}
}
