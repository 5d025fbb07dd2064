package main

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type routerFixture struct {
	registry *Registry
	store    *Store
	metrics  *Metrics
	router   *Router
}

func newRouterFixture(t *testing.T, scope string) *routerFixture {
	registry := NewRegistry()
	store := NewStore(minHistoryCapacity, time.Now)
	metrics := newMetrics(prometheus.NewRegistry())
	return &routerFixture{
		registry: registry,
		store:    store,
		metrics:  metrics,
		router:   NewRouter(registry, store, scope, metrics, zaptest.NewLogger(t)),
	}
}

func (f *routerFixture) online(t *testing.T, accountID string, buffer int) *Client {
	c := newClient(nil, buffer, testEpoch, zaptest.NewLogger(t))
	f.registry.Register(c)
	require.NoError(t, f.registry.Bind(c.id, accountID))
	return c
}

func TestRouterDropsOnFullBuffer(t *testing.T) {
	f := newRouterFixture(t, presenceScopeGlobal)
	slow := f.online(t, "slow", 1)
	fast := f.online(t, "fast", 8)

	for i := 0; i < 3; i++ {
		f.router.BroadcastGlobal(newEvent("ping", "n", i), "")
	}
	assert.Len(t, slow.send, 1)
	assert.Len(t, fast.send, 3)
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.EventsDelivered))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.EventsDropped))

	slow.closed = true
	f.router.Send("slow", newEvent("ping"))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.EventsDropped))
}

func TestBroadcastReadsMembershipAtDelivery(t *testing.T) {
	f := newRouterFixture(t, presenceScopeGlobal)
	alice := f.online(t, "alice", 8)
	bob := f.online(t, "bob", 8)
	comm := &Community{
		ID: "c", OwnerID: "alice",
		Members:     map[string]struct{}{"alice": {}},
		MemberRoles: map[string]string{},
		Banned:      map[string]struct{}{},
	}
	f.store.AddCommunity(comm)

	f.router.BroadcastCommunity("c", newEvent("first"), "")
	comm.AddMember("bob")
	f.router.BroadcastCommunity("c", newEvent("second"), "alice")
	f.router.BroadcastCommunity("missing", newEvent("third"), "")

	assert.Len(t, alice.send, 1)
	require.Len(t, bob.send, 1)
	assert.Contains(t, string(<-bob.send), `"second"`)
}

func TestPresenceAudience(t *testing.T) {
	t.Run("global", func(t *testing.T) {
		f := newRouterFixture(t, "")
		f.online(t, "alice", 1)
		f.online(t, "bob", 1)
		f.online(t, "carol", 1)
		assert.Equal(t, []string{"bob", "carol"}, f.router.PresenceAudience("alice"))
	})

	t.Run("scoped", func(t *testing.T) {
		f := newRouterFixture(t, presenceScopeScoped)
		for _, id := range []string{"alice", "friend", "member", "stranger"} {
			f.online(t, id, 4)
		}
		f.store.AddFriendship("alice", "friend")
		f.store.AddFriendship("alice", "offline-friend")
		f.store.AddCommunity(&Community{
			ID: "c", OwnerID: "member",
			Members:     map[string]struct{}{"member": {}, "alice": {}},
			MemberRoles: map[string]string{},
			Banned:      map[string]struct{}{},
		})
		assert.Equal(t, []string{"friend", "member"}, f.router.PresenceAudience("alice"))

		f.router.BroadcastPresence("alice", newEvent("presence_update", "userId", "alice"))
		stranger := f.registry.Lookup("stranger")[0]
		assert.Empty(t, stranger.send)
		assert.Len(t, f.registry.Lookup("friend")[0].send, 1)
		assert.Empty(t, f.registry.Lookup("alice")[0].send)
	})
}

func TestEventPublisher(t *testing.T) {
	ep := NewEventPublisher(1)
	a := ep.Subscribe()
	b := ep.Subscribe()

	assert.Equal(t, 2, ep.Publish(MessageEvent{Text: "one"}))
	assert.Equal(t, "one", (<-a).Text)
	// b is still holding "one"
	assert.Equal(t, 1, ep.Publish(MessageEvent{Text: "two"}))

	ep.Unsubscribe(a)
	_, open := <-a
	assert.False(t, open)

	ep.Close()
	ep.Close()
	assert.Equal(t, "one", (<-b).Text)
	_, open = <-b
	assert.False(t, open)

	late := ep.Subscribe()
	_, open = <-late
	assert.False(t, open)
	assert.Zero(t, ep.Publish(MessageEvent{}))
}
