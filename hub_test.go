package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLogin(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")
	assert.NotEmpty(t, alice.userID)
	assert.NotEmpty(t, alice.token)

	t.Run("wrong password", func(t *testing.T) {
		p := x.connect()
		x.send(p, "login", "email", "alice@example.com", "password", "nope")
		x.await()
		ev := p.must("auth_error")
		assert.Equal(t, ErrBadCredentials.Error(), ev["message"])
	})

	t.Run("unknown email", func(t *testing.T) {
		p := x.connect()
		x.send(p, "login", "email", "nobody@example.com", "password", "hunter22")
		assert.Equal(t, ErrBadCredentials.Error(), p.must("auth_error")["message"])
	})

	t.Run("second session", func(t *testing.T) {
		p := x.connect()
		x.send(p, "login", "email", "ALICE@example.com", "password", "hunter22")
		x.await()
		ev := p.must("auth_success")
		assert.Equal(t, alice.userID, ev["userId"])
		assert.Equal(t, false, ev["isGuest"])
		assert.Len(t, x.hub.registry.Lookup(alice.userID), 2)
	})

	t.Run("duplicate email", func(t *testing.T) {
		p := x.connect()
		x.send(p, "register", "email", "alice@example.com", "password", "other", "name", "imposter")
		assert.Equal(t, ErrEmailTaken.Error(), p.must("auth_error")["message"])
	})

	t.Run("missing fields", func(t *testing.T) {
		p := x.connect()
		x.send(p, "register", "email", "", "password", "")
		assert.Equal(t, ErrMissingFields.Error(), p.must("auth_error")["message"])
	})
}

func TestRebindIsRejected(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")

	x.send(alice, "guest_login")
	assert.Equal(t, "already authenticated", alice.must("auth_error")["message"])
	x.send(alice, "resume", "token", alice.token)
	assert.Equal(t, "already authenticated", alice.must("auth_error")["message"])
	assert.Len(t, x.store.accounts, 1)
}

func TestUnboundConnectionOnlyAuthenticates(t *testing.T) {
	x := newHarness(t)
	p := x.connect()

	x.send(p, "create_server", "name", "sneaky")
	x.send(p, "get_friends")
	assert.Empty(t, p.kinds())

	x.send(p, "ping")
	p.must("pong")
	assert.Empty(t, x.store.communities)
}

func TestUnknownFramesAreCountedAndIgnored(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")

	x.send(alice, "join_server", "serverId", "whatever")
	x.send(alice, "definitely_not_a_frame")
	x.hub.HandleFrame(context.Background(), alice.id, []byte(`{not json`))
	x.drain()

	assert.Empty(t, alice.kinds())
	assert.Equal(t, 3.0, testutil.ToFloat64(x.hub.metrics.Frames.WithLabelValues("unknown")))
}

func TestPresenceJoinAndLeave(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")
	bob := x.register("bob")

	ev := alice.must("user_join")
	assert.Equal(t, bob.userID, obj(ev["user"])["id"])

	// a second session of bob is not a new arrival
	second := x.connect()
	x.send(second, "login", "email", "bob@example.com", "password", "hunter22")
	x.await()
	alice.none("user_join")

	x.disconnect(second)
	alice.none("user_leave")

	x.disconnect(bob)
	ev = alice.must("user_leave")
	assert.Equal(t, bob.userID, ev["userId"])
	assert.False(t, x.hub.registry.Online(bob.userID))
}

func TestInvisibleAccountsStayHidden(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")
	bob := x.register("bob")
	alice.reset()

	x.send(bob, "update_profile", "status", "invisible")
	alice.must("user_leave")
	assert.Equal(t, "invisible", obj(bob.must("profile_updated")["user"])["status"])

	x.disconnect(bob)
	alice.none("user_leave")

	again := x.connect()
	x.send(again, "login", "email", "bob@example.com", "password", "hunter22")
	x.await()
	alice.none("user_join")
	ev := again.must("auth_success")
	assert.Equal(t, "invisible", obj(ev["user"])["status"])
}

func TestAuthSuccessCarriesInitialState(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")
	bob := x.register("bob")
	serverID, _, _ := x.community(alice, "club")
	x.join(alice, bob, serverID)
	x.disconnect(bob)

	p := x.connect()
	x.send(p, "login", "email", "bob@example.com", "password", "hunter22")
	x.await()
	ev := p.must("auth_success")

	servers := obj(ev["servers"])
	require.Contains(t, servers, serverID)
	assert.Equal(t, "club", obj(servers[serverID])["name"])
	assert.Equal(t, []string{alice.userID}, ids(ev["users"]))
	assert.Equal(t, "dark", obj(ev["settings"])["theme"])
}

func TestResumeWithToken(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")

	p := x.connect()
	x.send(p, "resume", "token", alice.token)
	assert.Equal(t, alice.userID, p.must("auth_success")["userId"])

	x.clock.Add(2 * time.Hour)
	late := x.connect()
	x.send(late, "resume", "token", alice.token)
	assert.Equal(t, ErrBadToken.Error(), late.must("auth_error")["message"])
}

func TestGuestVanishesOnLastDisconnect(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")
	guest := x.guest()

	serverID, _, _ := x.community(guest, "temporary club")
	x.join(guest, alice, serverID)
	aliceServer, _, _ := x.community(alice, "alice's")
	x.join(alice, guest, aliceServer)
	alice.reset()

	x.disconnect(guest)

	ev := alice.must("server_deleted")
	assert.Equal(t, serverID, ev["serverId"])
	left := alice.must("member_left")
	assert.Equal(t, guest.userID, left["userId"])
	alice.must("user_leave")

	assert.Nil(t, x.store.Account(guest.userID))
	assert.Nil(t, x.store.Community(serverID))
	assert.False(t, x.store.Community(aliceServer).IsMember(guest.userID))
}

func TestHandlerPanicDoesNotStopTheHub(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")

	// a nil frame makes any handler dereference nil
	x.hub.step(command{kind: cmdFrame, connID: alice.id, action: ActionMessage})
	x.send(alice, "ping")
	alice.must("pong")
}

func TestSnapshotOnlyWhenDirty(t *testing.T) {
	x := newHarness(t)
	x.register("alice")

	snap := x.requestSnapshot(false)
	require.NotNil(t, snap)
	assert.Len(t, snap.Accounts, 1)

	assert.Nil(t, x.requestSnapshot(false))
	assert.NotNil(t, x.requestSnapshot(true))
}

// requestSnapshot runs RequestSnapshot against the synchronous harness.
func (x *harness) requestSnapshot(force bool) *Snapshot {
	x.t.Helper()
	result := make(chan *Snapshot, 1)
	go func() {
		snap, err := x.hub.RequestSnapshot(context.Background(), force)
		assert.NoError(x.t, err)
		result <- snap
	}()
	x.await()
	select {
	case snap := <-result:
		return snap
	case <-time.After(5 * time.Second):
		x.t.Fatal("snapshot reply never arrived")
		return nil
	}
}

func TestRunStopsAndReleasesClients(t *testing.T) {
	x := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	c := newClient(nil, 4, x.clock.Now(), x.hub.logger)
	require.True(t, x.hub.submit(ctx, command{kind: cmdOpen, client: c}))

	go x.hub.Run(ctx)
	cancel()

	select {
	case <-x.hub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}
	_, open := <-c.send
	assert.False(t, open)
	assert.False(t, x.hub.submit(context.Background(), command{kind: cmdClose, connID: c.id}))

	_, err := x.hub.RequestSnapshot(context.Background(), true)
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestOpensRacingShutdownAreReleased(t *testing.T) {
	x := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go x.hub.Run(ctx)

	var wg sync.WaitGroup
	accepted := make(chan *Client, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient(nil, 4, x.clock.Now(), x.hub.logger)
			if x.hub.submit(context.Background(), command{kind: cmdOpen, client: c}) {
				accepted <- c
			}
		}()
		if i == 32 {
			cancel()
		}
	}
	wg.Wait()
	close(accepted)

	select {
	case <-x.hub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}
	for c := range accepted {
		select {
		case _, open := <-c.send:
			assert.False(t, open, "accepted client left open after stop")
		case <-time.After(time.Second):
			t.Fatal("accepted client never released")
		}
	}
	assert.False(t, x.hub.submit(context.Background(), command{kind: cmdOpen, client: newClient(nil, 4, x.clock.Now(), x.hub.logger)}))
}
