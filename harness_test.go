package main

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	setConfigDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	cfg.Auth.HashCost = bcrypt.MinCost
	cfg.Persistence.Driver = "memory"
	require.NoError(t, cfg.Validate())
	return &cfg
}

// harness drives a Hub synchronously: frames are queued with HandleFrame and
// then stepped on the test goroutine.
type harness struct {
	t     *testing.T
	hub   *Hub
	store *Store
	clock *clock.Mock
	reg   *prometheus.Registry
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	cfg := testConfig(t)
	for _, opt := range opts {
		opt(cfg)
	}
	clk := clock.NewMock()
	clk.Set(testEpoch)
	reg := prometheus.NewRegistry()
	store := NewStore(cfg.History.Capacity, clk.Now)
	tokens := NewTokenIssuer([]byte("test-secret"), time.Hour, clk)
	hub := NewHub(cfg, store, tokens, NewEventPublisher(16), newMetrics(reg), clk, zaptest.NewLogger(t))
	return &harness{t: t, hub: hub, store: store, clock: clk, reg: reg}
}

// drain steps every queued command.
func (x *harness) drain() {
	for {
		select {
		case cmd := <-x.hub.inbound:
			x.hub.step(cmd)
		default:
			return
		}
	}
}

// await steps the next command, waiting for it to arrive. Used for work the
// hub hands to a goroutine, such as password checks.
func (x *harness) await() {
	x.t.Helper()
	select {
	case cmd := <-x.hub.inbound:
		x.hub.step(cmd)
	case <-time.After(5 * time.Second):
		x.t.Fatal("timed out waiting for hub command")
	}
	x.drain()
}

func (x *harness) connect() *probe {
	c := newClient(nil, 256, x.clock.Now(), x.hub.logger)
	x.hub.step(command{kind: cmdOpen, client: c})
	x.clock.Add(time.Millisecond)
	return &probe{t: x.t, Client: c}
}

func (x *harness) disconnect(p *probe) {
	x.hub.step(command{kind: cmdClose, connID: p.id})
}

func (x *harness) send(p *probe, kind string, kv ...any) {
	x.t.Helper()
	frame := map[string]any{"type": kind}
	for i := 0; i+1 < len(kv); i += 2 {
		frame[kv[i].(string)] = kv[i+1]
	}
	raw, err := json.Marshal(frame)
	require.NoError(x.t, err)
	x.hub.HandleFrame(context.Background(), p.id, raw)
	x.drain()
}

// register creates an account on a fresh connection and returns it bound.
func (x *harness) register(name string) *probe {
	x.t.Helper()
	p := x.connect()
	x.send(p, "register", "email", name+"@example.com", "password", "hunter22", "name", name)
	ev := p.must("auth_success")
	p.userID = ev["userId"].(string)
	p.token, _ = ev["token"].(string)
	p.reset()
	return p
}

func (x *harness) guest() *probe {
	x.t.Helper()
	p := x.connect()
	x.send(p, "guest_login")
	ev := p.must("auth_success")
	p.userID = ev["userId"].(string)
	p.reset()
	return p
}

// community creates a community owned by owner and returns its id plus the
// ids of its default text and voice channels.
func (x *harness) community(owner *probe, name string) (serverID, textID, voiceID string) {
	x.t.Helper()
	x.send(owner, "create_server", "name", name)
	srv := owner.must("server_created")["server"].(map[string]any)
	serverID = srv["id"].(string)
	textID = srv["channels"].([]any)[0].(map[string]any)["id"].(string)
	voiceID = srv["voiceChannels"].([]any)[0].(map[string]any)["id"].(string)
	owner.reset()
	return serverID, textID, voiceID
}

// join brings p into the community through a fresh invite from inviter.
func (x *harness) join(inviter, p *probe, serverID string) {
	x.t.Helper()
	x.send(inviter, "create_invite", "serverId", serverID)
	code := inviter.must("invite_created")["code"].(string)
	x.send(p, "use_invite", "code", code)
	p.must("server_joined")
	inviter.reset()
	p.reset()
}

// probe wraps a client and records the events queued for it.
type probe struct {
	*Client
	t      *testing.T
	userID string
	token  string
	inbox  []Event
}

func (p *probe) collect() {
	for {
		select {
		case raw, ok := <-p.send:
			if !ok {
				return
			}
			var ev Event
			require.NoError(p.t, json.Unmarshal(raw, &ev))
			p.inbox = append(p.inbox, ev)
		default:
			return
		}
	}
}

// take removes and returns the first recorded event of kind.
func (p *probe) take(kind string) (Event, bool) {
	p.collect()
	for i, ev := range p.inbox {
		if ev.Kind() == kind {
			p.inbox = append(p.inbox[:i], p.inbox[i+1:]...)
			return ev, true
		}
	}
	return nil, false
}

func (p *probe) must(kind string) Event {
	p.t.Helper()
	ev, ok := p.take(kind)
	require.True(p.t, ok, "expected %q, got %v", kind, p.kinds())
	return ev
}

func (p *probe) none(kind string) {
	p.t.Helper()
	p.collect()
	for _, ev := range p.inbox {
		require.NotEqual(p.t, kind, ev.Kind(), "unexpected %q", kind)
	}
}

func (p *probe) count(kind string) int {
	p.collect()
	n := 0
	for _, ev := range p.inbox {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (p *probe) kinds() []string {
	p.collect()
	out := make([]string, 0, len(p.inbox))
	for _, ev := range p.inbox {
		out = append(out, ev.Kind())
	}
	return out
}

func (p *probe) reset() {
	p.collect()
	p.inbox = nil
}

func obj(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

func ids(v any) []string {
	var out []string
	for _, item := range list(v) {
		out = append(out, fmt.Sprint(obj(item)["id"]))
	}
	return out
}
