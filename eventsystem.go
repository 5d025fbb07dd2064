package main

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	presenceScopeGlobal = "global"
	presenceScopeScoped = "scoped"
)

// Router computes audiences and pushes encoded events into connection
// buffers. It runs on the hub goroutine and never blocks on a recipient.
type Router struct {
	registry *Registry
	store    *Store
	scope    string
	metrics  *Metrics
	logger   *zap.Logger
}

func NewRouter(registry *Registry, store *Store, scope string, metrics *Metrics, logger *zap.Logger) *Router {
	if scope == "" {
		scope = presenceScopeGlobal
	}
	return &Router{
		registry: registry,
		store:    store,
		scope:    scope,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "router")),
	}
}

func (r *Router) encode(e Event) []byte {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("failed to encode event", zap.String("event", e.Kind()), zap.Error(err))
		return nil
	}
	return payload
}

// deliver pushes one frame. A full or closed buffer loses the frame for this
// recipient only.
func (r *Router) deliver(c *Client, payload []byte) {
	if c.push(payload) {
		r.metrics.EventsDelivered.Inc()
		return
	}
	r.metrics.EventsDropped.Inc()
	r.logger.Debug("dropped event", zap.String("conn", c.id), zap.String("account", c.accountID))
}

// SendClient delivers to a single connection, bound or not.
func (r *Router) SendClient(c *Client, e Event) {
	if payload := r.encode(e); payload != nil {
		r.deliver(c, payload)
	}
}

// Send delivers to every live connection of the account.
func (r *Router) Send(accountID string, e Event) {
	clients := r.registry.Lookup(accountID)
	if len(clients) == 0 {
		return
	}
	payload := r.encode(e)
	if payload == nil {
		return
	}
	for _, c := range clients {
		r.deliver(c, payload)
	}
}

// BroadcastCommunity delivers to the connections of current members. The
// member set is read from the store on every call.
func (r *Router) BroadcastCommunity(communityID string, e Event, exclude string) {
	c := r.store.Community(communityID)
	if c == nil {
		return
	}
	payload := r.encode(e)
	if payload == nil {
		return
	}
	for _, member := range c.MemberIDs() {
		if member == exclude {
			continue
		}
		for _, client := range r.registry.Lookup(member) {
			r.deliver(client, payload)
		}
	}
}

// BroadcastGlobal delivers to every bound connection except the excluded account.
func (r *Router) BroadcastGlobal(e Event, exclude string) {
	payload := r.encode(e)
	if payload == nil {
		return
	}
	for _, client := range r.registry.All() {
		if client.accountID == "" || client.accountID == exclude {
			continue
		}
		r.deliver(client, payload)
	}
}

// BroadcastPresence delivers a presence change about accountID to the
// accounts allowed to see it.
func (r *Router) BroadcastPresence(accountID string, e Event) {
	if r.scope == presenceScopeGlobal {
		r.BroadcastGlobal(e, accountID)
		return
	}
	payload := r.encode(e)
	if payload == nil {
		return
	}
	for _, peer := range r.PresenceAudience(accountID) {
		for _, client := range r.registry.Lookup(peer) {
			r.deliver(client, payload)
		}
	}
}

// PresenceAudience lists the online accounts that see accountID's presence.
func (r *Router) PresenceAudience(accountID string) []string {
	if r.scope == presenceScopeGlobal {
		var out []string
		for _, id := range r.registry.OnlineAccounts() {
			if id != accountID {
				out = append(out, id)
			}
		}
		return out
	}
	peers := make(map[string]struct{})
	for _, f := range r.store.Friends(accountID) {
		peers[f] = struct{}{}
	}
	for _, c := range r.store.CommunitiesFor(accountID) {
		for id := range c.Members {
			peers[id] = struct{}{}
		}
	}
	delete(peers, accountID)
	var out []string
	for _, id := range r.registry.OnlineAccounts() {
		if _, ok := peers[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// MessageEvent is what side channel subscribers see of a posted message.
type MessageEvent struct {
	CommunityID   string
	CommunityName string
	ChannelID     string
	ChannelName   string
	AuthorName    string
	AuthorAvatar  string
	Text          string
}

// EventPublisher fans MessageEvents out to off-critical-path subscribers.
// Publish never blocks; a subscriber that falls behind loses events.
type EventPublisher struct {
	mutex         sync.Mutex
	buffer        int
	subscriptions map[chan MessageEvent]struct{}
	closed        bool
}

func NewEventPublisher(buffer int) *EventPublisher {
	if buffer <= 0 {
		buffer = 1
	}
	return &EventPublisher{
		buffer:        buffer,
		subscriptions: make(map[chan MessageEvent]struct{}),
	}
}

func (ep *EventPublisher) Subscribe() <-chan MessageEvent {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	subscriber := make(chan MessageEvent, ep.buffer)
	if ep.closed {
		close(subscriber)
		return subscriber
	}
	ep.subscriptions[subscriber] = struct{}{}
	return subscriber
}

func (ep *EventPublisher) Unsubscribe(subscriber <-chan MessageEvent) {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	for s := range ep.subscriptions {
		if s == subscriber {
			delete(ep.subscriptions, s)
			close(s)
			break
		}
	}
}

// Publish reports how many subscribers accepted the event.
func (ep *EventPublisher) Publish(data MessageEvent) int {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	accepted := 0
	for subscriber := range ep.subscriptions {
		select {
		case subscriber <- data:
			accepted++
		default:
		}
	}
	return accepted
}

// Close ends every subscription.
func (ep *EventPublisher) Close() {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if ep.closed {
		return
	}
	ep.closed = true
	for s := range ep.subscriptions {
		delete(ep.subscriptions, s)
		close(s)
	}
}
