package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const snapshotVersion = 1

// Snapshot is the durable part of the Store. Guests, sessions, voice presence,
// calls and temporary voice channels are never included.
type Snapshot struct {
	Version        int                  `json:"version"`
	TakenAt        time.Time            `json:"takenAt"`
	Accounts       []AccountRecord      `json:"accounts"`
	Communities    []CommunityRecord    `json:"communities"`
	Friendships    []FriendshipRecord   `json:"friendships"`
	FriendRequests []FriendRequest      `json:"friendRequests"`
	Invites        []Invite             `json:"invites"`
	DirectThreads  []DirectThreadRecord `json:"directThreads"`
}

type AccountRecord struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	CredentialHash string         `json:"credentialHash"`
	DisplayName    string         `json:"displayName"`
	AvatarRef      string         `json:"avatarRef"`
	Status         Status         `json:"status"`
	CustomStatus   string         `json:"customStatus"`
	Settings       map[string]any `json:"settings,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type CommunityRecord struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	IconRef       string              `json:"iconRef"`
	OwnerID       string              `json:"ownerId"`
	Members       []string            `json:"members"`
	Banned        []string            `json:"banned,omitempty"`
	MemberRoles   map[string]string   `json:"memberRoles"`
	Roles         []Role              `json:"roles"`
	TextChannels  []TextChannelRecord `json:"textChannels"`
	VoiceChannels []VoiceChannel      `json:"voiceChannels"`
	CreatedAt     time.Time           `json:"createdAt"`
}

type TextChannelRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Temporary bool      `json:"temporary,omitempty"`
	Messages  []Message `json:"messages"`
}

type FriendshipRecord struct {
	A string `json:"a"`
	B string `json:"b"`
}

type DirectThreadRecord struct {
	A        string    `json:"a"`
	B        string    `json:"b"`
	Messages []Message `json:"messages"`
}

func copyMessages(h *History) []Message {
	items := h.Items()
	out := make([]Message, 0, len(items))
	for _, m := range items {
		out = append(out, *m.clone())
	}
	return out
}

func copySettings(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot deep copies the durable state so it can be saved off the hub goroutine.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{Version: snapshotVersion, TakenAt: s.now()}
	guests := make(map[string]bool)

	for _, a := range s.accounts {
		if a.Guest {
			guests[a.ID] = true
			continue
		}
		snap.Accounts = append(snap.Accounts, AccountRecord{
			ID: a.ID, Email: a.Email, CredentialHash: a.CredentialHash,
			DisplayName: a.DisplayName, AvatarRef: a.AvatarRef,
			Status: a.Status, CustomStatus: a.CustomStatus,
			Settings: copySettings(a.Settings), CreatedAt: a.CreatedAt,
		})
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].ID < snap.Accounts[j].ID })

	// a guest's communities vanish with it
	dropped := make(map[string]bool)
	for _, c := range s.communities {
		if guests[c.OwnerID] {
			dropped[c.ID] = true
			continue
		}
		rec := CommunityRecord{
			ID: c.ID, Name: c.Name, IconRef: c.IconRef, OwnerID: c.OwnerID,
			Banned:      setKeys(c.Banned),
			MemberRoles: make(map[string]string, len(c.MemberRoles)),
			CreatedAt:   c.CreatedAt,
		}
		for _, m := range c.MemberIDs() {
			if !guests[m] {
				rec.Members = append(rec.Members, m)
			}
		}
		for m, r := range c.MemberRoles {
			if !guests[m] {
				rec.MemberRoles[m] = r
			}
		}
		for _, r := range c.Roles {
			role := *r
			role.Permissions = append([]string(nil), r.Permissions...)
			rec.Roles = append(rec.Roles, role)
		}
		for _, ch := range c.TextChannels {
			rec.TextChannels = append(rec.TextChannels, TextChannelRecord{
				ID: ch.ID, Name: ch.Name, Temporary: ch.Temporary, Messages: copyMessages(ch.History),
			})
		}
		for _, ch := range c.VoiceChannels {
			if !ch.Temporary {
				rec.VoiceChannels = append(rec.VoiceChannels, *ch)
			}
		}
		snap.Communities = append(snap.Communities, rec)
	}
	sort.Slice(snap.Communities, func(i, j int) bool { return snap.Communities[i].ID < snap.Communities[j].ID })

	for a, set := range s.friends {
		for b := range set {
			if a < b && !guests[a] && !guests[b] {
				snap.Friendships = append(snap.Friendships, FriendshipRecord{A: a, B: b})
			}
		}
	}
	sort.Slice(snap.Friendships, func(i, j int) bool {
		return snap.Friendships[i].A+snap.Friendships[i].B < snap.Friendships[j].A+snap.Friendships[j].B
	})

	for req := range s.requests {
		if !guests[req.From] && !guests[req.To] {
			snap.FriendRequests = append(snap.FriendRequests, req)
		}
	}
	sort.Slice(snap.FriendRequests, func(i, j int) bool {
		return snap.FriendRequests[i].From+snap.FriendRequests[i].To < snap.FriendRequests[j].From+snap.FriendRequests[j].To
	})

	for _, inv := range s.invites {
		if !guests[inv.CreatedBy] && !dropped[inv.CommunityID] {
			snap.Invites = append(snap.Invites, *inv)
		}
	}
	sort.Slice(snap.Invites, func(i, j int) bool { return snap.Invites[i].Code < snap.Invites[j].Code })

	for key, h := range s.dms {
		if guests[key.a] || guests[key.b] {
			continue
		}
		snap.DirectThreads = append(snap.DirectThreads, DirectThreadRecord{A: key.a, B: key.b, Messages: copyMessages(h)})
	}
	sort.Slice(snap.DirectThreads, func(i, j int) bool {
		return snap.DirectThreads[i].A+snap.DirectThreads[i].B < snap.DirectThreads[j].A+snap.DirectThreads[j].B
	})
	return snap
}

func restoreHistory(capacity int, msgs []Message) *History {
	h := NewHistory(capacity)
	for i := range msgs {
		m := msgs[i]
		h.Push(m.clone())
	}
	return h
}

// Restore replaces the store contents with snap. A nil snapshot empties it.
func (s *Store) Restore(snap *Snapshot) {
	fresh := NewStore(s.historyCap, s.now)
	*s = *fresh
	if snap == nil {
		return
	}
	for _, r := range snap.Accounts {
		s.AddAccount(&Account{
			ID: r.ID, Email: r.Email, CredentialHash: r.CredentialHash,
			DisplayName: r.DisplayName, AvatarRef: r.AvatarRef,
			Status: r.Status, CustomStatus: r.CustomStatus,
			Settings: copySettings(r.Settings), CreatedAt: r.CreatedAt,
		})
	}
	for _, r := range snap.Communities {
		if s.Account(r.OwnerID) == nil {
			continue
		}
		c := &Community{
			ID: r.ID, Name: r.Name, IconRef: r.IconRef, OwnerID: r.OwnerID,
			Members:     make(map[string]struct{}, len(r.Members)),
			MemberRoles: make(map[string]string, len(r.MemberRoles)),
			Banned:      make(map[string]struct{}, len(r.Banned)),
			CreatedAt:   r.CreatedAt,
		}
		for _, m := range r.Members {
			c.Members[m] = struct{}{}
		}
		c.Members[c.OwnerID] = struct{}{}
		for m, role := range r.MemberRoles {
			if m != c.OwnerID {
				c.MemberRoles[m] = role
			}
		}
		for _, b := range r.Banned {
			c.Banned[b] = struct{}{}
		}
		for i := range r.Roles {
			role := r.Roles[i]
			c.Roles = append(c.Roles, &role)
		}
		if c.Role(DefaultRoleID) == nil {
			if roles, err := defaultRoles(); err == nil {
				c.Roles = append(roles, c.Roles...)
			}
		}
		for _, ch := range r.TextChannels {
			c.TextChannels = append(c.TextChannels, &TextChannel{
				ID: ch.ID, Name: ch.Name, Temporary: ch.Temporary,
				History: restoreHistory(s.historyCap, ch.Messages),
			})
		}
		for i := range r.VoiceChannels {
			ch := r.VoiceChannels[i]
			if !ch.Temporary {
				c.VoiceChannels = append(c.VoiceChannels, &ch)
			}
		}
		s.AddCommunity(c)
	}
	for _, f := range snap.Friendships {
		s.AddFriendship(f.A, f.B)
	}
	for _, req := range snap.FriendRequests {
		s.AddRequest(req.From, req.To)
	}
	for i := range snap.Invites {
		inv := snap.Invites[i]
		if s.Community(inv.CommunityID) != nil {
			s.AddInvite(&inv)
		}
	}
	for _, t := range snap.DirectThreads {
		s.dms[makePair(t.A, t.B)] = restoreHistory(s.historyCap, t.Messages)
	}
}

// Gateway is the persistence collaborator. Implementations: memory, sqlite
// (databases.go) and pebble (pebble-store.go).
type Gateway interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

func openGateway(cfg PersistenceConfig, logger *zap.Logger) (Gateway, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryGateway(), nil
	case "sqlite":
		return OpenSQLiteGateway(cfg.Path, logger)
	case "pebble":
		return OpenPebbleGateway(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

// MemoryGateway keeps the last saved snapshot in memory.
type MemoryGateway struct {
	mu    sync.Mutex
	last  *Snapshot
	saves int
	err   error
}

func NewMemoryGateway() *MemoryGateway { return &MemoryGateway{} }

func (g *MemoryGateway) Save(_ context.Context, snap *Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.last = snap
	g.saves++
	return nil
}

func (g *MemoryGateway) Load(context.Context) (*Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, nil
}

func (g *MemoryGateway) Close() error { return nil }

// snapshotSource hands out snapshots. The hub implements it by running the
// copy on its own goroutine.
type snapshotSource interface {
	RequestSnapshot(ctx context.Context, force bool) (*Snapshot, error)
}

// Flusher periodically saves snapshots off the critical path. A failed save
// forces a full snapshot on the next tick; nothing is retried in place.
type Flusher struct {
	source   snapshotSource
	gateway  Gateway
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
	metrics  *Metrics

	retry bool
}

func NewFlusher(source snapshotSource, gateway Gateway, clk clock.Clock, interval time.Duration, logger *zap.Logger, metrics *Metrics) *Flusher {
	return &Flusher{
		source:   source,
		gateway:  gateway,
		clock:    clk,
		interval: interval,
		logger:   logger.With(zap.String("component", "flusher")),
		metrics:  metrics,
	}
}

func (f *Flusher) Run(ctx context.Context) {
	ticker := f.clock.Ticker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flushOnce(ctx)
		}
	}
}

func (f *Flusher) flushOnce(ctx context.Context) {
	snap, err := f.source.RequestSnapshot(ctx, f.retry)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn("snapshot request failed", zap.Error(err))
		}
		return
	}
	if snap == nil {
		return
	}
	f.save(ctx, snap)
}

// save writes snap and records the outcome.
func (f *Flusher) save(ctx context.Context, snap *Snapshot) {
	if err := f.gateway.Save(ctx, snap); err != nil {
		f.retry = true
		f.metrics.Flushes.WithLabelValues("error").Inc()
		f.logger.Error("snapshot flush failed", zap.Error(err))
		return
	}
	f.retry = false
	f.metrics.Flushes.WithLabelValues("ok").Inc()
	f.logger.Debug("snapshot flushed",
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("communities", len(snap.Communities)))
}
