package main

import (
	"slices"
	"sort"
	"time"
)

type Status string

const (
	StatusOnline    Status = "online"
	StatusIdle      Status = "idle"
	StatusDND       Status = "dnd"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND, StatusInvisible, StatusOffline:
		return true
	}
	return false
}

// Account is a durable identity. Guests are Accounts with Guest set and no
// credential; they are never persisted.
type Account struct {
	ID             string         `json:"id"`
	Email          string         `json:"email,omitempty"`
	CredentialHash string         `json:"-"`
	DisplayName    string         `json:"name"`
	AvatarRef      string         `json:"avatar,omitempty"`
	Status         Status         `json:"status"`
	CustomStatus   string         `json:"customStatus,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	Guest          bool           `json:"guest,omitempty"`
}

type Attachment struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// ReplyRef is a snapshot of the message being replied to. Deleted is set once
// when the target is removed and never cleared.
type ReplyRef struct {
	ID      string `json:"id"`
	Author  string `json:"author,omitempty"`
	Text    string `json:"text,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

type Message struct {
	ID            string              `json:"id"`
	AuthorID      string              `json:"userId"`
	AuthorName    string              `json:"author"`
	AuthorAvatar  string              `json:"avatar,omitempty"`
	Text          string              `json:"text"`
	Attachments   []Attachment        `json:"attachments,omitempty"`
	ReplyTo       *ReplyRef           `json:"replyTo,omitempty"`
	Reactions     map[string][]string `json:"reactions,omitempty"`
	ForwardedFrom string              `json:"forwardedFrom,omitempty"`
	EditedAt      *time.Time          `json:"editedAt,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
}

func (m *Message) clone() *Message {
	out := *m
	out.Attachments = slices.Clone(m.Attachments)
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, who := range m.Reactions {
			out.Reactions[emoji] = slices.Clone(who)
		}
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return &out
}

// addReaction reports whether the reaction was new.
func (m *Message) addReaction(emoji, accountID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	if slices.Contains(m.Reactions[emoji], accountID) {
		return false
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], accountID)
	return true
}

func (m *Message) removeReaction(emoji, accountID string) bool {
	who := m.Reactions[emoji]
	i := slices.Index(who, accountID)
	if i < 0 {
		return false
	}
	who = slices.Delete(who, i, i+1)
	if len(who) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = who
	}
	return true
}

// History is a fixed capacity ring of messages. Push past capacity evicts the
// oldest entry.
type History struct {
	buf   []*Message
	start int
	size  int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = minHistoryCapacity
	}
	return &History{buf: make([]*Message, capacity)}
}

func (h *History) Len() int { return h.size }
func (h *History) Cap() int { return len(h.buf) }

// Push appends m and returns the evicted message, if any.
func (h *History) Push(m *Message) (evicted *Message) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = m
		h.size++
		return nil
	}
	evicted = h.buf[h.start]
	h.buf[h.start] = m
	h.start = (h.start + 1) % len(h.buf)
	return evicted
}

func (h *History) at(i int) *Message {
	return h.buf[(h.start+i)%len(h.buf)]
}

// Items returns the messages oldest first.
func (h *History) Items() []*Message {
	out := make([]*Message, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.at(i))
	}
	return out
}

func (h *History) Find(id string) *Message {
	for i := 0; i < h.size; i++ {
		if m := h.at(i); m.ID == id {
			return m
		}
	}
	return nil
}

// Remove deletes the message with the given id, keeping order.
func (h *History) Remove(id string) *Message {
	items := h.Items()
	idx := slices.IndexFunc(items, func(m *Message) bool { return m.ID == id })
	if idx < 0 {
		return nil
	}
	removed := items[idx]
	items = slices.Delete(items, idx, idx+1)
	clear(h.buf)
	h.start = 0
	h.size = copy(h.buf, items)
	return removed
}

// FlagRepliesDeleted marks every reply pointing at id. Safe to call repeatedly.
func (h *History) FlagRepliesDeleted(id string) int {
	n := 0
	for i := 0; i < h.size; i++ {
		m := h.at(i)
		if m.ReplyTo != nil && m.ReplyTo.ID == id && !m.ReplyTo.Deleted {
			m.ReplyTo.Deleted = true
			n++
		}
	}
	return n
}

type TextChannel struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Temporary bool     `json:"isTemporary"`
	History   *History `json:"-"`
}

type VoiceChannel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Temporary bool   `json:"isTemporary"`
}

type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Color       string   `json:"color"`
	Position    int      `json:"position"`
	Permissions []string `json:"permissions"`
}

const DefaultRoleID = "default"

type Community struct {
	ID            string
	Name          string
	IconRef       string
	OwnerID       string
	Members       map[string]struct{}
	TextChannels  []*TextChannel
	VoiceChannels []*VoiceChannel
	Roles         []*Role
	MemberRoles   map[string]string
	Banned        map[string]struct{}
	CreatedAt     time.Time
}

func (c *Community) IsMember(accountID string) bool {
	_, ok := c.Members[accountID]
	return ok
}

func (c *Community) IsBanned(accountID string) bool {
	_, ok := c.Banned[accountID]
	return ok
}

// AddMember puts accountID in the member set with the default role. The owner
// never gets a MemberRoles entry.
func (c *Community) AddMember(accountID string) {
	c.Members[accountID] = struct{}{}
	if accountID != c.OwnerID {
		if _, ok := c.MemberRoles[accountID]; !ok {
			c.MemberRoles[accountID] = DefaultRoleID
		}
	}
}

func (c *Community) RemoveMember(accountID string) {
	delete(c.Members, accountID)
	delete(c.MemberRoles, accountID)
}

func (c *Community) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for id := range c.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Community) TextChannel(id string) *TextChannel {
	for _, ch := range c.TextChannels {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}

func (c *Community) VoiceChannel(id string) *VoiceChannel {
	for _, ch := range c.VoiceChannels {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}

func (c *Community) RemoveTextChannel(id string) bool {
	n := len(c.TextChannels)
	c.TextChannels = slices.DeleteFunc(c.TextChannels, func(ch *TextChannel) bool { return ch.ID == id })
	return len(c.TextChannels) != n
}

func (c *Community) RemoveVoiceChannel(id string) bool {
	n := len(c.VoiceChannels)
	c.VoiceChannels = slices.DeleteFunc(c.VoiceChannels, func(ch *VoiceChannel) bool { return ch.ID == id })
	return len(c.VoiceChannels) != n
}

func (c *Community) Role(id string) *Role {
	for _, r := range c.Roles {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// RoleOf resolves a member's role, falling back to default for unassigned or
// dangling assignments.
func (c *Community) RoleOf(accountID string) *Role {
	if id, ok := c.MemberRoles[accountID]; ok {
		if r := c.Role(id); r != nil {
			return r
		}
	}
	return c.Role(DefaultRoleID)
}

// RemoveRole deletes the role and moves its holders to default. It returns the
// reassigned members. The default role cannot be removed.
func (c *Community) RemoveRole(id string) (reassigned []string, ok bool) {
	if id == DefaultRoleID || c.Role(id) == nil {
		return nil, false
	}
	c.Roles = slices.DeleteFunc(c.Roles, func(r *Role) bool { return r.ID == id })
	for member, roleID := range c.MemberRoles {
		if roleID == id {
			c.MemberRoles[member] = DefaultRoleID
			reassigned = append(reassigned, member)
		}
	}
	sort.Strings(reassigned)
	return reassigned, true
}

type FriendRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Invite struct {
	Code        string    `json:"code"`
	CommunityID string    `json:"serverId"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}
