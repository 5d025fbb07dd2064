package main

import (
	"strings"
	"unicode/utf8"
)

const (
	maxMessageLength = 4000
	maxAttachments   = 10
	maxEmojiLength   = 32
	maxSearchResults = 50
	replyExcerpt     = 100
)

// messageBody validates the text and attachments of an outgoing message.
func messageBody(text string, attachments []Attachment) (string, []Attachment, bool) {
	if utf8.RuneCountInString(text) > maxMessageLength || len(attachments) > maxAttachments {
		return "", nil, false
	}
	kept := attachments[:0:0]
	for _, a := range attachments {
		if a.URL != "" {
			kept = append(kept, a)
		}
	}
	if strings.TrimSpace(text) == "" && len(kept) == 0 {
		return "", nil, false
	}
	return text, kept, true
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= replyExcerpt {
		return text
	}
	return string([]rune(text)[:replyExcerpt])
}

func (h *Hub) newMessage(author *Account, text string, attachments []Attachment) *Message {
	return &Message{
		ID:           newID(),
		AuthorID:     author.ID,
		AuthorName:   author.DisplayName,
		AuthorAvatar: author.AvatarRef,
		Text:         text,
		Attachments:  attachments,
		CreatedAt:    h.clock.Now(),
	}
}

// postToChannel appends m to the channel, fans it out to the community and
// hands a copy to side channel subscribers.
func (h *Hub) postToChannel(comm *Community, ch *TextChannel, m *Message) {
	ch.History.Push(m)
	h.markDirty()
	h.router.BroadcastCommunity(comm.ID, newEvent("message",
		"serverId", comm.ID,
		"channel", ch.ID,
		"message", m,
	), "")
	h.publisher.Publish(MessageEvent{
		CommunityID:   comm.ID,
		CommunityName: comm.Name,
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		AuthorName:    m.AuthorName,
		AuthorAvatar:  m.AuthorAvatar,
		Text:          m.Text,
	})
}

// deliverDM stores m in the pair's history and notifies both sides.
func (h *Hub) deliverDM(from, to *Account, m *Message) {
	h.store.DirectHistory(from.ID, to.ID, true).Push(m)
	h.markDirty()
	h.router.Send(to.ID, newEvent("dm", "from", from.ID, "message", m, "sender", h.publicView(from)))
	h.router.Send(from.ID, newEvent("dm_sent", "to", to.ID, "message", m, "recipient", h.publicView(to)))
}

func (h *Hub) handleMessage(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermSendMessages)
	if comm == nil {
		return
	}
	ch := comm.TextChannel(f.channelRef())
	author := h.store.Account(c.accountID)
	if ch == nil || author == nil {
		return
	}
	text, attachments, ok := messageBody(f.Text, f.Attachments)
	if !ok {
		return
	}
	m := h.newMessage(author, text, attachments)
	if id := f.replyTarget(); id != "" {
		if target := ch.History.Find(id); target != nil {
			m.ReplyTo = &ReplyRef{ID: target.ID, Author: target.AuthorName, Text: excerpt(target.Text)}
		}
	}
	h.postToChannel(comm, ch, m)
}

// messageTarget is where an edit, delete or reaction lands: a community
// channel, or the DM history shared with peer.
type messageTarget struct {
	comm    *Community
	channel *TextChannel
	peer    string
	history *History
}

func (h *Hub) locateTarget(c *Client, f *Frame) (messageTarget, bool) {
	if f.DMWith != "" {
		hist := h.store.DirectHistory(c.accountID, f.DMWith, false)
		if hist == nil {
			return messageTarget{}, false
		}
		return messageTarget{peer: f.DMWith, history: hist}, true
	}
	comm := h.memberCommunity(f.ServerID, c.accountID)
	if comm == nil {
		return messageTarget{}, false
	}
	ch := comm.TextChannel(f.channelRef())
	if ch == nil {
		return messageTarget{}, false
	}
	return messageTarget{comm: comm, channel: ch, history: ch.History}, true
}

// mayModerate reports whether accountID can edit or delete m.
func (h *Hub) mayModerate(t messageTarget, m *Message, accountID string) bool {
	if m.AuthorID == accountID {
		return true
	}
	if t.comm == nil {
		return false
	}
	return h.store.HasPermission(t.comm.ID, accountID, PermManageMessages)
}

// emit sends a message-level event to everyone who can see the target.
// DM events carry the counterpart's id as dmWith.
func (h *Hub) emit(t messageTarget, me string, kind string, kv ...any) {
	if t.comm != nil {
		ev := newEvent(kind, append([]any{"serverId", t.comm.ID, "channelId", t.channel.ID}, kv...)...)
		h.router.BroadcastCommunity(t.comm.ID, ev, "")
		return
	}
	h.router.Send(me, newEvent(kind, append([]any{"dmWith", t.peer}, kv...)...))
	if t.peer != me {
		h.router.Send(t.peer, newEvent(kind, append([]any{"dmWith", me}, kv...)...))
	}
}

func (h *Hub) handleEditMessage(c *Client, f *Frame) {
	t, ok := h.locateTarget(c, f)
	if !ok {
		return
	}
	m := t.history.Find(f.MessageID)
	if m == nil || !h.mayModerate(t, m, c.accountID) {
		return
	}
	text, _, ok := messageBody(f.Text, nil)
	if !ok {
		return
	}
	now := h.clock.Now()
	m.Text = text
	m.EditedAt = &now
	h.markDirty()
	h.emit(t, c.accountID, "message_edited", "messageId", m.ID, "text", m.Text, "editedAt", now)
}

func (h *Hub) handleDeleteMessage(c *Client, f *Frame) {
	t, ok := h.locateTarget(c, f)
	if !ok {
		return
	}
	m := t.history.Find(f.MessageID)
	if m == nil || !h.mayModerate(t, m, c.accountID) {
		return
	}
	t.history.Remove(m.ID)
	t.history.FlagRepliesDeleted(m.ID)
	h.markDirty()
	h.emit(t, c.accountID, "message_deleted", "messageId", m.ID)
}

func (h *Hub) handleReaction(c *Client, f *Frame, add bool) {
	emoji := strings.TrimSpace(f.Emoji)
	if emoji == "" || len(emoji) > maxEmojiLength {
		return
	}
	t, ok := h.locateTarget(c, f)
	if !ok {
		return
	}
	m := t.history.Find(f.MessageID)
	if m == nil {
		return
	}
	kind := "reaction_added"
	changed := false
	if add {
		changed = m.addReaction(emoji, c.accountID)
	} else {
		kind = "reaction_removed"
		changed = m.removeReaction(emoji, c.accountID)
	}
	if !changed {
		return
	}
	h.markDirty()
	h.emit(t, c.accountID, kind, "messageId", m.ID, "emoji", emoji, "userId", c.accountID)
}

func (h *Hub) handleTyping(c *Client, f *Frame) {
	comm := h.memberCommunity(f.ServerID, c.accountID)
	a := h.store.Account(c.accountID)
	if comm == nil || a == nil {
		return
	}
	h.router.BroadcastCommunity(comm.ID, newEvent("typing",
		"userId", a.ID,
		"serverId", comm.ID,
		"channel", f.channelRef(),
		"name", a.DisplayName,
	), a.ID)
}

func (h *Hub) handleSearch(c *Client, f *Frame) {
	comm := h.memberCommunity(f.ServerID, c.accountID)
	if comm == nil {
		return
	}
	query := strings.TrimSpace(f.Query)
	hits := []searchHit{}
	if query != "" {
		for _, ch := range comm.TextChannels {
			for _, m := range ch.History.Items() {
				if containsFold(m.Text, query) {
					hits = append(hits, searchHit{ChannelID: ch.ID, ChannelName: ch.Name, Message: m})
				}
			}
		}
		hits = sortedHits(hits)
		if len(hits) > maxSearchResults {
			hits = hits[:maxSearchResults]
		}
	}
	h.router.SendClient(c, newEvent("search_results", "serverId", comm.ID, "query", query, "results", hits))
}

// forwardTarget splits a "serverId:channelId" target, falling back to a
// separate targetServerId.
func forwardTarget(f *Frame) (serverID, channelID string) {
	if srv, ch, ok := strings.Cut(f.TargetID, ":"); ok {
		return srv, ch
	}
	return f.TargetServerID, f.TargetID
}

func (h *Hub) handleForward(c *Client, f *Frame) {
	me := h.store.Account(c.accountID)
	src := h.memberCommunity(f.OriginalServerID, c.accountID)
	if me == nil || src == nil {
		return
	}
	srcCh := src.TextChannel(f.OriginalChannelID)
	if srcCh == nil {
		return
	}
	orig := srcCh.History.Find(f.MessageID)
	if orig == nil {
		return
	}
	m := h.newMessage(me, orig.Text, orig.clone().Attachments)
	m.ForwardedFrom = orig.AuthorName

	switch f.TargetType {
	case "dm":
		to := h.store.Account(f.TargetID)
		if to == nil || to.ID == me.ID {
			return
		}
		h.deliverDM(me, to, m)
	default:
		serverID, channelID := forwardTarget(f)
		dst := h.permitted(serverID, me.ID, PermSendMessages)
		if dst == nil {
			return
		}
		ch := dst.TextChannel(channelID)
		if ch == nil {
			return
		}
		h.postToChannel(dst, ch, m)
	}
}

func (h *Hub) handleDM(c *Client, f *Frame) {
	from := h.store.Account(c.accountID)
	to := h.store.Account(f.To)
	if from == nil {
		return
	}
	if to == nil || to.ID == from.ID {
		h.router.SendClient(c, newEvent("dm_error", "to", f.To, "message", "user not found"))
		return
	}
	text, attachments, ok := messageBody(f.Text, f.Attachments)
	if !ok {
		return
	}
	h.deliverDM(from, to, h.newMessage(from, text, attachments))
}

func (h *Hub) handleDMHistory(c *Client, f *Frame) {
	peer := f.UserID
	if peer == "" {
		peer = f.OderID
	}
	if peer == "" {
		return
	}
	messages := []*Message{}
	if hist := h.store.DirectHistory(c.accountID, peer, false); hist != nil {
		messages = hist.Items()
	}
	h.router.SendClient(c, newEvent("dm_history", "userId", peer, "oderId", peer, "messages", messages))
}
