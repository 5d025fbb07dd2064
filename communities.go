package main

import (
	"crypto/rand"
	"encoding/hex"

	"go.uber.org/zap"
)

const (
	defaultTextChannelName  = "general"
	defaultVoiceChannelName = "Voice"
)

// memberCommunity returns the community when accountID belongs to it.
func (h *Hub) memberCommunity(communityID, accountID string) *Community {
	c := h.store.Community(communityID)
	if c == nil || !c.IsMember(accountID) {
		return nil
	}
	return c
}

// permitted returns the community when accountID holds perm in it.
func (h *Hub) permitted(communityID, accountID string, perm Permission) *Community {
	if !h.store.HasPermission(communityID, accountID, perm) {
		return nil
	}
	return h.store.Community(communityID)
}

func (h *Hub) handleCreateServer(c *Client, f *Frame) {
	name := cleanName(f.Name)
	if name == "" {
		return
	}
	roles, err := defaultRoles()
	if err != nil {
		h.logger.Error("cannot create community", zap.Error(err))
		return
	}
	icon, _ := optionalString(f.Icon)
	comm := &Community{
		ID:            newID(),
		Name:          name,
		IconRef:       icon,
		OwnerID:       c.accountID,
		Members:       map[string]struct{}{c.accountID: {}},
		TextChannels:  []*TextChannel{h.store.NewTextChannel(defaultTextChannelName, false)},
		VoiceChannels: []*VoiceChannel{{ID: newID(), Name: defaultVoiceChannelName}},
		Roles:         roles,
		MemberRoles:   make(map[string]string),
		Banned:        make(map[string]struct{}),
		CreatedAt:     h.clock.Now(),
	}
	h.store.AddCommunity(comm)
	h.markDirty()
	h.router.Send(c.accountID, newEvent("server_created", "server", h.communityView(comm, c.accountID)))
}

func (h *Hub) handleUpdateServer(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermManageServer)
	if comm == nil {
		return
	}
	changed := false
	if name := cleanName(f.Name); name != "" && name != comm.Name {
		comm.Name = name
		changed = true
	}
	if icon, set := optionalString(f.Icon); set && icon != comm.IconRef {
		comm.IconRef = icon
		changed = true
	}
	if !changed {
		return
	}
	h.markDirty()
	h.router.BroadcastCommunity(comm.ID, newEvent("server_updated",
		"serverId", comm.ID,
		"name", comm.Name,
		"icon", comm.IconRef,
	), "")
}

// deleteCommunity notifies every member and then removes the community with
// its voice presences and invites.
func (h *Hub) deleteCommunity(comm *Community) {
	h.router.BroadcastCommunity(comm.ID, newEvent("server_deleted", "serverId", comm.ID), "")
	h.dropVoice(comm.ID, "")
	h.store.RemoveCommunity(comm.ID)
	h.markDirty()
}

func (h *Hub) handleDeleteServer(c *Client, f *Frame) {
	comm := h.store.Community(f.ServerID)
	if comm == nil || comm.OwnerID != c.accountID {
		return
	}
	h.deleteCommunity(comm)
	h.logger.Info("community deleted", zap.String("server", comm.ID), zap.String("by", c.accountID))
}

func (h *Hub) handleLeaveServer(c *Client, f *Frame) {
	me := c.accountID
	comm := h.memberCommunity(f.ServerID, me)
	if comm == nil || comm.OwnerID == me {
		return
	}
	h.leaveVoiceIn(comm.ID, me)
	comm.RemoveMember(me)
	h.markDirty()
	h.router.Send(me, newEvent("server_left", "serverId", comm.ID))
	h.router.BroadcastCommunity(comm.ID, newEvent("member_left", "serverId", comm.ID, "userId", me), "")
}

func (h *Hub) handleServerMembers(c *Client, f *Frame) {
	comm := h.memberCommunity(f.ServerID, c.accountID)
	if comm == nil {
		return
	}
	members := make([]memberView, 0, len(comm.Members))
	for _, id := range comm.MemberIDs() {
		if v, ok := h.memberView(comm, id); ok {
			members = append(members, v)
		}
	}
	h.router.SendClient(c, newEvent("server_members", "serverId", comm.ID, "members", members))
}

func (h *Hub) handleCreateChannel(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermManageChannels)
	if comm == nil {
		return
	}
	name := cleanName(f.Name)
	if name == "" {
		return
	}
	var view channelView
	if f.IsVoice {
		ch := &VoiceChannel{ID: newID(), Name: name, Temporary: f.IsTemporary}
		comm.VoiceChannels = append(comm.VoiceChannels, ch)
		view = channelViewOf(ch.ID, ch.Name, ch.Temporary)
	} else {
		ch := h.store.NewTextChannel(name, false)
		comm.TextChannels = append(comm.TextChannels, ch)
		view = channelViewOf(ch.ID, ch.Name, false)
	}
	h.markDirty()
	h.router.BroadcastCommunity(comm.ID, newEvent("channel_created",
		"serverId", comm.ID,
		"channel", view,
		"isVoice", f.IsVoice,
	), "")
}

func (h *Hub) handleUpdateChannel(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermManageChannels)
	if comm == nil {
		return
	}
	name := cleanName(f.Name)
	if name == "" {
		return
	}
	if f.IsVoice {
		ch := comm.VoiceChannel(f.ChannelID)
		if ch == nil {
			return
		}
		ch.Name = name
	} else {
		ch := comm.TextChannel(f.ChannelID)
		if ch == nil {
			return
		}
		ch.Name = name
	}
	h.markDirty()
	h.router.BroadcastCommunity(comm.ID, newEvent("channel_updated",
		"serverId", comm.ID,
		"channelId", f.ChannelID,
		"name", name,
		"isVoice", f.IsVoice,
	), "")
}

func (h *Hub) handleDeleteChannel(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermManageChannels)
	if comm == nil {
		return
	}
	if f.IsVoice {
		if comm.VoiceChannel(f.ChannelID) == nil {
			return
		}
		h.dropVoice(comm.ID, f.ChannelID)
		comm.RemoveVoiceChannel(f.ChannelID)
	} else if !comm.RemoveTextChannel(f.ChannelID) {
		return
	}
	h.markDirty()
	h.router.BroadcastCommunity(comm.ID, newEvent("channel_deleted",
		"serverId", comm.ID,
		"channelId", f.ChannelID,
		"isVoice", f.IsVoice,
	), "")
}

// handleRemoveMember implements kick_member and ban_member.
func (h *Hub) handleRemoveMember(c *Client, f *Frame, ban bool) {
	perm := PermKick
	if ban {
		perm = PermBan
	}
	comm := h.permitted(f.ServerID, c.accountID, perm)
	if comm == nil {
		return
	}
	target := f.MemberID
	if target == "" || target == comm.OwnerID || target == c.accountID {
		return
	}
	wasMember := comm.IsMember(target)
	if !ban && !wasMember {
		return
	}
	if ban && (h.store.Account(target) == nil || comm.IsBanned(target)) {
		return
	}

	if wasMember {
		h.leaveVoiceIn(comm.ID, target)
		comm.RemoveMember(target)
	}
	if ban {
		comm.Banned[target] = struct{}{}
	}
	h.markDirty()

	if ban {
		if wasMember {
			h.router.Send(target, newEvent("server_left", "serverId", comm.ID, "banned", true))
		}
		h.router.BroadcastCommunity(comm.ID, newEvent("member_banned", "serverId", comm.ID, "userId", target), "")
		return
	}
	h.router.Send(target, newEvent("server_left", "serverId", comm.ID, "kicked", true))
	h.router.BroadcastCommunity(comm.ID, newEvent("member_left", "serverId", comm.ID, "userId", target), "")
}

// newInviteCode is eight lowercase hex characters.
func newInviteCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (h *Hub) handleCreateInvite(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermCreateInvite)
	if comm == nil {
		return
	}
	var code string
	for {
		var err error
		if code, err = newInviteCode(); err != nil {
			h.logger.Error("failed to generate invite code", zap.Error(err))
			return
		}
		if h.store.Invite(code) == nil {
			break
		}
	}
	h.store.AddInvite(&Invite{Code: code, CommunityID: comm.ID, CreatedBy: c.accountID, CreatedAt: h.clock.Now()})
	h.markDirty()
	h.router.SendClient(c, newEvent("invite_created", "code", code, "serverId", comm.ID))
}

func (h *Hub) handleUseInvite(c *Client, f *Frame) {
	me := c.accountID
	inv := h.store.Invite(f.Code)
	var comm *Community
	if inv != nil {
		comm = h.store.Community(inv.CommunityID)
	}
	if comm == nil {
		h.router.SendClient(c, newEvent("invite_error", "message", "invalid invite code"))
		return
	}
	if comm.IsBanned(me) {
		h.router.SendClient(c, newEvent("invite_error", "message", "you are banned from this server"))
		return
	}
	if comm.IsMember(me) {
		h.router.SendClient(c, newEvent("server_joined", "serverId", comm.ID, "server", h.communityView(comm, me)))
		return
	}

	comm.AddMember(me)
	h.markDirty()
	h.router.Send(me, newEvent("server_joined", "serverId", comm.ID, "server", h.communityView(comm, me)))
	if v, ok := h.memberView(comm, me); ok {
		h.router.BroadcastCommunity(comm.ID, newEvent("member_joined", "serverId", comm.ID, "user", v), me)
	}
}

// vanishGuest removes a guest after its last session: owned communities are
// deleted, memberships dropped, then the account itself.
func (h *Hub) vanishGuest(a *Account) {
	for _, comm := range h.store.CommunitiesFor(a.ID) {
		if comm.OwnerID == a.ID {
			h.deleteCommunity(comm)
			continue
		}
		comm.RemoveMember(a.ID)
		h.router.BroadcastCommunity(comm.ID, newEvent("member_left", "serverId", comm.ID, "userId", a.ID), "")
	}
	for _, friend := range h.store.Friends(a.ID) {
		h.router.Send(friend, newEvent("friend_removed", "userId", a.ID))
	}
	h.store.RemoveAccount(a.ID)
	h.logger.Debug("guest removed", zap.String("account", a.ID))
}
