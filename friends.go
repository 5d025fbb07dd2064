package main

func (h *Hub) friendError(c *Client, message string) {
	h.router.SendClient(c, newEvent("friend_error", "message", message))
}

// handleFriendRequest finds the target by id or display name. A pending
// request in the other direction is accepted instead.
func (h *Hub) handleFriendRequest(c *Client, f *Frame) {
	me := h.store.Account(c.accountID)
	if me == nil {
		return
	}
	var target *Account
	switch {
	case f.To != "":
		target = h.store.Account(f.To)
	case f.Name != "":
		target = h.store.AccountByName(f.Name)
	}
	switch {
	case target == nil:
		h.friendError(c, "user not found")
		return
	case target.ID == me.ID:
		h.friendError(c, "you cannot add yourself")
		return
	case h.store.AreFriends(me.ID, target.ID):
		h.friendError(c, "already friends")
		return
	case h.store.HasRequest(me.ID, target.ID):
		h.friendError(c, "friend request already sent")
		return
	}

	if h.store.HasRequest(target.ID, me.ID) {
		h.acceptFriend(me, target)
		return
	}
	h.store.AddRequest(me.ID, target.ID)
	h.markDirty()
	h.router.Send(target.ID, newEvent("friend_request_incoming", "from", me.ID, "user", h.publicView(me)))
	h.router.Send(me.ID, newEvent("friend_request_sent", "to", target.ID, "user", h.publicView(target)))
}

// acceptFriend turns the request from requester to me into a friendship.
func (h *Hub) acceptFriend(me, requester *Account) {
	h.store.RemoveRequest(requester.ID, me.ID)
	h.store.RemoveRequest(me.ID, requester.ID)
	h.store.AddFriendship(me.ID, requester.ID)
	h.markDirty()
	h.router.Send(me.ID, newEvent("friend_added", "user", h.publicView(requester)))
	h.router.Send(requester.ID, newEvent("friend_added", "user", h.publicView(me)))
}

func (h *Hub) handleFriendAccept(c *Client, f *Frame) {
	me := h.store.Account(c.accountID)
	from := h.store.Account(f.From)
	if me == nil || from == nil || !h.store.HasRequest(from.ID, me.ID) {
		return
	}
	h.acceptFriend(me, from)
}

func (h *Hub) handleFriendReject(c *Client, f *Frame) {
	if h.store.RemoveRequest(f.From, c.accountID) {
		h.markDirty()
	}
}

func (h *Hub) handleFriendRemove(c *Client, f *Frame) {
	other := f.UserID
	if !h.store.RemoveFriendship(c.accountID, other) {
		return
	}
	h.markDirty()
	h.router.Send(c.accountID, newEvent("friend_removed", "userId", other))
	h.router.Send(other, newEvent("friend_removed", "userId", c.accountID))
}

func (h *Hub) handleGetFriends(c *Client) {
	h.router.SendClient(c, newEvent("friends_list",
		"friends", h.userViews(h.store.Friends(c.accountID)),
		"requests", h.userViews(h.store.IncomingRequests(c.accountID)),
	))
}
