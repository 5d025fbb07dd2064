package main

import (
	"regexp"

	"go.uber.org/zap"
)

const defaultRoleColor = "#99aab5"

var roleColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func roleColor(color, fallback string) string {
	if roleColorPattern.MatchString(color) {
		return color
	}
	return fallback
}

// grantable reports whether accountID may hand out every permission in names.
// Only the owner may grant what its own role does not carry.
func (h *Hub) grantable(c *Community, accountID string, names []string) bool {
	if c.OwnerID == accountID {
		return true
	}
	r := c.RoleOf(accountID)
	if r == nil {
		return false
	}
	held := CompilePermissions(r.Permissions)
	return held.Has(CompilePermissions(names))
}

func (h *Hub) handleCreateRole(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermManageRoles)
	if comm == nil {
		return
	}
	name := cleanName(f.Name)
	if name == "" {
		return
	}
	perms := NormalizePermissions(f.Permissions)
	if !h.grantable(comm, c.accountID, perms) {
		h.logger.Debug("role grant above own permissions", zap.String("server", comm.ID), zap.String("account", c.accountID))
		return
	}
	role := &Role{
		ID:          newID(),
		Name:        name,
		Color:       roleColor(f.Color, defaultRoleColor),
		Position:    len(comm.Roles),
		Permissions: perms,
	}
	comm.Roles = append(comm.Roles, role)
	h.markDirty()
	h.router.BroadcastCommunity(comm.ID, newEvent("role_created", "serverId", comm.ID, "role", role), "")
}

func (h *Hub) handleUpdateRole(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermManageRoles)
	if comm == nil {
		return
	}
	role := comm.Role(f.RoleID)
	if role == nil {
		return
	}
	name := role.Name
	if n := cleanName(f.Name); n != "" {
		name = n
	}
	perms := role.Permissions
	if f.Permissions != nil {
		perms = NormalizePermissions(f.Permissions)
		if !h.grantable(comm, c.accountID, perms) {
			return
		}
	}
	role.Name = name
	role.Color = roleColor(f.Color, role.Color)
	role.Permissions = perms
	h.markDirty()
	h.router.BroadcastCommunity(comm.ID, newEvent("role_updated", "serverId", comm.ID, "role", role), "")
}

func (h *Hub) handleDeleteRole(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermManageRoles)
	if comm == nil {
		return
	}
	reassigned, ok := comm.RemoveRole(f.RoleID)
	if !ok {
		return
	}
	for i, r := range comm.Roles {
		r.Position = i
	}
	if reassigned == nil {
		reassigned = []string{}
	}
	h.markDirty()
	h.router.BroadcastCommunity(comm.ID, newEvent("role_deleted",
		"serverId", comm.ID,
		"roleId", f.RoleID,
		"reassigned", reassigned,
	), "")
}

func (h *Hub) handleAssignRole(c *Client, f *Frame) {
	comm := h.permitted(f.ServerID, c.accountID, PermManageRoles)
	if comm == nil {
		return
	}
	target := f.MemberID
	if target == comm.OwnerID || !comm.IsMember(target) {
		return
	}
	role := comm.Role(f.RoleID)
	if role == nil || !h.grantable(comm, c.accountID, role.Permissions) {
		return
	}
	// nobody reassigns themselves; the owner has no role to change
	if target == c.accountID {
		return
	}
	comm.MemberRoles[target] = role.ID
	h.markDirty()
	h.router.BroadcastCommunity(comm.ID, newEvent("role_assigned",
		"serverId", comm.ID,
		"memberId", target,
		"roleId", role.ID,
	), "")
}
