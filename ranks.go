package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// Permission is a bitmap of community capabilities.
type Permission uint64

const (
	PermSendMessages Permission = 1 << iota
	PermManageMessages
	PermManageChannels
	PermKick
	PermBan
	PermManageRoles
	PermManageServer
	PermCreateInvite

	PermAll Permission = ^Permission(0)
)

const wildcardPermission = "*"

var permissionNames = map[string]Permission{
	"send_messages":   PermSendMessages,
	"manage_messages": PermManageMessages,
	"manage_channels": PermManageChannels,
	"kick":            PermKick,
	"ban":             PermBan,
	"manage_roles":    PermManageRoles,
	"manage_server":   PermManageServer,
	"create_invite":   PermCreateInvite,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// CompilePermissions folds permission names into a bitmap. Unknown names are
// skipped.
func CompilePermissions(names []string) Permission {
	var bitmap Permission
	for _, name := range names {
		if name == wildcardPermission {
			return PermAll
		}
		bitmap |= permissionNames[name]
	}
	return bitmap
}

// NormalizePermissions drops unknown names and duplicates and sorts the rest.
func NormalizePermissions(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == wildcardPermission {
			return []string{wildcardPermission}
		}
		if _, ok := permissionNames[name]; ok && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// HasPermission is the single authorization check. The owner is always
// authorized; everyone else goes through their assigned role, or default.
func (s *Store) HasPermission(communityID, accountID string, perm Permission) bool {
	c := s.Community(communityID)
	if c == nil || !c.IsMember(accountID) {
		return false
	}
	if c.OwnerID == accountID {
		return true
	}
	role := c.RoleOf(accountID)
	if role == nil {
		return false
	}
	return CompilePermissions(role.Permissions).Has(perm)
}

//go:embed config/default_roles.json
var defaultRolesJSON []byte

// defaultRoles returns fresh copies of the roles every new community starts with.
func defaultRoles() ([]*Role, error) {
	var roles []*Role
	if err := json.Unmarshal(defaultRolesJSON, &roles); err != nil {
		return nil, fmt.Errorf("failed to parse default roles: %w", err)
	}
	hasDefault := false
	for _, r := range roles {
		r.Permissions = NormalizePermissions(r.Permissions)
		if r.ID == DefaultRoleID {
			hasDefault = true
		}
	}
	if !hasDefault {
		return nil, fmt.Errorf("default roles must include %q", DefaultRoleID)
	}
	return roles, nil
}
