package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleLifecycle(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")
	bob := x.register("bob")
	serverID, _, _ := x.community(alice, "club")
	x.join(alice, bob, serverID)

	x.send(alice, "create_role", "serverId", serverID, "name", "Mod",
		"permissions", []string{"kick", "manage_messages", "bogus", "kick"})
	role := obj(bob.must("role_created")["role"])
	roleID := role["id"].(string)
	assert.Equal(t, defaultRoleColor, role["color"])
	assert.Equal(t, []any{"kick", "manage_messages"}, role["permissions"])
	assert.Equal(t, float64(1), role["position"])

	x.send(alice, "assign_role", "serverId", serverID, "memberId", bob.userID, "roleId", roleID)
	ev := bob.must("role_assigned")
	assert.Equal(t, bob.userID, ev["memberId"])
	assert.True(t, x.store.HasPermission(serverID, bob.userID, PermKick))
	assert.False(t, x.store.HasPermission(serverID, bob.userID, PermSendMessages))

	x.send(alice, "update_role", "serverId", serverID, "roleId", roleID, "color", "#ff0000")
	updated := obj(bob.must("role_updated")["role"])
	assert.Equal(t, "#ff0000", updated["color"])
	assert.Equal(t, []any{"kick", "manage_messages"}, updated["permissions"])

	x.send(alice, "delete_role", "serverId", serverID, "roleId", roleID)
	del := bob.must("role_deleted")
	assert.Equal(t, []any{bob.userID}, del["reassigned"])
	assert.Equal(t, DefaultRoleID, x.store.Community(serverID).MemberRoles[bob.userID])
	assert.True(t, x.store.HasPermission(serverID, bob.userID, PermSendMessages))

	t.Run("default role is permanent", func(t *testing.T) {
		x.send(alice, "delete_role", "serverId", serverID, "roleId", DefaultRoleID)
		bob.none("role_deleted")
		assert.NotNil(t, x.store.Community(serverID).Role(DefaultRoleID))
	})
}

func TestRoleManagersCannotEscalate(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")
	bob := x.register("bob")
	carol := x.register("carol")
	serverID, _, _ := x.community(alice, "club")
	x.join(alice, bob, serverID)
	x.join(alice, carol, serverID)

	x.send(alice, "create_role", "serverId", serverID, "name", "Admin", "permissions", []string{"*"})
	adminID := obj(alice.must("role_created")["role"])["id"].(string)
	x.send(alice, "create_role", "serverId", serverID, "name", "Roles",
		"permissions", []string{"manage_roles", "send_messages"})
	managerID := obj(alice.must("role_created")["role"])["id"].(string)
	x.send(alice, "assign_role", "serverId", serverID, "memberId", bob.userID, "roleId", managerID)
	alice.reset()

	x.send(bob, "create_role", "serverId", serverID, "name", "Sneaky", "permissions", []string{"ban"})
	alice.none("role_created")

	x.send(bob, "assign_role", "serverId", serverID, "memberId", carol.userID, "roleId", adminID)
	alice.none("role_assigned")

	x.send(bob, "update_role", "serverId", serverID, "roleId", managerID, "permissions", []string{"*"})
	alice.none("role_updated")

	x.send(bob, "assign_role", "serverId", serverID, "memberId", bob.userID, "roleId", DefaultRoleID)
	alice.none("role_assigned")

	x.send(bob, "create_role", "serverId", serverID, "name", "Chatter", "permissions", []string{"send_messages"})
	alice.must("role_created")

	x.send(bob, "assign_role", "serverId", serverID, "memberId", alice.userID, "roleId", DefaultRoleID)
	alice.none("role_assigned")
	require.NotContains(t, x.store.Community(serverID).MemberRoles, alice.userID)
}

func TestRefusedRoleUpdateChangesNothing(t *testing.T) {
	x := newHarness(t)
	alice := x.register("alice")
	bob := x.register("bob")
	serverID, _, _ := x.community(alice, "club")
	x.join(alice, bob, serverID)

	x.send(alice, "create_role", "serverId", serverID, "name", "Roles", "permissions", []string{"manage_roles"})
	managerID := obj(alice.must("role_created")["role"])["id"].(string)
	x.send(alice, "create_role", "serverId", serverID, "name", "Target", "color", "#123456",
		"permissions", []string{"send_messages"})
	targetID := obj(alice.must("role_created")["role"])["id"].(string)
	x.send(alice, "assign_role", "serverId", serverID, "memberId", bob.userID, "roleId", managerID)
	alice.reset()

	x.send(bob, "update_role", "serverId", serverID, "roleId", targetID,
		"name", "Hijacked", "color", "#000000", "permissions", []string{"ban"})
	alice.none("role_updated")
	role := x.store.Community(serverID).Role(targetID)
	assert.Equal(t, "Target", role.Name)
	assert.Equal(t, "#123456", role.Color)
	assert.Equal(t, []string{"send_messages"}, role.Permissions)
}

func TestRoleColorValidation(t *testing.T) {
	assert.Equal(t, "#a1B2c3", roleColor("#a1B2c3", defaultRoleColor))
	assert.Equal(t, defaultRoleColor, roleColor("red", defaultRoleColor))
	assert.Equal(t, "#000000", roleColor("", "#000000"))
}
