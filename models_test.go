package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(ms []*Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Text)
	}
	return out
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 3; i++ {
		assert.Nil(t, h.Push(&Message{ID: fmt.Sprint(i), Text: fmt.Sprint("m", i)}))
	}
	evicted := h.Push(&Message{ID: "3", Text: "m3"})
	require.NotNil(t, evicted)
	assert.Equal(t, "0", evicted.ID)
	assert.Equal(t, []string{"m1", "m2", "m3"}, texts(h.Items()))

	assert.NotNil(t, h.Find("2"))
	assert.Nil(t, h.Find("0"))

	removed := h.Remove("2")
	require.NotNil(t, removed)
	assert.Equal(t, []string{"m1", "m3"}, texts(h.Items()))
	assert.Nil(t, h.Remove("2"))

	h.Push(&Message{ID: "4", Text: "m4"})
	h.Push(&Message{ID: "5", Text: "m5"})
	assert.Equal(t, []string{"m3", "m4", "m5"}, texts(h.Items()))
}

func TestHistoryDefaultCapacity(t *testing.T) {
	assert.Equal(t, minHistoryCapacity, NewHistory(0).Cap())
}

func TestFlagRepliesDeletedIsIdempotent(t *testing.T) {
	h := NewHistory(10)
	h.Push(&Message{ID: "a"})
	h.Push(&Message{ID: "b", ReplyTo: &ReplyRef{ID: "a"}})
	h.Push(&Message{ID: "c", ReplyTo: &ReplyRef{ID: "a"}})
	h.Push(&Message{ID: "d", ReplyTo: &ReplyRef{ID: "b"}})

	assert.Equal(t, 2, h.FlagRepliesDeleted("a"))
	assert.Equal(t, 0, h.FlagRepliesDeleted("a"))
	assert.False(t, h.Find("d").ReplyTo.Deleted)
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := &Message{ID: "m", ReplyTo: &ReplyRef{ID: "r"}, Attachments: []Attachment{{URL: "u"}}}
	m.addReaction("👍", "alice")

	c := m.clone()
	c.ReplyTo.Deleted = true
	c.Attachments[0].URL = "changed"
	c.addReaction("👍", "bob")

	assert.False(t, m.ReplyTo.Deleted)
	assert.Equal(t, "u", m.Attachments[0].URL)
	assert.Equal(t, []string{"alice"}, m.Reactions["👍"])
}

func TestCommunityMembershipAndRoles(t *testing.T) {
	roles, err := defaultRoles()
	require.NoError(t, err)
	c := &Community{
		ID: "c", OwnerID: "owner",
		Members:     map[string]struct{}{"owner": {}},
		MemberRoles: map[string]string{},
		Banned:      map[string]struct{}{},
		Roles:       append(roles, &Role{ID: "mod", Name: "Mod"}),
	}

	c.AddMember("owner")
	assert.NotContains(t, c.MemberRoles, "owner")

	c.AddMember("bob")
	assert.Equal(t, DefaultRoleID, c.RoleOf("bob").ID)

	c.MemberRoles["bob"] = "gone"
	assert.Equal(t, DefaultRoleID, c.RoleOf("bob").ID, "dangling assignment falls back to default")

	c.MemberRoles["bob"] = "mod"
	reassigned, ok := c.RemoveRole("mod")
	assert.True(t, ok)
	assert.Equal(t, []string{"bob"}, reassigned)
	assert.Equal(t, DefaultRoleID, c.MemberRoles["bob"])

	_, ok = c.RemoveRole(DefaultRoleID)
	assert.False(t, ok)

	c.RemoveMember("bob")
	assert.False(t, c.IsMember("bob"))
	assert.NotContains(t, c.MemberRoles, "bob")
	assert.Equal(t, []string{"owner"}, c.MemberIDs())
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusOnline, StatusIdle, StatusDND, StatusInvisible, StatusOffline} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("away").Valid())
}
