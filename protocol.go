package main

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// ActionKind is the closed set of client frame types.
type ActionKind int

const (
	ActionUnknown ActionKind = iota

	// Auth and liveness
	ActionRegister
	ActionLogin
	ActionGuestLogin
	ActionResume
	ActionPing

	// Messages
	ActionMessage
	ActionEditMessage
	ActionDeleteMessage
	ActionAddReaction
	ActionRemoveReaction
	ActionTyping
	ActionSearchMessages
	ActionForwardMessage
	ActionDM
	ActionGetDMHistory

	// Communities
	ActionCreateServer
	ActionUpdateServer
	ActionDeleteServer
	ActionLeaveServer
	ActionGetServerMembers
	ActionCreateChannel
	ActionUpdateChannel
	ActionDeleteChannel
	ActionCreateRole
	ActionUpdateRole
	ActionDeleteRole
	ActionAssignRole
	ActionKickMember
	ActionBanMember
	ActionCreateInvite
	ActionUseInvite

	// Friends and profile
	ActionFriendRequest
	ActionFriendAccept
	ActionFriendReject
	ActionFriendRemove
	ActionGetFriends
	ActionUpdateProfile
	ActionUpdateSettings

	// Voice and calls
	ActionVoiceJoin
	ActionVoiceLeave
	ActionVoiceMute
	ActionVoiceVideo
	ActionVoiceScreen
	ActionVoiceSignal
	ActionCallStart
	ActionCallAccept
	ActionCallReject
	ActionCallEnd
	ActionCallSignal

	actionCount
)

var actionNames = [actionCount]string{
	ActionUnknown:          "unknown",
	ActionRegister:         "register",
	ActionLogin:            "login",
	ActionGuestLogin:       "guest_login",
	ActionResume:           "resume",
	ActionPing:             "ping",
	ActionMessage:          "message",
	ActionEditMessage:      "edit_message",
	ActionDeleteMessage:    "delete_message",
	ActionAddReaction:      "add_reaction",
	ActionRemoveReaction:   "remove_reaction",
	ActionTyping:           "typing",
	ActionSearchMessages:   "search_messages",
	ActionForwardMessage:   "forward_message",
	ActionDM:               "dm",
	ActionGetDMHistory:     "get_dm_history",
	ActionCreateServer:     "create_server",
	ActionUpdateServer:     "update_server",
	ActionDeleteServer:     "delete_server",
	ActionLeaveServer:      "leave_server",
	ActionGetServerMembers: "get_server_members",
	ActionCreateChannel:    "create_channel",
	ActionUpdateChannel:    "update_channel",
	ActionDeleteChannel:    "delete_channel",
	ActionCreateRole:       "create_role",
	ActionUpdateRole:       "update_role",
	ActionDeleteRole:       "delete_role",
	ActionAssignRole:       "assign_role",
	ActionKickMember:       "kick_member",
	ActionBanMember:        "ban_member",
	ActionCreateInvite:     "create_invite",
	ActionUseInvite:        "use_invite",
	ActionFriendRequest:    "friend_request",
	ActionFriendAccept:     "friend_accept",
	ActionFriendReject:     "friend_reject",
	ActionFriendRemove:     "friend_remove",
	ActionGetFriends:       "get_friends",
	ActionUpdateProfile:    "update_profile",
	ActionUpdateSettings:   "update_settings",
	ActionVoiceJoin:        "voice_join",
	ActionVoiceLeave:       "voice_leave",
	ActionVoiceMute:        "voice_mute",
	ActionVoiceVideo:       "voice_video",
	ActionVoiceScreen:      "voice_screen",
	ActionVoiceSignal:      "voice_signal",
	ActionCallStart:        "call_start",
	ActionCallAccept:       "call_accept",
	ActionCallReject:       "call_reject",
	ActionCallEnd:          "call_end",
	ActionCallSignal:       "call_signal",
}

var actionsByName = func() map[string]ActionKind {
	m := make(map[string]ActionKind, actionCount)
	for k := ActionKind(1); k < actionCount; k++ {
		m[actionNames[k]] = k
	}
	return m
}()

func ParseAction(name string) ActionKind {
	return actionsByName[name]
}

func (a ActionKind) String() string {
	if a < 0 || a >= actionCount {
		return actionNames[ActionUnknown]
	}
	return actionNames[a]
}

// isAuth reports whether the action establishes an identity.
func (a ActionKind) isAuth() bool {
	switch a {
	case ActionRegister, ActionLogin, ActionGuestLogin, ActionResume:
		return true
	}
	return false
}

// peekAction reads the type field without decoding the whole frame.
func peekAction(raw []byte) (ActionKind, string) {
	name := gjson.GetBytes(raw, "type").String()
	return ParseAction(name), name
}

// Frame is the union of every client frame. Handlers read the fields their
// action defines and ignore the rest.
type Frame struct {
	Type string `json:"type"`

	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Token    string `json:"token"`

	ServerID  string `json:"serverId"`
	Channel   string `json:"channel"`
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	DMWith    string `json:"dmWith"`

	Text        string          `json:"text"`
	Attachments []Attachment    `json:"attachments"`
	ReplyTo     json.RawMessage `json:"replyTo"`
	Emoji       string          `json:"emoji"`
	Query       string          `json:"query"`

	Icon   json.RawMessage `json:"icon"`
	Avatar json.RawMessage `json:"avatar"`

	IsVoice     bool `json:"isVoice"`
	IsTemporary bool `json:"isTemporary"`
	Temporary   bool `json:"temporary"`

	RoleID      string   `json:"roleId"`
	Color       string   `json:"color"`
	Permissions []string `json:"permissions"`
	MemberID    string   `json:"memberId"`
	Code        string   `json:"code"`

	To     string `json:"to"`
	From   string `json:"from"`
	UserID string `json:"userId"`
	// older clients name the peer oderId in dm history requests
	OderID string `json:"oderId"`

	Status       string          `json:"status"`
	CustomStatus *string         `json:"customStatus"`
	Settings     map[string]any  `json:"settings"`
	Muted        *bool           `json:"muted"`
	Video        *bool           `json:"video"`
	Screen       *bool           `json:"screen"`
	Signal       json.RawMessage `json:"signal"`
	CallType     string          `json:"callType"`

	TargetType        string `json:"targetType"`
	TargetID          string `json:"targetId"`
	TargetServerID    string `json:"targetServerId"`
	OriginalServerID  string `json:"originalServerId"`
	OriginalChannelID string `json:"originalChannelId"`
}

func decodeFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, err
	}
	return f, nil
}

// channelRef accepts both spellings clients use for the text channel id.
func (f *Frame) channelRef() string {
	if f.ChannelID != "" {
		return f.ChannelID
	}
	return f.Channel
}

// replyTarget accepts {"id": "..."} or a bare id string.
func (f *Frame) replyTarget() string {
	if len(f.ReplyTo) == 0 {
		return ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(f.ReplyTo, &obj); err == nil {
		return obj.ID
	}
	var id string
	if err := json.Unmarshal(f.ReplyTo, &id); err == nil {
		return id
	}
	return ""
}

// optionalString distinguishes an absent field (set=false) from null or a
// string (set=true, null clears to "").
func optionalString(raw json.RawMessage) (value string, set bool) {
	if len(raw) == 0 {
		return "", false
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Event is a server to client frame. The "type" key is always set.
type Event map[string]any

func newEvent(kind string, kv ...any) Event {
	e := Event{"type": kind}
	for i := 0; i+1 < len(kv); i += 2 {
		e[kv[i].(string)] = kv[i+1]
	}
	return e
}

func (e Event) Kind() string {
	s, _ := e["type"].(string)
	return s
}

// --- views ---

type userView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Avatar       string `json:"avatar,omitempty"`
	Status       Status `json:"status"`
	CustomStatus string `json:"customStatus,omitempty"`
	Guest        bool   `json:"isGuest,omitempty"`
}

type memberView struct {
	userView
	Role    string `json:"role"`
	IsOwner bool   `json:"isOwner"`
}

type channelView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Temporary bool   `json:"isTemporary"`
}

type communityView struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Icon          string                 `json:"icon,omitempty"`
	OwnerID       string                 `json:"ownerId"`
	Channels      []channelView          `json:"channels"`
	VoiceChannels []channelView          `json:"voiceChannels"`
	Messages      map[string][]*Message  `json:"messages"`
	Members       []string               `json:"members"`
	Roles         []*Role                `json:"roles"`
	MemberRoles   map[string]string      `json:"memberRoles"`
	VoiceUsers    map[string][]voiceUser `json:"voiceUsers"`
	IsMember      bool                   `json:"isMember"`
}

type voiceUser struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Avatar        string `json:"avatar,omitempty"`
	Muted         bool   `json:"muted"`
	VideoEnabled  bool   `json:"video"`
	ScreenSharing bool   `json:"screen"`
}

func channelViewOf(id, name string, temp bool) channelView {
	return channelView{ID: id, Name: name, Temporary: temp}
}

// searchHit is one search_results entry.
type searchHit struct {
	ChannelID   string   `json:"channelId"`
	ChannelName string   `json:"channelName"`
	Message     *Message `json:"message"`
}

func sortedHits(hits []searchHit) []searchHit {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Message.CreatedAt.After(hits[j].Message.CreatedAt)
	})
	return hits
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
