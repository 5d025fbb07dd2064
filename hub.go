package main

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var ErrHubStopped = errors.New("hub stopped")

type commandKind int

const (
	cmdOpen commandKind = iota
	cmdFrame
	cmdClose
	cmdLoginVerified
	cmdSnapshot
	cmdAvatar
)

type command struct {
	kind   commandKind
	client *Client
	connID string

	action ActionKind
	frame  *Frame

	// register: the credential hash is computed before the frame reaches the hub
	hash    string
	hashErr error

	login    *loginResult
	force    bool
	snapshot chan<- *Snapshot
	avatar   *avatarChange
}

// Hub owns every piece of domain and session state. All of it is touched
// from the Run goroutine only, one command at a time.
type Hub struct {
	store     *Store
	registry  *Registry
	sessions  *SessionStore
	router    *Router
	voice     *VoiceState
	calls     map[string]*Call
	tokens    *TokenIssuer
	publisher *EventPublisher
	metrics   *Metrics
	clock     clock.Clock
	logger    *zap.Logger

	hashCost int
	inbound  chan command
	done     chan struct{}
	dirty    bool

	// submitters hold gate for reading; stop takes it for writing so nothing
	// lands in inbound after the final drain
	gate     sync.RWMutex
	stopping chan struct{}
	stopped  bool
}

func NewHub(cfg *Config, store *Store, tokens *TokenIssuer, publisher *EventPublisher, metrics *Metrics, clk clock.Clock, logger *zap.Logger) *Hub {
	registry := NewRegistry()
	logger = logger.With(zap.String("component", "hub"))
	return &Hub{
		store:     store,
		registry:  registry,
		sessions:  NewSessionStore(),
		router:    NewRouter(registry, store, cfg.Presence.Scope, metrics, logger),
		voice:     NewVoiceState(),
		calls:     make(map[string]*Call),
		tokens:    tokens,
		publisher: publisher,
		metrics:   metrics,
		clock:     clk,
		logger:    logger,
		hashCost:  cfg.Auth.HashCost,
		inbound:   make(chan command, cfg.Server.InboundBuffer),
		done:      make(chan struct{}),
		stopping:  make(chan struct{}),
	}
}

// Run processes commands until ctx is cancelled. Every live connection is
// released on the way out.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.stop()
			h.logger.Info("hub stopped")
			return
		case cmd := <-h.inbound:
			h.step(cmd)
		}
	}
}

// Done is closed after Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) stop() {
	for _, c := range h.registry.All() {
		c.shutdown()
	}
	close(h.stopping)
	h.gate.Lock()
	defer h.gate.Unlock()
	h.stopped = true
	for {
		select {
		case cmd := <-h.inbound:
			if cmd.kind == cmdOpen {
				cmd.client.shutdown()
			}
		default:
			return
		}
	}
}

// submit hands a command to the hub. It fails once the hub is stopping.
func (h *Hub) submit(ctx context.Context, cmd command) bool {
	h.gate.RLock()
	defer h.gate.RUnlock()
	if h.stopped {
		return false
	}
	select {
	case h.inbound <- cmd:
		return true
	case <-h.stopping:
		return false
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// HandleFrame parses a raw client frame and queues it. Unknown types never
// reach the hub.
func (h *Hub) HandleFrame(ctx context.Context, connID string, raw []byte) {
	action, name := peekAction(raw)
	if action == ActionUnknown {
		h.metrics.Frames.WithLabelValues(ActionUnknown.String()).Inc()
		h.logger.Debug("ignoring unknown frame", zap.String("conn", connID), zap.String("type", name))
		return
	}
	h.metrics.Frames.WithLabelValues(action.String()).Inc()

	frame, err := decodeFrame(raw)
	if err != nil {
		h.logger.Debug("ignoring malformed frame", zap.String("conn", connID), zap.String("type", name), zap.Error(err))
		return
	}
	cmd := command{kind: cmdFrame, connID: connID, action: action, frame: frame}
	if action == ActionRegister && frame.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(frame.Password), h.hashCost)
		cmd.hash, cmd.hashErr = string(hash), err
	}
	h.submit(ctx, cmd)
}

// RequestSnapshot returns a copy of the durable state, or nil when nothing
// changed since the last one and force is unset.
func (h *Hub) RequestSnapshot(ctx context.Context, force bool) (*Snapshot, error) {
	reply := make(chan *Snapshot, 1)
	if !h.submit(ctx, command{kind: cmdSnapshot, force: force, snapshot: reply}) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrHubStopped
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) step(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panic",
				zap.Any("panic", r),
				zap.String("action", cmd.action.String()),
				zap.Stack("stack"))
		}
	}()

	switch cmd.kind {
	case cmdOpen:
		h.registry.Register(cmd.client)
		h.metrics.Connections.Set(float64(h.registry.Len()))
		cmd.client.logger.Debug("connection opened")
	case cmdFrame:
		if c := h.registry.Client(cmd.connID); c != nil {
			h.dispatch(c, cmd)
		}
	case cmdClose:
		h.handleClose(cmd.connID)
	case cmdLoginVerified:
		h.finishLogin(cmd.connID, cmd.login)
	case cmdSnapshot:
		if !h.dirty && !cmd.force {
			cmd.snapshot <- nil
			return
		}
		h.dirty = false
		cmd.snapshot <- h.store.Snapshot()
	case cmdAvatar:
		cmd.avatar.reply <- h.applyAvatar(cmd.avatar.accountID, cmd.avatar.ref)
	}
}

// markDirty is the persistence save hook.
func (h *Hub) markDirty() { h.dirty = true }

func (h *Hub) dispatch(c *Client, cmd command) {
	f := cmd.frame
	if c.accountID == "" && !cmd.action.isAuth() && cmd.action != ActionPing {
		return
	}

	switch cmd.action {
	case ActionRegister:
		h.handleRegister(c, f, cmd.hash, cmd.hashErr)
	case ActionLogin:
		h.handleLogin(c, f)
	case ActionGuestLogin:
		h.handleGuestLogin(c)
	case ActionResume:
		h.handleResume(c, f)
	case ActionPing:
		h.router.SendClient(c, newEvent("pong"))

	case ActionMessage:
		h.handleMessage(c, f)
	case ActionEditMessage:
		h.handleEditMessage(c, f)
	case ActionDeleteMessage:
		h.handleDeleteMessage(c, f)
	case ActionAddReaction:
		h.handleReaction(c, f, true)
	case ActionRemoveReaction:
		h.handleReaction(c, f, false)
	case ActionTyping:
		h.handleTyping(c, f)
	case ActionSearchMessages:
		h.handleSearch(c, f)
	case ActionForwardMessage:
		h.handleForward(c, f)
	case ActionDM:
		h.handleDM(c, f)
	case ActionGetDMHistory:
		h.handleDMHistory(c, f)

	case ActionCreateServer:
		h.handleCreateServer(c, f)
	case ActionUpdateServer:
		h.handleUpdateServer(c, f)
	case ActionDeleteServer:
		h.handleDeleteServer(c, f)
	case ActionLeaveServer:
		h.handleLeaveServer(c, f)
	case ActionGetServerMembers:
		h.handleServerMembers(c, f)
	case ActionCreateChannel:
		h.handleCreateChannel(c, f)
	case ActionUpdateChannel:
		h.handleUpdateChannel(c, f)
	case ActionDeleteChannel:
		h.handleDeleteChannel(c, f)
	case ActionCreateRole:
		h.handleCreateRole(c, f)
	case ActionUpdateRole:
		h.handleUpdateRole(c, f)
	case ActionDeleteRole:
		h.handleDeleteRole(c, f)
	case ActionAssignRole:
		h.handleAssignRole(c, f)
	case ActionKickMember:
		h.handleRemoveMember(c, f, false)
	case ActionBanMember:
		h.handleRemoveMember(c, f, true)
	case ActionCreateInvite:
		h.handleCreateInvite(c, f)
	case ActionUseInvite:
		h.handleUseInvite(c, f)

	case ActionFriendRequest:
		h.handleFriendRequest(c, f)
	case ActionFriendAccept:
		h.handleFriendAccept(c, f)
	case ActionFriendReject:
		h.handleFriendReject(c, f)
	case ActionFriendRemove:
		h.handleFriendRemove(c, f)
	case ActionGetFriends:
		h.handleGetFriends(c)
	case ActionUpdateProfile:
		h.handleUpdateProfile(c, f)
	case ActionUpdateSettings:
		h.handleUpdateSettings(c, f)

	case ActionVoiceJoin:
		h.handleVoiceJoin(c, f)
	case ActionVoiceLeave:
		h.handleVoiceLeave(c)
	case ActionVoiceMute:
		h.handleVoiceToggle(c, ActionVoiceMute, f.Muted)
	case ActionVoiceVideo:
		h.handleVoiceToggle(c, ActionVoiceVideo, f.Video)
	case ActionVoiceScreen:
		h.handleVoiceToggle(c, ActionVoiceScreen, f.Screen)
	case ActionVoiceSignal:
		h.handleVoiceSignal(c, f)
	case ActionCallStart:
		h.handleCallStart(c, f)
	case ActionCallAccept:
		h.handleCallAccept(c, f)
	case ActionCallReject:
		h.handleCallReject(c, f)
	case ActionCallEnd:
		h.handleCallEnd(c, f)
	case ActionCallSignal:
		h.handleCallSignal(c, f)

	case ActionUnknown, actionCount:
		// filtered in HandleFrame
	}
}

// handleClose runs the disconnect cascade: voice leave for this connection,
// then, on the account's last session, calls end, presence goes out and
// guests vanish.
func (h *Hub) handleClose(connID string) {
	c, last := h.registry.Unregister(connID)
	if c == nil {
		return
	}
	c.shutdown()
	h.metrics.Connections.Set(float64(h.registry.Len()))
	c.logger.Debug("connection closed", zap.String("account", c.accountID))

	accountID := c.accountID
	if accountID == "" {
		return
	}
	if p := h.voice.Get(accountID); p != nil && p.ConnID == connID {
		h.leaveVoice(accountID)
	}
	if !last {
		return
	}

	h.endCallsFor(accountID)
	visible := h.sessions.Visible(accountID) != StatusOffline
	h.sessions.Clear(accountID)
	h.metrics.OnlineAccounts.Set(float64(h.sessions.Len()))
	if visible {
		h.router.BroadcastPresence(accountID, newEvent("user_leave", "userId", accountID))
	}
	if a := h.store.Account(accountID); a != nil && a.Guest {
		h.vanishGuest(a)
	}
}

// --- views ---

func (h *Hub) viewOf(a *Account, status Status) userView {
	return userView{
		ID:           a.ID,
		Name:         a.DisplayName,
		Avatar:       a.AvatarRef,
		Status:       status,
		CustomStatus: a.CustomStatus,
		Guest:        a.Guest,
	}
}

// publicView is how other accounts see a.
func (h *Hub) publicView(a *Account) userView {
	return h.viewOf(a, h.sessions.Visible(a.ID))
}

// selfView is how a sees itself.
func (h *Hub) selfView(a *Account) userView {
	st := h.sessions.Status(a.ID)
	if st == StatusOffline {
		st = a.Status
	}
	return h.viewOf(a, st)
}

func (h *Hub) userViews(ids []string) []userView {
	out := make([]userView, 0, len(ids))
	for _, id := range ids {
		if a := h.store.Account(id); a != nil {
			out = append(out, h.publicView(a))
		}
	}
	return out
}

func (h *Hub) memberView(c *Community, accountID string) (memberView, bool) {
	a := h.store.Account(accountID)
	if a == nil {
		return memberView{}, false
	}
	role := ""
	if accountID != c.OwnerID {
		if r := c.RoleOf(accountID); r != nil {
			role = r.ID
		}
	}
	return memberView{userView: h.publicView(a), Role: role, IsOwner: accountID == c.OwnerID}, true
}

func (h *Hub) communityView(c *Community, viewer string) communityView {
	v := communityView{
		ID:          c.ID,
		Name:        c.Name,
		Icon:        c.IconRef,
		OwnerID:     c.OwnerID,
		Messages:    make(map[string][]*Message, len(c.TextChannels)),
		Members:     c.MemberIDs(),
		Roles:       c.Roles,
		MemberRoles: c.MemberRoles,
		VoiceUsers:  make(map[string][]voiceUser, len(c.VoiceChannels)),
		IsMember:    c.IsMember(viewer),
	}
	for _, ch := range c.TextChannels {
		v.Channels = append(v.Channels, channelViewOf(ch.ID, ch.Name, ch.Temporary))
		v.Messages[ch.ID] = ch.History.Items()
	}
	for _, ch := range c.VoiceChannels {
		v.VoiceChannels = append(v.VoiceChannels, channelViewOf(ch.ID, ch.Name, ch.Temporary))
		v.VoiceUsers[ch.ID] = h.roster(c.ID, ch.ID)
	}
	return v
}

func (h *Hub) communityViews(accountID string) map[string]communityView {
	out := make(map[string]communityView)
	for _, c := range h.store.CommunitiesFor(accountID) {
		out[c.ID] = h.communityView(c, accountID)
	}
	return out
}
