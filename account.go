package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmailTaken      = errors.New("email already registered")
	ErrBadCredentials  = errors.New("invalid email or password")
	ErrMissingFields   = errors.New("email and password are required")
	ErrInvalidPassword = errors.New("password invalid")
	ErrBadToken        = errors.New("invalid or expired token")
	ErrUnknownAccount  = errors.New("account does not exist")
)

const (
	maxNameLength         = 32
	maxCustomStatusLength = 128
)

type loginResult struct {
	accountID string
	hash      string
	ok        bool
}

type avatarChange struct {
	accountID string
	ref       string
	reply     chan<- error
}

func defaultSettings() map[string]any {
	return map[string]any{"theme": "dark", "micDevice": "default", "speakerDevice": "default"}
}

// cleanName trims and caps a display name. Empty means invalid.
func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}
	return name
}

func (h *Hub) authError(c *Client, err error) {
	h.router.SendClient(c, newEvent("auth_error", "message", err.Error()))
}

func (h *Hub) handleRegister(c *Client, f *Frame, hash string, hashErr error) {
	if c.accountID != "" {
		h.authError(c, ErrAlreadyBound)
		return
	}
	email := normalizeEmail(f.Email)
	if !strings.Contains(email, "@") || f.Password == "" {
		h.authError(c, ErrMissingFields)
		return
	}
	if hashErr != nil || hash == "" {
		h.authError(c, ErrInvalidPassword)
		return
	}
	if h.store.AccountByEmail(email) != nil {
		h.authError(c, ErrEmailTaken)
		return
	}

	name := cleanName(f.Name)
	if name == "" {
		name = cleanName(strings.SplitN(email, "@", 2)[0])
	}
	a := &Account{
		ID:             newID(),
		Email:          email,
		CredentialHash: hash,
		DisplayName:    name,
		Status:         StatusOnline,
		Settings:       defaultSettings(),
		CreatedAt:      h.clock.Now(),
	}
	h.store.AddAccount(a)
	h.markDirty()
	h.logger.Info("account registered", zap.String("account", a.ID))
	h.bindSession(c, a)
}

// handleLogin checks the credential off the hub goroutine; the outcome comes
// back as a cmdLoginVerified.
func (h *Hub) handleLogin(c *Client, f *Frame) {
	if c.accountID != "" {
		h.authError(c, ErrAlreadyBound)
		return
	}
	a := h.store.AccountByEmail(f.Email)
	if a == nil || a.Guest || a.CredentialHash == "" || f.Password == "" {
		h.authError(c, ErrBadCredentials)
		return
	}

	connID, accountID, hash, password := c.id, a.ID, a.CredentialHash, f.Password
	go func() {
		ok := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
		h.submit(context.Background(), command{
			kind:   cmdLoginVerified,
			connID: connID,
			login:  &loginResult{accountID: accountID, hash: hash, ok: ok},
		})
	}()
}

func (h *Hub) finishLogin(connID string, res *loginResult) {
	c := h.registry.Client(connID)
	if c == nil {
		return
	}
	if c.accountID != "" {
		h.authError(c, ErrAlreadyBound)
		return
	}
	a := h.store.Account(res.accountID)
	// The hash check catches a password change that raced the verification.
	if !res.ok || a == nil || a.CredentialHash != res.hash {
		h.authError(c, ErrBadCredentials)
		return
	}
	h.bindSession(c, a)
}

func (h *Hub) handleGuestLogin(c *Client) {
	if c.accountID != "" {
		h.authError(c, ErrAlreadyBound)
		return
	}
	id := newID()
	a := &Account{
		ID:          id,
		DisplayName: "Guest-" + strings.ToUpper(id[:4]),
		Status:      StatusOnline,
		Settings:    defaultSettings(),
		CreatedAt:   h.clock.Now(),
		Guest:       true,
	}
	h.store.AddAccount(a)
	h.bindSession(c, a)
}

func (h *Hub) handleResume(c *Client, f *Frame) {
	if c.accountID != "" {
		h.authError(c, ErrAlreadyBound)
		return
	}
	accountID, err := h.tokens.Verify(f.Token)
	if err != nil {
		h.authError(c, ErrBadToken)
		return
	}
	a := h.store.Account(accountID)
	if a == nil || a.Guest {
		h.authError(c, ErrBadToken)
		return
	}
	h.bindSession(c, a)
}

// bindSession attaches the account to the connection, replies with the
// initial state and announces the account if it just came online.
func (h *Hub) bindSession(c *Client, a *Account) {
	if err := h.registry.Bind(c.id, a.ID); err != nil {
		h.authError(c, err)
		return
	}
	first := len(h.registry.Lookup(a.ID)) == 1
	if first {
		h.sessions.SetOnline(a.ID, a.Status)
		h.metrics.OnlineAccounts.Set(float64(h.sessions.Len()))
	}

	var online []string
	for _, id := range h.router.PresenceAudience(a.ID) {
		if h.sessions.Visible(id) != StatusOffline {
			online = append(online, id)
		}
	}
	ev := newEvent("auth_success",
		"userId", a.ID,
		"user", h.selfView(a),
		"servers", h.communityViews(a.ID),
		"friends", h.userViews(h.store.Friends(a.ID)),
		"pendingRequests", h.userViews(h.store.IncomingRequests(a.ID)),
		"settings", a.Settings,
		"users", h.userViews(online),
		"isGuest", a.Guest,
	)
	if !a.Guest {
		token, err := h.tokens.Issue(a.ID)
		if err != nil {
			h.logger.Warn("failed to issue session token", zap.String("account", a.ID), zap.Error(err))
		} else {
			ev["token"] = token
		}
	}
	h.router.SendClient(c, ev)
	c.logger.Info("session bound", zap.String("account", a.ID), zap.Bool("guest", a.Guest))

	if first && h.sessions.Visible(a.ID) != StatusOffline {
		h.router.BroadcastPresence(a.ID, newEvent("user_join", "user", h.publicView(a)))
	}
}

func (h *Hub) handleUpdateProfile(c *Client, f *Frame) {
	a := h.store.Account(c.accountID)
	if a == nil {
		return
	}
	before := h.sessions.Visible(a.ID)
	changed := false

	if name := cleanName(f.Name); name != "" && name != a.DisplayName {
		a.DisplayName = name
		changed = true
	}
	if ref, set := optionalString(f.Avatar); set && ref != a.AvatarRef {
		a.AvatarRef = ref
		changed = true
	}
	if f.CustomStatus != nil {
		text := strings.TrimSpace(*f.CustomStatus)
		if utf8.RuneCountInString(text) > maxCustomStatusLength {
			text = string([]rune(text)[:maxCustomStatusLength])
		}
		if text != a.CustomStatus {
			a.CustomStatus = text
			changed = true
		}
	}
	// offline is what invisible looks like from outside; it is not selectable
	if st := Status(f.Status); st.Valid() && st != StatusOffline && st != a.Status {
		a.Status = st
		h.sessions.Set(a.ID, st)
		changed = true
	}
	if !changed {
		return
	}
	h.markDirty()
	h.profileChanged(a, before)
}

// profileChanged tells the account's own sessions and its presence audience.
// Going invisible reads as leaving.
func (h *Hub) profileChanged(a *Account, before Status) {
	h.router.Send(a.ID, newEvent("profile_updated", "user", h.selfView(a)))
	if h.sessions.Visible(a.ID) == StatusOffline {
		if before != StatusOffline {
			h.router.BroadcastPresence(a.ID, newEvent("user_leave", "userId", a.ID))
		}
		return
	}
	h.router.BroadcastPresence(a.ID, newEvent("user_update", "user", h.publicView(a)))
}

func (h *Hub) handleUpdateSettings(c *Client, f *Frame) {
	a := h.store.Account(c.accountID)
	if a == nil || len(f.Settings) == 0 {
		return
	}
	if a.Settings == nil {
		a.Settings = make(map[string]any, len(f.Settings))
	}
	for k, v := range f.Settings {
		a.Settings[k] = v
	}
	h.markDirty()
	h.router.Send(a.ID, newEvent("settings_updated", "settings", a.Settings))
}

// SetAvatar applies an uploaded avatar through the hub.
func (h *Hub) SetAvatar(ctx context.Context, accountID, ref string) error {
	reply := make(chan error, 1)
	if !h.submit(ctx, command{kind: cmdAvatar, avatar: &avatarChange{accountID: accountID, ref: ref, reply: reply}}) {
		return ErrHubStopped
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) applyAvatar(accountID, ref string) error {
	a := h.store.Account(accountID)
	if a == nil {
		return ErrUnknownAccount
	}
	before := h.sessions.Visible(a.ID)
	a.AvatarRef = ref
	h.markDirty()
	h.profileChanged(a, before)
	return nil
}

// TokenIssuer mints and checks the HS256 session tokens handed out with
// auth_success. The subject is the account id.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewTokenIssuer(secret []byte, ttl time.Duration, clk clock.Clock) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl, clock: clk}
}

func (t *TokenIssuer) Issue(accountID string) (string, error) {
	now := t.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrBadToken
	}
	return claims.Subject, nil
}

// resolveJWTSecret returns the configured secret, or a random one when unset.
// Random secrets invalidate every token on restart.
func resolveJWTSecret(cfg AuthConfig) (secret []byte, generated bool, err error) {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret), false, nil
	}
	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, false, fmt.Errorf("generate jwt secret: %w", err)
	}
	return secret, true, nil
}
