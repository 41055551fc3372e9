package rms

import (
	"context"
	"strconv"
	"time"
)

// RequestInfo carries the request-scoped facts the session manager needs:
// where the client connects from, what it claims to be, and whether the
// transport is secure. Autologin tokens bind to all three.
type RequestInfo struct {
	RemoteAddr string
	UserAgent  string
	Secure     bool
}

// PublicUserData is the safe projection of the session user exposed to page
// scripts. Tags describe the acting session, not the target account.
type PublicUserData struct {
	ID       int64    `json:"id,omitempty"`
	Username string   `json:"username,omitempty"`
	Tags     []string `json:"tags"`
}

// SessionManager binds one User to a per-visitor session store and two
// cookies: a plaintext logged-in hint readable by page scripts, and a secret
// http-only autologin token. Construction resolves the current user from the
// session first, then from the autologin cookie over secure transports, and
// fails open to an anonymous guest on any resolution problem. Expected
// authentication failures return false and are logged; they never propagate.
type SessionManager struct {
	registry *Registry
	session  SessionStore
	cookies  CookieChannel
	config   Config
	log      Logger
	clock    Clock
	req      RequestInfo

	user *User
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

func WithSessionLogger(log Logger) SessionOption {
	return func(m *SessionManager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithSessionClock(clock Clock) SessionOption {
	return func(m *SessionManager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithSessionConfig(cfg Config) SessionOption {
	return func(m *SessionManager) {
		if cfg != nil {
			m.config = cfg
		}
	}
}

// NewSessionManager resolves the visitor's user and returns the bound
// manager. Resolution never fails: a bad session value, a stale or tampered
// autologin token, or a storage hiccup all log and leave the visitor
// anonymous. The logged-in hint cookie is always reissued to match the
// resolved state.
func NewSessionManager(ctx context.Context, registry *Registry, session SessionStore, cookies CookieChannel, req RequestInfo, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		registry: registry,
		session:  session,
		cookies:  cookies,
		config:   DefaultConfig{},
		log:      defLogger{},
		clock:    time.Now,
		req:      req,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.user = registry.Guest()

	m.resolve(ctx)
	m.issueHintCookie()
	return m
}

func (m *SessionManager) resolve(ctx context.Context) {
	if value, ok := m.session.Get(m.config.GetSessionKey()); ok && value != "" {
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			m.log.Warn("session holds malformed user id %q", value)
			m.session.Delete(m.config.GetSessionKey())
		} else if u, err := m.registry.FindUser(ctx, id); err != nil {
			m.log.Warn("resolving session user %d: %v", id, err)
		} else if u == nil {
			m.log.Warn("session user %d no longer exists", id)
			m.session.Delete(m.config.GetSessionKey())
		} else {
			m.user = u
			return
		}
	}

	// The autologin cookie is honored over secure transports only; a token
	// sniffed off plaintext HTTP must stay worthless.
	if m.req.Secure {
		m.tryAutologin(ctx)
	}
}

func (m *SessionManager) tryAutologin(ctx context.Context) {
	name := m.config.GetAutologinCookieName()
	token := m.cookies.Get(name)
	if token == "" {
		return
	}

	id, err := AutologinTokenID(token)
	if err != nil {
		m.log.Warn("malformed autologin token: %v", err)
		m.cookies.Clear(name)
		return
	}

	u, err := m.registry.FindUser(ctx, id)
	if err != nil || u == nil {
		m.log.Warn("autologin user %d not resolvable", id)
		m.cookies.Clear(name)
		return
	}

	if _, err := ValidateAutologinToken(token, m.req.RemoteAddr, m.req.UserAgent, u.PasswordHash(), m.clock()); err != nil {
		m.log.Warn("autologin token rejected for %s: %v", u, err)
		m.cookies.Clear(name)
		return
	}

	if !m.LoginNoPassword(ctx, u) {
		m.cookies.Clear(name)
	}
}

// User returns the session user. It is never nil; an anonymous visitor is
// represented by a guest instance holding only the guests pseudo-right.
func (m *SessionManager) User() *User {
	return m.user
}

// IsLoggedIn reports whether the session is bound to a persisted account.
func (m *SessionManager) IsLoggedIn() bool {
	return m.user.IsPersisted()
}

// Login authenticates with a username and password. It fails closed: any
// failure logs the cause and returns false without touching session state.
func (m *SessionManager) Login(ctx context.Context, username, password string) bool {
	if len(password) < PasswordMinLength {
		m.log.Warn("login rejected for %q: password below minimum length", username)
		return false
	}

	u, err := m.registry.FindUser(ctx, username)
	if err != nil {
		m.log.Error("login lookup for %q: %v", username, err)
		return false
	}
	if u == nil {
		m.log.Warn("login rejected: unknown user %q", username)
		return false
	}
	if !u.ValidatePassword(password) {
		m.log.Warn("login rejected for %s: invalid password", u)
		return false
	}
	return m.LoginNoPassword(ctx, u)
}

// LoginNoPassword binds the given identity to the session without a password
// check. Callers are already-authenticated paths: a verified federated
// identity, a validated autologin token, or trusted tooling. Returns false
// and logs on any failure.
func (m *SessionManager) LoginNoPassword(ctx context.Context, who any) bool {
	u, err := m.registry.FindUser(ctx, who)
	if err != nil {
		m.log.Error("login lookup: %v", err)
		return false
	}
	if u == nil {
		m.log.Warn("login rejected: identity %v not found", who)
		return false
	}
	if !u.CanLogin() {
		m.log.Warn("login rejected for %s: account disabled", u)
		return false
	}

	m.user = u
	m.session.Set(m.config.GetSessionKey(), strconv.FormatInt(u.ID(), 10))
	m.issueHintCookie()

	if err := u.RecordLogin(ctx, m.req.RemoteAddr); err != nil {
		m.log.Error("recording login for %s: %v", u, err)
	}

	m.log.Info("logged in %s from %s", u, m.req.RemoteAddr)
	return true
}

// Logout unbinds the session user, clears both cookies, and reverts to an
// anonymous guest.
func (m *SessionManager) Logout(ctx context.Context) {
	if m.IsLoggedIn() {
		m.log.Info("logged out %s", m.user)
	}
	m.session.Delete(m.config.GetSessionKey())
	m.cookies.Clear(m.config.GetAutologinCookieName())
	m.user = m.registry.Guest()
	m.issueHintCookie()
}

// Remember issues the autologin cookie so the visitor can resume without a
// password. It is a no-op with a warning unless the transport is secure and a
// user is logged in.
func (m *SessionManager) Remember(ctx context.Context) {
	if !m.req.Secure {
		m.log.Warn("remember ignored: insecure transport")
		return
	}
	if !m.IsLoggedIn() {
		m.log.Warn("remember ignored: no user logged in")
		return
	}

	expire := m.clock().Add(m.config.GetAutologinLifetime())
	token := GenAutologinToken(m.user.ID(), expire, m.req.RemoteAddr, m.req.UserAgent, m.user.PasswordHash())
	m.cookies.Set(Cookie{
		Name:     m.config.GetAutologinCookieName(),
		Value:    token,
		Expires:  expire,
		Path:     m.config.GetCookiePath(),
		Secure:   true,
		HTTPOnly: true,
		SameSite: "Strict",
	})
}

// issueHintCookie mirrors the login state into the plaintext hint cookie page
// scripts read. It carries no secret; "1" means logged in.
func (m *SessionManager) issueHintCookie() {
	name := m.config.GetHintCookieName()
	if !m.IsLoggedIn() {
		m.cookies.Clear(name)
		return
	}
	m.cookies.Set(Cookie{
		Name:    name,
		Value:   "1",
		Expires: m.clock().Add(m.config.GetAutologinLifetime()),
		Path:    m.config.GetCookiePath(),
		Secure:  m.req.Secure,
	})
}

// OnAuthorize answers an authorization event: it returns the subset of the
// requested rights the session user holds, in request order. Errors log and
// deny everything.
func (m *SessionManager) OnAuthorize(ctx context.Context, requested []string) []string {
	held, err := m.user.FilterRights(ctx, requested)
	if err != nil {
		m.log.Error("authorize for %s: %v", m.user, err)
		return nil
	}
	return held
}

// GetPublicUserData returns the script-safe projection of the session user.
func (m *SessionManager) GetPublicUserData(ctx context.Context) PublicUserData {
	data := PublicUserData{Tags: []string{}}
	if m.IsLoggedIn() {
		data.ID = m.user.ID()
		data.Username = m.user.Username()
	}
	if m.user.IsAdministrator(ctx) {
		data.Tags = append(data.Tags, "administrator")
	}
	if m.config.IsDebugging() {
		data.Tags = append(data.Tags, "debugger")
	}
	return data
}

// GenRecoveryToken issues a password-reset token for the given username. The
// caller delivers it out of band; the token is bound to the current password
// hash and goes stale the moment the password changes.
func (m *SessionManager) GenRecoveryToken(ctx context.Context, username string) (string, error) {
	u, err := m.registry.FindUser(ctx, username)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", ErrUserNotFound.Clone().WithMetadata(map[string]any{"username": username})
	}

	expire := m.clock().Add(m.config.GetRecoveryLifetime())
	return GenRecoveryHash(u.ID(), expire, u.PasswordHash()), nil
}

// ResetPassword consumes a recovery token and sets the new password. An
// unresolvable user is reported as an invalid token so the endpoint does not
// leak which ids exist.
func (m *SessionManager) ResetPassword(ctx context.Context, token, newPassword string) error {
	id, err := RecoveryTokenID(token)
	if err != nil {
		return err
	}

	u, err := m.registry.FindUser(ctx, id)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrTokenInvalid
	}

	if _, err := ValidateRecoveryToken(token, u.PasswordHash(), m.clock()); err != nil {
		return err
	}

	if err := u.SetPassword(newPassword); err != nil {
		return err
	}
	return u.Save(ctx)
}
