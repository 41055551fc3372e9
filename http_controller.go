package rms

import (
	"context"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SessionCookieName carries the opaque visitor id the persistent session bag
// is keyed by.
const SessionCookieName = "rmsSession"

// RouteRegistrar captures the router methods the controller registers on.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// HTTPController exposes the account operations as a JSON surface: login,
// logout, register, federated login, password recovery, permissions, and the
// settings bag. Each request gets its own SessionManager resolved from the
// visitor's session row and cookies.
type HTTPController struct {
	Debug    bool
	Secure   bool
	Logger   Logger
	Registry *Registry
	DB       *bun.DB
	Config   Config
	Clock    Clock
	Verifier IdentityVerifier
	Messages Messages
}

// HTTPControllerOption configures an HTTPController.
type HTTPControllerOption func(*HTTPController) *HTTPController

func WithHTTPLogger(log Logger) HTTPControllerOption {
	return func(c *HTTPController) *HTTPController {
		if log != nil {
			c.Logger = log
		}
		return c
	}
}

func WithHTTPConfig(cfg Config) HTTPControllerOption {
	return func(c *HTTPController) *HTTPController {
		if cfg != nil {
			c.Config = cfg
		}
		return c
	}
}

// WithVerifier enables the federated login endpoint.
func WithVerifier(v IdentityVerifier) HTTPControllerOption {
	return func(c *HTTPController) *HTTPController {
		c.Verifier = v
		return c
	}
}

func WithMessages(m Messages) HTTPControllerOption {
	return func(c *HTTPController) *HTTPController {
		if m != nil {
			c.Messages = m
		}
		return c
	}
}

// WithSecureTransport tells the controller requests arrive over TLS. TLS is
// commonly terminated upstream, so this is deploy-time knowledge, not
// something sniffed per request.
func WithSecureTransport(secure bool) HTTPControllerOption {
	return func(c *HTTPController) *HTTPController {
		c.Secure = secure
		return c
	}
}

// NewHTTPController builds the controller over a registry and the database
// holding the session rows.
func NewHTTPController(registry *Registry, db *bun.DB, opts ...HTTPControllerOption) *HTTPController {
	c := &HTTPController{
		Logger:   defLogger{},
		Registry: registry,
		DB:       db,
		Config:   DefaultConfig{},
		Clock:    time.Now,
		Messages: defMessages{},
	}
	for _, opt := range opts {
		c = opt(c)
	}

	if c.Registry == nil {
		panic("Missing Registry in rms http controller...")
	}
	if c.DB == nil {
		panic("Missing DB in rms http controller...")
	}
	return c
}

// RegisterRoutes mounts the JSON endpoints on the given group.
func (c *HTTPController) RegisterRoutes(group RouteRegistrar) {
	group.Post("/login", c.Login)
	group.Post("/login/google", c.GoogleLogin)
	group.Post("/logout", c.Logout)
	group.Post("/register", c.Register)
	group.Post("/recover", c.RecoverRequest)
	group.Post("/recover/reset", c.RecoverReset)
	group.Get("/user", c.CurrentUser)
	group.Get("/permissions", c.Permissions)
	group.Get("/settings", c.SettingsGet)
	group.Post("/settings", c.SettingsPost)
}

// routerCookies adapts router.Context to the CookieChannel collaborator.
type routerCookies struct {
	ctx router.Context
}

func (r routerCookies) Get(name string) string {
	return r.ctx.Cookies(name)
}

func (r routerCookies) Set(ck Cookie) {
	r.ctx.Cookie(&router.Cookie{
		Name:     ck.Name,
		Value:    ck.Value,
		Path:     ck.Path,
		Expires:  ck.Expires,
		Secure:   ck.Secure,
		HTTPOnly: ck.HTTPOnly,
		SameSite: ck.SameSite,
	})
}

func (r routerCookies) Clear(name string) {
	r.ctx.Cookie(&router.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Now().Add(-time.Hour * 24 * 365),
		HTTPOnly: true,
	})
}

// openSession resolves the visitor's session bag and builds the request's
// SessionManager. A first-time visitor gets a fresh id cookie.
func (c *HTTPController) openSession(ctx router.Context) (*SessionManager, *BunSessionStore, error) {
	cookies := routerCookies{ctx: ctx}

	sid := cookies.Get(SessionCookieName)
	if sid == "" {
		sid = uuid.NewString()
		cookies.Set(Cookie{
			Name:     SessionCookieName,
			Value:    sid,
			Expires:  c.Clock().Add(c.Config.GetAutologinLifetime()),
			Path:     c.Config.GetCookiePath(),
			Secure:   c.Secure,
			HTTPOnly: true,
			SameSite: "Lax",
		})
	}

	bag, err := OpenSession(ctx.Context(), c.DB, sid)
	if err != nil {
		return nil, nil, err
	}

	manager := NewSessionManager(ctx.Context(), c.Registry, bag, cookies, RequestInfo{
		RemoteAddr: ctx.IP(),
		UserAgent:  ctx.Header("User-Agent"),
		Secure:     c.Secure,
	},
		WithSessionLogger(c.Logger),
		WithSessionConfig(c.Config),
		WithSessionClock(c.Clock),
	)
	return manager, bag, nil
}

func (c *HTTPController) closeSession(ctx context.Context, bag *BunSessionStore) {
	if err := bag.Flush(ctx); err != nil {
		c.Logger.Error("flushing session: %v", err)
	}
}

// LoginPayload is the credential body.
type LoginPayload struct {
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
	Remember bool   `form:"remember" json:"remember"`
}

// Validate will run validation rules
func (r LoginPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Username,
			validation.Required,
			is.Email,
		),
		validation.Field(
			&r.Password,
			validation.Required,
			validation.Length(PasswordMinLength, 100),
		),
	)
}

func (c *HTTPController) Login(ctx router.Context) error {
	payload := new(LoginPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.badRequest(ctx, "malformed body")
	}
	if err := payload.Validate(); err != nil {
		return ctx.JSON(router.StatusBadRequest, map[string]any{
			"ok":         false,
			"validation": err.Error(),
		})
	}

	if c.Debug {
		c.Logger.Debug("login payload: %s", print.MaybePrettyJSON(map[string]string{
			"username": payload.Username,
		}))
	}

	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	if !manager.Login(ctx.Context(), payload.Username, payload.Password) {
		return ctx.JSON(router.StatusUnauthorized, map[string]any{
			"ok":      false,
			"message": c.Messages.Get("login.failed"),
		})
	}
	if payload.Remember {
		manager.Remember(ctx.Context())
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"ok":   true,
		"user": manager.GetPublicUserData(ctx.Context()),
	})
}

// GoogleLoginPayload carries the raw ID token from Google Sign-In.
type GoogleLoginPayload struct {
	Credential string `form:"credential" json:"credential"`
}

func (r GoogleLoginPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Credential, validation.Required),
	)
}

// GoogleLogin signs a visitor in with a verified federated identity,
// registering the account on first sight.
func (c *HTTPController) GoogleLogin(ctx router.Context) error {
	if c.Verifier == nil {
		return ctx.JSON(router.StatusNotFound, map[string]any{
			"ok":      false,
			"message": c.Messages.Get("login.google.disabled"),
		})
	}

	payload := new(GoogleLoginPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.badRequest(ctx, "malformed body")
	}
	if err := payload.Validate(); err != nil {
		return ctx.JSON(router.StatusBadRequest, map[string]any{
			"ok":         false,
			"validation": err.Error(),
		})
	}

	identity, err := c.Verifier.Verify(ctx.Context(), payload.Credential)
	if err != nil {
		c.Logger.Warn("google login rejected: %v", err)
		return ctx.JSON(router.StatusUnauthorized, map[string]any{
			"ok":      false,
			"message": c.Messages.Get("login.google.rejected"),
		})
	}

	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	user, err := c.Registry.FindUser(ctx.Context(), identity.Email)
	if err != nil {
		return c.serverError(ctx, err)
	}
	if user == nil {
		user, err = c.registerFederated(ctx.Context(), identity)
		if err != nil {
			return c.serverError(ctx, err)
		}
	}

	if !manager.LoginNoPassword(ctx.Context(), user) {
		return ctx.JSON(router.StatusUnauthorized, map[string]any{
			"ok":      false,
			"message": c.Messages.Get("login.failed"),
		})
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"ok":   true,
		"user": manager.GetPublicUserData(ctx.Context()),
	})
}

// registerFederated creates an account for a first-time federated identity.
// No password is set; the account signs in through the provider until the
// user claims one via recovery.
func (c *HTTPController) registerFederated(ctx context.Context, identity *VerifiedIdentity) (*User, error) {
	user, err := c.Registry.CreateUser(ctx, NewUserData{
		Username: identity.Email,
		Lang:     identity.Locale,
	})
	if err != nil {
		return nil, err
	}

	meta := user.Meta()
	if identity.GivenName != "" {
		if err := meta.Set(ctx, MetaName, identity.GivenName); err != nil {
			c.Logger.Warn("seeding name for %s: %v", user, err)
		}
	}
	if identity.FamilyName != "" {
		if err := meta.Set(ctx, MetaSurname, identity.FamilyName); err != nil {
			c.Logger.Warn("seeding surname for %s: %v", user, err)
		}
	}
	if identity.Picture != "" {
		if err := meta.Set(ctx, MetaPicture, identity.Picture); err != nil {
			c.Logger.Warn("seeding picture for %s: %v", user, err)
		}
	}
	return user, nil
}

func (c *HTTPController) Logout(ctx router.Context) error {
	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	manager.Logout(ctx.Context())
	return ctx.JSON(router.StatusOK, map[string]any{"ok": true})
}

// RegisterPayload is the self-registration body. Password2 is the retyped
// password and must match.
type RegisterPayload struct {
	Username  string `form:"username" json:"username"`
	Password  string `form:"password" json:"password"`
	Password2 string `form:"password2" json:"password2"`
	Lang      string `form:"lang" json:"lang"`
}

// Validate will validate the payload
func (r RegisterPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(6, 100), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(PasswordMinLength, 100)),
		validation.Field(&r.Password2, validation.Required, validation.In(r.Password).Error("passwords do not match")),
		validation.Field(&r.Lang, validation.Length(0, 8)),
	)
}

func (c *HTTPController) Register(ctx router.Context) error {
	payload := new(RegisterPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.badRequest(ctx, "malformed body")
	}
	if err := payload.Validate(); err != nil {
		return ctx.JSON(router.StatusBadRequest, map[string]any{
			"ok":         false,
			"validation": err.Error(),
		})
	}

	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	user, err := c.Registry.CreateUser(ctx.Context(), NewUserData{
		Username: payload.Username,
		Password: payload.Password,
		Lang:     payload.Lang,
	})
	if err != nil {
		if IsConflict(err) {
			return ctx.JSON(router.StatusConflict, map[string]any{
				"ok":      false,
				"message": c.Messages.Get("register.username_taken"),
			})
		}
		if IsInvalidArgument(err) {
			return ctx.JSON(router.StatusBadRequest, map[string]any{
				"ok":      false,
				"message": err.Error(),
			})
		}
		return c.serverError(ctx, err)
	}

	if !manager.LoginNoPassword(ctx.Context(), user) {
		c.Logger.Warn("freshly registered %s could not be logged in", user)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"ok":   true,
		"user": manager.GetPublicUserData(ctx.Context()),
	})
}

// RecoverRequestPayload names the account to recover.
type RecoverRequestPayload struct {
	Username string `form:"username" json:"username"`
}

func (r RecoverRequestPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, is.Email),
	)
}

// RecoverRequest issues a password-reset token. The response is the same
// whether the account exists or not; the token leaves through an out-of-band
// channel, never the response body.
func (c *HTTPController) RecoverRequest(ctx router.Context) error {
	payload := new(RecoverRequestPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.badRequest(ctx, "malformed body")
	}
	if err := payload.Validate(); err != nil {
		return ctx.JSON(router.StatusBadRequest, map[string]any{
			"ok":         false,
			"validation": err.Error(),
		})
	}

	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	token, err := manager.GenRecoveryToken(ctx.Context(), payload.Username)
	if err != nil {
		if !IsNotFound(err) {
			c.Logger.Error("recovery token for %q: %v", payload.Username, err)
		}
	} else {
		c.Logger.Info("recovery token issued for %q", payload.Username)
		if c.Debug {
			c.Logger.Debug("recovery token: %s", token)
		}
		// TODO: hand the token to the mailer collaborator once the delivery
		// pipeline lands; until then operators read it off the debug log.
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"ok":      true,
		"message": c.Messages.Get("recover.sent"),
	})
}

// RecoverResetPayload consumes a recovery token.
type RecoverResetPayload struct {
	Token    string `form:"token" json:"token"`
	Password string `form:"password" json:"password"`
}

func (r RecoverResetPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.Password, validation.Required, validation.Length(PasswordMinLength, 100)),
	)
}

func (c *HTTPController) RecoverReset(ctx router.Context) error {
	payload := new(RecoverResetPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.badRequest(ctx, "malformed body")
	}
	if err := payload.Validate(); err != nil {
		return ctx.JSON(router.StatusBadRequest, map[string]any{
			"ok":         false,
			"validation": err.Error(),
		})
	}

	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	if err := manager.ResetPassword(ctx.Context(), payload.Token, payload.Password); err != nil {
		if IsInvalidArgument(err) {
			return ctx.JSON(router.StatusBadRequest, map[string]any{
				"ok":      false,
				"message": err.Error(),
			})
		}
		c.Logger.Warn("password reset rejected: %v", err)
		return ctx.JSON(router.StatusUnauthorized, map[string]any{
			"ok":      false,
			"message": c.Messages.Get("recover.invalid"),
		})
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"ok":      true,
		"message": c.Messages.Get("recover.done"),
	})
}

// CurrentUser returns the script-safe projection of the session user.
func (c *HTTPController) CurrentUser(ctx router.Context) error {
	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	return ctx.JSON(router.StatusOK, map[string]any{
		"ok":   true,
		"user": manager.GetPublicUserData(ctx.Context()),
	})
}

// Permissions lists every right the session user holds.
func (c *HTTPController) Permissions(ctx router.Context) error {
	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	permissions, err := manager.User().ListPermissions(ctx.Context())
	if err != nil {
		return c.serverError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, map[string]any{
		"ok":          true,
		"permissions": permissions,
	})
}

// SettingsGet returns the profile settings of the logged-in user.
func (c *HTTPController) SettingsGet(ctx router.Context) error {
	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	if !manager.IsLoggedIn() {
		return c.unauthorized(ctx)
	}

	user := manager.User()
	meta := user.Meta()
	return ctx.JSON(router.StatusOK, map[string]any{
		"ok": true,
		"settings": map[string]any{
			"username": user.Username(),
			"lang":     user.Lang(),
			"name":     meta.GetString(ctx.Context(), MetaName, ""),
			"surname":  meta.GetString(ctx.Context(), MetaSurname, ""),
			"picture":  meta.GetString(ctx.Context(), MetaPicture, ""),
		},
	})
}

// SettingsPayload carries profile updates; empty fields are left unchanged.
// Changing the username or password requires CurrentPassword, except on
// accounts that have none (federated-only sign-in).
type SettingsPayload struct {
	Name            string `form:"name" json:"name"`
	Surname         string `form:"surname" json:"surname"`
	Lang            string `form:"lang" json:"lang"`
	Username        string `form:"username" json:"username"`
	Password        string `form:"password" json:"password"`
	CurrentPassword string `form:"currentPassword" json:"currentPassword"`
}

// Validate will validate the payload
func (r SettingsPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Length(0, 200)),
		validation.Field(&r.Surname, validation.Length(0, 200)),
		validation.Field(&r.Lang, validation.Length(0, 8)),
		validation.Field(&r.Username, validation.Length(6, 100), is.Email),
	)
}

func (c *HTTPController) SettingsPost(ctx router.Context) error {
	payload := new(SettingsPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.badRequest(ctx, "malformed body")
	}
	if err := payload.Validate(); err != nil {
		return ctx.JSON(router.StatusBadRequest, map[string]any{
			"ok":         false,
			"validation": err.Error(),
		})
	}

	manager, bag, err := c.openSession(ctx)
	if err != nil {
		return c.serverError(ctx, err)
	}
	defer c.closeSession(ctx.Context(), bag)

	if !manager.IsLoggedIn() {
		return c.unauthorized(ctx)
	}

	user := manager.User()

	// Username and password changes are gated on the current password. An
	// account that never had one (federated-only sign-in) may claim both
	// without it.
	if payload.Username != "" || payload.Password != "" {
		if user.PasswordHash() != "" && !user.ValidatePassword(payload.CurrentPassword) {
			return ctx.JSON(router.StatusUnauthorized, map[string]any{
				"ok":      false,
				"message": c.Messages.Get("settings.current_password"),
			})
		}
	}

	if payload.Username != "" && NormalizeUsername(payload.Username) != user.Username() {
		if taken, err := c.Registry.FindUser(ctx.Context(), payload.Username); err != nil {
			return c.serverError(ctx, err)
		} else if taken != nil {
			return ctx.JSON(router.StatusConflict, map[string]any{
				"ok":      false,
				"message": c.Messages.Get("register.username_taken"),
			})
		}
		if err := user.SetUsername(payload.Username); err != nil {
			return c.badRequest(ctx, err.Error())
		}
	}
	if payload.Lang != "" {
		if err := user.SetLang(payload.Lang); err != nil {
			return c.badRequest(ctx, err.Error())
		}
	}
	if payload.Password != "" {
		if err := user.SetPassword(payload.Password); err != nil {
			return c.badRequest(ctx, err.Error())
		}
	}
	if err := user.Save(ctx.Context()); err != nil {
		return c.serverError(ctx, err)
	}

	meta := user.Meta()
	if payload.Name != "" {
		if err := meta.Set(ctx.Context(), MetaName, payload.Name); err != nil {
			return c.serverError(ctx, err)
		}
	}
	if payload.Surname != "" {
		if err := meta.Set(ctx.Context(), MetaSurname, payload.Surname); err != nil {
			return c.serverError(ctx, err)
		}
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"ok":      true,
		"message": c.Messages.Get("settings.saved"),
	})
}

func (c *HTTPController) badRequest(ctx router.Context, message string) error {
	return ctx.JSON(router.StatusBadRequest, map[string]any{
		"ok":      false,
		"message": message,
	})
}

func (c *HTTPController) unauthorized(ctx router.Context) error {
	return ctx.JSON(router.StatusUnauthorized, map[string]any{
		"ok":      false,
		"message": c.Messages.Get("auth.required"),
	})
}

func (c *HTTPController) serverError(ctx router.Context, err error) error {
	c.Logger.Error("rms http: %v", err)

	var rich *errors.Error
	if errors.As(err, &rich) && c.Debug {
		return ctx.JSON(router.StatusInternalServerError, map[string]any{
			"ok":       false,
			"message":  rich.Message,
			"category": fmt.Sprintf("%v", rich.Category),
		})
	}
	return ctx.JSON(router.StatusInternalServerError, map[string]any{
		"ok":      false,
		"message": "internal error",
	})
}
