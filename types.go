package rms

import (
	"context"
	"fmt"
	"time"
)

// Logger is the structured logging collaborator. All authentication outcomes
// (success, bad password, unknown user, token failures) are logged with
// username/id context.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Clock abstracts time.Now so token expiry and removal timestamps are
// testable.
type Clock func() time.Time

// SessionStore is a mutable per-visitor key/value bag persisted across
// requests. At minimum it stores one integer user id under a namespaced key.
type SessionStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// Cookie carries the attributes the cookie channel supports.
type Cookie struct {
	Name     string
	Value    string
	Expires  time.Time
	Path     string
	Secure   bool
	HTTPOnly bool
	SameSite string
}

// CookieChannel sets and clears name-scoped cookie values on the current
// response and reads them from the current request.
type CookieChannel interface {
	Get(name string) string
	Set(cookie Cookie)
	Clear(name string)
}

// AnalyticsProvider supplies the landing/referrer pages seeded into a freshly
// created user's meta outside interactive (CLI) context.
type AnalyticsProvider interface {
	LandingPage() string
	ReferrerPage() string
}

// IdentityVerifier is the federated-login collaborator: given an opaque
// provider token it returns a verified identity record or fails. The core
// consumes only the verified email and never re-validates signatures itself.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*VerifiedIdentity, error)
}

// VerifiedIdentity is the projection of a federated identity the core consumes.
type VerifiedIdentity struct {
	Email      string
	GivenName  string
	FamilyName string
	Picture    string
	Locale     string
}

// Messages produces user-facing status strings. The core is indifferent to
// locale and only supplies message keys and parameters.
type Messages interface {
	Get(key string, args ...any) string
}

// Config holds rights-management options.
type Config interface {
	GetSessionKey() string
	GetHintCookieName() string
	GetAutologinCookieName() string
	GetAutologinLifetime() time.Duration
	GetRecoveryLifetime() time.Duration
	GetCookiePath() string
	IsDebugging() bool
	IsInteractive() bool
}

// DefaultConfig is the zero-dependency Config used when the host application
// does not supply one.
type DefaultConfig struct {
	Debug       bool
	Interactive bool
}

func (c DefaultConfig) GetSessionKey() string                { return "rms.user" }
func (c DefaultConfig) GetHintCookieName() string            { return "rmsIn" }
func (c DefaultConfig) GetAutologinCookieName() string       { return "rmsAutologin" }
func (c DefaultConfig) GetAutologinLifetime() time.Duration  { return AutologinLifetime }
func (c DefaultConfig) GetRecoveryLifetime() time.Duration   { return RecoveryLifetime }
func (c DefaultConfig) GetCookiePath() string                { return "/" }
func (c DefaultConfig) IsDebugging() bool                    { return c.Debug }
func (c DefaultConfig) IsInteractive() bool                  { return c.Interactive }

var _ Config = DefaultConfig{}

// defMessages renders message keys verbatim with formatted parameters.
type defMessages struct{}

func (defMessages) Get(key string, args ...any) string {
	if len(args) == 0 {
		return key
	}
	return fmt.Sprintf(key, args...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] RMS "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] RMS "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] RMS "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] RMS "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
