// Package google verifies Google Sign-In ID tokens against Google's published
// JWK set and maps them to the identity record the rights-management core
// consumes. The core trusts the verified email and never re-checks signatures.
package google

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"

	rms "github.com/zolinga/go-rms"
)

const (
	// DefaultJWKSURL is Google's OAuth2 certificate endpoint.
	DefaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

	issuerHTTPS = "https://accounts.google.com"
	issuerPlain = "accounts.google.com"
)

// ErrTokenRejected covers any ID token that fails signature, issuer,
// audience, or expiry checks.
var ErrTokenRejected = errors.New("google id token rejected", errors.CategoryAuth).
	WithTextCode("rms_google_token_rejected").
	WithCode(errors.CodeUnauthorized)

// Config holds the verifier settings. ClientID is the OAuth client the token
// audience must match.
type Config struct {
	ClientID string
	JWKSURL  string
	Logger   rms.Logger
}

// Verifier validates Google ID tokens using a background-refreshed JWK set.
type Verifier struct {
	clientID string
	jwks     *keyfunc.JWKS
}

var _ rms.IdentityVerifier = (*Verifier)(nil)

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Locale        string `json:"locale"`
}

// NewVerifier fetches Google's JWK set and returns a ready verifier. The set
// refreshes in the background for the life of the process.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("google: client id is required")
	}
	url := cfg.JWKSURL
	if url == "" {
		url = DefaultJWKSURL
	}
	log := cfg.Logger
	if log == nil {
		log = rms.NopLogger()
	}

	jwks, err := keyfunc.Get(url, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Warn("google jwks refresh: %v", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google: fetching jwks: %w", err)
	}

	return &Verifier{clientID: cfg.ClientID, jwks: jwks}, nil
}

// Close stops the background JWK refresh.
func (v *Verifier) Close() {
	v.jwks.EndBackground()
}

// Verify validates the raw ID token and returns the identity it asserts.
func (v *Verifier) Verify(ctx context.Context, token string) (*rms.VerifiedIdentity, error) {
	claims := &idTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, rejectErr(err)
	}
	if !parsed.Valid {
		return nil, ErrTokenRejected
	}

	if claims.Issuer != issuerHTTPS && claims.Issuer != issuerPlain {
		return nil, ErrTokenRejected.Clone().WithMetadata(map[string]any{"issuer": claims.Issuer})
	}
	if claims.Email == "" || !claims.EmailVerified {
		return nil, ErrTokenRejected.Clone().WithMetadata(map[string]any{"reason": "email unverified"})
	}

	return &rms.VerifiedIdentity{
		Email:      claims.Email,
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
		Picture:    claims.Picture,
		Locale:     claims.Locale,
	}, nil
}

func rejectErr(err error) error {
	clone := ErrTokenRejected.Clone()
	if stderrors.Is(err, jwt.ErrTokenExpired) {
		clone = clone.WithMetadata(map[string]any{"reason": "expired"})
	}
	clone.Source = err
	return clone
}
