package rms_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	rms "github.com/zolinga/go-rms"
)

func TestAutologinTokenRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expire := now.Add(7 * 24 * time.Hour)

	token := rms.GenAutologinToken(42, expire, "203.0.113.9", "test-agent", "bcrypt-hash")
	assert.Len(t, strings.Split(token, "-"), 3)

	id, err := rms.AutologinTokenID(token)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = rms.ValidateAutologinToken(token, "203.0.113.9", "test-agent", "bcrypt-hash", now)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestAutologinTokenBindings(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expire := now.Add(24 * time.Hour)
	token := rms.GenAutologinToken(7, expire, "203.0.113.9", "test-agent", "bcrypt-hash")

	tests := []struct {
		name         string
		remoteAddr   string
		userAgent    string
		passwordHash string
	}{
		{
			name:         "different client address",
			remoteAddr:   "198.51.100.1",
			userAgent:    "test-agent",
			passwordHash: "bcrypt-hash",
		},
		{
			name:         "different user agent",
			remoteAddr:   "203.0.113.9",
			userAgent:    "other-agent",
			passwordHash: "bcrypt-hash",
		},
		{
			name:         "password changed since issue",
			remoteAddr:   "203.0.113.9",
			userAgent:    "test-agent",
			passwordHash: "new-bcrypt-hash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rms.ValidateAutologinToken(token, tt.remoteAddr, tt.userAgent, tt.passwordHash, now)
			assert.ErrorIs(t, err, rms.ErrTokenInvalid)
		})
	}
}

func TestAutologinTokenExpiry(t *testing.T) {
	issued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expire := issued.Add(24 * time.Hour)
	token := rms.GenAutologinToken(7, expire, "addr", "agent", "hash")

	// Valid right up to the expiry instant.
	_, err := rms.ValidateAutologinToken(token, "addr", "agent", "hash", expire)
	assert.NoError(t, err)

	_, err = rms.ValidateAutologinToken(token, "addr", "agent", "hash", expire.Add(time.Second))
	assert.ErrorIs(t, err, rms.ErrTokenInvalid)
}

func TestAutologinTokenRejectsOverLivedExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// A correctly signed token whose expiry lies beyond the maximum lifetime
	// must still be rejected: the lifetime cap is enforced at validation.
	forged := rms.GenAutologinToken(7, now.Add(rms.AutologinLifetime+time.Hour), "addr", "agent", "hash")
	_, err := rms.ValidateAutologinToken(forged, "addr", "agent", "hash", now)
	assert.ErrorIs(t, err, rms.ErrTokenInvalid)
}

func TestAutologinTokenMalformed(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "no separators", token: "abcdef"},
		{name: "two fields", token: "1-2"},
		{name: "four fields", token: "1-2-3-4"},
		{name: "non base36 id", token: "!!-2-3"},
		{name: "non base36 expiry", token: "1-!!-3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rms.AutologinTokenID(tt.token)
			assert.ErrorIs(t, err, rms.ErrTokenInvalid)

			_, err = rms.ValidateAutologinToken(tt.token, "addr", "agent", "hash", now)
			assert.ErrorIs(t, err, rms.ErrTokenInvalid)
		})
	}
}

func TestAutologinTokenRejectsZeroIdentity(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	token := rms.GenAutologinToken(0, now.Add(time.Hour), "addr", "agent", "hash")
	_, err := rms.ValidateAutologinToken(token, "addr", "agent", "hash", now)
	assert.ErrorIs(t, err, rms.ErrTokenInvalid)
}

func TestRecoveryTokenRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expire := now.Add(rms.RecoveryLifetime)

	token := rms.GenRecoveryHash(42, expire, "bcrypt-hash")

	id, err := rms.RecoveryTokenID(token)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = rms.ValidateRecoveryToken(token, "bcrypt-hash", now)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestRecoveryTokenInvalidation(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expire := now.Add(rms.RecoveryLifetime)
	token := rms.GenRecoveryHash(42, expire, "bcrypt-hash")

	t.Run("password changed since issue", func(t *testing.T) {
		_, err := rms.ValidateRecoveryToken(token, "new-bcrypt-hash", now)
		assert.ErrorIs(t, err, rms.ErrTokenInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := rms.ValidateRecoveryToken(token, "bcrypt-hash", expire.Add(time.Second))
		assert.ErrorIs(t, err, rms.ErrTokenInvalid)
	})

	t.Run("zero id", func(t *testing.T) {
		zero := rms.GenRecoveryHash(0, expire, "bcrypt-hash")
		_, err := rms.ValidateRecoveryToken(zero, "bcrypt-hash", now)
		assert.ErrorIs(t, err, rms.ErrTokenInvalid)
	})
}
