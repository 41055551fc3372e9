package rms

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Token lifetimes. Autologin cookies live long; recovery links are short so a
// leaked reset email goes stale fast.
const (
	AutologinLifetime = 30 * 24 * time.Hour
	RecoveryLifetime  = time.Hour
)

// The autologin hash is a fixed window of the hex digest: skip the first
// autologinHashSkip characters, take autologinHashLen. Both ends are pinned
// so the token length stays deterministic.
const (
	autologinHashSkip = 8
	autologinHashLen  = 12
	recoveryHashLen   = 12
)

// GenAutologinToken derives a self-verifying credential of the form
// id-expire-hash, all fields base-36. The hash binds the token to the client
// address, the user agent, and the current password hash, so changing the
// password invalidates every outstanding token. Nothing is stored; validity
// is recomputed, never looked up.
func GenAutologinToken(id int64, expire time.Time, remoteAddr, userAgent, passwordHash string) string {
	exp := expire.Unix()
	return strings.Join([]string{
		strconv.FormatInt(id, 36),
		strconv.FormatInt(exp, 36),
		autologinHash(id, exp, remoteAddr, userAgent, passwordHash),
	}, "-")
}

// AutologinTokenID extracts the claimed user id so the caller can fetch the
// stored password hash before validating. The id alone proves nothing.
func AutologinTokenID(token string) (int64, error) {
	id, _, _, err := splitToken(token)
	return id, err
}

// ValidateAutologinToken recomputes the token hash from the claimed id and
// expiry plus the current request's address, user agent, and the stored
// password hash, and returns the id on success. A token is rejected when the
// hash mismatches, when it is expired, or when its expiry lies further out
// than the maximum lifetime allows (a forged long-lived token).
func ValidateAutologinToken(token, remoteAddr, userAgent, passwordHash string, now time.Time) (int64, error) {
	id, exp, hash, err := splitToken(token)
	if err != nil {
		return 0, err
	}
	if id <= 0 || exp <= 0 {
		return 0, ErrTokenInvalid
	}

	n := now.Unix()
	if n > exp || exp > n+int64(AutologinLifetime/time.Second) {
		return 0, ErrTokenInvalid
	}
	if autologinHash(id, exp, remoteAddr, userAgent, passwordHash) != hash {
		return 0, ErrTokenInvalid
	}
	return id, nil
}

func autologinHash(id, expire int64, remoteAddr, userAgent, passwordHash string) string {
	sum := sha1.Sum([]byte(strconv.FormatInt(id, 10) +
		strconv.FormatInt(expire, 10) +
		remoteAddr + userAgent + passwordHash))
	window := hex.EncodeToString(sum[:])[autologinHashSkip : autologinHashSkip+autologinHashLen]
	n, err := strconv.ParseUint(window, 16, 64)
	if err != nil {
		// A 12-hex-digit window always parses; this is unreachable.
		return ""
	}
	return strconv.FormatUint(n, 36)
}

// GenRecoveryHash derives a one-time password-reset token of the same
// id-expire-hash shape. The hash folds in the current password hash, so the
// link self-invalidates the moment the password changes.
func GenRecoveryHash(id int64, expire time.Time, passwordHash string) string {
	exp := expire.Unix()
	return strings.Join([]string{
		strconv.FormatInt(id, 36),
		strconv.FormatInt(exp, 36),
		recoveryHash(id, exp, passwordHash),
	}, "-")
}

// RecoveryTokenID extracts the claimed user id from a recovery token.
func RecoveryTokenID(token string) (int64, error) {
	id, _, _, err := splitToken(token)
	return id, err
}

// ValidateRecoveryToken checks a recovery token against the stored password
// hash and returns the id on success.
func ValidateRecoveryToken(token, passwordHash string, now time.Time) (int64, error) {
	id, exp, hash, err := splitToken(token)
	if err != nil {
		return 0, err
	}
	if id <= 0 || exp <= 0 {
		return 0, ErrTokenInvalid
	}
	if now.Unix() > exp {
		return 0, ErrTokenInvalid
	}
	if recoveryHash(id, exp, passwordHash) != hash {
		return 0, ErrTokenInvalid
	}
	return id, nil
}

func recoveryHash(id, expire int64, passwordHash string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(id, 10) +
		strconv.FormatInt(expire, 10) +
		passwordHash))
	window := hex.EncodeToString(sum[:])[:recoveryHashLen]
	n, err := strconv.ParseUint(window, 16, 64)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(n, 36)
}

func splitToken(token string) (id, expire int64, hash string, err error) {
	parts := strings.Split(token, "-")
	if len(parts) != 3 {
		return 0, 0, "", ErrTokenInvalid
	}
	id, err = strconv.ParseInt(parts[0], 36, 64)
	if err != nil {
		return 0, 0, "", ErrTokenInvalid
	}
	expire, err = strconv.ParseInt(parts[1], 36, 64)
	if err != nil {
		return 0, 0, "", ErrTokenInvalid
	}
	return id, expire, parts[2], nil
}
