package rms

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// PasswordMinLength is the minimum accepted plaintext password length.
const PasswordMinLength = 6

// HashPassword generates a salted one-way hash for the given plaintext.
// Plaintext shorter than PasswordMinLength is rejected.
func HashPassword(password string) (string, error) {
	if len(password) < PasswordMinLength {
		return "", ErrPasswordTooShort
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}

// ComparePasswordAndHash validates the given cleartext password against the
// stored hash.
func ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrBadCredentials
		}
		return err
	}
	return nil
}
