package rms

import (
	"github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidEmail     = "rms_invalid_email"
	TextCodePasswordTooShort = "rms_password_too_short"
	TextCodeReadOnlyField    = "rms_read_only_field"
	TextCodeUnknownField     = "rms_unknown_field"
	TextCodeNotLoaded        = "rms_user_not_loaded"
	TextCodeUnsavedChanges   = "rms_unsaved_changes"
	TextCodeAlreadyLoaded    = "rms_already_loaded"
	TextCodeUserNotFound     = "rms_user_not_found"
	TextCodeUsernameTaken    = "rms_username_taken"
	TextCodeMetaUnpersisted  = "rms_meta_unpersisted"
	TextCodeStorageFailure   = "rms_storage_failure"
	TextCodeBadCredentials   = "rms_bad_credentials"
	TextCodeTokenInvalid     = "rms_token_invalid"
)

// ErrInvalidEmail is returned when a username is not a syntactically valid e-mail.
var ErrInvalidEmail = errors.New("username must be a valid e-mail", errors.CategoryValidation).
	WithTextCode(TextCodeInvalidEmail).
	WithCode(errors.CodeBadRequest)

// ErrPasswordTooShort is returned when a plaintext password is below the minimum length.
var ErrPasswordTooShort = errors.New("password is too short", errors.CategoryValidation).
	WithTextCode(TextCodePasswordTooShort).
	WithCode(errors.CodeBadRequest)

// ErrReadOnlyField is returned when a caller attempts to set id or removed directly.
var ErrReadOnlyField = errors.New("field is read-only", errors.CategoryValidation).
	WithTextCode(TextCodeReadOnlyField).
	WithCode(errors.CodeBadRequest)

// ErrUnknownField is returned for a field name outside the user data model.
var ErrUnknownField = errors.New("field does not exist", errors.CategoryValidation).
	WithTextCode(TextCodeUnknownField).
	WithCode(errors.CodeBadRequest)

// ErrNotLoaded is returned when an operation requires a persisted user id.
var ErrNotLoaded = errors.New("user is not loaded", errors.CategoryOperation).
	WithTextCode(TextCodeNotLoaded).
	WithCode(errors.CodeInternal)

// ErrUnsavedChanges is returned when reloading an instance with pending changes.
var ErrUnsavedChanges = errors.New("user has unsaved changes", errors.CategoryOperation).
	WithTextCode(TextCodeUnsavedChanges).
	WithCode(errors.CodeInternal)

// ErrAlreadyLoaded is returned when re-identifying a loaded instance by username.
var ErrAlreadyLoaded = errors.New("user instance is already loaded", errors.CategoryConflict).
	WithTextCode(TextCodeAlreadyLoaded).
	WithCode(errors.CodeConflict)

// ErrUserNotFound is returned by lookups that expect the row to exist.
var ErrUserNotFound = errors.New("user not found", errors.CategoryNotFound).
	WithTextCode(TextCodeUserNotFound).
	WithCode(errors.CodeNotFound)

// ErrUsernameTaken is returned when registering or renaming to an existing active username.
var ErrUsernameTaken = errors.New("username is already taken", errors.CategoryConflict).
	WithTextCode(TextCodeUsernameTaken).
	WithCode(errors.CodeConflict)

// ErrMetaUnpersisted is returned when writing meta data for a user with no persisted id.
var ErrMetaUnpersisted = errors.New("cannot write meta data, user has no id", errors.CategoryOperation).
	WithTextCode(TextCodeMetaUnpersisted).
	WithCode(errors.CodeInternal)

// ErrStorageFailure is returned for generic persistence failures, such as an
// insert that yields no id.
var ErrStorageFailure = errors.New("storage operation failed", errors.CategoryInternal).
	WithTextCode(TextCodeStorageFailure).
	WithCode(errors.CodeInternal)

// ErrBadCredentials is the fail-closed credential error. It is logged and
// converted to a negative result at the authentication boundary, never raised
// past it.
var ErrBadCredentials = errors.New("invalid username or password", errors.CategoryAuth).
	WithTextCode(TextCodeBadCredentials).
	WithCode(errors.CodeUnauthorized)

// ErrTokenInvalid covers expired, tampered, or over-lived auto-login and
// recovery tokens.
var ErrTokenInvalid = errors.New("token is invalid or expired", errors.CategoryAuth).
	WithTextCode(TextCodeTokenInvalid).
	WithCode(errors.CodeUnauthorized)

// IsNotFound reports whether err represents a lookup miss.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var rich *errors.Error
	if errors.As(err, &rich) {
		return rich.Category == errors.CategoryNotFound
	}
	return false
}

// IsInvalidArgument reports whether err represents malformed input.
func IsInvalidArgument(err error) bool {
	if err == nil {
		return false
	}
	var rich *errors.Error
	if errors.As(err, &rich) {
		return rich.Category == errors.CategoryValidation
	}
	return false
}

// IsInvalidState reports whether err represents a lifecycle-contract violation.
func IsInvalidState(err error) bool {
	if err == nil {
		return false
	}
	var rich *errors.Error
	if errors.As(err, &rich) {
		return rich.Category == errors.CategoryOperation
	}
	return false
}

// IsConflict reports whether err represents a duplicate or identity conflict.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var rich *errors.Error
	if errors.As(err, &rich) {
		return rich.Category == errors.CategoryConflict
	}
	return false
}
