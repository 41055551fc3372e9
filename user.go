package rms

import (
	"context"
	"fmt"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-errors"
)

// User is an account entity bound to one rmsUsers row. Instances are handed
// out exclusively by the Registry, which guarantees at most one live User per
// id. Field writes go through the validation table and are buffered in memory
// until Save; the entity remembers exactly which columns changed and updates
// only those.
//
// A User loaded by id stays addressable after soft removal; a User resolved by
// username never matches a removed row.
type User struct {
	store Store
	log   Logger
	clock Clock

	mu     sync.Mutex
	rec    UserRecord
	loaded bool
	dirty  map[string]struct{}
	meta   *Meta
}

func newUser(store Store, log Logger, clock Clock) *User {
	u := &User{
		store: store,
		log:   log,
		clock: clock,
		dirty: map[string]struct{}{},
	}
	u.meta = newMeta(store, u.ID)
	return u
}

// load hydrates the user from the row with the given id. Removed rows load
// normally so removed users stay addressable for audit. Reloading a clean
// instance is allowed; reloading with pending changes fails.
func (u *User) load(ctx context.Context, id int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.dirty) > 0 {
		return ErrUnsavedChanges
	}
	rec, err := u.store.UserByID(ctx, id)
	if err != nil {
		return err
	}
	u.rec = *rec
	u.loaded = true
	u.meta.Invalidate()
	return nil
}

// loadByUsername hydrates the user from the active row with the given
// username. Removed rows never match. An instance that already holds a
// persisted id cannot be re-identified by username.
func (u *User) loadByUsername(ctx context.Context, username string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.dirty) > 0 {
		return ErrUnsavedChanges
	}
	if u.rec.ID != 0 {
		return ErrAlreadyLoaded
	}

	username = NormalizeUsername(username)
	if err := validation.Validate(username, validation.Required, is.Email); err != nil {
		return ErrInvalidEmail.Clone().WithMetadata(map[string]any{"username": username})
	}

	rec, err := u.store.UserByUsername(ctx, username)
	if err != nil {
		return err
	}
	u.rec = *rec
	u.loaded = true
	u.meta.Invalidate()
	return nil
}

// hydrate adopts an already materialized record without touching storage and
// clears pending changes. Registry use only.
func (u *User) hydrate(rec UserRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rec = rec
	u.loaded = true
	u.dirty = map[string]struct{}{}
}

// create persists a fresh entity as a new row and reloads it under the
// assigned id. The username must be set first.
func (u *User) create(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.rec.ID != 0 {
		return ErrAlreadyLoaded
	}
	if u.rec.Username == nil || *u.rec.Username == "" {
		return ErrInvalidEmail.Clone().WithMetadata(map[string]any{"reason": "username unset"})
	}

	now := u.clock().Unix()
	u.rec.Created = now
	u.rec.Modified = now
	if err := u.store.InsertUser(ctx, &u.rec); err != nil {
		return err
	}

	rec, err := u.store.UserByID(ctx, u.rec.ID)
	if err != nil {
		return err
	}
	u.rec = *rec
	u.loaded = true
	u.dirty = map[string]struct{}{}
	return nil
}

func (u *User) ID() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.ID
}

func (u *User) Username() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rec.Username == nil {
		return ""
	}
	return *u.rec.Username
}

func (u *User) Lang() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rec.Lang == nil {
		return ""
	}
	return *u.rec.Lang
}

func (u *User) CanLogin() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.CanLogin
}

// IsRemoved reports whether the account was soft-removed, or wiped in this
// process (wipe leaves a local removed marker behind).
func (u *User) IsRemoved() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.Removed != 0
}

// IsLoaded reports whether the entity is bound to row data.
func (u *User) IsLoaded() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.loaded
}

// IsPersisted reports whether the entity has a database identity.
func (u *User) IsPersisted() bool {
	return u.ID() != 0
}

// IsDirty reports whether unsaved field changes are pending.
func (u *User) IsDirty() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.dirty) > 0
}

// LastLogin returns the unix timestamp of the last successful login, zero when
// the user never logged in.
func (u *User) LastLogin() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.LastLogin
}

func (u *User) LastLoginFrom() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rec.LastLoginFrom == nil {
		return ""
	}
	return *u.rec.LastLoginFrom
}

// PasswordHash returns the stored bcrypt hash, empty when no password is set.
// The hash participates in the autologin and recovery token bindings.
func (u *User) PasswordHash() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rec.Password == nil {
		return ""
	}
	return *u.rec.Password
}

// Meta returns the user's property bag.
func (u *User) Meta() *Meta {
	return u.meta
}

// NormalizeUsername lowercases and trims an email username so lookups and
// stored values always compare equal.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// fieldSpec describes one addressable column: whether it may be written at
// all, and how to validate and apply an incoming value.
type fieldSpec struct {
	readOnly bool
	apply    func(u *User, value any) error
}

// userFields is the explicit field table. Every publicly addressable field is
// listed; anything else is unknown by construction. The id is assigned only by
// the database and removed only by MarkAsRemoved, so both are read-only here.
var userFields = map[string]fieldSpec{
	"id":      {readOnly: true},
	"removed": {readOnly: true},
	"username": {apply: func(u *User, value any) error {
		s, ok := value.(string)
		if !ok {
			return ErrInvalidEmail
		}
		return u.setUsername(s)
	}},
	"password": {apply: func(u *User, value any) error {
		s, ok := value.(string)
		if !ok {
			return ErrPasswordTooShort
		}
		return u.setPassword(s)
	}},
	"lang": {apply: func(u *User, value any) error {
		s, ok := value.(string)
		if !ok {
			return errFieldType("lang", "string")
		}
		u.applyString("lang", &u.rec.Lang, s)
		return nil
	}},
	"canLogin": {apply: func(u *User, value any) error {
		b, ok := value.(bool)
		if !ok {
			return errFieldType("canLogin", "bool")
		}
		if u.rec.CanLogin != b {
			u.rec.CanLogin = b
			u.dirty["canLogin"] = struct{}{}
		}
		return nil
	}},
	"created": {apply: func(u *User, value any) error {
		ts, err := timestampValue("created", value)
		if err != nil {
			return err
		}
		if u.rec.Created != ts {
			u.rec.Created = ts
			u.dirty["created"] = struct{}{}
		}
		return nil
	}},
	"modified": {apply: func(u *User, value any) error {
		ts, err := timestampValue("modified", value)
		if err != nil {
			return err
		}
		if u.rec.Modified != ts {
			u.rec.Modified = ts
			u.dirty["modified"] = struct{}{}
		}
		return nil
	}},
	"lastLogin": {apply: func(u *User, value any) error {
		ts, err := timestampValue("lastLogin", value)
		if err != nil {
			return err
		}
		if u.rec.LastLogin != ts {
			u.rec.LastLogin = ts
			u.dirty["lastLogin"] = struct{}{}
		}
		return nil
	}},
	"lastLoginFrom": {apply: func(u *User, value any) error {
		s, ok := value.(string)
		if !ok {
			return errFieldType("lastLoginFrom", "string")
		}
		u.applyString("lastLoginFrom", &u.rec.LastLoginFrom, s)
		return nil
	}},
}

func errFieldType(field, want string) error {
	return errors.New(fmt.Sprintf("%s must be a %s", field, want), errors.CategoryValidation).
		WithCode(errors.CodeBadRequest).
		WithMetadata(map[string]any{"field": field})
}

func timestampValue(field string, value any) (int64, error) {
	var ts int64
	switch v := value.(type) {
	case int64:
		ts = v
	case int:
		ts = int64(v)
	default:
		return 0, errFieldType(field, "unix timestamp")
	}
	if ts < 0 {
		return 0, errFieldType(field, "non-negative unix timestamp")
	}
	return ts, nil
}

// applyString stages a nullable string column, skipping no-op writes.
// Callers hold u.mu.
func (u *User) applyString(col string, dst **string, value string) {
	if *dst != nil && **dst == value {
		return
	}
	*dst = &value
	u.dirty[col] = struct{}{}
}

// Set writes one field through the validation table. Read-only fields and
// unknown names fail loudly instead of being silently swallowed.
func (u *User) Set(field string, value any) error {
	spec, ok := userFields[field]
	if !ok {
		return ErrUnknownField.Clone().WithMetadata(map[string]any{"field": field})
	}
	if spec.readOnly {
		return ErrReadOnlyField.Clone().WithMetadata(map[string]any{"field": field})
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.loaded {
		return ErrNotLoaded
	}
	return spec.apply(u, value)
}

// SetUsername validates and stages a new email username.
func (u *User) SetUsername(username string) error {
	return u.Set("username", username)
}

// SetPassword hashes and stages a new password. The plaintext never touches
// the record.
func (u *User) SetPassword(password string) error {
	return u.Set("password", password)
}

func (u *User) SetLang(lang string) error {
	return u.Set("lang", lang)
}

func (u *User) SetCanLogin(canLogin bool) error {
	return u.Set("canLogin", canLogin)
}

func (u *User) setUsername(username string) error {
	username = NormalizeUsername(username)
	if err := validation.Validate(username, validation.Required, is.Email); err != nil {
		return ErrInvalidEmail.Clone().WithMetadata(map[string]any{"username": username})
	}
	u.applyString("username", &u.rec.Username, username)
	return nil
}

func (u *User) setPassword(password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.rec.Password = &hash
	u.dirty["password"] = struct{}{}
	return nil
}

// ValidatePassword checks a plaintext password against the stored hash. It
// fails closed: a disabled account, an empty or too-short plaintext, or a
// missing stored hash all yield false without an error.
func (u *User) ValidatePassword(password string) bool {
	if !u.CanLogin() || len(password) < PasswordMinLength {
		return false
	}
	hash := u.PasswordHash()
	if hash == "" {
		return false
	}
	return ComparePasswordAndHash(password, hash) == nil
}

// Save flushes pending field changes. Only the changed columns are written;
// with nothing pending the call is a no-op. Fresh entities go through the
// registry's create path instead.
func (u *User) Save(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.loaded || u.rec.ID == 0 {
		return ErrNotLoaded
	}
	if len(u.dirty) == 0 {
		return nil
	}

	now := u.clock().Unix()
	u.rec.Modified = now

	fields := make(map[string]any, len(u.dirty)+1)
	for col := range u.dirty {
		fields[col] = u.columnValue(col)
	}
	fields["modified"] = now
	if err := u.store.UpdateUserFields(ctx, u.rec.ID, fields); err != nil {
		return err
	}

	u.dirty = map[string]struct{}{}
	return nil
}

func (u *User) columnValue(col string) any {
	switch col {
	case "username":
		return u.rec.Username
	case "password":
		return u.rec.Password
	case "lang":
		return u.rec.Lang
	case "removed":
		return u.rec.Removed
	case "canLogin":
		return u.rec.CanLogin
	case "created":
		return u.rec.Created
	case "modified":
		return u.rec.Modified
	case "lastLogin":
		return u.rec.LastLogin
	case "lastLoginFrom":
		return u.rec.LastLoginFrom
	default:
		return nil
	}
}

// MarkAsRemoved soft-removes the account: it stamps the removal time, blocks
// future logins, and saves immediately so the removal cannot linger unsaved.
func (u *User) MarkAsRemoved(ctx context.Context) error {
	u.mu.Lock()
	if !u.loaded || u.rec.ID == 0 {
		u.mu.Unlock()
		return ErrNotLoaded
	}
	u.rec.Removed = u.clock().Unix()
	u.rec.CanLogin = false
	u.dirty["removed"] = struct{}{}
	u.dirty["canLogin"] = struct{}{}
	u.mu.Unlock()

	return u.Save(ctx)
}

// Wipe hard-deletes the row; meta and rights rows go with it through the
// schema's cascading foreign keys. The entity reverts to unloaded, keeping a
// local removed marker so the identity cache evicts it on its next scan.
func (u *User) Wipe(ctx context.Context) error {
	u.mu.Lock()
	id := u.rec.ID
	loaded := u.loaded
	u.mu.Unlock()

	if !loaded || id == 0 {
		return ErrNotLoaded
	}
	if err := u.store.DeleteUser(ctx, id); err != nil {
		return err
	}

	u.mu.Lock()
	u.rec = UserRecord{Removed: u.clock().Unix()}
	u.loaded = false
	u.dirty = map[string]struct{}{}
	u.mu.Unlock()
	u.meta.Invalidate()
	return nil
}

// RecordLogin stamps a successful login and saves immediately.
func (u *User) RecordLogin(ctx context.Context, remoteAddr string) error {
	u.mu.Lock()
	if !u.loaded || u.rec.ID == 0 {
		u.mu.Unlock()
		return ErrNotLoaded
	}
	u.rec.LastLogin = u.clock().Unix()
	u.rec.LastLoginFrom = &remoteAddr
	u.dirty["lastLogin"] = struct{}{}
	u.dirty["lastLoginFrom"] = struct{}{}
	u.mu.Unlock()

	return u.Save(ctx)
}

func isMembershipRight(right string) bool {
	return right == RightMemberOfUsers || right == RightMemberOfGuests
}

// Grant gives the user the listed rights. Granting an already held right is a
// no-op; the membership pseudo-rights are implicit and are skipped. Each
// command is written into the dictionary before the grant that references it.
func (u *User) Grant(ctx context.Context, rights ...string) error {
	if !u.IsLoaded() || !u.IsPersisted() {
		return ErrNotLoaded
	}
	for _, right := range rights {
		if isMembershipRight(right) {
			u.log.Debug("grant of implicit right %q skipped for %s", right, u)
			continue
		}
		cmd := NewCommand(right)
		if err := u.store.EnsureCommand(ctx, cmd.Hash(), cmd.Text()); err != nil {
			return err
		}
		if err := u.store.InsertRight(ctx, u.ID(), cmd.Hash()); err != nil {
			return err
		}
	}
	return nil
}

// Revoke takes the listed rights away. Revoking a right the user does not
// hold is a no-op; the membership pseudo-rights cannot be revoked.
func (u *User) Revoke(ctx context.Context, rights ...string) error {
	if !u.IsLoaded() || !u.IsPersisted() {
		return ErrNotLoaded
	}
	for _, right := range rights {
		if isMembershipRight(right) {
			u.log.Debug("revoke of implicit right %q skipped for %s", right, u)
			continue
		}
		if err := u.store.DeleteRight(ctx, u.ID(), NewCommand(right).Hash()); err != nil {
			return err
		}
	}
	return nil
}

// FilterRights returns the subset of rights the user holds, preserving the
// input order. The membership pseudo-rights are answered without touching
// storage: a persisted user is a member of users, everyone else a member of
// guests. It deliberately works on unloaded and guest instances, which hold
// nothing beyond their membership.
func (u *User) FilterRights(ctx context.Context, rights []string) ([]string, error) {
	persisted := u.IsPersisted()

	var lookup []string
	for _, right := range rights {
		if !isMembershipRight(right) {
			lookup = append(lookup, right)
		}
	}

	held := map[string]bool{}
	if persisted && len(lookup) > 0 {
		hashes, err := u.store.HeldRights(ctx, u.ID(), commandHashes(lookup))
		if err != nil {
			return nil, err
		}
		for _, h := range hashes {
			held[string(h)] = true
		}
	}

	out := make([]string, 0, len(rights))
	for _, right := range rights {
		switch {
		case right == RightMemberOfUsers && persisted:
			out = append(out, right)
		case right == RightMemberOfGuests && !persisted:
			out = append(out, right)
		case !isMembershipRight(right) && held[string(NewCommand(right).Hash())]:
			out = append(out, right)
		}
	}
	return out, nil
}

// HasRight reports whether the user holds any of the given rights.
func (u *User) HasRight(ctx context.Context, rights ...string) (bool, error) {
	held, err := u.FilterRights(ctx, rights)
	if err != nil {
		return false, err
	}
	return len(held) > 0, nil
}

// HasRightsAll reports whether the user holds every listed right.
func (u *User) HasRightsAll(ctx context.Context, rights ...string) (bool, error) {
	held, err := u.FilterRights(ctx, rights)
	if err != nil {
		return false, err
	}
	return len(held) == len(rights), nil
}

// ListPermissions returns every right the user holds, the implicit membership
// right first, then the stored grants.
func (u *User) ListPermissions(ctx context.Context) ([]Command, error) {
	membership := RightMemberOfGuests
	if u.IsPersisted() {
		membership = RightMemberOfUsers
	}
	out := []Command{NewCommand(membership)}

	if u.IsPersisted() {
		texts, err := u.store.ListRights(ctx, u.ID())
		if err != nil {
			return nil, err
		}
		for _, text := range texts {
			out = append(out, NewCommand(text))
		}
	}
	return out, nil
}

// IsAdministrator reports whether the user holds the administrators
// membership grant.
func (u *User) IsAdministrator(ctx context.Context) bool {
	ok, err := u.HasRight(ctx, RightMemberOfAdministrators)
	if err != nil {
		u.log.Error("administrator check failed for %s: %v", u, err)
		return false
	}
	return ok
}

// IsGuest reports whether the user is an anonymous visitor without a
// persisted identity.
func (u *User) IsGuest(ctx context.Context) bool {
	ok, err := u.HasRight(ctx, RightMemberOfGuests)
	if err != nil {
		u.log.Error("guest check failed for %s: %v", u, err)
		return false
	}
	return ok
}

// GrantAdministrator promotes the user to the administrators group.
func (u *User) GrantAdministrator(ctx context.Context) error {
	return u.Grant(ctx, RightMemberOfAdministrators)
}

// RevokeAdministrator demotes the user from the administrators group.
func (u *User) RevokeAdministrator(ctx context.Context) error {
	return u.Revoke(ctx, RightMemberOfAdministrators)
}

func (u *User) String() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	id := "not-loaded"
	switch {
	case u.rec.ID != 0:
		id = fmt.Sprintf("%d", u.rec.ID)
	case u.loaded:
		id = "unsaved"
	}

	username := "anonymous"
	if u.rec.Username != nil && *u.rec.Username != "" {
		username = *u.rec.Username
	}

	if u.rec.Removed != 0 {
		return fmt.Sprintf("User[%s, %s, removed]", id, username)
	}
	return fmt.Sprintf("User[%s, %s]", id, username)
}
