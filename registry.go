package rms

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"weak"

	"github.com/goliatone/go-errors"
)

// Registry is the process-local identity cache and the sole factory for User
// instances. While a User stays reachable, every lookup by its id or username
// returns that same instance, so in-memory state never diverges between two
// copies of the same account. The cache holds weak pointers only: once every
// external holder is gone the instance is collectable, and dead or removed
// entries are pruned lazily on the next cache scan.
//
// The registry is scoped to one process. Cross-process coherence comes from
// every mutation persisting immediately or being dirty-tracked locally.
type Registry struct {
	store     Store
	log       Logger
	clock     Clock
	analytics AnalyticsProvider
	config    Config

	mu     sync.Mutex
	cache  map[int64]weak.Pointer[User]
	byName map[string]int64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithLogger(log Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func WithClock(clock Clock) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithAnalytics supplies the collaborator that seeds landing/referrer page
// meta into freshly created users.
func WithAnalytics(a AnalyticsProvider) RegistryOption {
	return func(r *Registry) { r.analytics = a }
}

func WithConfig(cfg Config) RegistryOption {
	return func(r *Registry) {
		if cfg != nil {
			r.config = cfg
		}
	}
}

// NewRegistry builds a Registry over the given store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		log:    defLogger{},
		clock:  time.Now,
		config: DefaultConfig{},
		cache:  map[int64]weak.Pointer[User]{},
		byName: map[string]int64{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// newEntity constructs a bare User wired to the registry's collaborators. A
// finalizer reports instances collected with unsaved changes; that is a
// programmer-mistake diagnostic, never a failure.
func (r *Registry) newEntity() *User {
	u := newUser(r.store, r.log, r.clock)
	log := r.log
	runtime.SetFinalizer(u, func(u *User) {
		if u.IsDirty() {
			log.Warn("%s discarded with unsaved changes", u)
		}
	})
	return u
}

// Guest returns a fresh anonymous User with no identity. Guests hold only the
// "member of guests" pseudo-right and are never cached.
func (r *Registry) Guest() *User {
	return r.newEntity()
}

// GetUser resolves who (integer id, numeric string, or email username) to its
// User, loading it if no live instance exists. Lookup by id intentionally
// resolves soft-removed users so they stay addressable for audit; lookup by
// username never does.
func (r *Registry) GetUser(ctx context.Context, who any) (*User, error) {
	id, username := splitIdent(who)
	if id == 0 && username == "" {
		return nil, ErrUserNotFound
	}

	if id != 0 {
		if u := r.cachedByID(id); u != nil {
			return u, nil
		}
		u := r.newEntity()
		if err := u.load(ctx, id); err != nil {
			return nil, err
		}
		r.register(u)
		return u, nil
	}

	username = NormalizeUsername(username)
	if u := r.cachedByName(username); u != nil {
		return u, nil
	}
	u := r.newEntity()
	if err := u.loadByUsername(ctx, username); err != nil {
		return nil, err
	}
	// The name index may lag behind a rename; the id cache is authoritative.
	// When a live instance already exists, re-index it and discard the copy.
	if cached := r.cachedByID(u.ID()); cached != nil {
		r.register(cached)
		return cached, nil
	}
	r.register(u)
	return u, nil
}

// FindUser is the optional-lookup variant of GetUser: a miss returns nil
// without an error, and empty or zero input is a miss without a storage
// query. Unlike GetUser, the id path goes through the active-row query, so
// removed users are not found either way.
func (r *Registry) FindUser(ctx context.Context, who any) (*User, error) {
	id, username := splitIdent(who)
	if id == 0 && username == "" {
		return nil, nil
	}

	if id != 0 {
		if u := r.cachedByID(id); u != nil && !u.IsRemoved() {
			return u, nil
		}
		rec, err := r.store.ActiveUserByID(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return r.adopt(rec), nil
	}

	u, err := r.GetUser(ctx, username)
	if err != nil {
		if IsNotFound(err) || IsInvalidArgument(err) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// NewUserData carries the initial fields of an account to create.
type NewUserData struct {
	Username string
	Password string
	Lang     string
}

// CreateUser registers a new account. The username must be an unused email
// among active users; the password is optional and is hashed before the row
// is written. Outside interactive runs the analytics collaborator seeds the
// landing and referrer page meta, best effort.
func (r *Registry) CreateUser(ctx context.Context, data NewUserData) (*User, error) {
	username := NormalizeUsername(data.Username)

	if existing, err := r.store.UserByUsername(ctx, username); err == nil && existing != nil {
		return nil, ErrUsernameTaken.Clone().WithMetadata(map[string]any{"username": username})
	} else if err != nil && !IsNotFound(err) {
		return nil, err
	}

	u := r.newEntity()
	u.hydrate(UserRecord{CanLogin: true})
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	if data.Password != "" {
		if err := u.SetPassword(data.Password); err != nil {
			return nil, err
		}
	}
	if data.Lang != "" {
		if err := u.SetLang(data.Lang); err != nil {
			return nil, err
		}
	}

	if err := u.create(ctx); err != nil {
		return nil, err
	}
	r.register(u)

	if r.analytics != nil && !r.config.IsInteractive() {
		r.seedAnalytics(ctx, u)
	}

	r.log.Info("created %s", u)
	return u, nil
}

// seedAnalytics records where the new user came from. Failures are logged and
// swallowed; the account is already created and stays valid.
func (r *Registry) seedAnalytics(ctx context.Context, u *User) {
	if page := r.analytics.LandingPage(); page != "" {
		if err := u.Meta().Set(ctx, MetaLandingPage, page); err != nil {
			r.log.Warn("seeding landing page for %s: %v", u, err)
		}
	}
	if page := r.analytics.ReferrerPage(); page != "" {
		if err := u.Meta().Set(ctx, MetaReferrerPage, page); err != nil {
			r.log.Warn("seeding referrer page for %s: %v", u, err)
		}
	}
}

// RemoveUser resolves who to a User and hard-deletes it. Passing an instance
// the cache does not track is tolerated with a warning.
func (r *Registry) RemoveUser(ctx context.Context, who any) error {
	var u *User
	if direct, ok := who.(*User); ok {
		u = direct
		if !r.tracks(u) {
			r.log.Warn("removing untracked %s", u)
		}
	} else {
		found, err := r.FindUser(ctx, who)
		if err != nil {
			return err
		}
		if found == nil {
			return ErrUserNotFound.Clone().WithMetadata(map[string]any{"who": who})
		}
		u = found
	}

	r.log.Info("removing %s", u)
	return u.Wipe(ctx)
}

// FindUserIDsByRight returns the sorted, deduplicated ids of every user
// holding any of the given rights. The implicit membership pseudo-rights are
// not stored and never match.
func (r *Registry) FindUserIDsByRight(ctx context.Context, rights ...string) ([]int64, error) {
	var lookup []string
	for _, right := range rights {
		if !isMembershipRight(right) {
			lookup = append(lookup, right)
		}
	}
	if len(lookup) == 0 {
		return nil, nil
	}
	return r.store.UserIDsByRights(ctx, commandHashes(lookup))
}

// SearchMeta returns the ids of all users whose prop meta equals the JSON
// encoding of value. A limit of zero means unlimited.
func (r *Registry) SearchMeta(ctx context.Context, prop string, value any, limit int) ([]int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "encode meta search value").
			WithMetadata(map[string]any{"prop": prop})
	}
	return r.store.MetaSearch(ctx, prop, data, limit)
}

// FindUsersByMeta resolves SearchMeta hits to live instances. A row deleted
// between the search and the resolution is skipped, not an error.
func (r *Registry) FindUsersByMeta(ctx context.Context, prop string, value any, limit int) ([]*User, error) {
	ids, err := r.SearchMeta(ctx, prop, value, limit)
	if err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(ids))
	for _, id := range ids {
		u, err := r.GetUser(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (r *Registry) cachedByID(id int64) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

func (r *Registry) cachedByName(username string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[username]
	if !ok {
		return nil
	}
	u := r.lookupLocked(id)
	if u == nil || u.Username() != username {
		// Dead entry or the account was renamed since indexing.
		delete(r.byName, username)
		return nil
	}
	return u
}

// lookupLocked resolves one id and prunes the entry when its instance is gone
// or removed. Callers hold r.mu.
func (r *Registry) lookupLocked(id int64) *User {
	p, ok := r.cache[id]
	if !ok {
		return nil
	}
	u := p.Value()
	if u == nil || u.IsRemoved() {
		delete(r.cache, id)
		return nil
	}
	return u
}

// adopt returns the live instance for an already fetched row, or registers a
// new one hydrated from it.
func (r *Registry) adopt(rec *UserRecord) *User {
	if u := r.cachedByID(rec.ID); u != nil {
		return u
	}
	u := r.newEntity()
	u.hydrate(*rec)
	r.register(u)
	return u
}

func (r *Registry) register(u *User) {
	id := u.ID()
	if id == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	r.cache[id] = weak.Make(u)
	if name := u.Username(); name != "" {
		r.byName[name] = id
	}
}

func (r *Registry) tracks(u *User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.cache[u.ID()]
	return ok && p.Value() == u
}

// sweepLocked evicts entries whose instance was collected or removed.
// Callers hold r.mu.
func (r *Registry) sweepLocked() {
	for id, p := range r.cache {
		if u := p.Value(); u == nil || u.IsRemoved() {
			delete(r.cache, id)
		}
	}
	for name, id := range r.byName {
		if _, ok := r.cache[id]; !ok {
			delete(r.byName, name)
		}
	}
}

// splitIdent coerces a lookup key: integers and numeric strings become id
// lookups, anything else a username lookup.
func splitIdent(who any) (int64, string) {
	switch v := who.(type) {
	case int64:
		return v, ""
	case int:
		return int64(v), ""
	case int32:
		return int64(v), ""
	case uint64:
		return int64(v), ""
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, ""
		}
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			return id, ""
		}
		return 0, s
	case *User:
		return v.ID(), ""
	default:
		return 0, ""
	}
}
