package rms

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// MemorySessionStore is a map-backed SessionStore for tests and interactive
// tooling, where no visitor cookie exists.
type MemorySessionStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{values: map[string]string{}}
}

func (s *MemorySessionStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemorySessionStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *MemorySessionStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

var _ SessionStore = (*MemorySessionStore)(nil)

// BunSessionStore persists one visitor's session bag as a single rmsSessions
// row, keyed by the visitor id cookie. The bag is loaded once at open, served
// from memory during the request, and flushed back at the end when anything
// changed.
type BunSessionStore struct {
	db *bun.DB
	id string

	mu     sync.Mutex
	values map[string]string
	dirty  bool
}

var _ SessionStore = (*BunSessionStore)(nil)

// OpenSession loads the session bag for the given visitor id, starting empty
// when no row exists yet.
func OpenSession(ctx context.Context, db *bun.DB, id string) (*BunSessionStore, error) {
	s := &BunSessionStore{
		db:     db,
		id:     id,
		values: map[string]string{},
	}

	rec := &SessionRecord{}
	err := db.NewSelect().
		Model(rec).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, nil
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "load session")
	}

	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &s.values); err != nil {
			// A corrupt bag is unrecoverable; start the visitor over.
			s.values = map[string]string{}
			s.dirty = true
		}
	}
	return s, nil
}

func (s *BunSessionStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *BunSessionStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.values[key]; ok && cur == value {
		return
	}
	s.values[key] = value
	s.dirty = true
}

func (s *BunSessionStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.dirty = true
}

// Flush writes the bag back when anything changed since open.
func (s *BunSessionStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(s.values)
	s.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "encode session")
	}

	rec := &SessionRecord{ID: s.id, Data: data, Modified: time.Now().Unix()}
	_, err = s.db.NewInsert().
		Model(rec).
		On("CONFLICT (id) DO UPDATE").
		Set("data = EXCLUDED.data").
		Set("modified = EXCLUDED.modified").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "flush session")
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// PurgeSessions deletes session rows idle for longer than maxIdle and returns
// how many went away.
func PurgeSessions(ctx context.Context, db *bun.DB, maxIdle time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxIdle).Unix()
	res, err := db.NewDelete().
		Model((*SessionRecord)(nil)).
		Where("?TableAlias.modified < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryInternal, "purge sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
