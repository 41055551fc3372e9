package rms_test

import (
	"context"
	"sort"
	"sync"
	"time"

	rms "github.com/zolinga/go-rms"
)

// memStore is an in-memory Store with the same row semantics as the SQL
// implementation: id lookups see removed rows, username lookups do not, and
// deleting a user cascades into meta and rights.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	users    map[int64]rms.UserRecord
	meta     map[int64]map[string][]byte
	commands map[string]string
	rights   map[int64]map[string]bool

	metaReads int
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[int64]rms.UserRecord{},
		meta:     map[int64]map[string][]byte{},
		commands: map[string]string{},
		rights:   map[int64]map[string]bool{},
	}
}

func (s *memStore) UserByID(_ context.Context, id int64) (*rms.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[id]
	if !ok {
		return nil, rms.ErrUserNotFound
	}
	out := rec
	return &out, nil
}

func (s *memStore) UserByUsername(_ context.Context, username string) (*rms.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.users {
		if rec.Removed == 0 && rec.Username != nil && *rec.Username == username {
			out := rec
			return &out, nil
		}
	}
	return nil, rms.ErrUserNotFound
}

func (s *memStore) ActiveUserByID(_ context.Context, id int64) (*rms.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[id]
	if !ok || rec.Removed != 0 {
		return nil, rms.ErrUserNotFound
	}
	out := rec
	return &out, nil
}

func (s *memStore) InsertUser(_ context.Context, rec *rms.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.users[rec.ID] = *rec
	return nil
}

func (s *memStore) UpdateUserFields(_ context.Context, id int64, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[id]
	if !ok {
		return rms.ErrUserNotFound
	}
	for col, value := range fields {
		switch col {
		case "username":
			rec.Username = value.(*string)
		case "password":
			rec.Password = value.(*string)
		case "lang":
			rec.Lang = value.(*string)
		case "removed":
			rec.Removed = value.(int64)
		case "canLogin":
			rec.CanLogin = value.(bool)
		case "created":
			rec.Created = value.(int64)
		case "modified":
			rec.Modified = value.(int64)
		case "lastLogin":
			rec.LastLogin = value.(int64)
		case "lastLoginFrom":
			rec.LastLoginFrom = value.(*string)
		}
	}
	s.users[id] = rec
	return nil
}

func (s *memStore) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	delete(s.meta, id)
	delete(s.rights, id)
	return nil
}

func (s *memStore) MetaGet(_ context.Context, userID int64, prop string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaReads++
	data, ok := s.meta[userID][prop]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) MetaSet(_ context.Context, userID int64, prop string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta[userID] == nil {
		s.meta[userID] = map[string][]byte{}
	}
	s.meta[userID][prop] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) MetaDelete(_ context.Context, userID int64, prop string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta[userID], prop)
	return nil
}

func (s *memStore) MetaSearch(_ context.Context, prop string, data []byte, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, props := range s.meta {
		if string(props[prop]) == string(data) && props[prop] != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) EnsureCommand(_ context.Context, hash []byte, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[string(hash)]; !ok {
		s.commands[string(hash)] = text
	}
	return nil
}

func (s *memStore) InsertRight(_ context.Context, userID int64, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rights[userID] == nil {
		s.rights[userID] = map[string]bool{}
	}
	s.rights[userID][string(hash)] = true
	return nil
}

func (s *memStore) DeleteRight(_ context.Context, userID int64, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rights[userID], string(hash))
	return nil
}

func (s *memStore) HeldRights(_ context.Context, userID int64, hashes [][]byte) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var held [][]byte
	for _, h := range hashes {
		if s.rights[userID][string(h)] {
			held = append(held, h)
		}
	}
	return held, nil
}

func (s *memStore) ListRights(_ context.Context, userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var texts []string
	for hash := range s.rights[userID] {
		texts = append(texts, s.commands[hash])
	}
	sort.Strings(texts)
	return texts, nil
}

func (s *memStore) UserIDsByRights(_ context.Context, hashes [][]byte) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]bool{}
	for id, held := range s.rights {
		for _, h := range hashes {
			if held[string(h)] {
				seen[id] = true
			}
		}
	}
	var ids []int64
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memStore) rightRows(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rights[userID])
}

var _ rms.Store = (*memStore)(nil)

// memCookies records cookie writes per name so tests can inspect the channel.
type memCookies struct {
	mu   sync.Mutex
	jar  map[string]rms.Cookie
	gone map[string]bool
}

func newMemCookies() *memCookies {
	return &memCookies{jar: map[string]rms.Cookie{}, gone: map[string]bool{}}
}

func (c *memCookies) Get(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jar[name].Value
}

func (c *memCookies) Set(ck rms.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jar[ck.Name] = ck
	delete(c.gone, ck.Name)
}

func (c *memCookies) Clear(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jar, name)
	c.gone[name] = true
}

func (c *memCookies) cleared(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gone[name]
}

var _ rms.CookieChannel = (*memCookies)(nil)

// fixedClock returns a Clock pinned to one instant.
func fixedClock(at time.Time) rms.Clock {
	return func() time.Time { return at }
}
