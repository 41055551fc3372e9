package rms

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/goliatone/go-errors"
)

// Well-known meta properties.
const (
	MetaLandingPage  = "landingPage"
	MetaReferrerPage = "referrerPage"
	MetaName         = "name"
	MetaSurname      = "surname"
	MetaPicture      = "picture"
)

var jsonNull = []byte("null")

// Meta is a per-user property bag stored as (userId, prop) -> JSON rows.
// Reads are lazy and cached per property: the first Get of a property queries
// storage, later Gets are served from memory. Writes go straight through and
// refresh the cache, so a Meta never serves a value it just overwrote.
//
// Setting a property to nil (or JSON null) deletes the row; a deleted or
// never-set property reads back as absent, the two are indistinguishable.
type Meta struct {
	store  Store
	userID func() int64

	mu sync.Mutex
	// cache holds raw JSON per property; a nil entry records a known miss.
	cache map[string]json.RawMessage
}

func newMeta(store Store, userID func() int64) *Meta {
	return &Meta{
		store:  store,
		userID: userID,
		cache:  map[string]json.RawMessage{},
	}
}

// GetRaw returns the raw JSON value of the property and whether it is set.
func (m *Meta) GetRaw(ctx context.Context, prop string) (json.RawMessage, bool, error) {
	id := m.userID()
	if id == 0 {
		// An unpersisted user has no rows; everything reads as absent.
		m.mu.Lock()
		raw, hit := m.cache[prop]
		m.mu.Unlock()
		if hit && raw != nil {
			return raw, true, nil
		}
		return nil, false, nil
	}

	m.mu.Lock()
	raw, hit := m.cache[prop]
	m.mu.Unlock()
	if hit {
		return raw, raw != nil, nil
	}

	data, err := m.store.MetaGet(ctx, id, prop)
	if err != nil {
		return nil, false, err
	}
	if data != nil && bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		// Legacy rows may carry an explicit null; treat them as absent.
		data = nil
	}

	m.mu.Lock()
	m.cache[prop] = json.RawMessage(data)
	m.mu.Unlock()

	return json.RawMessage(data), data != nil, nil
}

// Get decodes the property into out. It reports whether the property was set;
// out is left untouched on a miss.
func (m *Meta) Get(ctx context.Context, prop string, out any) (bool, error) {
	raw, ok, err := m.GetRaw(ctx, prop)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Wrap(err, errors.CategoryInternal, "decode meta value").
			WithMetadata(map[string]any{"prop": prop})
	}
	return true, nil
}

// GetString is a convenience accessor for string-valued properties. It returns
// the fallback when the property is absent or not a string.
func (m *Meta) GetString(ctx context.Context, prop, fallback string) string {
	var s string
	ok, err := m.Get(ctx, prop, &s)
	if err != nil || !ok {
		return fallback
	}
	return s
}

// Set stores the JSON encoding of value under prop. A nil value deletes the
// property. The owning user must be persisted first.
func (m *Meta) Set(ctx context.Context, prop string, value any) error {
	if value == nil {
		return m.Delete(ctx, prop)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.CategoryValidation, "encode meta value").
			WithMetadata(map[string]any{"prop": prop})
	}
	if bytes.Equal(data, jsonNull) {
		return m.Delete(ctx, prop)
	}

	id := m.userID()
	if id == 0 {
		return ErrMetaUnpersisted.Clone().WithMetadata(map[string]any{"prop": prop})
	}
	if err := m.store.MetaSet(ctx, id, prop, data); err != nil {
		return err
	}

	m.mu.Lock()
	m.cache[prop] = data
	m.mu.Unlock()

	return nil
}

// Delete removes the property. Deleting an absent property is a no-op.
func (m *Meta) Delete(ctx context.Context, prop string) error {
	id := m.userID()
	if id != 0 {
		if err := m.store.MetaDelete(ctx, id, prop); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.cache[prop] = nil
	m.mu.Unlock()

	return nil
}

// Invalidate drops the read cache so the next Get hits storage again.
func (m *Meta) Invalidate() {
	m.mu.Lock()
	m.cache = map[string]json.RawMessage{}
	m.mu.Unlock()
}
