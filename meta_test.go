package rms_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rms "github.com/zolinga/go-rms"
)

func TestMetaRoundTrip(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(newMemStore())
	u := mustCreateUser(t, registry, "alice@example.com", "secret1")

	require.NoError(t, u.Meta().Set(ctx, rms.MetaName, "Alice"))

	var name string
	ok, err := u.Meta().Get(ctx, rms.MetaName, &name)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Alice", name)

	assert.Equal(t, "Alice", u.Meta().GetString(ctx, rms.MetaName, "fallback"))
	assert.Equal(t, "fallback", u.Meta().GetString(ctx, rms.MetaSurname, "fallback"))
}

func TestMetaStructuredValues(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(newMemStore())
	u := mustCreateUser(t, registry, "alice@example.com", "secret1")

	prefs := map[string]any{"theme": "dark", "perPage": float64(25)}
	require.NoError(t, u.Meta().Set(ctx, "prefs", prefs))

	var back map[string]any
	ok, err := u.Meta().Get(ctx, "prefs", &back)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, prefs, back)
}

func TestMetaReadThroughCache(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	registry := newTestRegistry(store)
	u := mustCreateUser(t, registry, "alice@example.com", "secret1")

	require.NoError(t, u.Meta().Set(ctx, rms.MetaName, "Alice"))

	before := store.metaReads
	var name string
	for i := 0; i < 3; i++ {
		ok, err := u.Meta().Get(ctx, rms.MetaName, &name)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, before, store.metaReads, "writes prime the cache; reads never hit storage")
}

func TestMetaMissIsCached(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	registry := newTestRegistry(store)
	u := mustCreateUser(t, registry, "alice@example.com", "secret1")

	before := store.metaReads
	for i := 0; i < 3; i++ {
		var s string
		ok, err := u.Meta().Get(ctx, "absent", &s)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, before+1, store.metaReads, "one storage query, then the known miss is served from memory")
}

func TestMetaDelete(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(newMemStore())
	u := mustCreateUser(t, registry, "alice@example.com", "secret1")

	require.NoError(t, u.Meta().Set(ctx, rms.MetaName, "Alice"))
	require.NoError(t, u.Meta().Delete(ctx, rms.MetaName))

	var name string
	ok, err := u.Meta().Get(ctx, rms.MetaName, &name)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent property is a no-op.
	require.NoError(t, u.Meta().Delete(ctx, "never-set"))
}

func TestMetaNilValueDeletes(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(newMemStore())
	u := mustCreateUser(t, registry, "alice@example.com", "secret1")

	require.NoError(t, u.Meta().Set(ctx, rms.MetaName, "Alice"))
	require.NoError(t, u.Meta().Set(ctx, rms.MetaName, nil))

	_, ok, err := u.Meta().GetRaw(ctx, rms.MetaName)
	require.NoError(t, err)
	assert.False(t, ok)

	// A typed nil encodes to JSON null; same outcome.
	require.NoError(t, u.Meta().Set(ctx, rms.MetaSurname, "Liddell"))
	require.NoError(t, u.Meta().Set(ctx, rms.MetaSurname, (*string)(nil)))
	_, ok, err = u.Meta().GetRaw(ctx, rms.MetaSurname)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetaNullRowReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	registry := newTestRegistry(store)
	u := mustCreateUser(t, registry, "alice@example.com", "secret1")

	// A row carrying an explicit null, as legacy imports can leave behind.
	require.NoError(t, store.MetaSet(ctx, u.ID(), rms.MetaPicture, []byte("null")))

	_, ok, err := u.Meta().GetRaw(ctx, rms.MetaPicture)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetaUnpersistedUser(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(newMemStore())
	guest := registry.Guest()

	// Reads are absent without touching storage.
	var s string
	ok, err := guest.Meta().Get(ctx, rms.MetaName, &s)
	require.NoError(t, err)
	assert.False(t, ok)

	// Writes need a persisted id.
	err = guest.Meta().Set(ctx, rms.MetaName, "Nobody")
	require.Error(t, err)
	assert.True(t, rms.IsInvalidState(err))
}

func TestMetaInvalidateDropsCache(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	registry := newTestRegistry(store)
	u := mustCreateUser(t, registry, "alice@example.com", "secret1")

	require.NoError(t, u.Meta().Set(ctx, rms.MetaName, "Alice"))

	// Another writer changes the row behind the entity's back.
	require.NoError(t, store.MetaSet(ctx, u.ID(), rms.MetaName, json.RawMessage(`"Alicia"`)))
	assert.Equal(t, "Alice", u.Meta().GetString(ctx, rms.MetaName, ""), "the stale cached value is served")

	u.Meta().Invalidate()
	assert.Equal(t, "Alicia", u.Meta().GetString(ctx, rms.MetaName, ""))
}

func TestSearchMeta(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(newMemStore())
	alice := mustCreateUser(t, registry, "alice@example.com", "secret1")
	bob := mustCreateUser(t, registry, "bob@example.com", "secret1")
	carol := mustCreateUser(t, registry, "carol@example.com", "secret1")

	require.NoError(t, alice.Meta().Set(ctx, rms.MetaLandingPage, "/welcome"))
	require.NoError(t, bob.Meta().Set(ctx, rms.MetaLandingPage, "/welcome"))
	require.NoError(t, carol.Meta().Set(ctx, rms.MetaLandingPage, "/pricing"))

	ids, err := registry.SearchMeta(ctx, rms.MetaLandingPage, "/welcome", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID(), bob.ID()}, ids)

	ids, err = registry.SearchMeta(ctx, rms.MetaLandingPage, "/welcome", 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	ids, err = registry.SearchMeta(ctx, rms.MetaLandingPage, "/nowhere", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFindUsersByMeta(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(newMemStore())
	alice := mustCreateUser(t, registry, "alice@example.com", "secret1")
	bob := mustCreateUser(t, registry, "bob@example.com", "secret1")

	require.NoError(t, alice.Meta().Set(ctx, rms.MetaLandingPage, "/welcome"))
	require.NoError(t, bob.Meta().Set(ctx, rms.MetaLandingPage, "/welcome"))

	users, err := registry.FindUsersByMeta(ctx, rms.MetaLandingPage, "/welcome", 0)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Same(t, alice, users[0], "hits resolve through the identity cache")
	assert.Same(t, bob, users[1])
}
