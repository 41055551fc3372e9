package rms_test

import (
	"crypto/sha1"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	rms "github.com/zolinga/go-rms"
)

func TestCommandIdentityFollowsText(t *testing.T) {
	a := rms.NewCommand("create user")
	b := rms.NewCommand("create user")
	c := rms.NewCommand("remove user")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestCommandHashIsContentDigest(t *testing.T) {
	cmd := rms.NewCommand("list users")

	want := sha1.Sum([]byte("list users"))
	assert.Equal(t, want[:], cmd.Hash())
	assert.Len(t, cmd.Hash(), rms.CommandHashSize)
}

func TestCommandHashCopyIsIndependent(t *testing.T) {
	cmd := rms.NewCommand("edit pages")

	h := cmd.Hash()
	h[0] ^= 0xff

	assert.NotEqual(t, h, cmd.Hash())
}

func TestCommandText(t *testing.T) {
	cmd := rms.NewCommand("member of administrators")
	assert.Equal(t, "member of administrators", cmd.Text())
	assert.Equal(t, "member of administrators", cmd.String())
}

func TestCommandJSONRoundTrip(t *testing.T) {
	cmd := rms.NewCommand("create user")

	data, err := json.Marshal(cmd)
	assert.NoError(t, err)
	assert.Equal(t, `"create user"`, string(data))

	var back rms.Command
	assert.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, cmd.Equal(back))
	assert.Equal(t, cmd.Text(), back.Text())
}

func TestCommandUnmarshalRejectsNonString(t *testing.T) {
	var cmd rms.Command
	assert.Error(t, json.Unmarshal([]byte(`{"text":"x"}`), &cmd))
}
