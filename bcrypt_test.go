package rms_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	rms "github.com/zolinga/go-rms"
)

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{
			name:     "valid password",
			password: "secret1",
			wantErr:  false,
		},
		{
			name:     "minimum length password",
			password: "sixsix",
			wantErr:  false,
		},
		{
			name:     "too short password",
			password: "short",
			wantErr:  true,
		},
		{
			name:     "empty password",
			password: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := rms.HashPassword(tt.password)
			if tt.wantErr {
				assert.Error(t, err)
				assert.ErrorIs(t, err, rms.ErrPasswordTooShort)
				return
			}
			assert.NoError(t, err)
			assert.NotEmpty(t, hash)
			assert.NotEqual(t, tt.password, hash)
		})
	}
}

func TestComparePasswordAndHash(t *testing.T) {
	hash, err := rms.HashPassword("secret1")
	assert.NoError(t, err)

	assert.NoError(t, rms.ComparePasswordAndHash("secret1", hash))
	assert.ErrorIs(t, rms.ComparePasswordAndHash("wrong-password", hash), rms.ErrBadCredentials)
	assert.Error(t, rms.ComparePasswordAndHash("secret1", "not-a-bcrypt-hash"))
}

func TestHashPasswordSaltsEveryCall(t *testing.T) {
	first, err := rms.HashPassword("secret1")
	assert.NoError(t, err)
	second, err := rms.HashPassword("secret1")
	assert.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.NoError(t, rms.ComparePasswordAndHash("secret1", first))
	assert.NoError(t, rms.ComparePasswordAndHash("secret1", second))
}
