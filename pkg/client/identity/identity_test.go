package identity

import (
	"context"
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims gojwt.MapClaims) string {
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestParseUnverified(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  Identity
	}{
		{
			name:  "sub and username",
			token: signed(t, gojwt.MapClaims{"sub": "u-1", "username": "ann"}),
			want:  Identity{UID: "u-1", Username: "ann"},
		},
		{
			name:  "username falls back to sub",
			token: signed(t, gojwt.MapClaims{"sub": "u-2"}),
			want:  Identity{UID: "u-2", Username: "u-2"},
		},
		{
			name:  "opaque token",
			token: "not-a-jwt",
			want:  Identity{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, *ParseUnverified(tt.token))
		})
	}
}

func TestStaticCredentials(t *testing.T) {
	_, err := NewStaticCredentials("")
	assert.Error(t, err)

	creds, err := NewStaticCredentials(signed(t, gojwt.MapClaims{"sub": "u-1", "username": "ann"}))
	require.NoError(t, err)
	assert.Equal(t, "ann", creds.Identity().Username)

	next := signed(t, gojwt.MapClaims{"sub": "u-1", "username": "ann2"})
	creds.SetToken(next)
	token, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, next, token)
	assert.Equal(t, "ann2", creds.Identity().Username)
}
