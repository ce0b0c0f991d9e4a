package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_TokenRoundTrip(t *testing.T) {
	r := NewResolver("test-secret")
	id := &Identity{UID: "u1", Email: "u1@example.com", DisplayName: "Uma"}

	token, err := r.IssueToken(id, time.Hour)
	require.NoError(t, err)

	got, err := r.ResolveToken(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestResolver_RejectsBadTokens(t *testing.T) {
	r := NewResolver("test-secret")
	id := &Identity{UID: "u1"}

	t.Run("garbage", func(t *testing.T) {
		_, err := r.ResolveToken("not.a.token")
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewResolver("other-secret").IssueToken(id, time.Hour)
		require.NoError(t, err)
		_, err = r.ResolveToken(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := r.IssueToken(id, -time.Minute)
		require.NoError(t, err)
		_, err = r.ResolveToken(token)
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).
			SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = r.ResolveToken(token)
		assert.Error(t, err)
	})

	t.Run("unexpected algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = r.ResolveToken(token)
		assert.Error(t, err)
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"bearer abc123", "abc123", true},
		{"Bearer ", "", false},
		{"Basic abc123", "", false},
		{"", "", false},
		{"abc123", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, "header %q", tt.header)
		assert.Equal(t, tt.want, got, "header %q", tt.header)
	}
}
