package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	now := time.Now()
	token, err := Sign("s3cret", "partition-a", []string{RolePeer}, time.Minute, now)
	require.NoError(t, err)

	p, err := Verify(token, "s3cret")
	require.NoError(t, err)
	require.Equal(t, "partition-a", p.Subject)
	require.True(t, p.HasRole(RolePeer))
	require.False(t, p.HasRole("admin"))

	_, err = Verify(token, "other")
	require.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	token, err := Sign("s3cret", "alice", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = Verify(token, "s3cret")
	require.Error(t, err)
}

func TestMissingSecret(t *testing.T) {
	_, err := Sign("", "alice", nil, 0, time.Now())
	require.Error(t, err)
	_, err = Verify("x.y.z", " ")
	require.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	require.True(t, ok)
	require.Equal(t, "abc", tok)
	_, ok = BearerToken("Basic abc")
	require.False(t, ok)
}
