package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claims(sub, role string, exp time.Duration) Claims {
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
		},
	}
}

func TestJWT_Authenticate(t *testing.T) {
	j := JWT{Secret: []byte("s3cret")}

	tok, err := j.Sign(claims("user-1", "", time.Hour))
	require.NoError(t, err)
	p, err := j.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "user-1"}, p)

	tok, err = j.Sign(claims("root", "admin", time.Hour))
	require.NoError(t, err)
	p, err = j.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, p.Admin)
}

func TestJWT_Rejects(t *testing.T) {
	j := JWT{Secret: []byte("s3cret")}

	expired, err := j.Sign(claims("user-1", "", -time.Minute))
	require.NoError(t, err)
	otherKey, err := JWT{Secret: []byte("other")}.Sign(claims("user-1", "", time.Hour))
	require.NoError(t, err)
	noSubject, err := j.Sign(claims("", "", time.Hour))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":    expired,
		"wrong key":  otherKey,
		"no subject": noSubject,
		"garbage":    "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := j.Authenticate(context.Background(), tok)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}
