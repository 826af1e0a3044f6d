package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyIssuedToken(t *testing.T) {
	v := NewVerifier("sekret")
	tok, err := v.Issue("user-1", time.Minute)
	require.NoError(t, err)

	uid, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", uid)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, err := NewVerifier("one").Issue("user-1", time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier("two").Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("sekret")
	tok, err := v.Issue("user-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewVerifier("sekret").Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
