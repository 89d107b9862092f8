package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	token, err := m.Generate("u1", "alice")
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "u1", claims.Subject)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Hour).Generate("u1", "alice")
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b", time.Hour).Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewJWTManager("test-secret", -time.Minute)
	token, err := m.Generate("u1", "alice")
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	_, err := m.Verify("not-a-token")
	assert.Error(t, err)
}

func TestVerifyRejectsMissingUserID(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	claims := &Claims{
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.Error(t, err)
}

func TestResolveSession(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	token, err := m.Generate("u42", "bob")
	require.NoError(t, err)

	userID, err := m.ResolveSession(token)
	require.NoError(t, err)
	assert.Equal(t, "u42", userID)

	_, err = m.ResolveSession("bogus")
	assert.Error(t, err)
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	cred, err := CredentialFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "query-token", cred)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	cred, err = CredentialFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "header-token", cred)

	// Query parameter wins when both are present.
	r = httptest.NewRequest("GET", "/ws?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	cred, err = CredentialFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "query-token", cred)

	r = httptest.NewRequest("GET", "/ws", nil)
	_, err = CredentialFromRequest(r)
	assert.Error(t, err)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = CredentialFromRequest(r)
	assert.Error(t, err)
}
