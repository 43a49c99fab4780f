package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret"

func signToken(t *testing.T, secret, subject, email string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	var gotUserID, gotEmail string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = GetUserIDFromContext(r.Context())
		gotEmail, _ = GetEmailFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := AuthMiddleware(testSecret)(next)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "user-1", "jane@acme.com", time.Hour))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", gotUserID)
	assert.Equal(t, "jane@acme.com", gotEmail)
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no token", ""},
		{"malformed header", "Token abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer "},
		{"expired token", "Bearer "},
		{"empty subject", "Bearer "},
	}
	tests[3].header += signToken(t, "other-secret", "user-1", "jane@acme.com", time.Hour)
	tests[4].header += signToken(t, testSecret, "user-1", "jane@acme.com", -time.Hour)
	tests[5].header += signToken(t, testSecret, "", "jane@acme.com", time.Hour)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler must not run")
	})
	handler := AuthMiddleware(testSecret)(next)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}
