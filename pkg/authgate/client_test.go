package authgate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignUp_Success(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/signup", r.URL.Path)
		assert.Equal(t, "https://canvas.example.com/auth/callback", r.URL.Query().Get("redirect_to"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(User{ID: "user-1", Email: "jane@acme.com"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "service-key")
	user, err := client.SignUp(context.Background(), SignUpParams{
		Email:      "jane@acme.com",
		Password:   "pw",
		RedirectTo: "https://canvas.example.com/auth/callback",
		Data:       map[string]any{"full_name": "Jane Doe"},
	})

	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "jane@acme.com", gotBody["email"])

	data, ok := gotBody["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", data["full_name"])
}

func TestSignUp_ErrorMessageSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"msg": "A user with this email address has already been registered"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "service-key")
	_, err := client.SignUp(context.Background(), SignUpParams{Email: "jane@acme.com", Password: "pw"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been registered")
	assert.Contains(t, err.Error(), "422")
}

func TestUserMetadata_EmptyWhenUnset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(User{ID: "user-1", Email: "jane@acme.com"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "service-key")
	meta, err := client.UserMetadata(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Empty(t, meta)
	assert.NotNil(t, meta)
}

func TestUpdateUserMetadata_MergePreservesUnrelatedKeys(t *testing.T) {
	var putBody struct {
		UserMetadata map[string]any `json:"user_metadata"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(User{
				ID: "user-1",
				UserMetadata: map[string]json.RawMessage{
					"theme":     json.RawMessage(`"dark"`),
					"full_name": json.RawMessage(`"Jane Doe"`),
				},
			})
		case http.MethodPut:
			assert.Equal(t, "/admin/users/user-1", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&putBody))
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "service-key")
	err := client.UpdateUserMetadata(context.Background(), "user-1", map[string]any{
		"knowbook_api_key": "kb_secret",
	})

	require.NoError(t, err)
	assert.Equal(t, "kb_secret", putBody.UserMetadata["knowbook_api_key"])
	// Unrelated metadata keys survive the write.
	assert.Contains(t, putBody.UserMetadata, "theme")
	assert.Contains(t, putBody.UserMetadata, "full_name")
}

func TestUpdateUserMetadata_ReadFailureAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"msg": "user not found"})
			return
		}
		t.Error("write must not happen when the read fails")
	}))
	defer server.Close()

	client := NewClient(server.URL, "service-key")
	err := client.UpdateUserMetadata(context.Background(), "missing", map[string]any{"k": "v"})
	assert.Error(t, err)
}
