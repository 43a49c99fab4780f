// Package authgate is a client for the external auth service: account
// creation, per-user metadata, and the realtime session event stream.
package authgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the auth service's REST API. Admin operations use the
// service-role key and must never be exposed to browsers.
type Client struct {
	httpClient *http.Client
	baseURL    string
	serviceKey string
}

// NewClient creates a new auth service client.
func NewClient(baseURL, serviceKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:    baseURL,
		serviceKey: serviceKey,
	}
}

// User is the auth service's account representation.
type User struct {
	ID           string                     `json:"id"`
	Email        string                     `json:"email"`
	CreatedAt    time.Time                  `json:"created_at,omitempty"`
	UserMetadata map[string]json.RawMessage `json:"user_metadata,omitempty"`
}

// SignUpParams are the inputs for account creation.
type SignUpParams struct {
	Email    string
	Password string
	// RedirectTo is where the confirmation email sends the user.
	RedirectTo string
	// Data is seeded into the account's user metadata.
	Data map[string]any
}

type signUpBody struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

// SignUp creates an auth account with email/password. The service sends the
// confirmation email itself; this call only registers the account.
func (c *Client) SignUp(ctx context.Context, params SignUpParams) (*User, error) {
	endpoint := c.baseURL + "/signup"
	if params.RedirectTo != "" {
		endpoint += "?redirect_to=" + url.QueryEscape(params.RedirectTo)
	}

	body, err := json.Marshal(signUpBody{
		Email:    params.Email,
		Password: params.Password,
		Data:     params.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.readError(resp)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to parse signup response: %w", err)
	}
	return &user, nil
}

// UserMetadata returns the account's metadata map. A missing account is an
// error; an account with no metadata returns an empty map.
func (c *Client) UserMetadata(ctx context.Context, userID string) (map[string]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/admin/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.readError(resp)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}
	if user.UserMetadata == nil {
		return map[string]json.RawMessage{}, nil
	}
	return user.UserMetadata, nil
}

// UpdateUserMetadata merges patch into the account's metadata, touching only
// the named keys. The auth service replaces metadata wholesale on write, so
// this reads the current map first; the read-then-write window is accepted
// (one signup per user expected).
func (c *Client) UpdateUserMetadata(ctx context.Context, userID string, patch map[string]any) error {
	current, err := c.UserMetadata(ctx, userID)
	if err != nil {
		return err
	}

	merged := make(map[string]any, len(current)+len(patch))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	body, err := json.Marshal(map[string]any{"user_metadata": merged})
	if err != nil {
		return fmt.Errorf("failed to encode metadata update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/admin/users/"+url.PathEscape(userID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.readError(resp)
	}
	return nil
}

// readError maps an auth service error body to a Go error.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var parsed struct {
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Msg != "":
			return fmt.Errorf("auth service error (status %d): %s", resp.StatusCode, parsed.Msg)
		case parsed.Message != "":
			return fmt.Errorf("auth service error (status %d): %s", resp.StatusCode, parsed.Message)
		case parsed.ErrorDescription != "":
			return fmt.Errorf("auth service error (status %d): %s", resp.StatusCode, parsed.ErrorDescription)
		}
	}
	return fmt.Errorf("auth service error (status %d): %s", resp.StatusCode, string(body))
}
