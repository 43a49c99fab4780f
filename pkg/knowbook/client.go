// Package knowbook is a thin client for the Knowbook backend API: organization
// signup, API key validation and health probing.
//
// The client makes exactly one policy split. Operations that create state
// (CreateOrganizationWithAdmin, CreateUser) return a typed *APIError on any
// failure so the caller must handle it. Operations that only probe state
// (ValidateAPIKey, HealthCheck) degrade silently to false; the caller treats
// "unknown" and "no" identically.
package knowbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultPlan          = "free"
	defaultAdminType     = "admin"
	defaultHealthTimeout = 5 * time.Second
)

// APIError carries the Knowbook API's status code and server-supplied detail.
// Transport failures are reported with a synthetic 500 status.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"error"`
	Detail     string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("knowbook api error (status %d): %s: %s", e.StatusCode, e.Message, e.Detail)
	}
	return fmt.Sprintf("knowbook api error (status %d): %s", e.StatusCode, e.Message)
}

// Client wraps Knowbook API calls with outbound rate limiting.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	adminKey      string
	limiter       Limiter
	healthTimeout time.Duration
}

// Options configures optional client behavior.
type Options struct {
	// RedisURL enables a Redis-backed fixed-window limiter shared across
	// processes. When empty, an in-process limiter is used instead.
	RedisURL string
	// RateLimit is the outbound request budget per minute.
	RateLimit int
	// HealthTimeout bounds HealthCheck so an unreachable backend fails fast.
	HealthTimeout time.Duration
}

// NewClient creates a new Knowbook API client. adminKey is only used by the
// server-side CreateUser variant and may be empty.
func NewClient(baseURL, adminKey string, opts Options) *Client {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 120
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}

	var limiter Limiter
	if opts.RedisURL != "" {
		l, err := NewRedisLimiter(opts.RedisURL, opts.RateLimit, "knowbook_api:rate_limit")
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Redis limiter, falling back to local limiter")
			limiter = NewLocalLimiter(opts.RateLimit)
		} else {
			limiter = l
			log.Info().Msg("Redis outbound limiter initialized")
		}
	} else {
		limiter = NewLocalLimiter(opts.RateLimit)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:       baseURL,
		adminKey:      adminKey,
		limiter:       limiter,
		healthTimeout: opts.HealthTimeout,
	}
}

// SignupRequest is the body of POST /organizations/signup.
type SignupRequest struct {
	Name       string `json:"name"`
	Domain     string `json:"domain,omitempty"`
	Plan       string `json:"plan"`
	AdminName  string `json:"admin_name"`
	AdminEmail string `json:"admin_email"`
	AdminType  string `json:"admin_type"`
}

// Organization as returned by the Knowbook API. Observed here, never owned.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// AdminUser is the organization admin created during signup. APIKey is only
// present in the signup response, never on subsequent reads.
type AdminUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Type   string `json:"type,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

// SignupResponse is the success body of POST /organizations/signup.
type SignupResponse struct {
	Organization Organization `json:"organization"`
	AdminUser    AdminUser    `json:"admin_user"`
	Message      string       `json:"message,omitempty"`
}

// CreateOrganizationWithAdmin creates an organization together with its admin
// user and returns the issued API key inside the admin user. On any failure it
// returns a *APIError and never a partial result.
func (c *Client) CreateOrganizationWithAdmin(ctx context.Context, req SignupRequest) (*SignupResponse, error) {
	if req.Plan == "" {
		req.Plan = defaultPlan
	}
	if req.AdminType == "" {
		req.AdminType = defaultAdminType
	}

	if err := c.waitRateLimit(ctx); err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "rate limit wait aborted", Detail: err.Error()}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "failed to encode request", Detail: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/organizations/signup", bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "failed to create request", Detail: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "knowbook api unreachable", Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseErrorResponse(resp)
	}

	var result SignupResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "failed to parse response", Detail: err.Error()}
	}

	log.Info().
		Str("organization_id", result.Organization.ID).
		Str("plan", result.Organization.Plan).
		Msg("Organization created via Knowbook API")
	return &result, nil
}

// CreateUserRequest is the body of the admin-scoped POST /users.
type CreateUserRequest struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Type           string `json:"type,omitempty"`
}

// CreateUser creates a user inside an existing organization. Requires the
// admin-scoped key the client was constructed with. Same error contract as
// CreateOrganizationWithAdmin.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*AdminUser, error) {
	if c.adminKey == "" {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "admin API key is not configured"}
	}

	if err := c.waitRateLimit(ctx); err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "rate limit wait aborted", Detail: err.Error()}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "failed to encode request", Detail: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users", bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "failed to create request", Detail: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Admin-Key", c.adminKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "knowbook api unreachable", Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseErrorResponse(resp)
	}

	var user AdminUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: "failed to parse response", Detail: err.Error()}
	}
	return &user, nil
}

// ValidateAPIKey reports whether the key is accepted by the Knowbook API.
// Any transport failure or non-2xx status yields false, never an error.
func (c *Client) ValidateAPIKey(ctx context.Context, key string) bool {
	if err := c.waitRateLimit(ctx); err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/validate", nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-API-Key", key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("API key validation request failed")
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// HealthCheck probes the Knowbook API under a bounded deadline so an
// unreachable backend fails fast rather than hanging the caller.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Knowbook API health check failed")
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// parseErrorResponse maps a non-2xx response body {error, detail, status_code}
// to an *APIError, falling back to the raw body as detail.
func parseErrorResponse(resp *http.Response) *APIError {
	body, _ := io.ReadAll(resp.Body)

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: "request failed"}

	var parsed struct {
		Error      string `json:"error"`
		Detail     string `json:"detail"`
		StatusCode int    `json:"status_code"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		apiErr.Message = parsed.Error
		apiErr.Detail = parsed.Detail
	} else if len(body) > 0 {
		apiErr.Detail = string(body)
	}

	return apiErr
}
