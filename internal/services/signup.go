package services

import (
	"context"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/knowbook/canvas-server/pkg/authgate"
	"github.com/knowbook/canvas-server/pkg/knowbook"
)

// AccountCreator is the auth service's account creation call.
type AccountCreator interface {
	SignUp(ctx context.Context, params authgate.SignUpParams) (*authgate.User, error)
}

// KnowbookAPI is the slice of the Knowbook client the orchestrator needs.
type KnowbookAPI interface {
	HealthCheck(ctx context.Context) bool
	CreateOrganizationWithAdmin(ctx context.Context, req knowbook.SignupRequest) (*knowbook.SignupResponse, error)
}

// SignupParams are the signup form inputs.
type SignupParams struct {
	Email            string
	Password         string
	FullName         string
	OrganizationName string
	Plan             string
}

// SignupOutcome is where the browser goes next. RedirectURL is always set.
type SignupOutcome struct {
	RedirectURL string
	AccountID   string
	Connected   bool
}

// SignupOrchestrator runs the one sequential signup workflow: create the auth
// account, then best-effort create a Knowbook organization and persist the
// issued key. The auth account is the system of record for "does this user
// exist"; the Knowbook connection is an enhancement completed later through
// the connect endpoint if steps 2/3 fail, so nothing after account creation
// is ever fatal and step 1 is never rolled back.
type SignupOrchestrator struct {
	auth     AccountCreator
	api      KnowbookAPI
	creds    *CredentialStore
	notifier *Notifier
	siteURL  string
}

// NewSignupOrchestrator wires the workflow. notifier may be nil.
func NewSignupOrchestrator(auth AccountCreator, api KnowbookAPI, creds *CredentialStore, notifier *Notifier, siteURL string) *SignupOrchestrator {
	return &SignupOrchestrator{
		auth:     auth,
		api:      api,
		creds:    creds,
		notifier: notifier,
		siteURL:  siteURL,
	}
}

// SignUp executes the workflow and returns the redirect target. Only auth
// account creation can fail the flow; every later failure is logged and the
// user still lands on the email confirmation page.
func (o *SignupOrchestrator) SignUp(ctx context.Context, params SignupParams) SignupOutcome {
	account, err := o.auth.SignUp(ctx, authgate.SignUpParams{
		Email:      params.Email,
		Password:   params.Password,
		RedirectTo: o.siteURL + "/auth/callback",
		Data: map[string]any{
			"full_name": params.FullName,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("email", params.Email).Msg("Auth account creation failed")
		return SignupOutcome{RedirectURL: o.errorRedirect(err.Error())}
	}

	outcome := SignupOutcome{
		RedirectURL: o.siteURL + "/signup/confirm-email",
		AccountID:   account.ID,
	}

	if !o.api.HealthCheck(ctx) {
		log.Warn().Str("user_id", account.ID).Msg("Knowbook API unhealthy during signup, skipping organization creation")
		o.notify(ctx, "signup: Knowbook API unhealthy, organization creation skipped", account.ID)
		return outcome
	}

	resp, err := o.api.CreateOrganizationWithAdmin(ctx, knowbook.SignupRequest{
		Name:       ResolveOrganizationName(params.OrganizationName, params.FullName, params.Email),
		Domain:     DomainFromEmail(params.Email),
		Plan:       params.Plan,
		AdminName:  ResolveAdminName(params.FullName, params.Email),
		AdminEmail: params.Email,
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", account.ID).Msg("Organization creation failed during signup, user can retry via connect")
		o.notify(ctx, "signup: organization creation failed: "+err.Error(), account.ID)
		return outcome
	}

	if resp.AdminUser.APIKey == "" {
		log.Warn().Str("user_id", account.ID).Msg("Signup response carried no API key, nothing to store")
		return outcome
	}

	if err := o.creds.Store(ctx, account.ID, resp.AdminUser.APIKey, resp.AdminUser.ID, resp.Organization.ID); err != nil {
		log.Error().Err(err).Str("user_id", account.ID).Msg("Failed to persist API key during signup, user can retry via connect")
		o.notify(ctx, "signup: credential store failed: "+err.Error(), account.ID)
		return outcome
	}

	outcome.Connected = true
	return outcome
}

func (o *SignupOrchestrator) errorRedirect(message string) string {
	return o.siteURL + "/signup?error=" + url.QueryEscape(message)
}

func (o *SignupOrchestrator) notify(ctx context.Context, message, userID string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, message, map[string]string{"user_id": userID})
}

// ResolveOrganizationName picks the organization name with strict precedence:
// explicit name, then full name, then the email's local part.
func ResolveOrganizationName(organizationName, fullName, email string) string {
	if organizationName != "" {
		return organizationName
	}
	if fullName != "" {
		return fullName
	}
	return localPart(email)
}

// DomainFromEmail returns the part after "@", or "" when email has none.
func DomainFromEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

func localPart(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	return email[:at]
}

// ResolveAdminName falls back from the full name to the email local part.
func ResolveAdminName(fullName, email string) string {
	if fullName != "" {
		return fullName
	}
	return localPart(email)
}
