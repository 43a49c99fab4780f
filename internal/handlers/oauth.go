package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const oauthStateCookie = "kb_oauth_state"

// OAuthHandler runs the authorization-code sign-in flow through the auth
// service. Account creation and session issuance stay with the auth service;
// this handler only shuttles the browser through authorize and exchange.
type OAuthHandler struct {
	config  *oauth2.Config
	siteURL string
}

func NewOAuthHandler(authURL, clientID, clientSecret, selfURL, siteURL string) *OAuthHandler {
	return &OAuthHandler{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  selfURL + "/auth/oauth/callback",
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL + "/authorize",
				TokenURL: authURL + "/token",
			},
		},
		siteURL: siteURL,
	}
}

// Login redirects to the auth service's consent page.
// GET /auth/oauth/login
func (h *OAuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start OAuth flow")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth/oauth",
		MaxAge:   300,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// Callback exchanges the code and hands the session token to the frontend.
// GET /auth/oauth/callback
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || cookie.Value == "" || r.FormValue("state") != cookie.Value {
		writeError(w, http.StatusBadRequest, "Invalid state")
		return
	}

	code := r.FormValue("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "Code not found")
		return
	}

	token, err := h.config.Exchange(r.Context(), code)
	if err != nil {
		log.Error().Err(err).Msg("OAuth code exchange failed")
		writeError(w, http.StatusInternalServerError, "Failed to exchange token")
		return
	}

	http.Redirect(w, r, fmt.Sprintf("%s/oauth/callback?token=%s", h.siteURL, url.QueryEscape(token.AccessToken)), http.StatusFound)
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
