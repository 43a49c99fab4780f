package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/knowbook/canvas-server/internal/services"
)

// SignupHandler serves the signup form action.
type SignupHandler struct {
	orch *services.SignupOrchestrator
}

func NewSignupHandler(orch *services.SignupOrchestrator) *SignupHandler {
	return &SignupHandler{orch: orch}
}

// Post runs the signup workflow and redirects the browser to wherever the
// workflow decided: the confirmation page, or the signup page with an error
// query parameter. POST /auth/signup
func (h *SignupHandler) Post(w http.ResponseWriter, r *http.Request) {
	params, err := parseSignupParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if params.Email == "" || params.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	outcome := h.orch.SignUp(r.Context(), params)
	http.Redirect(w, r, outcome.RedirectURL, http.StatusSeeOther)
}

// parseSignupParams accepts both the HTML form post and a JSON body.
func parseSignupParams(r *http.Request) (services.SignupParams, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Email            string `json:"email"`
			Password         string `json:"password"`
			FullName         string `json:"fullName"`
			OrganizationName string `json:"organizationName"`
			Plan             string `json:"plan"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return services.SignupParams{}, err
		}
		return services.SignupParams{
			Email:            body.Email,
			Password:         body.Password,
			FullName:         body.FullName,
			OrganizationName: body.OrganizationName,
			Plan:             body.Plan,
		}, nil
	}

	if err := r.ParseForm(); err != nil {
		return services.SignupParams{}, err
	}
	return services.SignupParams{
		Email:            r.PostFormValue("email"),
		Password:         r.PostFormValue("password"),
		FullName:         r.PostFormValue("fullName"),
		OrganizationName: r.PostFormValue("organizationName"),
		Plan:             r.PostFormValue("plan"),
	}, nil
}
