package api

import (
	"net/http"

	"github.com/loomworks/loom/pkg/auth"
)

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		WorkspaceName string `json:"workspace_name"`
	}
	if _, err := decodeBody(w, r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if body.Email == "" {
		writeError(w, s.logger, missingField("email"))
		return
	}
	if len(body.Password) < 12 {
		writeError(w, s.logger, failWith(ReasonMissingRequiredField, "password must be at least 12 characters"))
		return
	}
	if body.WorkspaceName == "" {
		body.WorkspaceName = "default"
	}

	owner, err := s.auth.Bootstrap(r.Context(), body.Email, body.Password, body.WorkspaceName)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"owner_id":     owner.OwnerID,
		"workspace_id": owner.WorkspaceID,
		"email":        owner.Email,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if _, err := decodeBody(w, r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if body.Email == "" {
		writeError(w, s.logger, missingField("email"))
		return
	}

	token, owner, err := s.auth.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        token,
		"owner_id":     owner.OwnerID,
		"workspace_id": owner.WorkspaceID,
	})
}
