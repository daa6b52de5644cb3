package httpapi

import (
	"database/sql"
	"net/http"
	"strings"
	"time"

	stderrors "errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/numhive/platform/internal/domain/user"
	"github.com/numhive/platform/internal/errors"
)

const minPasswordLength = 8

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User      userView  `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, errors.Validation("email is invalid"))
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, errors.Validation("password must be at least 8 characters"))
		return
	}

	if _, err := s.users.GetUserByEmail(r.Context(), req.Email); err == nil {
		writeError(w, errors.Validation("email already registered").WithStatus(http.StatusConflict))
		return
	} else if !stderrors.Is(err, sql.ErrNoRows) {
		writeError(w, errors.Database(err))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, errors.Internal("hash password", err))
		return
	}
	created, err := s.users.CreateUser(r.Context(), user.User{
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         user.RoleUser,
	})
	if err != nil {
		writeError(w, errors.Database(err))
		return
	}

	s.issueSession(w, r, created, http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.users.GetUserByEmail(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			writeError(w, errors.Unauthorized("invalid credentials"))
			return
		}
		writeError(w, errors.Database(err))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, errors.Unauthorized("invalid credentials"))
		return
	}

	s.issueSession(w, r, u, http.StatusOK)
}

// issueSession signs a token for u and primes the CSRF cookie the client
// must replay on mutating calls.
func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, u user.User, status int) {
	token, exp, err := s.issuer.Issue(u.ID, u.Email, u.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.csrfSecret != "" {
		s.setCSRFCookie(w)
	}
	s.log.WithFields(map[string]interface{}{
		"user_id":        u.ID,
		"correlation_id": CorrelationFrom(r.Context()),
	}).Info("session issued")
	writeJSON(w, status, authResponse{User: newUserView(u), Token: token, ExpiresAt: exp})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	u, err := s.users.GetUser(r.Context(), claims.UserID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			writeError(w, errors.Unauthorized("account no longer exists"))
			return
		}
		writeError(w, errors.Database(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]userView{"user": newUserView(u)})
}

// handleLogout clears the CSRF cookie. Tokens are stateless; the client
// discards its copy.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
