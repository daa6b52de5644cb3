package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/numhive/platform/internal/auth"
	"github.com/numhive/platform/internal/domain/user"
	"github.com/numhive/platform/internal/errors"
)

type ctxKey int

const (
	claimsKey ctxKey = iota
	correlationKey
)

const (
	correlationHeader = "X-Correlation-ID"
	csrfCookieName    = "nh_csrf"
	csrfHeaderName    = "X-CSRF-Token"

	rateWindow        = time.Minute
	retryAfterSeconds = 60
)

// ClaimsFrom returns the verified token claims, or nil outside the
// authenticated subtree.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

// CorrelationFrom returns the request's correlation id.
func CorrelationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// correlate echoes the caller's correlation id, minting one when absent.
// Every response carries the header so support can tie logs to reports.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.WithFields(map[string]interface{}{
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         ww.Status(),
			"bytes":          ww.BytesWritten(),
			"duration_ms":    time.Since(start).Milliseconds(),
			"correlation_id": CorrelationFrom(r.Context()),
		}).Info("http request")
	})
}

// authenticate verifies the bearer token and stores its claims in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, errors.Unauthorized("missing bearer token"))
			return
		}
		claims, err := s.issuer.Verify(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

// requireAdmin gates the admin subtree on the token role.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if claims == nil || claims.Role != user.RoleAdmin {
			writeError(w, errors.Forbidden("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the per-user sliding window. Limit and remaining are
// reported on every response; excess gets 429 with Retry-After.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.cfg.RateLimitPerMin
		if s.redis == nil || limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := "http:" + rateSubject(r)
		ok, err := s.redis.Allow(r.Context(), key, limit, rateWindow)
		if err != nil {
			// Rate limiting is advisory; a cache outage must not take the
			// API down with it.
			s.log.WithError(err).Warn("rate window unavailable")
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		if remaining, err := s.redis.WindowRemaining(r.Context(), key, limit, rateWindow); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			writeError(w, errors.AuthRateLimited("request rate exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateSubject(r *http.Request) string {
	if claims := ClaimsFrom(r.Context()); claims != nil {
		return claims.UserID
	}
	return "ip:" + r.RemoteAddr
}

// csrf enforces the double-submit check on mutating methods: the header
// must replay the signed cookie. Safe methods pass through and receive
// the cookie when they carry none.
func (s *Server) csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.csrfSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			if _, err := r.Cookie(csrfCookieName); err != nil {
				s.setCSRFCookie(w)
			}
			next.ServeHTTP(w, r)
			return
		}
		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || !verifyCSRFToken(s.csrfSecret, cookie.Value) {
			writeError(w, errors.Forbidden("csrf cookie missing or invalid"))
			return
		}
		header := r.Header.Get(csrfHeaderName)
		if header == "" || !hmac.Equal([]byte(header), []byte(cookie.Value)) {
			writeError(w, errors.Forbidden("csrf token mismatch"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setCSRFCookie(w http.ResponseWriter) {
	token := issueCSRFToken(s.csrfSecret)
	if token == "" {
		return
	}
	// Not HttpOnly: the client reads the cookie to replay it in the
	// header, which is the double-submit proof.
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
}

// issueCSRFToken mints "nonce.mac" where mac = HMAC-SHA256(secret, nonce).
// The signature proves this server set the cookie, so an attacker cannot
// plant an arbitrary matching pair from a subdomain.
func issueCSRFToken(secret string) string {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return ""
	}
	n := hex.EncodeToString(nonce)
	return n + "." + csrfMAC(secret, n)
}

func verifyCSRFToken(secret, token string) bool {
	nonce, mac, ok := strings.Cut(token, ".")
	if !ok || nonce == "" {
		return false
	}
	return hmac.Equal([]byte(mac), []byte(csrfMAC(secret, nonce)))
}

func csrfMAC(secret, nonce string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(nonce))
	return hex.EncodeToString(m.Sum(nil))
}
