package handlers

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/logging"
	"github.com/applyforge/applyforge-api/internal/ratelimit"
	"github.com/applyforge/applyforge-api/internal/service"
)

// AuthHandler serves registration and login.
type AuthHandler struct {
	svc   *service.AuthService
	guard *ratelimit.BruteForceGuard
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(svc *service.AuthService, guard *ratelimit.BruteForceGuard) *AuthHandler {
	return &AuthHandler{svc: svc, guard: guard}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	token, err := h.svc.Register(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)), req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusCreated, tokenResponse{Token: token})
}

// Login handles POST /auth/login. The brute-force guard keys on the
// (email, client address) pair: a lockout answers 429 before credentials are
// even checked, failures count toward the lockout, success clears it.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	addr := clientAddr(r)

	if locked, remaining := h.guard.Locked(r.Context(), email, addr); locked {
		w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Seconds())))
		respondError(w, r, apperr.New(apperr.KindRateLimited,
			fmt.Sprintf("too many failed attempts, retry in %s", remaining.Round(time.Second))))
		return
	}

	token, err := h.svc.Login(r.Context(), email, req.Password)
	if err != nil {
		if apperr.Is(err, apperr.KindAuth) {
			h.guard.RecordFailure(r.Context(), email, addr)
			logging.FromContext(r.Context()).Info("login failed", "addr", addr)
		}
		respondError(w, r, err)
		return
	}

	h.guard.RecordSuccess(r.Context(), email, addr)
	respondJSON(w, r, http.StatusOK, tokenResponse{Token: token})
}

// clientAddr extracts the client IP, preferring the realip middleware's
// normalization already applied to RemoteAddr.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
