package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cgsbridge/internal/auth"
	"cgsbridge/internal/events"
)

const rememberDuration = 30 * 24 * time.Hour

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authenticator auth.Authenticator
	jwtManager    *auth.JWTManager
	wsTokenStore  *auth.WSTokenStore
	rateLimiter   *auth.LoginRateLimiter
	eventStore    events.Recorder
}

// NewAuthHandler creates new auth handler
func NewAuthHandler(authenticator auth.Authenticator, jwtManager *auth.JWTManager, wsTokenStore *auth.WSTokenStore, rateLimiter *auth.LoginRateLimiter, eventStore events.Recorder) *AuthHandler {
	return &AuthHandler{
		authenticator: authenticator,
		jwtManager:    jwtManager,
		wsTokenStore:  wsTokenStore,
		rateLimiter:   rateLimiter,
		eventStore:    eventStore,
	}
}

// LoginRequest represents login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// LoginResponse represents login response
type LoginResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	User    *auth.User `json:"user,omitempty"`
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if allowed, remaining := h.rateLimiter.Allow(clientIP); !allowed {
		w.Header().Set("Retry-After", fmt.Sprint(remaining))
		writeJSON(w, http.StatusTooManyRequests, LoginResponse{
			Success: false,
			Message: "Too many login attempts",
		})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Invalid request body",
		})
		return
	}

	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Username and password are required",
		})
		return
	}

	if h.authenticator == nil {
		writeJSON(w, http.StatusServiceUnavailable, LoginResponse{
			Success: false,
			Message: "Login is not available",
		})
		return
	}

	user, err := h.authenticator.Authenticate(req.Username, req.Password)
	if err != nil {
		h.rateLimiter.RecordFailure(clientIP)
		h.record(events.EventLoginFailed, req.Username, false, clientIP)
		writeJSON(w, http.StatusUnauthorized, LoginResponse{
			Success: false,
			Message: "Invalid username or password",
		})
		return
	}

	h.rateLimiter.Reset(clientIP)

	tokenDuration := h.jwtManager.Duration()
	if req.Remember {
		tokenDuration = rememberDuration
	}

	token, err := h.jwtManager.GenerateTokenWithDuration(user, tokenDuration)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, LoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
		return
	}

	auth.SetAuthCookie(w, r, token, int(tokenDuration.Seconds()))
	h.record(events.EventLogin, user.Username, true, clientIP)

	writeJSON(w, http.StatusOK, LoginResponse{
		Success: true,
		User:    user,
	})
}

// Logout handles POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	username := ""
	if user := auth.GetUserFromContext(r.Context()); user != nil {
		username = user.Username
	}

	auth.ClearAuthCookie(w)
	h.record(events.EventLogout, username, true, getClientIP(r))

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": user,
	})
}

// WSToken handles GET /api/auth/ws-token and returns a one-time token
// for the live device feed.
func (h *AuthHandler) WSToken(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	token, err := h.wsTokenStore.Generate(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *AuthHandler) record(t events.EventType, username string, success bool, clientIP string) {
	if h.eventStore != nil {
		h.eventStore.Add(t, "", username, success, clientIP)
	}
}
