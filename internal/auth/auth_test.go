package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	user := &User{Username: "alice", UID: "1000", Role: RoleAdmin}

	token, err := m.GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.Username != "alice" || claims.Role != RoleAdmin {
		t.Errorf("Unexpected claims %+v", claims)
	}
	if claims.Issuer != "cgsbridge" {
		t.Errorf("Expected issuer cgsbridge, got %s", claims.Issuer)
	}
	if !claims.User().IsAdmin() {
		t.Error("Expected admin user from claims")
	}

	t.Run("WrongSecret", func(t *testing.T) {
		other := NewJWTManager("other", time.Hour)
		if _, err := other.ValidateToken(token); err != ErrInvalidToken {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		expired, err := m.GenerateTokenWithDuration(user, -time.Minute)
		if err != nil {
			t.Fatalf("GenerateTokenWithDuration failed: %v", err)
		}
		if _, err := m.ValidateToken(expired); err != ErrExpiredToken {
			t.Errorf("Expected ErrExpiredToken, got %v", err)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		if _, err := m.ValidateToken("not-a-token"); err != ErrInvalidToken {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestMiddleware(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	handler := func(mw *Middleware) http.Handler {
		return mw.RequireAuth(mw.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(GetUserFromContext(r.Context()).Username))
		})))
	}

	adminToken, _ := m.GenerateToken(&User{Username: "alice", Role: RoleAdmin})
	readerToken, _ := m.GenerateToken(&User{Username: "bob", Role: RoleReadOnly})

	tests := []struct {
		name   string
		noAuth bool
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"NoToken", false, func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"Cookie", false, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: CookieName, Value: adminToken})
		}, http.StatusOK, "alice"},
		{"Bearer", false, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+adminToken)
		}, http.StatusOK, "alice"},
		{"ReadOnly", false, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: CookieName, Value: readerToken})
		}, http.StatusForbidden, ""},
		{"BadToken", false, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: CookieName, Value: "bogus"})
		}, http.StatusUnauthorized, ""},
		{"NoAuth", true, func(r *http.Request) {}, http.StatusOK, "anonymous"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler(NewMiddleware(m, tt.noAuth)).ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, rec.Code)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("Expected body %q, got %q", tt.body, rec.Body.String())
			}
		})
	}
}

func TestLoginRateLimiter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rl := NewLoginRateLimiter()
	rl.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		if blocked := rl.RecordFailure("10.0.0.1"); blocked {
			t.Fatalf("Blocked after %d failures", i+1)
		}
	}
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Fatal("Expected IP to be allowed before the fifth failure")
	}
	if !rl.RecordFailure("10.0.0.1") {
		t.Fatal("Expected fifth failure to block")
	}

	ok, remaining := rl.Allow("10.0.0.1")
	if ok {
		t.Fatal("Expected IP to be blocked")
	}
	if remaining <= 0 || remaining > 301 {
		t.Errorf("Unexpected remaining seconds %d", remaining)
	}

	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("Other IPs must not be affected")
	}

	now = now.Add(6 * time.Minute)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Error("Expected block to expire")
	}
	if rl.RecordFailure("10.0.0.1") {
		t.Error("Expected a fresh window after the block")
	}

	rl.Reset("10.0.0.1")
	rl.Cleanup()
	if len(rl.attempts) != 0 {
		t.Errorf("Expected no tracked IPs, got %d", len(rl.attempts))
	}
}

func TestWSTokenStore(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewWSTokenStore()
	s.now = func() time.Time { return now }

	token, err := s.Generate(&User{Username: "alice", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(token) != 2*WSTokenLength {
		t.Errorf("Unexpected token length %d", len(token))
	}

	user, ok := s.Validate(token)
	if !ok || user.Username != "alice" {
		t.Fatalf("Expected token to validate, got %v %v", user, ok)
	}
	if _, ok := s.Validate(token); ok {
		t.Error("Token must be single use")
	}

	expired, _ := s.Generate(&User{Username: "bob"})
	now = now.Add(WSTokenTTL + time.Second)
	if _, ok := s.Validate(expired); ok {
		t.Error("Expired token must be rejected")
	}

	// Generating prunes stale tokens
	_, _ = s.Generate(&User{Username: "carol"})
	now = now.Add(WSTokenTTL + time.Second)
	_, _ = s.Generate(&User{Username: "dave"})
	if s.Len() != 1 {
		t.Errorf("Expected 1 outstanding token, got %d", s.Len())
	}
}
