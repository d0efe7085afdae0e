package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"secure-exec/internal/config"
)

var testKeys = []config.APIKey{
	{Key: "alice-key", Identity: "alice", Role: config.RoleUser},
	{Key: "admin-key", Identity: "root", Role: config.RoleAdmin},
}

// principalEcho writes the resolved identity and role as headers.
func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Header().Set("X-Identity", p.Identity)
		w.Header().Set("X-Role", p.Role)
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		keys         []config.APIKey
		anonymous    bool
		header       string
		value        string
		wantStatus   int
		wantIdentity string
		wantRole     string
	}{
		{"api key header", testKeys, false, "X-API-Key", "alice-key", http.StatusOK, "alice", config.RoleUser},
		{"bearer token", testKeys, false, "Authorization", "Bearer admin-key", http.StatusOK, "root", config.RoleAdmin},
		{"unknown key", testKeys, false, "X-API-Key", "bad-key", http.StatusUnauthorized, "", ""},
		{"missing key", testKeys, false, "", "", http.StatusUnauthorized, "", ""},
		{"basic auth is not bearer", testKeys, false, "Authorization", "Basic YWxpY2U6eA==", http.StatusUnauthorized, "", ""},
		{"no keys rejects", nil, false, "X-API-Key", "anything", http.StatusUnauthorized, "", ""},
		{"no keys anonymous", nil, true, "", "", http.StatusOK, "192.0.2.1", config.RoleUser},
		{"keys configured ignore anonymous", testKeys, true, "", "", http.StatusUnauthorized, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware(config.SecurityConfig{
				APIKeys:        tt.keys,
				AllowAnonymous: tt.anonymous,
			})(principalEcho())

			req := httptest.NewRequest(http.MethodGet, "/execute", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("X-Identity"); got != tt.wantIdentity {
				t.Errorf("identity = %q, want %q", got, tt.wantIdentity)
			}
			if got := rec.Header().Get("X-Role"); got != tt.wantRole {
				t.Errorf("role = %q, want %q", got, tt.wantRole)
			}
		})
	}
}

func TestAuthMiddleware_CustomHeader(t *testing.T) {
	handler := AuthMiddleware(config.SecurityConfig{
		APIKeys:      testKeys,
		APIKeyHeader: "X-Exec-Token",
	})(principalEcho())

	req := httptest.NewRequest(http.MethodGet, "/execute", nil)
	req.Header.Set("X-Exec-Token", "alice-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims tokenClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return raw
}

func TestAuthMiddleware_JWT(t *testing.T) {
	now := time.Now()
	valid := func(sub, role string) tokenClaims {
		return tokenClaims{
			Role: role,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   sub,
				Issuer:    "exec-auth",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}
	expired := valid("bob", "")
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	wrongIssuer := valid("bob", "")
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name         string
		token        string
		wantStatus   int
		wantIdentity string
		wantRole     string
	}{
		{"user token", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid("bob", "")), http.StatusOK, "bob", config.RoleUser},
		{"admin token", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid("ops", "admin")), http.StatusOK, "ops", config.RoleAdmin},
		{"api key still works", "alice-key", http.StatusOK, "alice", config.RoleUser},
		{"unknown role", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid("bob", "root")), http.StatusUnauthorized, "", ""},
		{"missing subject", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid("", "")), http.StatusUnauthorized, "", ""},
		{"expired", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), http.StatusUnauthorized, "", ""},
		{"wrong issuer", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer), http.StatusUnauthorized, "", ""},
		{"wrong secret", signToken(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), valid("bob", "")), http.StatusUnauthorized, "", ""},
		{"HS512 rejected", signToken(t, jwt.SigningMethodHS512, []byte(testSecret), valid("bob", "")), http.StatusUnauthorized, "", ""},
		{"garbage", "not.a.token", http.StatusUnauthorized, "", ""},
	}

	handler := AuthMiddleware(config.SecurityConfig{
		APIKeys:   testKeys,
		JWTSecret: testSecret,
		JWTIssuer: "exec-auth",
	})(principalEcho())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/execute", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("X-Identity"); got != tt.wantIdentity {
				t.Errorf("identity = %q, want %q", got, tt.wantIdentity)
			}
			if got := rec.Header().Get("X-Role"); got != tt.wantRole {
				t.Errorf("role = %q, want %q", got, tt.wantRole)
			}
		})
	}
}

func TestAuthMiddleware_ExpiredTokenMessage(t *testing.T) {
	claims := tokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	handler := AuthMiddleware(config.SecurityConfig{JWTSecret: testSecret})(principalEcho())

	req := httptest.NewRequest(http.MethodGet, "/execute", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, []byte(testSecret), claims))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "token expired") {
		t.Errorf("body = %s", body)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "req-123" || rec.Header().Get("X-Request-ID") != "req-123" {
		t.Errorf("propagated id = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "req-123" {
		t.Errorf("generated id = %q", seen)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "INTERNAL" {
		t.Errorf("code = %q, want INTERNAL", got)
	}
}

func TestMaxBodyMiddleware_RejectsOversizedUpload(t *testing.T) {
	h := newTestHandlers(&mockExecutor{maxSize: 1 << 20}, &mockAdmission{allow: 1}, &mockLogs{})
	handler := MaxBodyMiddleware(512)(http.HandlerFunc(h.HandleExecute))

	body, contentType := multipartBody(t, uploadField, "big.py", make([]byte, 4096))
	req := httptest.NewRequest(http.MethodPost, "/execute", body)
	req.Header.Set("Content-Type", contentType)
	req = req.WithContext(withPrincipal(req.Context(), *alice))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "FILE_TOO_LARGE" {
		t.Errorf("code = %q, want FILE_TOO_LARGE", got)
	}
}
