package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func issueToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tok
}

func identityHandler(t *testing.T) (http.Handler, *string, *string) {
	t.Helper()
	var user, device string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user = UserID(r.Context())
		device = DeviceID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return h, &user, &device
}

func TestMiddlewareValidToken(t *testing.T) {
	inner, user, device := identityHandler(t)
	h := Middleware(JWTCfg{HS256Secret: testSecret})(inner)

	tok := issueToken(t, jwt.MapClaims{
		"sub": "user-1",
		"did": "device-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/sync/conflicts", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if *user != "user-1" || *device != "device-a" {
		t.Errorf("identity = %q/%q, want user-1/device-a", *user, *device)
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	inner, _, _ := identityHandler(t)
	h := Middleware(JWTCfg{HS256Secret: testSecret})(inner)

	expired := issueToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong key", wrongKey},
		{"garbage", "not.a.jwt"},
		{"missing", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sync/conflicts", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestMiddlewareDevModeHeaders(t *testing.T) {
	inner, user, device := identityHandler(t)
	h := Middleware(JWTCfg{HS256Secret: testSecret, DevMode: true})(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/sync/conflicts", nil)
	req.Header.Set("X-Debug-Sub", "dev-user")
	req.Header.Set("X-Device-ID", "dev-device")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if *user != "dev-user" || *device != "dev-device" {
		t.Errorf("identity = %q/%q", *user, *device)
	}
}

// A Bearer token always wins over debug headers, even in dev mode.
func TestMiddlewareDevModeIgnoresHeadersWhenTokenPresent(t *testing.T) {
	inner, user, _ := identityHandler(t)
	h := Middleware(JWTCfg{HS256Secret: testSecret, DevMode: true})(inner)

	tok := issueToken(t, jwt.MapClaims{
		"sub": "jwt-user",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/sync/conflicts", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Debug-Sub", "spoofed")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if *user != "jwt-user" {
		t.Errorf("user = %q, want jwt-user", *user)
	}
}

func TestMiddlewareDevModeDisabled(t *testing.T) {
	inner, _, _ := identityHandler(t)
	h := Middleware(JWTCfg{HS256Secret: testSecret})(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/sync/conflicts", nil)
	req.Header.Set("X-Debug-Sub", "dev-user")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 (debug header honored without DevMode)", rec.Code)
	}
}
