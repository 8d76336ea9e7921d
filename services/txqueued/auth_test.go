package txqueued

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticatorRequiresToken(t *testing.T) {
	if _, err := NewAuthenticator("  "); err == nil {
		t.Fatalf("expected error for blank token")
	}
}

func TestAuthenticatorMiddleware(t *testing.T) {
	auth, err := NewAuthenticator("secret")
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusTeapot},
		{"case insensitive scheme", "bearer secret", http.StatusTeapot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/tx", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
