package debug

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "castbot/pkg/logx"
)

func TestHealthAndStatus(t *testing.T) {
	ready := false
	s := New(Config{}, func() bool { return ready }, func() map[string]any {
		return map[string]any{"queued": 2}
	}, logx.Nop())
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready code = %d", rec.Code)
	}
	ready = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if got["queued"] != float64(2) {
		t.Fatalf("status = %v", got)
	}
}

func TestTokenRequired(t *testing.T) {
	h := New(Config{Token: "s3cret"}, nil, nil, logx.Nop()).Handler()
	cases := []struct {
		url    string
		header string
		code   int
	}{
		{"/healthz", "", http.StatusUnauthorized},
		{"/healthz?token=wrong", "", http.StatusUnauthorized},
		{"/healthz?token=s3cret", "", http.StatusOK},
		{"/healthz", "Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.url, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.code {
			t.Fatalf("%s %q: code = %d", tc.url, tc.header, rec.Code)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"bad":            false,
	} {
		if got := isLoopback(addr); got != want {
			t.Fatalf("isLoopback(%q) = %v", addr, got)
		}
	}
}
