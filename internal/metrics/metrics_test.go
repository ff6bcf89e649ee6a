package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/api/v1/tree", "/api/v1/tree"},
		{"/api/v1/stat/r/a/b", "/api/v1/stat"},
		{"/", "/"},
	}
	for _, tt := range tests {
		if got := routeLabel(tt.in); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMiddlewarePassesStatusAndFlush(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("wrapped writer should expose Flush")
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stat/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", rec.Code)
	}
}
