package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler_OK(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	HealthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", body)
	}
}

func TestReadyHandler(t *testing.T) {
	t.Parallel()

	up := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name     string
		deps     []Pinger
		expected int
	}{
		{name: "no dependencies", expected: http.StatusOK},
		{name: "all reachable", deps: []Pinger{up, up}, expected: http.StatusOK},
		{name: "one down", deps: []Pinger{up, down}, expected: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			ReadyHandler(tt.deps...)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.expected {
				t.Fatalf("expected status %d, got %d", tt.expected, rec.Code)
			}
		})
	}
}
