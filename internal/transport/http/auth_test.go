package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stayease/reservations/internal/domain"
)

func signed(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestAuthenticator_Principal(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator(testSecret, "stayease-auth", nil)
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name    string
		token   string
		want    domain.Principal
		wantErr bool
	}{
		{
			name: "admin",
			token: signed(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
				Role:             "admin",
				RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-1", Issuer: "stayease-auth", ExpiresAt: future},
			}),
			want: domain.Principal{ID: "ops-1", Role: domain.RoleAdmin},
		},
		{
			name: "unknown role falls back to guest",
			token: signed(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
				Role:             "superuser",
				RegisteredClaims: jwt.RegisteredClaims{Subject: "g-1", Issuer: "stayease-auth", ExpiresAt: future},
			}),
			want: domain.Principal{ID: "g-1", Role: domain.RoleGuest},
		},
		{
			name: "expired",
			token: signed(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "g-1", Issuer: "stayease-auth", ExpiresAt: past},
			}),
			wantErr: true,
		},
		{
			name: "wrong issuer",
			token: signed(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "g-1", Issuer: "elsewhere", ExpiresAt: future},
			}),
			wantErr: true,
		},
		{
			name: "wrong secret",
			token: signed(t, jwt.SigningMethodHS256, []byte("other"), Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "g-1", Issuer: "stayease-auth", ExpiresAt: future},
			}),
			wantErr: true,
		},
		{
			name: "other hmac algorithm",
			token: signed(t, jwt.SigningMethodHS512, []byte(testSecret), Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "g-1", Issuer: "stayease-auth", ExpiresAt: future},
			}),
			wantErr: true,
		},
		{
			name: "missing subject",
			token: signed(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
				RegisteredClaims: jwt.RegisteredClaims{Issuer: "stayease-auth", ExpiresAt: future},
			}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := auth.Principal(tt.token)
			if tt.wantErr {
				if err != domain.ErrUnauthenticated {
					t.Fatalf("expected ErrUnauthenticated, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name      string
		principal *domain.Principal
		expected  int
	}{
		{name: "no principal", expected: http.StatusUnauthorized},
		{name: "guest", principal: &domain.Principal{ID: "g-1", Role: domain.RoleGuest}, expected: http.StatusForbidden},
		{name: "admin", principal: &domain.Principal{ID: "ops-1", Role: domain.RoleAdmin}, expected: http.StatusNoContent},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/admin/reconciliation", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), *tt.principal))
			}
			rec := httptest.NewRecorder()
			RequireAdmin(next).ServeHTTP(rec, req)

			if rec.Code != tt.expected {
				t.Fatalf("expected status %d, got %d", tt.expected, rec.Code)
			}
		})
	}
}
