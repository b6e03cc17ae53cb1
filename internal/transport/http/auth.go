package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stayease/reservations/internal/domain"
)

type principalKey struct{}

// Claims is the token shape issued by the external auth service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	log    *slog.Logger
}

func NewAuthenticator(secret, issuer string, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, log: log}
}

// Principal parses a raw token into the caller identity.
func (a *Authenticator) Principal(raw string) (domain.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return domain.Principal{}, domain.ErrUnauthenticated
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return domain.Principal{}, domain.ErrUnauthenticated
	}

	role := domain.Role(claims.Role)
	if role != domain.RoleAdmin {
		role = domain.RoleGuest
	}
	return domain.Principal{ID: claims.Subject, Role: role}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, raw, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "authorization token missing")
			return
		}

		p, err := a.Principal(strings.TrimSpace(raw))
		if err != nil {
			a.log.Warn("rejected bearer token", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin must run after Authenticator.Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !p.IsAdmin() {
			writeServiceError(w, domain.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(r *http.Request) (domain.Principal, error) {
	p, ok := r.Context().Value(principalKey{}).(domain.Principal)
	if !ok || p.ID == "" {
		return domain.Principal{}, domain.ErrUnauthenticated
	}
	return p, nil
}
