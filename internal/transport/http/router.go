package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Services is everything the router dispatches to.
type Services struct {
	Reservations ReservationService
	Callbacks    CallbackService
	Admin        AdminService
	Rates        RateAdmin
}

type RouterConfig struct {
	Logger      *slog.Logger
	Auth        *Authenticator
	CORSOrigins []string
	ReplayGuard ReplayGuard
	Ready       []Pinger
}

func NewRouter(cfg RouterConfig, svc Services) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(Tracing)
	r.Use(CORS(cfg.CORSOrigins))

	r.NotFound(NotFoundHandler().ServeHTTP)
	r.MethodNotAllowed(MethodNotAllowedHandler().ServeHTTP)

	r.Get("/health", HealthHandler)
	r.Get("/ready", ReadyHandler(cfg.Ready...))

	r.With(CallbackReplayGuard(cfg.ReplayGuard, cfg.Logger)).
		Post("/payment-callback", HandlePaymentCallback(svc.Callbacks))

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", HandleCreateReservation(svc.Reservations))
			r.Get("/", HandleListMyReservations(svc.Reservations))
			r.Get("/{id}", HandleGetReservation(svc.Reservations))
			r.Post("/{id}/payment-intent", HandlePaymentIntent(svc.Reservations))
			r.Post("/{id}/cancel", HandleCancelReservation(svc.Reservations))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/rooms/{roomID}/rate", HandleGetRate(svc.Rates))
			r.Put("/rooms/{roomID}/rate", HandleSetRate(svc.Rates))
			r.Get("/rooms/{roomID}/reservations", HandleRoomReservations(svc.Admin))
			r.Post("/reservations/{id}/approve", HandleApproveReservation(svc.Admin))
			r.Get("/reconciliation", HandleListReconciliation(svc.Admin))
			r.Post("/reconciliation/{id}/retry", HandleRetryReconciliation(svc.Admin))
		})
	})

	return r
}
