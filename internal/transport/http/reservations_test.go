package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stayease/reservations/internal/app"
	"github.com/stayease/reservations/internal/domain"
)

type fakeReservations struct {
	bookErr    error
	gotBooking app.RequestBookingInput
	gotReason  string
	cancel     app.CancelResult
}

func (f *fakeReservations) RequestBooking(_ context.Context, in app.RequestBookingInput) (domain.Reservation, error) {
	f.gotBooking = in
	if f.bookErr != nil {
		return domain.Reservation{}, f.bookErr
	}
	return domain.Reservation{
		ID:          "res-1",
		RoomID:      in.RoomID,
		GuestID:     in.Principal.ID,
		Guest:       in.Guest,
		Range:       in.Range,
		GuestCount:  in.GuestCount,
		TotalAmount: 400000,
		Currency:    "INR",
		State:       domain.StateHeld,
	}, nil
}

func (f *fakeReservations) GetReservation(context.Context, domain.Principal, string) (domain.Reservation, error) {
	return domain.Reservation{}, domain.ErrNotFound
}

func (f *fakeReservations) ListMyReservations(context.Context, domain.Principal) ([]domain.Reservation, error) {
	return nil, nil
}

func (f *fakeReservations) InitiatePayment(context.Context, domain.Principal, string) (app.PaymentIntentResult, error) {
	return app.PaymentIntentResult{}, domain.ErrHoldExpired
}

func (f *fakeReservations) CancelReservation(_ context.Context, _ domain.Principal, _ string, reason string) (app.CancelResult, error) {
	f.gotReason = reason
	return f.cancel, nil
}

var guestPrincipal = domain.Principal{ID: "guest-1", Role: domain.RoleGuest}

func TestHandleCreateReservation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           string
		anonymous      bool
		serviceErr     error
		expectedStatus int
		expectedSubstr string
	}{
		{
			name:           "held",
			body:           `{"room_id":"R101","check_in":"2024-06-01","check_out":"2024-06-03","guest_count":2,"guest_info":{"name":"Asha","email":"asha@example.com"}}`,
			expectedStatus: http.StatusCreated,
			expectedSubstr: `"state":"HELD"`,
		},
		{
			name:           "invalid json",
			body:           `{"room_id":`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: codeInvalidRequestBody,
		},
		{
			name:           "unknown field",
			body:           `{"room_id":"R101","check_in":"2024-06-01","check_out":"2024-06-03","guest_count":2,"guest_info":{"name":"Asha"},"price":1}`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: codeInvalidRequestBody,
		},
		{
			name:           "missing guest name",
			body:           `{"room_id":"R101","check_in":"2024-06-01","check_out":"2024-06-03","guest_count":2,"guest_info":{}}`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: codeValidation,
		},
		{
			name:           "bad email",
			body:           `{"room_id":"R101","check_in":"2024-06-01","check_out":"2024-06-03","guest_count":2,"guest_info":{"name":"Asha","email":"nope"}}`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: codeValidation,
		},
		{
			name:           "inverted range",
			body:           `{"room_id":"R101","check_in":"2024-06-03","check_out":"2024-06-01","guest_count":2,"guest_info":{"name":"Asha"}}`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: codeValidation,
		},
		{
			name:           "room unavailable",
			body:           `{"room_id":"R101","check_in":"2024-06-01","check_out":"2024-06-03","guest_count":2,"guest_info":{"name":"Asha"}}`,
			serviceErr:     domain.ErrRoomUnavailable,
			expectedStatus: http.StatusConflict,
			expectedSubstr: "room no longer available",
		},
		{
			name:           "unauthenticated",
			body:           `{}`,
			anonymous:      true,
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &fakeReservations{bookErr: tt.serviceErr}
			req := httptest.NewRequest(http.MethodPost, "/reservations", strings.NewReader(tt.body))
			if !tt.anonymous {
				req = req.WithContext(WithPrincipal(req.Context(), guestPrincipal))
			}
			rec := httptest.NewRecorder()

			HandleCreateReservation(svc).ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if tt.expectedSubstr != "" && !strings.Contains(rec.Body.String(), tt.expectedSubstr) {
				t.Fatalf("expected body to contain %q, got %q", tt.expectedSubstr, rec.Body.String())
			}
		})
	}
}

func TestHandleCreateReservation_PassesGuestDetails(t *testing.T) {
	t.Parallel()

	svc := &fakeReservations{}
	body := `{"room_id":"R101","check_in":"2024-06-01","check_out":"2024-06-03","guest_count":3,"guest_info":{"name":"Asha","phone":"+91 90000 00000"},"special_requests":"late check-in"}`
	req := httptest.NewRequest(http.MethodPost, "/reservations", strings.NewReader(body))
	req = req.WithContext(WithPrincipal(req.Context(), guestPrincipal))

	HandleCreateReservation(svc).ServeHTTP(httptest.NewRecorder(), req)

	in := svc.gotBooking
	if in.Principal != guestPrincipal || in.GuestCount != 3 || in.SpecialRequests != "late check-in" {
		t.Fatalf("unexpected booking input: %+v", in)
	}
	if in.Guest.Phone != "+91 90000 00000" || in.Range.Nights() != 2 {
		t.Fatalf("unexpected guest or range: %+v", in)
	}
}

func TestHandleCancelReservation(t *testing.T) {
	t.Parallel()

	cancelled := domain.Reservation{
		ID:        "res-1",
		State:     domain.StateCancelled,
		Range:     domain.MustDateRange("2024-06-01", "2024-06-03"),
		CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{name: "no body"},
		{name: "with reason", body: `{"reason":"plans changed"}`, reason: "plans changed"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &fakeReservations{cancel: app.CancelResult{Reservation: cancelled, Refund: domain.RefundRequested}}
			r := chi.NewRouter()
			r.Post("/reservations/{id}/cancel", HandleCancelReservation(svc))

			req := httptest.NewRequest(http.MethodPost, "/reservations/res-1/cancel", strings.NewReader(tt.body))
			req = req.WithContext(WithPrincipal(req.Context(), guestPrincipal))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d (%s)", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"refund":"requested"`) {
				t.Fatalf("expected refund status in body, got %q", rec.Body.String())
			}
			if svc.gotReason != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, svc.gotReason)
			}
		})
	}
}

func TestHandlePaymentIntent_MapsHoldExpired(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Post("/reservations/{id}/payment-intent", HandlePaymentIntent(&fakeReservations{}))

	req := httptest.NewRequest(http.MethodPost, "/reservations/res-1/payment-intent", nil)
	req = req.WithContext(WithPrincipal(req.Context(), guestPrincipal))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), codeHoldExpired) {
		t.Fatalf("expected 409 hold_expired, got %d %s", rec.Code, rec.Body.String())
	}
}
