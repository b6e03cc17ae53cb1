package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stayease/reservations/internal/app"
	"github.com/stayease/reservations/internal/domain"
)

// ReservationService is the guest-facing part of the coordinator.
type ReservationService interface {
	RequestBooking(ctx context.Context, in app.RequestBookingInput) (domain.Reservation, error)
	GetReservation(ctx context.Context, p domain.Principal, id string) (domain.Reservation, error)
	ListMyReservations(ctx context.Context, p domain.Principal) ([]domain.Reservation, error)
	InitiatePayment(ctx context.Context, p domain.Principal, id string) (app.PaymentIntentResult, error)
	CancelReservation(ctx context.Context, p domain.Principal, id, reason string) (app.CancelResult, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type guestInfoRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"omitempty,max=32"`
}

type createReservationRequest struct {
	RoomID          string           `json:"room_id" validate:"required"`
	CheckIn         string           `json:"check_in" validate:"required"`
	CheckOut        string           `json:"check_out" validate:"required"`
	GuestCount      int              `json:"guest_count" validate:"required,min=1,max=20"`
	GuestInfo       guestInfoRequest `json:"guest_info"`
	SpecialRequests string           `json:"special_requests" validate:"max=1000"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type guestInfoResponse struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type reservationResponse struct {
	ID               string            `json:"id"`
	RoomID           string            `json:"room_id"`
	HotelID          string            `json:"hotel_id,omitempty"`
	GuestID          string            `json:"guest_id"`
	GuestInfo        guestInfoResponse `json:"guest_info"`
	CheckIn          string            `json:"check_in"`
	CheckOut         string            `json:"check_out"`
	Nights           int               `json:"nights"`
	GuestCount       int               `json:"guest_count"`
	SpecialRequests  string            `json:"special_requests,omitempty"`
	TotalAmount      int64             `json:"total_amount"`
	Currency         string            `json:"currency"`
	State            string            `json:"state"`
	StateReason      string            `json:"state_reason,omitempty"`
	HoldExpiresAt    *time.Time        `json:"hold_expires_at,omitempty"`
	PaymentOrderRef  string            `json:"payment_order_ref,omitempty"`
	PaymentReference string            `json:"payment_reference,omitempty"`
	CancelledBy      string            `json:"cancelled_by,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func toReservationResponse(r domain.Reservation) reservationResponse {
	return reservationResponse{
		ID:      r.ID,
		RoomID:  r.RoomID,
		HotelID: r.HotelID,
		GuestID: r.GuestID,
		GuestInfo: guestInfoResponse{
			Name:  r.Guest.Name,
			Email: r.Guest.Email,
			Phone: r.Guest.Phone,
		},
		CheckIn:          r.Range.CheckIn.Format(domain.DateLayout),
		CheckOut:         r.Range.CheckOut.Format(domain.DateLayout),
		Nights:           r.Range.Nights(),
		GuestCount:       r.GuestCount,
		SpecialRequests:  r.SpecialRequests,
		TotalAmount:      int64(r.TotalAmount),
		Currency:         r.Currency,
		State:            string(r.State),
		StateReason:      r.StateReason,
		HoldExpiresAt:    r.HoldExpiresAt,
		PaymentOrderRef:  r.PaymentOrderRef,
		PaymentReference: r.PaymentReference,
		CancelledBy:      r.CancelledBy,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func toReservationList(rs []domain.Reservation) []reservationResponse {
	out := make([]reservationResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, toReservationResponse(r))
	}
	return out
}

type paymentIntentResponse struct {
	ReservationID string    `json:"reservation_id"`
	Gateway       string    `json:"gateway"`
	OrderRef      string    `json:"order_ref"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type cancelResponse struct {
	Reservation reservationResponse `json:"reservation"`
	Refund      string              `json:"refund"`
}

// HandleCreateReservation requests a booking for the authenticated guest.
func HandleCreateReservation(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		var req createReservationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rng, err := domain.ParseDateRange(req.CheckIn, req.CheckOut)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		res, err := svc.RequestBooking(r.Context(), app.RequestBookingInput{
			Principal: p,
			RoomID:    req.RoomID,
			Range:     rng,
			Guest: domain.GuestContact{
				Name:  req.GuestInfo.Name,
				Email: req.GuestInfo.Email,
				Phone: req.GuestInfo.Phone,
			},
			GuestCount:      req.GuestCount,
			SpecialRequests: req.SpecialRequests,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toReservationResponse(res))
	}
}

func HandleListMyReservations(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		rs, err := svc.ListMyReservations(r.Context(), p)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toReservationList(rs))
	}
}

func HandleGetReservation(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		res, err := svc.GetReservation(r.Context(), p, chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toReservationResponse(res))
	}
}

// HandlePaymentIntent answers 201 for a new gateway order and 200 when the
// existing intent is returned again.
func HandlePaymentIntent(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		res, err := svc.InitiatePayment(r.Context(), p, chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, paymentIntentResponse{
			ReservationID: res.Intent.ReservationID,
			Gateway:       res.Intent.Gateway,
			OrderRef:      string(res.Intent.OrderRef),
			Amount:        int64(res.Intent.Amount),
			Currency:      res.Intent.Currency,
			ExpiresAt:     res.Intent.ExpiresAt,
		})
	}
}

func HandleCancelReservation(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		var req cancelRequest
		if r.ContentLength != 0 {
			if !decodeBody(w, r, &req) {
				return
			}
		}

		res, err := svc.CancelReservation(r.Context(), p, chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelResponse{
			Reservation: toReservationResponse(res.Reservation),
			Refund:      string(res.Refund),
		})
	}
}

// decodeBody decodes and validates a JSON body, writing the 400 itself.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeServiceError(w, fmt.Errorf("%w: %s", domain.ErrValidation, validationMessage(err)))
		return false
	}
	return true
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
}
