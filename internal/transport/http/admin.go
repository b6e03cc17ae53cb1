package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stayease/reservations/internal/app"
	"github.com/stayease/reservations/internal/domain"
)

// AdminService is the operator-facing part of the coordinator.
type AdminService interface {
	ListRoomReservations(ctx context.Context, p domain.Principal, roomID string, rng domain.DateRange, states []domain.State) ([]domain.Reservation, error)
	ApproveManually(ctx context.Context, p domain.Principal, id string) (app.ConfirmResult, error)
	ListReconciliationTasks(ctx context.Context, p domain.Principal) ([]domain.ReconciliationTask, error)
	RetryReconciliation(ctx context.Context, p domain.Principal, taskID string) (domain.ReconciliationTask, error)
}

// RateAdmin reads and updates room rates.
type RateAdmin interface {
	GetRate(ctx context.Context, p domain.Principal, roomID string) (domain.RoomRate, error)
	SetRate(ctx context.Context, p domain.Principal, in app.SetRateInput) (domain.RoomRate, error)
}

type setRateRequest struct {
	HotelID     string `json:"hotel_id"`
	NightlyRate int64  `json:"nightly_rate" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
}

type rateResponse struct {
	RoomID      string    `json:"room_id"`
	HotelID     string    `json:"hotel_id,omitempty"`
	NightlyRate int64     `json:"nightly_rate"`
	Currency    string    `json:"currency"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRateResponse(rate domain.RoomRate) rateResponse {
	return rateResponse{
		RoomID:      rate.RoomID,
		HotelID:     rate.HotelID,
		NightlyRate: int64(rate.Nightly),
		Currency:    rate.Currency,
		UpdatedAt:   rate.UpdatedAt,
	}
}

type taskResponse struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	ReservationID    string     `json:"reservation_id"`
	HoldID           string     `json:"hold_id,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	Amount           int64      `json:"amount,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	Status           string     `json:"status"`
	Attempts         int        `json:"attempts"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

func toTaskResponse(t domain.ReconciliationTask) taskResponse {
	return taskResponse{
		ID:               t.ID,
		Kind:             string(t.Kind),
		ReservationID:    t.ReservationID,
		HoldID:           t.HoldID,
		PaymentReference: t.PaymentReference,
		Amount:           int64(t.Amount),
		LastError:        t.LastError,
		Status:           string(t.Status),
		Attempts:         t.Attempts,
		CreatedAt:        t.CreatedAt,
		ResolvedAt:       t.ResolvedAt,
	}
}

func HandleGetRate(svc RateAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		rate, err := svc.GetRate(r.Context(), p, chi.URLParam(r, "roomID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRateResponse(rate))
	}
}

func HandleSetRate(svc RateAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		var req setRateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rate, err := svc.SetRate(r.Context(), p, app.SetRateInput{
			RoomID:   chi.URLParam(r, "roomID"),
			HotelID:  req.HotelID,
			Nightly:  domain.Money(req.NightlyRate),
			Currency: strings.ToUpper(req.Currency),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRateResponse(rate))
	}
}

// HandleRoomReservations lists blocking reservations for a room. An empty
// state filter means every blocking state.
func HandleRoomReservations(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		q := r.URL.Query()
		rng, err := domain.ParseDateRange(q.Get("check_in"), q.Get("check_out"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		var states []domain.State
		for _, raw := range q["state"] {
			for _, part := range strings.Split(raw, ",") {
				s := domain.State(strings.ToUpper(strings.TrimSpace(part)))
				if s == "" {
					continue
				}
				if !s.Valid() {
					writeError(w, http.StatusBadRequest, codeValidation, "unknown state "+string(s))
					return
				}
				states = append(states, s)
			}
		}

		rs, err := svc.ListRoomReservations(r.Context(), p, chi.URLParam(r, "roomID"), rng, states)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toReservationList(rs))
	}
}

func HandleApproveReservation(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		res, err := svc.ApproveManually(r.Context(), p, chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, confirmStatus(res), confirmResponse{
			Reservation:         toReservationResponse(res.Reservation),
			NeedsReconciliation: res.NeedsReconciliation,
		})
	}
}

func HandleListReconciliation(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		tasks, err := svc.ListReconciliationTasks(r.Context(), p)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, toTaskResponse(t))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func HandleRetryReconciliation(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		task, err := svc.RetryReconciliation(r.Context(), p, chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(task))
	}
}
