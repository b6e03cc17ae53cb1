package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stayease/reservations/internal/domain"
)

const (
	codeMethodNotAllowed          = "method_not_allowed"
	codeNotFound                  = "not_found"
	codeInvalidRequestBody        = "invalid_request_body"
	codeValidation                = "validation_error"
	codeRoomUnavailable           = "room_unavailable"
	codeRoomNotFound              = "room_not_found"
	codeTaskNotFound              = "task_not_found"
	codeHoldExpired               = "hold_expired"
	codeStaleState                = "stale_state"
	codeInvalidState              = "invalid_state"
	codeInvalidSignature          = "invalid_signature"
	codeAmountMismatch            = "amount_mismatch"
	codePaymentDeclined           = "payment_declined"
	codePaymentPending            = "payment_pending"
	codePaymentNotApplied         = "payment_not_applied"
	codeDuplicatePaymentReference = "duplicate_payment_reference"
	codeGatewayUnavailable        = "gateway_unavailable"
	codeManualApprovalUnsupported = "manual_approval_unsupported"
	codeCallbackInFlight          = "callback_in_flight"
	codeForbidden                 = "forbidden"
	codeUnauthenticated           = "unauthenticated"
	codeInternalError             = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var serviceErrors = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrRoomUnavailable, http.StatusConflict, codeRoomUnavailable},
	{domain.ErrHoldExpired, http.StatusConflict, codeHoldExpired},
	{domain.ErrHoldReleased, http.StatusConflict, codeHoldExpired},
	{domain.ErrStaleState, http.StatusConflict, codeStaleState},
	{domain.ErrInvalidState, http.StatusConflict, codeInvalidState},
	{domain.ErrInvalidTransition, http.StatusConflict, codeInvalidState},
	{domain.ErrPaymentReferenceImmutable, http.StatusConflict, codeInvalidState},
	{domain.ErrValidation, http.StatusBadRequest, codeValidation},
	{domain.ErrInvalidSignature, http.StatusBadRequest, codeInvalidSignature},
	{domain.ErrAmountMismatch, http.StatusUnprocessableEntity, codeAmountMismatch},
	{domain.ErrPaymentDeclined, http.StatusPaymentRequired, codePaymentDeclined},
	{domain.ErrNotFound, http.StatusNotFound, codeNotFound},
	{domain.ErrInvalidID, http.StatusNotFound, codeNotFound},
	{domain.ErrRoomNotFound, http.StatusNotFound, codeRoomNotFound},
	{domain.ErrTaskNotFound, http.StatusNotFound, codeTaskNotFound},
	{domain.ErrForbidden, http.StatusForbidden, codeForbidden},
	{domain.ErrUnauthenticated, http.StatusUnauthorized, codeUnauthenticated},
	{domain.ErrPaymentPending, http.StatusAccepted, codePaymentPending},
	{domain.ErrPaymentNotApplied, http.StatusConflict, codePaymentNotApplied},
	{domain.ErrDuplicatePaymentReference, http.StatusConflict, codeDuplicatePaymentReference},
	{domain.ErrGatewayUnavailable, http.StatusBadGateway, codeGatewayUnavailable},
	{domain.ErrManualApprovalUnsupported, http.StatusConflict, codeManualApprovalUnsupported},
}

// writeServiceError maps a coordinator error onto the JSON error contract.
// Validation errors keep their detail; everything unmapped is a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	for _, m := range serviceErrors {
		if !errors.Is(err, m.err) {
			continue
		}
		msg := m.err.Error()
		if m.err == domain.ErrValidation {
			msg = err.Error()
		}
		writeError(w, m.status, m.code, msg)
		return
	}
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
