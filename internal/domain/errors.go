package domain

import "errors"

var (
	ErrValidation                = errors.New("validation error")
	ErrNotFound                  = errors.New("reservation not found")
	ErrInvalidID                 = errors.New("invalid id")
	ErrRoomNotFound              = errors.New("room not found")
	ErrRoomUnavailable           = errors.New("room no longer available")
	ErrHoldExpired               = errors.New("hold expired")
	ErrHoldReleased              = errors.New("hold released")
	ErrStaleState                = errors.New("stale reservation state")
	ErrInvalidState              = errors.New("reservation not in a valid state for this operation")
	ErrInvalidTransition         = errors.New("invalid state transition")
	ErrInvalidSignature          = errors.New("invalid payment signature")
	ErrAmountMismatch            = errors.New("payment amount mismatch")
	ErrPaymentDeclined           = errors.New("payment declined")
	ErrPaymentPending            = errors.New("payment pending, check back")
	ErrPaymentNotApplied         = errors.New("payment not applied to reservation; refund issued")
	ErrPaymentReferenceImmutable = errors.New("payment reference already attached")
	ErrDuplicatePaymentReference = errors.New("payment reference already used")
	ErrGatewayUnavailable        = errors.New("payment gateway unavailable")
	ErrManualApprovalUnsupported = errors.New("payment provider does not support manual approval")
	ErrFatalInconsistency        = errors.New("fatal inconsistency: reservation confirmed but ledger commit failed")
	ErrTaskNotFound              = errors.New("reconciliation task not found")
	ErrForbidden                 = errors.New("forbidden")
	ErrUnauthenticated           = errors.New("unauthenticated")
)
