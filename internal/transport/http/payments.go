package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"

	"github.com/stayease/reservations/internal/app"
	"github.com/stayease/reservations/internal/domain"
)

const maxCallbackBytes = 1 << 20

// Gateways sign the raw body; the Razorpay header is accepted first.
var signatureHeaders = []string{"X-Razorpay-Signature", "X-Signature"}

// CallbackService applies gateway callbacks.
type CallbackService interface {
	HandleCallback(ctx context.Context, raw domain.RawCallback) (app.ConfirmResult, error)
}

type confirmResponse struct {
	Reservation         reservationResponse `json:"reservation"`
	NeedsReconciliation bool                `json:"needs_reconciliation,omitempty"`
}

// HandlePaymentCallback answers 201 on the confirming delivery, 200 on a replay
// and 202 while the payment is still pending.
func HandlePaymentCallback(svc CallbackService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
		if err != nil || len(body) == 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		var sig string
		for _, h := range signatureHeaders {
			if sig = r.Header.Get(h); sig != "" {
				break
			}
		}

		res, err := svc.HandleCallback(r.Context(), domain.RawCallback{Body: body, Signature: sig})
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

func confirmStatus(res app.ConfirmResult) int {
	if res.Created {
		return http.StatusCreated
	}
	return http.StatusOK
}

// ReplayGuard claims callback payloads by digest.
type ReplayGuard interface {
	Claim(ctx context.Context, digest string) (token string, inFlight bool, err error)
	Complete(ctx context.Context, digest, token string) error
	Release(ctx context.Context, digest, token string) error
}

// CallbackReplayGuard rejects a delivery while an identical one is still being
// processed. Completed payloads pass through so the coordinator answers the
// replay itself; failed ones are released so the gateway may retry.
func CallbackReplayGuard(guard ReplayGuard, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if guard == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			sum := sha256.Sum256(body)
			digest := hex.EncodeToString(sum[:])

			token, inFlight, err := guard.Claim(r.Context(), digest)
			if err != nil {
				logger.Warn("replay guard unavailable", "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if inFlight {
				writeError(w, http.StatusConflict, codeCallbackInFlight, "callback already being processed")
				return
			}
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			ctx := context.WithoutCancel(r.Context())
			if rec.status == http.StatusOK || rec.status == http.StatusCreated {
				err = guard.Complete(ctx, digest, token)
			} else {
				err = guard.Release(ctx, digest, token)
			}
			if err != nil {
				logger.Warn("replay guard update failed", "digest", digest, "status", rec.status, "err", err)
			}
		})
	}
}
