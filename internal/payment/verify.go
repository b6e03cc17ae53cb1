// Package payment holds the gateway adapters the coordinator drives: a
// deterministic mock, Razorpay, and an operator approval flow.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stayease/reservations/internal/domain"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	expected := sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// match checks a trusted payment against what the reservation expects.
func match(orderRef domain.OrderRef, amount domain.Money, currency string, expected domain.PaymentExpectation) error {
	if orderRef != expected.OrderRef {
		return fmt.Errorf("%w: order %q does not match %q", domain.ErrInvalidSignature, orderRef, expected.OrderRef)
	}
	if amount != expected.Amount {
		return fmt.Errorf("%w: paid %s, expected %s", domain.ErrAmountMismatch, amount, expected.Amount)
	}
	if currency != "" && expected.Currency != "" && !strings.EqualFold(currency, expected.Currency) {
		return fmt.Errorf("%w: paid in %s, expected %s", domain.ErrAmountMismatch, currency, expected.Currency)
	}
	return nil
}
