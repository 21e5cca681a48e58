package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sony/gobreaker/v2"
	stripe "github.com/stripe/stripe-go/v78"

	"github.com/platinummonkey/renewal/pkg/billing"
)

// translateError converts SDK and breaker errors into billing errors. Nothing
// from stripe-go leaves this package unwrapped.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return billing.ProviderError(op, "circuit_open", "payment provider temporarily unavailable", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return billing.ProviderError(op, "timeout", "payment provider request timed out", err)
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return billing.ProviderError(op, "", "payment provider request failed", err)
	}

	if se.HTTPStatusCode == http.StatusUnauthorized || strings.Contains(strings.ToLower(se.Msg), "invalid api key") {
		return &billing.Error{
			Kind:    billing.KindConfiguration,
			Op:      op,
			Code:    "invalid_api_key",
			Message: "payment provider rejected the API key",
			Err:     err,
		}
	}

	code := string(se.Code)
	if se.DeclineCode != "" {
		code = string(se.DeclineCode)
	}
	msg := se.Msg
	if msg == "" {
		msg = "payment provider request failed"
	}
	return billing.ProviderError(op, code, msg, err)
}

// countsAsFailure decides what trips the breaker. Declines and validation
// errors are the customer's problem, not Stripe's.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode == 0
	}
	return !errors.Is(err, context.Canceled)
}

func isResourceMissing(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing
}
