package httputil

import (
	"net/http"

	"github.com/platinummonkey/renewal/pkg/billing"
)

// StatusForKind maps a billing error kind to an HTTP status code
func StatusForKind(kind billing.Kind) int {
	switch kind {
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindValidation, billing.KindSignature:
		return http.StatusBadRequest
	case billing.KindPermission:
		return http.StatusForbidden
	case billing.KindInvalidTransition, billing.KindConflict:
		return http.StatusConflict
	case billing.KindProvider:
		return http.StatusBadGateway
	case billing.KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteBillingError writes err with the status of its kind. Internal errors
// are reported without detail.
func WriteBillingError(w http.ResponseWriter, err error) {
	kind := billing.KindOf(err)
	WriteJSON(w, StatusForKind(kind), ErrorResponse{
		Error:   string(kind),
		Code:    billing.CodeOf(err),
		Message: billing.MessageOf(err),
	})
}
