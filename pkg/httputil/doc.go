// Package httputil provides the JSON response helpers, request parsing and
// middleware shared by the HTTP handlers.
//
// # Billing errors
//
// WriteBillingError is the single place where billing error kinds become
// HTTP status codes:
//
//	not_found             404
//	validation, signature 400
//	permission            403
//	invalid_transition    409
//	conflict              409
//	provider              502
//	configuration         503
//	anything else         500, without detail
//
// # Request bodies
//
// DecodeAndValidate rejects unknown JSON fields and runs the validate struct
// tags (github.com/go-playground/validator/v10), answering 400 with one
// detail per invalid field:
//
//	var req pauseRequest
//	if !httputil.DecodeAndValidate(w, r, &req) {
//		return
//	}
package httputil
