package billing

// providerStatuses maps the provider's subscription vocabulary onto ours.
// Anything absent is surfaced as an unknown status, never guessed.
var providerStatuses = map[string]Status{
	"active":             StatusActive,
	"trialing":           StatusTrialing,
	"past_due":           StatusPastDue,
	"unpaid":             StatusUnpaid,
	"canceled":           StatusCancelled,
	"incomplete":         StatusPending,
	"incomplete_expired": StatusCancelled,
	"paused":             StatusPaused,
}

// MapProviderStatus translates a provider subscription status
func MapProviderStatus(providerStatus string) (Status, bool) {
	s, ok := providerStatuses[providerStatus]
	return s, ok
}
