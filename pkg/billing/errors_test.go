package billing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := ProviderError("Processor.Charge", "card_declined", "card was declined", errors.New("402"))
	assert.Equal(t, "Processor.Charge: card was declined: 402", err.Error())
	assert.Equal(t, KindProvider, KindOf(err))
	assert.Equal(t, "card_declined", CodeOf(err))
	assert.Equal(t, "card was declined", MessageOf(err))
}

func TestError_SentinelsMatchThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("cancel: %w", ErrAlreadyCancelled)
	assert.True(t, errors.Is(wrapped, ErrAlreadyCancelled))
	assert.False(t, errors.Is(wrapped, ErrConflict))
	assert.True(t, IsKind(wrapped, KindInvalidTransition))

	// Same kind without a code is not the sentinel
	assert.False(t, errors.Is(InvalidTransitionf("op", "nope"), ErrAlreadyCancelled))
}

func TestError_ForeignErrorsAreInternal(t *testing.T) {
	foreign := errors.New("dial tcp: connection refused")
	assert.Equal(t, KindInternal, KindOf(foreign))
	assert.Equal(t, "internal error", MessageOf(foreign))

	wrapped := Internal("store.Get", foreign)
	assert.Equal(t, KindInternal, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, foreign)
	assert.Equal(t, "internal error", MessageOf(wrapped))

	nf := NotFoundf("store.Get", "subscription %d not found", 7)
	assert.Same(t, nf, Internal("other", nf))
	assert.Nil(t, Internal("op", nil))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestMapProviderStatus(t *testing.T) {
	tests := map[string]Status{
		"active":             StatusActive,
		"trialing":           StatusTrialing,
		"past_due":           StatusPastDue,
		"unpaid":             StatusUnpaid,
		"canceled":           StatusCancelled,
		"incomplete":         StatusPending,
		"incomplete_expired": StatusCancelled,
		"paused":             StatusPaused,
	}
	for provider, want := range tests {
		got, ok := MapProviderStatus(provider)
		assert.True(t, ok, provider)
		assert.Equal(t, want, got, provider)
	}

	_, ok := MapProviderStatus("on_hold")
	assert.False(t, ok)
}
