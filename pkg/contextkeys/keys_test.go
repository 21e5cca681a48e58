package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActor(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, Actor(ctx))

	type principal struct{ id string }
	p := &principal{id: "cust-1"}
	ctx = WithActor(ctx, p)
	assert.Same(t, p, Actor(ctx))
}

func TestWebhookSource(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, WebhookSource(ctx))
	assert.Equal(t, "10.0.0.1:443", WebhookSource(WithWebhookSource(ctx, "10.0.0.1:443")))
}
