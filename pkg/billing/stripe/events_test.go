package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/renewal/pkg/billing"
)

const testSecret = "whsec_test"

func sign(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventJSON(id, typ, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","api_version":"2020-08-27","created":1711670400,"type":%q,"data":{"object":%s}}`, id, typ, object))
}

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(testSecret, 0)
	require.NoError(t, err)
	return d
}

func TestNewDecoder_RequiresSecret(t *testing.T) {
	_, err := NewDecoder("", 0)
	assert.True(t, billing.IsKind(err, billing.KindConfiguration))
}

func TestVerifyAndDecode_Subscription(t *testing.T) {
	d := newTestDecoder(t)
	payload := eventJSON("evt_1", "customer.subscription.updated", `{
		"id":"sub_1","object":"subscription","customer":"cus_1","status":"past_due",
		"current_period_start":1711670400,"current_period_end":1714348800,"trial_end":null
	}`)

	ev, err := d.VerifyAndDecode(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, billing.EventKindSubscriptionUpdated, ev.Kind)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "cus_1", ev.CustomerID)
	assert.Equal(t, "past_due", ev.Status)
	assert.Equal(t, "2024-04-29", ev.PeriodEnd.Format("2006-01-02"))
	assert.Nil(t, ev.TrialEnd)
	assert.Equal(t, int64(1711670400), ev.CreatedAt.Unix())
}

func TestVerifyAndDecode_PausedCollection(t *testing.T) {
	d := newTestDecoder(t)
	paused := eventJSON("evt_6", "customer.subscription.updated", `{
		"id":"sub_1","object":"subscription","customer":"cus_1","status":"active",
		"current_period_end":1714348800,"pause_collection":{"behavior":"void","resumes_at":null}
	}`)
	ev, err := d.VerifyAndDecode(paused, sign(paused, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "active", ev.Status, "stripe keeps the subscription active")
	assert.True(t, ev.CollectionPaused)

	resumed := eventJSON("evt_7", "customer.subscription.updated", `{
		"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","pause_collection":null
	}`)
	ev, err = d.VerifyAndDecode(resumed, sign(resumed, testSecret, time.Now()))
	require.NoError(t, err)
	assert.False(t, ev.CollectionPaused)
}

func TestVerifyAndDecode_InvoiceFailed(t *testing.T) {
	d := newTestDecoder(t)
	payload := eventJSON("evt_2", "invoice.payment_failed", `{
		"id":"in_1","object":"invoice","customer":{"id":"cus_1","object":"customer"},"subscription":"sub_1",
		"status":"open","amount_due":2088,"amount_paid":0,"currency":"usd","attempt_count":2,
		"next_payment_attempt":1711843200,
		"lines":{"object":"list","data":[{"period":{"start":1711670400,"end":1714348800}}]},
		"payment_intent":{"id":"pi_1","last_payment_error":{"code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}
	}`)

	ev, err := d.VerifyAndDecode(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, billing.EventKindInvoiceFailed, ev.Kind)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "cus_1", ev.CustomerID)
	require.NotNil(t, ev.Invoice)
	assert.Equal(t, "in_1", ev.Invoice.ID)
	assert.Equal(t, "20.88", ev.Invoice.Amount.StringFixed(2))
	assert.Equal(t, 2, ev.Invoice.AttemptCount)
	assert.Equal(t, "Your card has insufficient funds.", ev.Invoice.FailureReason)
	assert.Equal(t, "2024-04-29", ev.Invoice.PeriodEnd.Format("2006-01-02"))
	assert.NotNil(t, ev.Invoice.NextAttempt)
}

func TestVerifyAndDecode_OneOffInvoiceHasNoSubscription(t *testing.T) {
	d := newTestDecoder(t)
	payload := eventJSON("evt_3", "invoice.paid", `{
		"id":"in_2","object":"invoice","customer":"cus_1","subscription":null,"status":"paid",
		"amount_due":2088,"amount_paid":2088,"currency":"usd","status_transitions":{"paid_at":1711670500}
	}`)

	ev, err := d.VerifyAndDecode(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, billing.EventKindInvoicePaid, ev.Kind)
	assert.Empty(t, ev.SubscriptionID)
	assert.Equal(t, int64(1711670500), ev.Invoice.PaidAt.Unix())
}

func TestVerifyAndDecode_UnhandledType(t *testing.T) {
	d := newTestDecoder(t)
	payload := eventJSON("evt_4", "charge.refunded", `{"id":"ch_1","object":"charge"}`)

	ev, err := d.VerifyAndDecode(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, billing.EventKindUnhandled, ev.Kind)
	assert.Equal(t, "charge.refunded", ev.Type)
}

func TestVerifyAndDecode_Rejects(t *testing.T) {
	d := newTestDecoder(t)
	payload := eventJSON("evt_5", "customer.subscription.deleted", `{"id":"sub_1","status":"canceled"}`)

	tests := []struct {
		name      string
		payload   []byte
		signature string
		kind      billing.Kind
	}{
		{"wrong secret", payload, sign(payload, "whsec_other", time.Now()), billing.KindSignature},
		{"missing header", payload, "", billing.KindSignature},
		{"garbage header", payload, "nonsense", billing.KindSignature},
		{"too old", payload, sign(payload, testSecret, time.Now().Add(-time.Hour)), billing.KindSignature},
		{"tampered body", append([]byte(" "), payload...), sign(payload, testSecret, time.Now()), billing.KindSignature},
		{"not json", []byte("not json"), sign([]byte("not json"), testSecret, time.Now()), billing.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.VerifyAndDecode(tt.payload, tt.signature)
			assert.Nil(t, ev)
			assert.True(t, billing.IsKind(err, tt.kind), "got %v", err)
		})
	}
}
