package stripepay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, payload []byte) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

const succeededEvent = `{
  "id": "evt_1",
  "object": "event",
  "type": "payment_intent.succeeded",
  "data": {"object": {
    "id": "pi_123", "object": "payment_intent", "amount": 2500, "currency": "usd",
    "status": "succeeded",
    "metadata": {"shipping_name": "Test User", "shipping_zip": "12345"}
  }}
}`

func TestWebhookVerifier(t *testing.T) {
	v := NewWebhookVerifier("whsec_test")

	t.Run("valid signature decodes the intent", func(t *testing.T) {
		payload := []byte(succeededEvent)
		evt, err := v.Verify(payload, sign(t, "whsec_test", payload))
		require.NoError(t, err)
		assert.Equal(t, EventPaymentIntentSucceeded, evt.Type)
		require.NotNil(t, evt.Intent)
		assert.Equal(t, "pi_123", evt.Intent.ID)
		assert.EqualValues(t, 2500, evt.Intent.Amount)
		assert.Equal(t, "Test User", evt.Intent.Metadata["shipping_name"])
	})

	t.Run("wrong secret", func(t *testing.T) {
		payload := []byte(succeededEvent)
		_, err := v.Verify(payload, sign(t, "whsec_other", payload))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := v.Verify([]byte(succeededEvent), "")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("non intent events carry no intent", func(t *testing.T) {
		payload := []byte(`{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge"}}}`)
		evt, err := v.Verify(payload, sign(t, "whsec_test", payload))
		require.NoError(t, err)
		assert.Equal(t, "charge.refunded", evt.Type)
		assert.Nil(t, evt.Intent)
	})
}

func TestWebhookVerifier_NoSecret(t *testing.T) {
	_, err := NewWebhookVerifier("").Verify([]byte(succeededEvent), "t=1,v1=00")
	assert.ErrorIs(t, err, ErrWebhookSecretMissing)

	var nilVerifier *WebhookVerifier
	_, err = nilVerifier.Verify([]byte(succeededEvent), "")
	assert.ErrorIs(t, err, ErrWebhookSecretMissing)
}
