package hookdb

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func signedRequest(header, value string, body string) WebhookRequest {
	h := http.Header{}
	if value != "" {
		h.Set(header, value)
	}
	return WebhookRequest{Headers: h, Body: []byte(body)}
}

func TestTimestampedHMACVerifier(t *testing.T) {
	body := `{"id": "evt_1"}`
	v := TimestampedHMACVerifier{
		Header: "Stripe-Signature",
		Secret: "whsec_test",
		Now:    func() time.Time { return testNow },
	}
	unix := testNow.Unix()
	sig := SignTimestamped("whsec_test", unix, []byte(body))
	good := fmt.Sprintf("t=%d,v1=%s", unix, sig)
	rotated := fmt.Sprintf("t=%d,v1=bogus,v1=%s", unix, sig)

	assert.Equal(t, http.StatusOK, v.Verify(signedRequest("Stripe-Signature", good, body)).Status)
	assert.Equal(t, http.StatusOK, v.Verify(signedRequest("Stripe-Signature", rotated, body)).Status)

	cases := map[string]WebhookRequest{
		"missing header": signedRequest("Stripe-Signature", "", body),
		"tampered body":  signedRequest("Stripe-Signature", good, `{"id": "evt_2"}`),
		"no timestamp":   signedRequest("Stripe-Signature", "v1=abc", body),
		"stale": signedRequest("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", unix-3600,
			SignTimestamped("whsec_test", unix-3600, []byte(body))), body),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, v.Verify(req).Status)
		})
	}

	noSecret := v
	noSecret.Secret = ""
	assert.Equal(t, http.StatusUnauthorized, noSecret.Verify(signedRequest("Stripe-Signature", good, body)).Status)

	lenient := v
	lenient.Tolerance = -1
	old := fmt.Sprintf("t=%d,v1=%s", unix-86400, SignTimestamped("whsec_test", unix-86400, []byte(body)))
	assert.Equal(t, http.StatusOK, lenient.Verify(signedRequest("Stripe-Signature", old, body)).Status)
}

func TestSharedSecretVerifier(t *testing.T) {
	v := SharedSecretVerifier{Secret: "s3cret"}
	assert.Equal(t, http.StatusAccepted, v.Verify(signedRequest(SharedSecretHeader, "s3cret", "{}")).Status)
	assert.Equal(t, http.StatusUnauthorized, v.Verify(signedRequest(SharedSecretHeader, "nope", "{}")).Status)
	assert.Equal(t, http.StatusUnauthorized, SharedSecretVerifier{}.Verify(signedRequest(SharedSecretHeader, "", "{}")).Status)
}

func TestWebhookResponseOK(t *testing.T) {
	assert.True(t, WebhookResponse{Status: 202}.OK())
	assert.False(t, WebhookResponse{Status: 401}.OK())
	assert.False(t, WebhookResponse{}.OK())
	assert.Equal(t, http.StatusOK, AlwaysVerified(WebhookRequest{}).Status)
}
