package hookdb

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	SharedSecretHeader        = "Whdb-Webhook-Secret"
	defaultSignatureTolerance = 5 * time.Minute
)

func jsonResponse(status int, body string) WebhookResponse {
	return WebhookResponse{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

// TimestampedHMACVerifier checks headers of the form "t=<unix>,v1=<hex>",
// where v1 is HMAC-SHA256 over "<t>.<body>".
type TimestampedHMACVerifier struct {
	Header    string
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v TimestampedHMACVerifier) Verify(req WebhookRequest) WebhookResponse {
	header := req.Headers.Get(v.Header)
	if header == "" {
		return jsonResponse(http.StatusUnauthorized, `{"message": "missing hmac"}`)
	}
	if v.Secret == "" {
		return jsonResponse(http.StatusUnauthorized, `{"message": "no webhook secret configured"}`)
	}
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || len(signatures) == 0 {
		return jsonResponse(http.StatusUnauthorized, `{"message": "invalid hmac"}`)
	}
	tolerance := v.Tolerance
	if tolerance == 0 {
		tolerance = defaultSignatureTolerance
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return jsonResponse(http.StatusUnauthorized, `{"message": "invalid hmac"}`)
		}
	}
	expected := SignTimestamped(v.Secret, unix, req.Body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return jsonResponse(http.StatusOK, `{"o":"k"}`)
		}
	}
	return jsonResponse(http.StatusUnauthorized, `{"message": "invalid hmac"}`)
}

// SignTimestamped returns the hex v1 signature for body sent at unix.
func SignTimestamped(secret string, unix int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SharedSecretVerifier compares a header against the integration's stored
// webhook secret.
type SharedSecretVerifier struct {
	Header string
	Secret string
}

func (v SharedSecretVerifier) Verify(req WebhookRequest) WebhookResponse {
	header := v.Header
	if header == "" {
		header = SharedSecretHeader
	}
	got := req.Headers.Get(header)
	if v.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(v.Secret)) != 1 {
		return WebhookResponse{Status: http.StatusUnauthorized, Body: `{"message": "invalid secret"}`,
			Headers: map[string]string{"Content-Type": "application/json"}}
	}
	return WebhookResponse{Status: http.StatusAccepted, Body: `{"o":"k"}`,
		Headers: map[string]string{"Content-Type": "application/json"}}
}

// AlwaysVerified is for types that never receive real webhooks.
func AlwaysVerified(WebhookRequest) WebhookResponse {
	return jsonResponse(http.StatusOK, `{"o":"k"}`)
}
