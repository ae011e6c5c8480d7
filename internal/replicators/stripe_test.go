package replicators

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

const chargeObject = `{
  "id": "ch_1",
  "object": "charge",
  "amount": 1500,
  "balance_transaction": "txn_1",
  "billing_details": {"email": "pay@example.com"},
  "created": 1600000000,
  "customer": "cus_1",
  "invoice": "in_1",
  "payment_method_details": {"type": "card"},
  "receipt_email": "receipt@example.com",
  "status": "succeeded"
}`

func TestStripeChargeRowFromRawObject(t *testing.T) {
	r := newReplicator(t, testEnv(StripeChargeName), Options{})

	row, err := r.PrepareRow(payload(t, chargeObject), nil)
	require.NoError(t, err)

	assert.Equal(t, "ch_1", row["stripe_id"])
	assert.Equal(t, int64(0), row["updated"])
	assert.Equal(t, "pay@example.com", *row["billing_email"].(*string))
	assert.Equal(t, "card", *row["payment_type"].(*string))
	assert.Equal(t, int64(1500), *row["amount"].(*int64))
	assert.Equal(t, int64(1600000000), *row["created"].(*int64))
	assert.JSONEq(t, chargeObject, row[hookdb.DataColumn].(string))
}

func TestStripeChargeRowFromEventEnvelope(t *testing.T) {
	r := newReplicator(t, testEnv(StripeChargeName), Options{})
	event := fmt.Sprintf(`{"object": "event", "created": 1700000000, "data": {"object": %s}}`, chargeObject)

	row, err := r.PrepareRow(payload(t, event), nil)
	require.NoError(t, err)

	assert.Equal(t, "ch_1", row["stripe_id"])
	assert.Equal(t, int64(1700000000), row["updated"])
	assert.JSONEq(t, chargeObject, row[hookdb.DataColumn].(string), "data keeps the object, not the envelope")
}

func TestStripeEventWithoutObjectIsSkipped(t *testing.T) {
	r := newReplicator(t, testEnv(StripeChargeName), Options{})
	row, err := r.PrepareRow(payload(t, `{"object": "event", "created": 1}`), nil)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestStripeRefundUsesTimestamps(t *testing.T) {
	r := newReplicator(t, testEnv(StripeRefundName), Options{})
	event := `{"object": "event", "created": 1700000000, "data": {"object": {"id": "re_1", "amount": 20, "charge": "ch_1", "created": 1600000000, "status": "succeeded"}}}`

	row, err := r.PrepareRow(payload(t, event), nil)
	require.NoError(t, err)

	assert.Equal(t, time.Unix(1700000000, 0).UTC(), row["updated"])
	assert.Equal(t, time.Unix(1600000000, 0).UTC(), *row["created"].(*time.Time))
	assert.Equal(t, "ch_1", *row["charge"].(*string))
	assert.Equal(t, hookdb.NewerThan("updated"), r.ConflictPredicate())
}

func TestStripeRowsOnlyUseDeclaredColumns(t *testing.T) {
	for _, res := range stripeResources {
		t.Run(res.name, func(t *testing.T) {
			r := newReplicator(t, testEnv(res.name), Options{})
			row, err := r.PrepareRow(payload(t, `{"id": "obj_1", "created": 1600000000}`), nil)
			require.NoError(t, err)
			_, _, err = hookdb.BuildUpsert("stripe_test", r.Schema(), row, r.ConflictPredicate(), testNow)
			require.NoError(t, err)
		})
	}
}

func TestStripeVerifiesSignature(t *testing.T) {
	env := testEnv(StripeChargeName)
	env.Integration.WebhookSecret = "whsec_test"
	r := newReplicator(t, env, Options{})
	body := []byte(`{"object": "event"}`)

	good := http.Header{}
	good.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", testNow.Unix(), hookdb.SignTimestamped("whsec_test", testNow.Unix(), body)))
	assert.Equal(t, http.StatusOK, r.VerifyWebhook(hookdb.WebhookRequest{Headers: good, Body: body}).Status)

	bad := http.Header{}
	bad.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", testNow.Unix(), hookdb.SignTimestamped("other", testNow.Unix(), body)))
	assert.Equal(t, http.StatusUnauthorized, r.VerifyWebhook(hookdb.WebhookRequest{Headers: bad, Body: body}).Status)

	assert.Equal(t, http.StatusUnauthorized, r.VerifyWebhook(hookdb.WebhookRequest{Headers: http.Header{}, Body: body}).Status)
}

func TestStripeStateMachines(t *testing.T) {
	env := testEnv(StripeChargeName)
	r := newReplicator(t, env, Options{})

	step := r.CreateStateMachine()
	require.False(t, step.Complete())
	view := step.View()
	assert.Contains(t, view.Output, "/integrations/svi_test")
	assert.True(t, *view.PromptIsSecret)
	assert.Equal(t, "/v1/organizations/acme/integrations/svi_test/transition/webhook_secret", *view.PostToURL)

	env.Integration.WebhookSecret = "whsec"
	assert.True(t, r.CreateStateMachine().Complete())

	backfill := r.BackfillStateMachine()
	require.False(t, backfill.Complete())
	assert.Equal(t, "/v1/organizations/acme/integrations/svi_test/transition/backfill_key", *backfill.View().PostToURL)

	env.Integration.BackfillKey = "rk_test"
	assert.True(t, r.BackfillStateMachine().Complete())

	transitions := r.Transitions()
	assert.Equal(t, hookdb.CreateMachine, transitions["webhook_secret"].Machine)
	assert.Equal(t, hookdb.BackfillMachine, transitions["backfill_key"].Machine)
	assert.Len(t, transitions, 2)
}

func TestStripeBackfillPaginates(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, _, _ := r.BasicAuth()
		if user != "rk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("starting_after") == "" {
			_, _ = io.WriteString(w, `{"data": [{"id": "ch_1"}, {"id": "ch_2"}], "has_more": true}`)
			return
		}
		_, _ = io.WriteString(w, `{"data": [{"id": "ch_3"}], "has_more": false}`)
	})
	env := testEnv(StripeChargeName)
	env.Integration.BackfillKey = "rk_test"
	r := newReplicator(t, env, Options{StripeAPIBase: srv.URL})
	pager := r.(hookdb.BackfillPager)

	first, err := pager.FetchBackfillPage(context.Background(), "", nil)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "ch_2", first.NextToken)

	since := time.Unix(1650000000, 0)
	second, err := pager.FetchBackfillPage(context.Background(), first.NextToken, &since)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Empty(t, second.NextToken)

	reqs := srv.seen()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/v1/charges", reqs[0].URL.Path)
	assert.Equal(t, "100", reqs[0].URL.Query().Get("limit"))
	assert.Equal(t, "ch_2", reqs[1].URL.Query().Get("starting_after"))
	assert.Equal(t, strconv.FormatInt(since.Unix(), 10), reqs[1].URL.Query().Get("created[gte]"))
}

func TestStripeBackfillSurfacesUpstreamErrors(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": "slow down"}`)
	})
	r := newReplicator(t, testEnv(StripeRefundName), Options{StripeAPIBase: srv.URL})

	_, err := r.(hookdb.BackfillPager).FetchBackfillPage(context.Background(), "", nil)
	var upstream *hookdb.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
	assert.Equal(t, "/v1/refunds", srv.seen()[0].URL.Path)
}
