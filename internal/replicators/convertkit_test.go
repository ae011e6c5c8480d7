package replicators

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

func TestConvertKitTagNeverNeedsWebhookSetup(t *testing.T) {
	r := newReplicator(t, testEnv(ConvertKitTagName), Options{})

	assert.True(t, r.CreateStateMachine().Complete())
	assert.False(t, r.Descriptor().SupportsWebhooks)
	assert.Equal(t, http.StatusOK, r.VerifyWebhook(hookdb.WebhookRequest{}).Status)
}

func TestConvertKitTagBackfillAsksKeyThenSecret(t *testing.T) {
	env := testEnv(ConvertKitTagName)
	r := newReplicator(t, env, Options{})

	step := r.BackfillStateMachine()
	require.False(t, step.Complete())
	assert.Equal(t, "/v1/organizations/acme/integrations/svi_test/transition/backfill_key", *step.View().PostToURL)

	env.Integration.BackfillKey = "key"
	step = r.BackfillStateMachine()
	require.False(t, step.Complete())
	assert.Equal(t, "/v1/organizations/acme/integrations/svi_test/transition/backfill_secret", *step.View().PostToURL)

	env.Integration.BackfillSecret = "secret"
	assert.True(t, r.BackfillStateMachine().Complete())

	_, hasWebhookSecret := r.Transitions()["webhook_secret"]
	assert.False(t, hasWebhookSecret)
}

func TestConvertKitTagEnrichmentAndBackfill(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/tags":
			_, _ = io.WriteString(w, `{"tags": [{"id": 1, "name": "vip", "created_at": "2021-06-01T10:00:00.000Z"}]}`)
		case "/v3/tags/1/subscriptions":
			_, _ = io.WriteString(w, `{"total_subscribers": 42, "subscriptions": []}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	env := testEnv(ConvertKitTagName)
	env.Integration.BackfillKey = "ck_key"
	env.Integration.BackfillSecret = "ck_secret"
	r := newReplicator(t, env, Options{ConvertKitAPIBase: srv.URL})
	ctx := context.Background()

	page, err := r.(hookdb.BackfillPager).FetchBackfillPage(ctx, "", nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextToken)

	enrichment, err := r.(hookdb.Enricher).FetchEnrichment(ctx, page.Items[0])
	require.NoError(t, err)
	row, err := r.PrepareRow(page.Items[0], enrichment)
	require.NoError(t, err)

	assert.Equal(t, "1", row["convertkit_id"])
	assert.Equal(t, "vip", *row["name"].(*string))
	assert.Equal(t, int64(42), *row["total_subscribers"].(*int64))
	assert.Equal(t, time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC), *row["created_at"].(*time.Time))

	reqs := srv.seen()
	require.Len(t, reqs, 2)
	assert.Equal(t, "ck_key", reqs[0].URL.Query().Get("api_key"))
	assert.Equal(t, "ck_secret", reqs[1].URL.Query().Get("api_secret"))
}

func TestConvertKitTagEnrichmentFailureIsSurfaced(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	r := newReplicator(t, testEnv(ConvertKitTagName), Options{ConvertKitAPIBase: srv.URL})

	_, err := r.(hookdb.Enricher).FetchEnrichment(context.Background(), payload(t, `{"id": 5}`))
	require.ErrorIs(t, err, hookdb.ErrUpstream)
}

func TestConvertKitTagEnrichmentWaitsForDelay(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"total_subscribers": 1}`)
	})
	r := newReplicator(t, testEnv(ConvertKitTagName), Options{ConvertKitAPIBase: srv.URL, ConvertKitDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.(hookdb.Enricher).FetchEnrichment(ctx, payload(t, `{"id": 5}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, srv.seen())
}
