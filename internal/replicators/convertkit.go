package replicators

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

func convertKitTagDescriptor(opts Options) hookdb.Descriptor {
	d := hookdb.Descriptor{
		Name:             ConvertKitTagName,
		SupportsWebhooks: false,
		SupportsBackfill: true,
	}
	d.New = func(env *hookdb.Env) hookdb.Replicator {
		return &convertKitTag{base: base{desc: d, env: env}, apiBase: opts.ConvertKitAPIBase, delay: opts.ConvertKitDelay}
	}
	return d
}

// convertKitTag replicates tags through the v3 API. ConvertKit sends no tag
// webhooks, so rows only arrive by backfill.
type convertKitTag struct {
	base
	apiBase string
	delay   time.Duration
}

func (r *convertKitTag) VerifyWebhook(req hookdb.WebhookRequest) hookdb.WebhookResponse {
	return hookdb.AlwaysVerified(req)
}

func (r *convertKitTag) Schema() hookdb.TableSchema {
	return hookdb.TableSchema{
		RemoteKey: textCol("convertkit_id", false),
		Columns: []hookdb.Column{
			col("created_at", hookdb.TypeTimestamp, true),
			textCol("name", false),
			col("total_subscribers", hookdb.TypeInteger, false),
		},
	}
}

func (r *convertKitTag) ConflictPredicate() hookdb.Predicate {
	return hookdb.NewerThan("created_at")
}

// FetchEnrichment looks up the subscription total for a tag. ConvertKit
// rate limits hard, so every call waits first.
func (r *convertKitTag) FetchEnrichment(ctx context.Context, item hookdb.Payload) (any, error) {
	id := item.String("id")
	if id == nil {
		return nil, nil
	}
	if err := hookdb.Sleep(ctx, r.delay); err != nil {
		return nil, err
	}
	return r.env.HTTP.GetPayload(ctx, hookdb.UpstreamRequest{
		URL:   fmt.Sprintf("%s/v3/tags/%s/subscriptions", r.apiBase, url.PathEscape(*id)),
		Query: url.Values{"api_secret": {r.sint().BackfillSecret}},
	})
}

func (r *convertKitTag) PrepareRow(payload hookdb.Payload, enrichment any) (hookdb.Row, error) {
	id := payload.String("id")
	if id == nil {
		return nil, nil
	}
	row := hookdb.Row{
		"convertkit_id": *id,
		"created_at":    payload.Time("created_at"),
		"name":          payload.String("name"),
	}
	if subs, ok := enrichment.(hookdb.Payload); ok {
		row["total_subscribers"] = subs.Int("total_subscribers")
	}
	return row, nil
}

func (r *convertKitTag) backfillFields() []hookdb.RequiredField {
	return []hookdb.RequiredField{
		{
			Field: hookdb.BackfillKeyField,
			Output: `In order to backfill ConvertKit Tags, we need your API Key and API Secret.
From your ConvertKit dashboard, go to your advanced account settings,
at https://app.convertkit.com/account_settings/advanced_settings.
Under the API Header you should be able to see your API key, just under your API Secret.`,
			Prompt: "Paste or type your API Key here:",
			Secret: true,
		},
		{
			Field:  hookdb.BackfillSecretField,
			Output: "Now copy your API Secret from the same page.",
			Prompt: "Paste or type your API Secret here:",
			Secret: true,
		},
	}
}

func (r *convertKitTag) CreateStateMachine() hookdb.Step {
	return hookdb.CompleteStep{Output: `We've made an endpoint available for ConvertKit Tag webhooks, but ConvertKit
does not send them. Set up a backfill so WebhookDB can keep your tags in sync.
` + readonlyURLOutput(r.env, "ConvertKit Tags")}
}

func (r *convertKitTag) BackfillStateMachine() hookdb.Step {
	return hookdb.NextStep(r.env, r.backfillFields(), func() hookdb.Step {
		return hookdb.CompleteStep{Output: "Great! We are going to start backfilling your ConvertKit Tags.\n" +
			readonlyURLOutput(r.env, "ConvertKit Tags")}
	})
}

func (r *convertKitTag) Transitions() map[string]hookdb.Transition {
	return hookdb.TransitionsFor(nil, r.backfillFields())
}

// FetchBackfillPage returns every tag in one page; the tags endpoint does not
// paginate.
func (r *convertKitTag) FetchBackfillPage(ctx context.Context, _ string, _ *time.Time) (hookdb.BackfillPage, error) {
	page, err := r.env.HTTP.GetPayload(ctx, hookdb.UpstreamRequest{
		URL:   r.apiBase + "/v3/tags",
		Query: url.Values{"api_key": {r.sint().BackfillKey}},
	})
	if err != nil {
		return hookdb.BackfillPage{}, err
	}
	return hookdb.BackfillPage{Items: page.Items("tags")}, nil
}
