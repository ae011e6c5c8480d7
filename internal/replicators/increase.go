package replicators

import (
	"context"
	"net/url"
	"time"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

const increaseSignatureHeader = "Increase-Webhook-Signature"

func increaseAccountTransferDescriptor() hookdb.Descriptor {
	d := hookdb.Descriptor{
		Name:             IncreaseAccountTransferName,
		SupportsWebhooks: true,
		SupportsBackfill: true,
	}
	d.New = func(env *hookdb.Env) hookdb.Replicator {
		return &increaseAccountTransfer{base: base{desc: d, env: env}}
	}
	return d
}

// increaseAccountTransfer replicates Increase account transfers. Webhooks
// carry either the transfer itself or an event naming it, in which case the
// transfer is fetched before the row is built.
type increaseAccountTransfer struct {
	base
}

func (r *increaseAccountTransfer) VerifyWebhook(req hookdb.WebhookRequest) hookdb.WebhookResponse {
	return hookdb.TimestampedHMACVerifier{
		Header: increaseSignatureHeader,
		Secret: r.sint().WebhookSecret,
		Now:    r.env.Time,
	}.Verify(req)
}

func (r *increaseAccountTransfer) Schema() hookdb.TableSchema {
	return hookdb.TableSchema{
		RemoteKey: textCol("increase_id", false),
		Columns: []hookdb.Column{
			col("amount", hookdb.TypeInteger, true),
			textCol("account_id", true),
			col("canceled_at", hookdb.TypeTimestamp, false),
			col("created_at", hookdb.TypeTimestamp, true),
			textCol("destination_account_id", true),
			textCol("destination_transaction_id", true),
			textCol("status", false),
			textCol("template_id", false),
			textCol("transaction_id", true),
			col("updated_at", hookdb.TypeTimestamp, true),
		},
	}
}

func (r *increaseAccountTransfer) ConflictPredicate() hookdb.Predicate {
	return hookdb.NewerThan("updated_at")
}

func isIncreaseEvent(p hookdb.Payload) bool {
	typ := p.String("type")
	return typ != nil && *typ == "event"
}

// FetchEnrichment loads the transfer an event points at. Other payloads need
// nothing.
func (r *increaseAccountTransfer) FetchEnrichment(ctx context.Context, item hookdb.Payload) (any, error) {
	if !isIncreaseEvent(item) {
		return nil, nil
	}
	kind := item.String("associated_object_type")
	id := item.String("associated_object_id")
	if kind == nil || *kind != "account_transfer" || id == nil {
		return nil, nil
	}
	if r.sint().BackfillKey == "" || r.sint().APIURL == "" {
		return nil, &hookdb.ConfigurationError{
			Message: "account transfer events need api_url and backfill_key to fetch the transfer",
			Step:    r.BackfillStateMachine(),
		}
	}
	return r.env.HTTP.GetPayload(ctx, r.request(r.sint().APIURL+"/account_transfers/"+url.PathEscape(*id), nil))
}

func (r *increaseAccountTransfer) PrepareRow(payload hookdb.Payload, enrichment any) (hookdb.Row, error) {
	resource := payload
	updated := payload.Time("created_at")
	if isIncreaseEvent(payload) {
		fetched, ok := enrichment.(hookdb.Payload)
		if !ok || fetched == nil {
			return nil, nil
		}
		resource = fetched
	} else if typ := payload.String("type"); typ == nil || *typ != "account_transfer" {
		return nil, nil
	}
	id := resource.String("id")
	if id == nil {
		return nil, nil
	}
	if updated == nil {
		now := r.env.Time().UTC()
		updated = &now
	}
	raw, err := resource.JSON()
	if err != nil {
		return nil, err
	}
	return hookdb.Row{
		"increase_id":                *id,
		"amount":                     resource.Int("amount"),
		"account_id":                 resource.String("account_id"),
		"canceled_at":                resource.Time("cancellation", "canceled_at"),
		"created_at":                 resource.Time("created_at"),
		"destination_account_id":     resource.String("destination_account_id"),
		"destination_transaction_id": resource.String("destination_transaction_id"),
		"status":                     resource.String("status"),
		"template_id":                resource.String("template_id"),
		"transaction_id":             resource.String("transaction_id"),
		"updated_at":                 updated,
		hookdb.DataColumn:            string(raw),
	}, nil
}

func (r *increaseAccountTransfer) createFields() []hookdb.RequiredField {
	return []hookdb.RequiredField{{
		Field: hookdb.WebhookSecretField,
		Output: `You are about to start replicating Increase Account Transfers into WebhookDB.
We've made an endpoint available for Increase webhooks:

` + r.env.WebhookURL() + `

From your Increase dashboard, go to Developers -> Webhooks, add the endpoint above
and copy the signing secret Increase shows for it.`,
		Prompt: "Paste or type your secret here:",
		Secret: true,
	}}
}

func (r *increaseAccountTransfer) backfillFields() []hookdb.RequiredField {
	return []hookdb.RequiredField{
		{
			Field: hookdb.BackfillKeyField,
			Output: `In order to backfill Increase Account Transfers, we need an API key.
From your Increase dashboard, go to Developers -> API Keys and create one.`,
			Prompt: "Paste or type your API key here:",
			Secret: true,
		},
		{
			Field: hookdb.APIURLField,
			Output: `Now we need the API host your key belongs to:
https://api.increase.com for production, or https://sandbox.increase.com for the sandbox.`,
			Prompt: "Paste or type the API url here:",
		},
	}
}

func (r *increaseAccountTransfer) CreateStateMachine() hookdb.Step {
	return hookdb.NextStep(r.env, r.createFields(), func() hookdb.Step {
		return hookdb.CompleteStep{Output: "Great! WebhookDB is now listening for Increase Account Transfer webhooks.\n" +
			readonlyURLOutput(r.env, "Increase Account Transfers")}
	})
}

func (r *increaseAccountTransfer) BackfillStateMachine() hookdb.Step {
	return hookdb.NextStep(r.env, r.backfillFields(), func() hookdb.Step {
		return hookdb.CompleteStep{Output: "Great! We are going to start backfilling your Increase Account Transfers.\n" +
			readonlyURLOutput(r.env, "Increase Account Transfers")}
	})
}

func (r *increaseAccountTransfer) Transitions() map[string]hookdb.Transition {
	return hookdb.TransitionsFor(r.createFields(), r.backfillFields())
}

func (r *increaseAccountTransfer) request(target string, query url.Values) hookdb.UpstreamRequest {
	return hookdb.UpstreamRequest{
		URL:    target,
		Query:  query,
		Header: map[string][]string{"Authorization": {"Bearer " + r.sint().BackfillKey}},
	}
}

// FetchBackfillPage follows Increase's next_cursor.
func (r *increaseAccountTransfer) FetchBackfillPage(ctx context.Context, token string, since *time.Time) (hookdb.BackfillPage, error) {
	query := url.Values{"limit": {"100"}}
	if token != "" {
		query.Set("cursor", token)
	}
	if since != nil {
		query.Set("created_at.on_or_after", since.UTC().Format(time.RFC3339))
	}
	page, err := r.env.HTTP.GetPayload(ctx, r.request(r.sint().APIURL+"/account_transfers", query))
	if err != nil {
		return hookdb.BackfillPage{}, err
	}
	next := ""
	if cursor := page.String("next_cursor"); cursor != nil {
		next = *cursor
	}
	return hookdb.BackfillPage{Items: page.Items("data"), NextToken: next}, nil
}
