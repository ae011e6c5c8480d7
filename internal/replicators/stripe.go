package replicators

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

const stripeSignatureHeader = "Stripe-Signature"

// stripeResource is the part of a Stripe-family replicator that varies per
// object type. The shared webhook, setup and backfill behaviour lives on
// stripeReplicator and is driven entirely by this value.
type stripeResource struct {
	name    string
	noun    string
	path    string
	columns []hookdb.Column
	// row maps the Stripe object to columns. updated is the event's created
	// time for event envelopes and zero for raw objects.
	row func(obj hookdb.Payload, updated int64) hookdb.Row
}

var stripeCharge = stripeResource{
	name: StripeChargeName,
	noun: "Charges",
	path: "/v1/charges",
	columns: []hookdb.Column{
		col("amount", hookdb.TypeInteger, true),
		textCol("balance_transaction", true),
		textCol("billing_email", true),
		col("created", hookdb.TypeBigInt, true),
		textCol("customer_id", true),
		textCol("invoice_id", true),
		textCol("payment_type", false),
		textCol("receipt_email", true),
		textCol("status", false),
		col("updated", hookdb.TypeBigInt, true),
	},
	row: func(obj hookdb.Payload, updated int64) hookdb.Row {
		return hookdb.Row{
			"amount":              obj.Int("amount"),
			"balance_transaction": obj.String("balance_transaction"),
			"billing_email":       obj.String("billing_details", "email"),
			"created":             obj.Int("created"),
			"customer_id":         obj.String("customer"),
			"invoice_id":          obj.String("invoice"),
			"payment_type":        obj.String("payment_method_details", "type"),
			"receipt_email":       obj.String("receipt_email"),
			"status":              obj.String("status"),
			"updated":             updated,
		}
	},
}

var stripeRefund = stripeResource{
	name: StripeRefundName,
	noun: "Refunds",
	path: "/v1/refunds",
	columns: []hookdb.Column{
		col("amount", hookdb.TypeInteger, true),
		textCol("balance_transaction", true),
		textCol("charge", true),
		col("created", hookdb.TypeTimestamp, true),
		textCol("payment_intent", true),
		textCol("receipt_number", false),
		textCol("source_transfer_reversal", true),
		textCol("status", false),
		textCol("transfer_reversal", true),
		col("updated", hookdb.TypeTimestamp, true),
	},
	row: func(obj hookdb.Payload, updated int64) hookdb.Row {
		return hookdb.Row{
			"amount":                   obj.Int("amount"),
			"balance_transaction":      obj.String("balance_transaction"),
			"charge":                   obj.String("charge"),
			"created":                  obj.Time("created"),
			"payment_intent":           obj.String("payment_intent"),
			"receipt_number":           obj.String("receipt_number"),
			"source_transfer_reversal": obj.String("source_transfer_reversal"),
			"status":                   obj.String("status"),
			"transfer_reversal":        obj.String("transfer_reversal"),
			"updated":                  unixTime(updated),
		}
	},
}

var stripeDispute = stripeResource{
	name: StripeDisputeName,
	noun: "Disputes",
	path: "/v1/disputes",
	columns: []hookdb.Column{
		col("amount", hookdb.TypeInteger, false),
		textCol("charge", true),
		col("created", hookdb.TypeTimestamp, false),
		textCol("cancellation_policy", false),
		textCol("receipt", false),
		textCol("refund_policy", false),
		col("service_date", hookdb.TypeTimestamp, false),
		col("due_by", hookdb.TypeTimestamp, false),
		textCol("is_charge_refundable", false),
		textCol("status", false),
		col("updated", hookdb.TypeTimestamp, true),
	},
	row: func(obj hookdb.Payload, updated int64) hookdb.Row {
		return hookdb.Row{
			"amount":               obj.Int("amount"),
			"charge":               obj.String("charge"),
			"created":              obj.Time("created"),
			"cancellation_policy":  obj.String("evidence", "cancellation_policy"),
			"receipt":              obj.String("evidence", "receipt"),
			"refund_policy":        obj.String("evidence", "refund_policy"),
			"service_date":         obj.Time("evidence", "service_date"),
			"due_by":               obj.Time("evidence_details", "due_by"),
			"is_charge_refundable": obj.String("is_charge_refundable"),
			"status":               obj.String("status"),
			"updated":              unixTime(updated),
		}
	},
}

var stripePayout = stripeResource{
	name: StripePayoutName,
	noun: "Payouts",
	path: "/v1/payouts",
	columns: []hookdb.Column{
		col("amount", hookdb.TypeNumeric, false),
		col("arrival_date", hookdb.TypeBigInt, false),
		textCol("balance_transaction", false),
		col("created", hookdb.TypeBigInt, false),
		textCol("destination", false),
		textCol("failure_balance_transaction", false),
		textCol("original_payout", false),
		textCol("reversed_by", false),
		textCol("statement_descriptor", false),
		textCol("status", false),
		col("updated", hookdb.TypeBigInt, true),
	},
	row: func(obj hookdb.Payload, updated int64) hookdb.Row {
		return hookdb.Row{
			"amount":                      obj.Float("amount"),
			"arrival_date":                obj.Int("arrival_date"),
			"balance_transaction":         obj.String("balance_transaction"),
			"created":                     obj.Int("created"),
			"destination":                 obj.String("destination"),
			"failure_balance_transaction": obj.String("failure_balance_transaction"),
			"original_payout":             obj.String("original_payout"),
			"reversed_by":                 obj.String("reversed_by"),
			"statement_descriptor":        obj.String("statement_descriptor"),
			"status":                      obj.String("status"),
			"updated":                     updated,
		}
	},
}

var stripePrice = stripeResource{
	name: StripePriceName,
	noun: "Prices",
	path: "/v1/prices",
	columns: []hookdb.Column{
		col("created", hookdb.TypeTimestamp, false),
		textCol("product", true),
		textCol("interval", false),
		textCol("type", false),
		textCol("unit_amount", false),
		col("updated", hookdb.TypeTimestamp, true),
	},
	row: func(obj hookdb.Payload, updated int64) hookdb.Row {
		return hookdb.Row{
			"created":     obj.Time("created"),
			"product":     obj.String("product"),
			"interval":    obj.String("recurring", "interval"),
			"type":        obj.String("type"),
			"unit_amount": obj.String("unit_amount"),
			"updated":     unixTime(updated),
		}
	},
}

var stripeSubscriptionItem = stripeResource{
	name: StripeSubscriptionItemName,
	noun: "Subscription Items",
	path: "/v1/subscription_items",
	columns: []hookdb.Column{
		col("created", hookdb.TypeTimestamp, true),
		textCol("price", true),
		textCol("product", true),
		col("quantity", hookdb.TypeInteger, false),
		textCol("subscription", true),
		col("updated", hookdb.TypeTimestamp, true),
	},
	row: func(obj hookdb.Payload, updated int64) hookdb.Row {
		return hookdb.Row{
			"created":      obj.Time("created"),
			"price":        obj.String("price", "id"),
			"product":      obj.String("price", "product"),
			"quantity":     obj.Int("quantity"),
			"subscription": obj.String("subscription"),
			"updated":      unixTime(updated),
		}
	},
}

// stripeResources lists every Stripe object type replicated.
var stripeResources = []stripeResource{
	stripeCharge,
	stripeDispute,
	stripePayout,
	stripePrice,
	stripeRefund,
	stripeSubscriptionItem,
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func stripeDescriptor(res stripeResource, opts Options) hookdb.Descriptor {
	d := hookdb.Descriptor{
		Name:              res.name,
		SupportsWebhooks:  true,
		SupportsBackfill:  true,
		BackfillPageDelay: opts.StripeBackfillPace,
	}
	d.New = func(env *hookdb.Env) hookdb.Replicator {
		return &stripeReplicator{base: base{desc: d, env: env}, res: res, apiBase: opts.StripeAPIBase}
	}
	return d
}

type stripeReplicator struct {
	base
	res     stripeResource
	apiBase string
}

func (r *stripeReplicator) VerifyWebhook(req hookdb.WebhookRequest) hookdb.WebhookResponse {
	return hookdb.TimestampedHMACVerifier{
		Header: stripeSignatureHeader,
		Secret: r.sint().WebhookSecret,
		Now:    r.env.Time,
	}.Verify(req)
}

func (r *stripeReplicator) Schema() hookdb.TableSchema {
	return hookdb.TableSchema{
		RemoteKey: textCol("stripe_id", false),
		Columns:   r.res.columns,
	}
}

func (r *stripeReplicator) ConflictPredicate() hookdb.Predicate {
	return hookdb.NewerThan("updated")
}

// PrepareRow accepts either a raw object, as listed by backfill, or an event
// envelope delivered by webhook.
func (r *stripeReplicator) PrepareRow(payload hookdb.Payload, _ any) (hookdb.Row, error) {
	obj := payload
	var updated int64
	if s := payload.String("object"); s != nil && *s == "event" {
		inner, ok := payload.Object("data", "object")
		if !ok {
			return nil, nil
		}
		obj = inner
		if created := payload.Int("created"); created != nil {
			updated = *created
		}
	}
	id := obj.String("id")
	if id == nil || *id == "" {
		return nil, nil
	}
	row := r.res.row(obj, updated)
	row["stripe_id"] = *id
	raw, err := obj.JSON()
	if err != nil {
		return nil, err
	}
	row[hookdb.DataColumn] = string(raw)
	return row, nil
}

func (r *stripeReplicator) createFields() []hookdb.RequiredField {
	return []hookdb.RequiredField{{
		Field: hookdb.WebhookSecretField,
		Output: fmt.Sprintf(`You are about to start replicating Stripe %s into WebhookDB.
We've made an endpoint available for Stripe %s webhooks:

%s

From your Stripe Dashboard, go to Developers -> Webhooks -> Add endpoint.
Use the URL above, and choose all of the %s events.
Then click Add endpoint.

On the endpoint page, reveal the Signing secret and copy it.`, r.res.noun, r.res.noun, r.env.WebhookURL(), r.res.noun),
		Prompt: "Paste or type your secret here:",
		Secret: true,
	}}
}

func (r *stripeReplicator) backfillFields() []hookdb.RequiredField {
	return []hookdb.RequiredField{{
		Field: hookdb.BackfillKeyField,
		Output: fmt.Sprintf(`In order to backfill Stripe %s, we need an API key.
From your Stripe Dashboard, go to Developers -> API Keys -> Restricted Keys -> Create Restricted Key.
Create a key with Read access to %s.`, r.res.noun, r.res.noun),
		Prompt: "Paste or type your Restricted Key here:",
		Secret: true,
	}}
}

func (r *stripeReplicator) CreateStateMachine() hookdb.Step {
	return hookdb.NextStep(r.env, r.createFields(), func() hookdb.Step {
		return hookdb.CompleteStep{Output: fmt.Sprintf("Great! WebhookDB is now listening for Stripe %s webhooks.\n%s",
			r.res.noun, readonlyURLOutput(r.env, "Stripe "+r.res.noun))}
	})
}

func (r *stripeReplicator) BackfillStateMachine() hookdb.Step {
	return hookdb.NextStep(r.env, r.backfillFields(), func() hookdb.Step {
		return hookdb.CompleteStep{Output: fmt.Sprintf("Great! We are going to start backfilling your Stripe %s.\n%s",
			r.res.noun, readonlyURLOutput(r.env, "Stripe "+r.res.noun))}
	})
}

func (r *stripeReplicator) Transitions() map[string]hookdb.Transition {
	return hookdb.TransitionsFor(r.createFields(), r.backfillFields())
}

// FetchBackfillPage lists objects newest first, following starting_after.
func (r *stripeReplicator) FetchBackfillPage(ctx context.Context, token string, since *time.Time) (hookdb.BackfillPage, error) {
	query := url.Values{"limit": {"100"}}
	if token != "" {
		query.Set("starting_after", token)
	}
	if since != nil {
		query.Set("created[gte]", strconv.FormatInt(since.Unix(), 10))
	}
	page, err := r.env.HTTP.GetPayload(ctx, hookdb.UpstreamRequest{
		URL:      r.apiBase + r.res.path,
		Query:    query,
		Username: r.sint().BackfillKey,
	})
	if err != nil {
		return hookdb.BackfillPage{}, err
	}
	items := page.Items("data")
	next := ""
	if more := page.Bool("has_more"); more != nil && *more && len(items) > 0 {
		if id := items[len(items)-1].String("id"); id != nil {
			next = *id
		}
	}
	return hookdb.BackfillPage{Items: items, NextToken: next}, nil
}
