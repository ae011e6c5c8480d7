// Package replicators holds the concrete third-party integrations that plug
// into the hookdb engine.
package replicators

import (
	"strings"
	"time"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

const (
	StripeChargeName            = "stripe_charge_v1"
	StripeDisputeName           = "stripe_dispute_v1"
	StripePayoutName            = "stripe_payout_v1"
	StripePriceName             = "stripe_price_v1"
	StripeRefundName            = "stripe_refund_v1"
	StripeSubscriptionItemName  = "stripe_subscription_item_v1"
	ConvertKitTagName           = "convertkit_tag_v1"
	IncreaseAccountTransferName = "increase_account_transfer_v1"
	ICalendarCalendarName       = "icalendar_calendar_v1"
	ICalendarEventName          = "icalendar_event_v1"
)

// Options carries upstream endpoints and pacing. Tests point the base URLs at
// local servers.
type Options struct {
	StripeAPIBase      string
	ConvertKitAPIBase  string
	ConvertKitDelay    time.Duration
	StripeBackfillPace time.Duration
}

func (o Options) withDefaults() Options {
	if o.StripeAPIBase == "" {
		o.StripeAPIBase = "https://api.stripe.com"
	}
	if o.ConvertKitAPIBase == "" {
		o.ConvertKitAPIBase = "https://api.convertkit.com"
	}
	if o.ConvertKitDelay < 0 {
		o.ConvertKitDelay = 0
	}
	o.StripeAPIBase = strings.TrimRight(o.StripeAPIBase, "/")
	o.ConvertKitAPIBase = strings.TrimRight(o.ConvertKitAPIBase, "/")
	return o
}

// Register adds every replicator in this package to reg.
func Register(reg *hookdb.Registry, opts Options) {
	opts = opts.withDefaults()
	for _, res := range stripeResources {
		reg.Register(stripeDescriptor(res, opts))
	}
	reg.Register(convertKitTagDescriptor(opts))
	reg.Register(increaseAccountTransferDescriptor())
	reg.Register(icalendarCalendarDescriptor())
	reg.Register(icalendarEventDescriptor())
}

// NewRegistry returns a validated registry of every replicator.
func NewRegistry(opts Options) (*hookdb.Registry, error) {
	reg := hookdb.NewRegistry()
	Register(reg, opts)
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// base carries what every replicator instance shares.
type base struct {
	desc hookdb.Descriptor
	env  *hookdb.Env
}

func (b base) Descriptor() hookdb.Descriptor {
	return b.desc
}

func (b base) sint() *hookdb.ServiceIntegration {
	return b.env.Integration
}

func textCol(name string, index bool) hookdb.Column {
	return hookdb.Column{Name: name, Type: hookdb.TypeText, Index: index}
}

func col(name string, typ hookdb.ColumnType, index bool) hookdb.Column {
	return hookdb.Column{Name: name, Type: typ, Index: index}
}

// readonlyURLOutput is shared completion text pointing the tenant at their
// tables.
func readonlyURLOutput(env *hookdb.Env, noun string) string {
	var b strings.Builder
	b.WriteString("WebhookDB will keep ")
	b.WriteString(noun)
	b.WriteString(" in the table ")
	b.WriteString(env.Integration.TableName)
	b.WriteString(".")
	if env.Organization != nil && env.Organization.ReadonlyConnectionURL != "" {
		b.WriteString("\nQuery it with the readonly connection: ")
		b.WriteString(redactPassword(env.Organization.ReadonlyConnectionURL))
	}
	return b.String()
}

func redactPassword(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return raw
	}
	userinfo := rest[:at]
	user, _, hasPass := strings.Cut(userinfo, ":")
	if !hasPass {
		return raw
	}
	return scheme + "://" + user + ":***" + rest[at:]
}
