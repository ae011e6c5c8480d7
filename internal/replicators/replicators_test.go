package replicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

func TestRegistryHoldsEveryReplicator(t *testing.T) {
	reg, err := NewRegistry(Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		ConvertKitTagName,
		ICalendarCalendarName,
		ICalendarEventName,
		IncreaseAccountTransferName,
		StripeChargeName,
		StripeDisputeName,
		StripePayoutName,
		StripePriceName,
		StripeRefundName,
		StripeSubscriptionItemName,
	}, reg.Names())

	events, err := reg.Lookup(ICalendarEventName)
	require.NoError(t, err)
	assert.Equal(t, ICalendarCalendarName, events.DependsOn)
	assert.False(t, events.SupportsWebhooks)
	assert.False(t, events.SupportsBackfill)
}

func TestEveryReplicatorHasAUsableSchema(t *testing.T) {
	reg, err := NewRegistry(Options{})
	require.NoError(t, err)
	for _, name := range reg.Names() {
		t.Run(name, func(t *testing.T) {
			r := newReplicator(t, testEnv(name), Options{})
			schema := r.Schema()
			assert.NotEmpty(t, schema.RemoteKey.Name)
			assert.NotEmpty(t, hookdb.CreateTableStatements(name+"_abcd", schema))

			_, isPager := r.(hookdb.BackfillPager)
			assert.Equal(t, r.Descriptor().SupportsBackfill, isPager)
		})
	}
}

func TestRedactPassword(t *testing.T) {
	assert.Equal(t, "postgres://ro:***@db:5432/x", redactPassword("postgres://ro:hunter2@db:5432/x"))
	assert.Equal(t, "postgres://ro@db/x", redactPassword("postgres://ro@db/x"))
	assert.Equal(t, "not a url", redactPassword("not a url"))
}
