package hookdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpaqueID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := NewOpaqueID()
		assert.Regexp(t, `^svi_[a-z2-7]{24}$`, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestNewTableName(t *testing.T) {
	name, err := NewTableName("Stripe_Charge_V1")
	require.NoError(t, err)
	assert.Regexp(t, `^stripe_charge_v1_[0-9a-f]{4}$`, name)

	_, err = NewTableName("has-dash")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestIsValidIdentifier(t *testing.T) {
	assert.True(t, IsValidIdentifier("icalendar_event_v1_0a1b"))
	assert.True(t, IsValidIdentifier("_x"))
	assert.False(t, IsValidIdentifier("1abc"))
	assert.False(t, IsValidIdentifier("Upper"))
	assert.False(t, IsValidIdentifier(`a"; drop table x`))
	assert.False(t, IsValidIdentifier(""))
}

func TestOrganizationValidate(t *testing.T) {
	require.NoError(t, (&Organization{Key: "acme"}).Validate())
	require.NoError(t, (&Organization{Key: "acme", AdminConnectionURL: "a", ReadonlyConnectionURL: "r"}).Validate())
	require.ErrorIs(t, (&Organization{}).Validate(), ErrInvalidInput)
	require.ErrorIs(t, (&Organization{Key: "acme", AdminConnectionURL: "a"}).Validate(), ErrInvalidInput)
}

func TestServiceIntegrationValidateAndClone(t *testing.T) {
	parent := int64(3)
	at := testNow
	sint := &ServiceIntegration{
		OpaqueID:         "svi_abc",
		ServiceName:      "fake",
		TableName:        "fake_0001",
		DependsOnID:      &parent,
		LastBackfilledAt: &at,
	}
	require.NoError(t, sint.Validate())

	cp := sint.Clone()
	*cp.DependsOnID = 9
	*cp.LastBackfilledAt = at.Add(time.Hour)
	assert.Equal(t, int64(3), *sint.DependsOnID)
	assert.Equal(t, testNow, *sint.LastBackfilledAt)

	bad := sint.Clone()
	bad.OpaqueID = "abc"
	require.ErrorIs(t, bad.Validate(), ErrInvalidInput)
	bad = sint.Clone()
	bad.TableName = "Fake"
	require.ErrorIs(t, bad.Validate(), ErrInvalidInput)
}

func TestMemoryAppStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAppStore()

	org := &Organization{Key: "acme"}
	require.NoError(t, s.CreateOrganization(ctx, org))
	require.ErrorIs(t, s.CreateOrganization(ctx, &Organization{Key: "acme"}), ErrInvalidInput)
	byKey, err := s.OrganizationByKey(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, org.ID, byKey.ID)
	_, err = s.OrganizationByKey(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	a := &ServiceIntegration{OpaqueID: "svi_a", OrganizationID: org.ID, ServiceName: "parent", TableName: "parent_0001"}
	require.NoError(t, s.CreateIntegration(ctx, a))
	b := &ServiceIntegration{OpaqueID: "svi_b", OrganizationID: org.ID, ServiceName: "child", TableName: "child_0001", DependsOnID: &a.ID}
	require.NoError(t, s.CreateIntegration(ctx, b))
	require.ErrorIs(t, s.CreateIntegration(ctx, &ServiceIntegration{OpaqueID: "svi_a", ServiceName: "x", TableName: "x"}), ErrInvalidInput)

	deps, err := s.ListDependents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "svi_b", deps[0].OpaqueID)

	deps[0].WebhookSecret = "mutated"
	again, err := s.Integration(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, again.WebhookSecret, "stored records are copies")

	changed := again.Clone()
	changed.OpaqueID = "svi_other"
	require.ErrorIs(t, s.UpdateIntegration(ctx, changed), ErrInvalidInput)

	require.NoError(t, s.SoftDeleteIntegration(ctx, b.ID, testNow))
	deps, err = s.ListDependents(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
	deleted, err := s.IntegrationByOpaqueID(ctx, "svi_b")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted())

	all, err := s.ListIntegrations(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	byService, err := s.ListIntegrationsByService(ctx, "PARENT")
	require.NoError(t, err)
	assert.Len(t, byService, 1)

	entry := &WebhookLogEntry{OpaqueID: "svi_a", ResponseStatus: 202, RequestHeaders: map[string]string{"X": "1"}}
	require.NoError(t, s.InsertWebhookLog(ctx, entry))
	assert.NotZero(t, entry.ID)
	assert.Equal(t, `{"X":"1"}`, entry.HeadersJSON())
	assert.Len(t, s.WebhookLog(), 1)
}

func TestMemoryAppStoreLockOrganizationRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAppStore()
	org := &Organization{Key: "acme"}
	require.NoError(t, s.CreateOrganization(ctx, org))

	err := s.LockOrganization(ctx, org.ID, func(o *Organization) error {
		o.Name = "changed"
		return ErrPrecondition
	})
	require.ErrorIs(t, err, ErrPrecondition)
	stored, err := s.Organization(ctx, org.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Name)

	err = s.LockOrganization(ctx, org.ID, func(o *Organization) error {
		o.AdminConnectionURL = "only-admin"
		return nil
	})
	require.ErrorIs(t, err, ErrInvalidInput, "half-set connection urls are never saved")

	require.ErrorIs(t, s.LockOrganization(ctx, 99, func(*Organization) error { return nil }), ErrNotFound)
}
