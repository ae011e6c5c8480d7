package hookdb

import (
	"context"
	"fmt"
	"strings"
)

// CreateIntegration locates or creates the organization's integration for
// serviceName, creating its dependencies first, and returns the first step
// of its create machine. An unsupported name yields a complete step
// explaining which services exist, with a nil integration.
func (e *Engine) CreateIntegration(ctx context.Context, org *Organization, serviceName string) (Step, *ServiceIntegration, error) {
	if _, err := e.registry.Lookup(serviceName); err != nil {
		return CompleteStep{Output: unsupportedServiceOutput(serviceName, e.registry.Names())}, nil, nil
	}
	sint, err := e.EnsureIntegration(ctx, org, serviceName)
	if err != nil {
		return nil, nil, err
	}
	b, err := e.Bind(ctx, sint)
	if err != nil {
		return nil, nil, err
	}
	return b.Replicator.CreateStateMachine(), sint, nil
}

func unsupportedServiceOutput(name string, supported []string) string {
	return fmt.Sprintf(`
WebhookDB doesn't support a service called '%s'. These are all the services
currently supported by WebhookDB:

	%s
`, name, strings.Join(supported, "\n\t"))
}

// EnsureIntegration returns the organization's live integration of the given
// type, creating it and, recursively, whatever it depends on. The table is
// created as soon as the organization has a database.
func (e *Engine) EnsureIntegration(ctx context.Context, org *Organization, serviceName string) (*ServiceIntegration, error) {
	desc, err := e.registry.Lookup(serviceName)
	if err != nil {
		return nil, err
	}
	var parent *ServiceIntegration
	if desc.DependsOn != "" {
		parent, err = e.EnsureIntegration(ctx, org, desc.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("dependency %s of %s: %w", desc.DependsOn, desc.Name, err)
		}
	}

	sint, err := e.store.FindIntegration(ctx, org.ID, desc.Name)
	switch {
	case err == nil:
		if parent != nil && (sint.DependsOnID == nil || *sint.DependsOnID != parent.ID) {
			id := parent.ID
			sint.DependsOnID = &id
			if err := e.store.UpdateIntegration(ctx, sint); err != nil {
				return nil, err
			}
		}
	case isNotFound(err):
		table, err := NewTableName(desc.Name)
		if err != nil {
			return nil, err
		}
		sint = &ServiceIntegration{
			OpaqueID:       NewOpaqueID(),
			OrganizationID: org.ID,
			ServiceName:    desc.Name,
			TableName:      table,
		}
		if parent != nil {
			id := parent.ID
			sint.DependsOnID = &id
		}
		if err := e.store.CreateIntegration(ctx, sint); err != nil {
			return nil, err
		}
		e.logger.Info("integration created", "integration_id", sint.ID, "opaque_id", sint.OpaqueID, "service", sint.ServiceName, "organization", org.Key)
	default:
		return nil, err
	}

	if org.HasDatabase() {
		b, err := e.Bind(ctx, sint)
		if err != nil {
			return nil, err
		}
		if err := e.ensureTable(ctx, b); err != nil {
			return nil, err
		}
	}
	return sint, nil
}

// ProcessStateChange applies one allow-listed field and recomputes the
// machine that field belongs to.
func (e *Engine) ProcessStateChange(ctx context.Context, sint *ServiceIntegration, field, value string) (Step, error) {
	b, err := e.Bind(ctx, sint)
	if err != nil {
		return nil, err
	}
	transition, ok := b.Replicator.Transitions()[strings.TrimSpace(field)]
	if !ok {
		return nil, configurationErrorf("%q is not a valid field for %s", field, sint.ServiceName)
	}
	if err := transition.Field.Set(sint, value); err != nil {
		return nil, err
	}
	if err := e.store.UpdateIntegration(ctx, sint); err != nil {
		return nil, err
	}
	return machineStep(b.Replicator, transition.Machine), nil
}

func (e *Engine) ResetCreate(ctx context.Context, sint *ServiceIntegration) (Step, error) {
	return e.reset(ctx, sint, CreateMachine)
}

func (e *Engine) ResetBackfill(ctx context.Context, sint *ServiceIntegration) (Step, error) {
	return e.reset(ctx, sint, BackfillMachine)
}

func (e *Engine) reset(ctx context.Context, sint *ServiceIntegration, m Machine) (Step, error) {
	b, err := e.Bind(ctx, sint)
	if err != nil {
		return nil, err
	}
	for _, transition := range b.Replicator.Transitions() {
		if transition.Machine != m {
			continue
		}
		if err := transition.Field.Set(sint, ""); err != nil {
			return nil, err
		}
	}
	if err := e.store.UpdateIntegration(ctx, sint); err != nil {
		return nil, err
	}
	return machineStep(b.Replicator, m), nil
}

// StartBackfill queues a backfill when the backfill machine is complete and
// returns the machine either way.
func (e *Engine) StartBackfill(ctx context.Context, sint *ServiceIntegration, incremental bool) (Step, error) {
	b, err := e.Bind(ctx, sint)
	if err != nil {
		return nil, err
	}
	step := b.Replicator.BackfillStateMachine()
	if !step.Complete() {
		return step, nil
	}
	if err := e.EnqueueJob(ctx, Job{Kind: JobBackfill, IntegrationID: sint.ID, Incremental: incremental}); err != nil {
		return nil, err
	}
	return step, nil
}

// DeleteIntegration soft-deletes the integration. Its table and webhook log
// history are kept.
func (e *Engine) DeleteIntegration(ctx context.Context, sint *ServiceIntegration) error {
	return e.store.SoftDeleteIntegration(ctx, sint.ID, e.now())
}
