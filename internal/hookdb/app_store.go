package hookdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// AppStore persists organizations, integrations and the webhook log.
// Lookups of a missing record return ErrNotFound. List methods omit
// soft-deleted integrations; single lookups return them so callers can tell
// deleted from missing.
type AppStore interface {
	CreateOrganization(ctx context.Context, org *Organization) error
	Organization(ctx context.Context, id int64) (*Organization, error)
	OrganizationByKey(ctx context.Context, key string) (*Organization, error)
	// LockOrganization runs fn with the organization row locked and saves the
	// organization if fn succeeds.
	LockOrganization(ctx context.Context, id int64, fn func(org *Organization) error) error

	CreateIntegration(ctx context.Context, sint *ServiceIntegration) error
	Integration(ctx context.Context, id int64) (*ServiceIntegration, error)
	IntegrationByOpaqueID(ctx context.Context, opaqueID string) (*ServiceIntegration, error)
	FindIntegration(ctx context.Context, orgID int64, serviceName string) (*ServiceIntegration, error)
	ListIntegrations(ctx context.Context, orgID int64) ([]*ServiceIntegration, error)
	ListIntegrationsByService(ctx context.Context, serviceName string) ([]*ServiceIntegration, error)
	ListDependents(ctx context.Context, integrationID int64) ([]*ServiceIntegration, error)
	UpdateIntegration(ctx context.Context, sint *ServiceIntegration) error
	SoftDeleteIntegration(ctx context.Context, id int64, at time.Time) error

	InsertWebhookLog(ctx context.Context, entry *WebhookLogEntry) error
	Close() error
}

type MemoryAppStore struct {
	mu           sync.Mutex
	orgs         map[int64]*Organization
	integrations map[int64]*ServiceIntegration
	webhookLog   []WebhookLogEntry
	nextID       int64
	orgLocks     map[int64]*sync.Mutex
}

func NewMemoryAppStore() *MemoryAppStore {
	return &MemoryAppStore{
		orgs:         map[int64]*Organization{},
		integrations: map[int64]*ServiceIntegration{},
		orgLocks:     map[int64]*sync.Mutex{},
	}
}

func (s *MemoryAppStore) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryAppStore) CreateOrganization(_ context.Context, org *Organization) error {
	if err := org.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.orgs {
		if existing.Key == org.Key {
			return fmt.Errorf("%w: organization %s already exists", ErrInvalidInput, org.Key)
		}
	}
	org.ID = s.nextIDLocked()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	cp := *org
	s.orgs[org.ID] = &cp
	s.orgLocks[org.ID] = &sync.Mutex{}
	return nil
}

func (s *MemoryAppStore) Organization(_ context.Context, id int64) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *MemoryAppStore) OrganizationByKey(_ context.Context, key string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, org := range s.orgs {
		if org.Key == key {
			cp := *org
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryAppStore) LockOrganization(ctx context.Context, id int64, fn func(org *Organization) error) error {
	s.mu.Lock()
	lock, ok := s.orgLocks[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	org, err := s.Organization(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(org); err != nil {
		return err
	}
	if err := org.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.orgs[id] = org
	s.mu.Unlock()
	return nil
}

func (s *MemoryAppStore) CreateIntegration(_ context.Context, sint *ServiceIntegration) error {
	if err := sint.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.integrations {
		if existing.OpaqueID == sint.OpaqueID {
			return fmt.Errorf("%w: opaque id already used", ErrInvalidInput)
		}
	}
	sint.ID = s.nextIDLocked()
	now := time.Now().UTC()
	if sint.CreatedAt.IsZero() {
		sint.CreatedAt = now
	}
	sint.UpdatedAt = now
	s.integrations[sint.ID] = sint.Clone()
	return nil
}

func (s *MemoryAppStore) Integration(_ context.Context, id int64) (*ServiceIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sint, ok := s.integrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sint.Clone(), nil
}

func (s *MemoryAppStore) IntegrationByOpaqueID(_ context.Context, opaqueID string) (*ServiceIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sint := range s.integrations {
		if sint.OpaqueID == opaqueID {
			return sint.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryAppStore) FindIntegration(_ context.Context, orgID int64, serviceName string) (*ServiceIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sint := range s.sortedLocked() {
		if sint.OrganizationID == orgID && strings.EqualFold(sint.ServiceName, serviceName) && !sint.Deleted() {
			return sint.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryAppStore) ListIntegrations(_ context.Context, orgID int64) ([]*ServiceIntegration, error) {
	return s.filter(func(sint *ServiceIntegration) bool { return sint.OrganizationID == orgID }), nil
}

func (s *MemoryAppStore) ListIntegrationsByService(_ context.Context, serviceName string) ([]*ServiceIntegration, error) {
	return s.filter(func(sint *ServiceIntegration) bool { return strings.EqualFold(sint.ServiceName, serviceName) }), nil
}

func (s *MemoryAppStore) ListDependents(_ context.Context, integrationID int64) ([]*ServiceIntegration, error) {
	return s.filter(func(sint *ServiceIntegration) bool {
		return sint.DependsOnID != nil && *sint.DependsOnID == integrationID
	}), nil
}

func (s *MemoryAppStore) filter(keep func(*ServiceIntegration) bool) []*ServiceIntegration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ServiceIntegration
	for _, sint := range s.sortedLocked() {
		if !sint.Deleted() && keep(sint) {
			out = append(out, sint.Clone())
		}
	}
	return out
}

func (s *MemoryAppStore) sortedLocked() []*ServiceIntegration {
	out := make([]*ServiceIntegration, 0, len(s.integrations))
	for _, sint := range s.integrations {
		out = append(out, sint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryAppStore) UpdateIntegration(_ context.Context, sint *ServiceIntegration) error {
	if err := sint.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.integrations[sint.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.OpaqueID != sint.OpaqueID {
		return fmt.Errorf("%w: opaque id is immutable", ErrInvalidInput)
	}
	sint.UpdatedAt = time.Now().UTC()
	s.integrations[sint.ID] = sint.Clone()
	return nil
}

func (s *MemoryAppStore) SoftDeleteIntegration(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sint, ok := s.integrations[id]
	if !ok {
		return ErrNotFound
	}
	if sint.SoftDeletedAt == nil {
		t := at.UTC()
		sint.SoftDeletedAt = &t
	}
	return nil
}

func (s *MemoryAppStore) InsertWebhookLog(_ context.Context, entry *WebhookLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextIDLocked()
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = time.Now().UTC()
	}
	s.webhookLog = append(s.webhookLog, *entry)
	return nil
}

// WebhookLog returns a copy of every logged request, oldest first.
func (s *MemoryAppStore) WebhookLog() []WebhookLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WebhookLogEntry(nil), s.webhookLog...)
}

func (s *MemoryAppStore) Close() error {
	return nil
}
