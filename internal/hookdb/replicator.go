package hookdb

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Descriptor is the static identity of a replicator type.
type Descriptor struct {
	Name             string
	SupportsWebhooks bool
	SupportsBackfill bool
	// DependsOn names the one replicator type this type's rows are keyed to.
	DependsOn string
	// BackfillPageDelay is slept between backfill pages.
	BackfillPageDelay time.Duration
	New               func(env *Env) Replicator
}

type Replicator interface {
	Descriptor() Descriptor
	VerifyWebhook(req WebhookRequest) WebhookResponse
	Schema() TableSchema
	// PrepareRow maps a payload to column values. A nil row means the payload
	// carries nothing to store.
	PrepareRow(payload Payload, enrichment any) (Row, error)
	ConflictPredicate() Predicate
	CreateStateMachine() Step
	BackfillStateMachine() Step
	Transitions() map[string]Transition
}

type BackfillPage struct {
	Items     []Payload
	NextToken string
}

type BackfillPager interface {
	// FetchBackfillPage returns one page. An empty NextToken ends the backfill.
	// since is non-nil for incremental runs.
	FetchBackfillPage(ctx context.Context, token string, since *time.Time) (BackfillPage, error)
}

type Enricher interface {
	FetchEnrichment(ctx context.Context, item Payload) (any, error)
}

// WebhookHandler replaces the default prepare-and-upsert step for a
// replicator whose webhook bodies are commands rather than resources.
type WebhookHandler interface {
	HandleWebhookBody(ctx context.Context, body Payload) error
}

// RowSyncer is implemented by replicators whose rows must be refreshed from
// upstream on a schedule.
type RowSyncer interface {
	RowsNeedingSync(ctx context.Context) ([]string, error)
	SyncRow(ctx context.Context, key string) error
}

type WebhookRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       []byte
	ReceivedAt time.Time
}

type WebhookResponse struct {
	Status  int
	Headers map[string]string
	Body    string
}

func (r WebhookResponse) OK() bool {
	return r.Status > 0 && r.Status < 400
}

// Bound is a resolved integration together with its behaviour.
type Bound struct {
	Integration *ServiceIntegration
	Replicator  Replicator
	Env         *Env
}

type DependencyResolver interface {
	Dependents(ctx context.Context, parent *ServiceIntegration) ([]Bound, error)
}

type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job Job) error
}

// Settings are the reloadable knobs replicators read at resolve time.
type Settings struct {
	CalendarFreshnessWindow time.Duration
	RecurrenceProjection    time.Duration
	SweepInterval           time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		CalendarFreshnessWindow: 4 * time.Hour,
		RecurrenceProjection:    2 * 365 * 24 * time.Hour,
		SweepInterval:           5 * time.Minute,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.CalendarFreshnessWindow <= 0 {
		s.CalendarFreshnessWindow = d.CalendarFreshnessWindow
	}
	if s.RecurrenceProjection <= 0 {
		s.RecurrenceProjection = d.RecurrenceProjection
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = d.SweepInterval
	}
	return s
}

// Env is everything a replicator instance may touch.
type Env struct {
	Integration  *ServiceIntegration
	Organization *Organization
	DB           *TenantDB
	HTTP         *UpstreamClient
	Jobs         JobEnqueuer
	Graph        DependencyResolver
	Logger       *slog.Logger
	Now          func() time.Time
	Settings     Settings
}

// Time is the environment's clock.
func (e *Env) Time() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Env) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// TransitionURL is where a configuring client posts the value for field.
func (e *Env) TransitionURL(field string) string {
	orgKey := ""
	if e.Organization != nil {
		orgKey = e.Organization.Key
	}
	return "/v1/organizations/" + orgKey + "/integrations/" + e.Integration.OpaqueID + "/transition/" + field
}

// WebhookURL is the public ingress path for the integration.
func (e *Env) WebhookURL() string {
	return "/integrations/" + e.Integration.OpaqueID
}

func (e *Env) Dependents(ctx context.Context) ([]Bound, error) {
	if e.Graph == nil {
		return nil, nil
	}
	return e.Graph.Dependents(ctx, e.Integration)
}

func (e *Env) Enqueue(ctx context.Context, job Job) error {
	if e.Jobs == nil {
		return &PreconditionError{Message: "no job queue configured"}
	}
	if job.IntegrationID == 0 {
		job.IntegrationID = e.Integration.ID
	}
	return e.Jobs.EnqueueJob(ctx, job)
}
