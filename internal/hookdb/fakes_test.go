package hookdb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/hookdb/internal/conncache"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService is a replicator type whose behaviour tests steer. Every
// replicator built from it shares its state.
type fakeService struct {
	name      string
	dependsOn string
	backfill  bool

	mu         sync.Mutex
	prepareErr error
	pages      []BackfillPage
	pageErr    map[int]error
	since      []*time.Time
	prepared   []Payload
	stale      []string
	synced     []string
}

func newFakeService(name string) *fakeService {
	return &fakeService{name: name, backfill: true}
}

func (f *fakeService) descriptor() Descriptor {
	return Descriptor{
		Name:             f.name,
		SupportsWebhooks: true,
		SupportsBackfill: f.backfill,
		DependsOn:        f.dependsOn,
		New:              func(env *Env) Replicator { return &fakeReplicator{svc: f, env: env} },
	}
}

func (f *fakeService) setPrepareErr(err error) {
	f.mu.Lock()
	f.prepareErr = err
	f.mu.Unlock()
}

func (f *fakeService) preparedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prepared)
}

type fakeReplicator struct {
	svc *fakeService
	env *Env
}

var (
	fakeCreateFields = []RequiredField{{
		Field:  WebhookSecretField,
		Output: "Paste the signing secret.",
		Prompt: "Signing secret:",
		Secret: true,
	}}
	fakeBackfillFields = []RequiredField{{
		Field:  BackfillKeyField,
		Output: "Paste the API key.",
		Prompt: "API key:",
		Secret: true,
	}}
)

func (r *fakeReplicator) Descriptor() Descriptor { return r.svc.descriptor() }

func (r *fakeReplicator) VerifyWebhook(req WebhookRequest) WebhookResponse {
	return SharedSecretVerifier{Secret: r.env.Integration.WebhookSecret}.Verify(req)
}

func (r *fakeReplicator) Schema() TableSchema {
	return TableSchema{
		RemoteKey: Column{Name: "fake_id", Type: TypeText},
		Columns:   []Column{{Name: "updated_at", Type: TypeTimestamp, Index: true}},
	}
}

func (r *fakeReplicator) PrepareRow(p Payload, _ any) (Row, error) {
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()
	r.svc.prepared = append(r.svc.prepared, p)
	if r.svc.prepareErr != nil {
		return nil, r.svc.prepareErr
	}
	id := p.String("id")
	if id == nil {
		return nil, nil
	}
	return Row{"fake_id": *id, "updated_at": p.Time("updated_at")}, nil
}

func (r *fakeReplicator) ConflictPredicate() Predicate { return NewerThan("updated_at") }

func (r *fakeReplicator) CreateStateMachine() Step {
	return NextStep(r.env, fakeCreateFields, func() Step {
		return CompleteStep{Output: "Ready at " + r.env.WebhookURL()}
	})
}

func (r *fakeReplicator) BackfillStateMachine() Step {
	return NextStep(r.env, fakeBackfillFields, func() Step {
		return CompleteStep{Output: "Backfill is on its way."}
	})
}

func (r *fakeReplicator) Transitions() map[string]Transition {
	return TransitionsFor(fakeCreateFields, fakeBackfillFields)
}

// FetchBackfillPage serves svc.pages in order. Tokens are page indexes.
func (r *fakeReplicator) FetchBackfillPage(_ context.Context, token string, since *time.Time) (BackfillPage, error) {
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()
	idx := 0
	if token != "" {
		idx, _ = strconv.Atoi(token)
	}
	if idx == 0 {
		r.svc.since = append(r.svc.since, since)
	}
	if err := r.svc.pageErr[idx]; err != nil {
		return BackfillPage{}, err
	}
	if idx >= len(r.svc.pages) {
		return BackfillPage{}, nil
	}
	page := BackfillPage{Items: r.svc.pages[idx].Items}
	if idx+1 < len(r.svc.pages) {
		page.NextToken = strconv.Itoa(idx + 1)
	}
	return page, nil
}

func (r *fakeReplicator) RowsNeedingSync(context.Context) ([]string, error) {
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()
	return append([]string(nil), r.svc.stale...), nil
}

func (r *fakeReplicator) SyncRow(_ context.Context, key string) error {
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()
	r.svc.synced = append(r.svc.synced, key)
	return nil
}

// recordingDB stands in for the connection cache and keeps every statement.
type recordingDB struct {
	mu            sync.Mutex
	urls          []string
	execs         []string
	args          [][]any
	disconnected  []string
	disconnectErr error
}

func (d *recordingDB) Borrow(ctx context.Context, connURL string, _ conncache.Options, fn func(ctx context.Context, q conncache.Querier) error) error {
	d.mu.Lock()
	d.urls = append(d.urls, connURL)
	d.mu.Unlock()
	return fn(ctx, recordingQuerier{db: d})
}

func (d *recordingDB) Disconnect(connURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disconnectErr != nil {
		return d.disconnectErr
	}
	d.disconnected = append(d.disconnected, connURL)
	return nil
}

func (d *recordingDB) statements(prefix string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, s := range d.execs {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	return out
}

type recordingQuerier struct {
	db *recordingDB
}

var errNotRecorded = errors.New("recording querier only runs Exec")

func (q recordingQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.db.mu.Lock()
	defer q.db.mu.Unlock()
	q.db.execs = append(q.db.execs, sql)
	q.db.args = append(q.db.args, args)
	if strings.HasPrefix(sql, "INSERT") {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (q recordingQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNotRecorded
}

func (q recordingQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func (q recordingQuerier) Begin(context.Context) (pgx.Tx, error) {
	return nil, errNotRecorded
}

type errRow struct{}

func (errRow) Scan(...any) error { return errNotRecorded }

// recordingQueue remembers every job it accepted.
type recordingQueue struct {
	JobQueue
	mu       sync.Mutex
	accepted []Job
}

func (q *recordingQueue) TryEnqueue(job Job) bool {
	if !q.JobQueue.TryEnqueue(job) {
		return false
	}
	q.mu.Lock()
	q.accepted = append(q.accepted, job)
	q.mu.Unlock()
	return true
}

func (q *recordingQueue) jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.accepted...)
}

type testEngine struct {
	*Engine
	store *MemoryAppStore
	db    *recordingDB
	queue *recordingQueue
	org   *Organization
}

// newTestEngine builds an engine with workers off over a memory store, a
// recording database and one organization that already has a database.
func newTestEngine(t *testing.T, opts EngineOptions, services ...*fakeService) *testEngine {
	t.Helper()
	descs := make([]Descriptor, len(services))
	for i, svc := range services {
		descs[i] = svc.descriptor()
	}
	store := NewMemoryAppStore()
	db := &recordingDB{}
	org := &Organization{
		Key:                   "acme",
		Name:                  "Acme",
		AdminConnectionURL:    "postgres://admin@tenant/acme",
		ReadonlyConnectionURL: "postgres://ro@tenant/acme",
	}
	require.NoError(t, store.CreateOrganization(context.Background(), org))

	inner := opts.JobQueue
	if inner == nil {
		inner = NewInMemoryJobQueue(64)
	}
	queue := &recordingQueue{JobQueue: inner}
	opts.Store = store
	opts.Registry = NewRegistry(descs...)
	opts.Cache = db
	opts.JobQueue = queue
	opts.DisableWorkers = true
	opts.Logger = discardLogger()
	opts.Now = func() time.Time { return testNow }
	if opts.JobRetryDelay == 0 {
		opts.JobRetryDelay = time.Millisecond
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return &testEngine{Engine: engine, store: store, db: db, queue: queue, org: org}
}

// configured returns an integration of the service with its webhook secret
// and backfill key set.
func (e *testEngine) configured(t *testing.T, service string) *ServiceIntegration {
	t.Helper()
	ctx := context.Background()
	sint, err := e.EnsureIntegration(ctx, e.org, service)
	require.NoError(t, err)
	_, err = e.ProcessStateChange(ctx, sint, "webhook_secret", "whsec")
	require.NoError(t, err)
	_, err = e.ProcessStateChange(ctx, sint, "backfill_key", "key")
	require.NoError(t, err)
	return sint
}

func (e *testEngine) deliver(t *testing.T, sint *ServiceIntegration, body string) WebhookResponse {
	t.Helper()
	headers := http.Header{}
	headers.Set(SharedSecretHeader, "whsec")
	resp, err := e.HandleWebhook(context.Background(), sint.OpaqueID, WebhookRequest{
		Method:  http.MethodPost,
		Path:    "/integrations/" + sint.OpaqueID,
		Headers: headers,
		Body:    []byte(body),
	})
	require.NoError(t, err)
	return resp
}

func (e *testEngine) drain(t *testing.T) int {
	t.Helper()
	n, err := e.Drain(context.Background())
	require.NoError(t, err)
	return n
}
