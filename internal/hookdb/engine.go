package hookdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ConnectionCache is the part of conncache.Cache the engine needs.
type ConnectionCache interface {
	Borrower
	Disconnect(connURL string) error
}

type EngineOptions struct {
	Store    AppStore
	Registry *Registry
	Cache    ConnectionCache
	JobQueue JobQueue
	HTTP     *UpstreamClient
	// DatabaseBuilder provisions tenant databases. Optional unless
	// PrepareDatabaseConnections or RemoveRelatedDatabase are used.
	DatabaseBuilder DatabaseBuilder

	Workers                   int
	MaxJobAttempts            int
	JobRetryDelay             time.Duration
	IntegrationMaxConcurrency int
	DisableWorkers            bool

	Settings Settings
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine owns the job workers and every operation that moves data between
// upstream services and tenant tables.
type Engine struct {
	store    AppStore
	registry *Registry
	cache    ConnectionCache
	jobs     JobQueue
	http     *UpstreamClient
	builder  DatabaseBuilder
	logger   *slog.Logger
	now      func() time.Time

	maxAttempts       int
	retryDelay        time.Duration
	maxPerIntegration int

	settingsMu sync.RWMutex
	settings   Settings

	queueMu    sync.Mutex
	queuedRows map[string]struct{}

	slotMu sync.Mutex
	slots  map[int64]chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: engine needs an app store", ErrInvalidInput)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: engine needs a replicator registry", ErrInvalidInput)
	}
	if err := opts.Registry.Validate(); err != nil {
		return nil, err
	}
	maxAttempts := opts.MaxJobAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	retryDelay := opts.JobRetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	jobs := opts.JobQueue
	if jobs == nil {
		jobs = NewInMemoryJobQueue(defaultQueueCapacity)
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = NewUpstreamClient(UpstreamClientOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:             opts.Store,
		registry:          opts.Registry,
		cache:             opts.Cache,
		jobs:              jobs,
		http:              httpClient,
		builder:           opts.DatabaseBuilder,
		logger:            logger,
		now:               now,
		maxAttempts:       maxAttempts,
		retryDelay:        retryDelay,
		maxPerIntegration: opts.IntegrationMaxConcurrency,
		settings:          opts.Settings.withDefaults(),
		queuedRows:        map[string]struct{}{},
		slots:             map[int64]chan struct{}{},
		ctx:               ctx,
		cancel:            cancel,
		closed:            make(chan struct{}),
	}
	if !opts.DisableWorkers {
		for i := 0; i < workers; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker()
			}()
		}
	}
	return e, nil
}

func (e *Engine) Store() AppStore {
	return e.store
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Settings() Settings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// UpdateSettings applies to replicators bound after the call.
func (e *Engine) UpdateSettings(s Settings) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	e.settings = s.withDefaults()
}

// QueueDepth reports jobs waiting to be picked up.
func (e *Engine) QueueDepth() int {
	return e.jobs.Depth()
}

// Close stops the workers. Jobs still running are cancelled and stay in
// flight in durable queues so they are delivered again on restart.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		e.cancel()
		e.wg.Wait()
		err = e.jobs.Close()
	})
	return err
}

// Bind resolves an integration record to its replicator and environment.
func (e *Engine) Bind(ctx context.Context, sint *ServiceIntegration) (Bound, error) {
	org, err := e.store.Organization(ctx, sint.OrganizationID)
	if err != nil {
		return Bound{}, fmt.Errorf("organization of integration %s: %w", sint.OpaqueID, err)
	}
	env := &Env{
		Integration:  sint,
		Organization: org,
		DB:           NewTenantDB(org, e.cache),
		HTTP:         e.http,
		Jobs:         e,
		Graph:        e,
		Logger:       e.logger.With("integration_id", sint.ID, "opaque_id", sint.OpaqueID, "service", sint.ServiceName),
		Now:          e.now,
		Settings:     e.Settings(),
	}
	r, err := e.registry.Resolve(env)
	if err != nil {
		return Bound{}, err
	}
	return Bound{Integration: sint, Replicator: r, Env: env}, nil
}

// Dependents binds every live integration that declares parent as its
// dependency.
func (e *Engine) Dependents(ctx context.Context, parent *ServiceIntegration) ([]Bound, error) {
	children, err := e.store.ListDependents(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	out := make([]Bound, 0, len(children))
	for _, child := range children {
		b, err := e.Bind(ctx, child)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// EnqueueJob fills in the id and timestamp and hands the job to the queue,
// waiting for room until ctx ends. A row_sync job for a row that is already
// queued is dropped.
func (e *Engine) EnqueueJob(ctx context.Context, job Job) error {
	_, err := e.enqueue(ctx, job)
	return err
}

// enqueue reports whether the job was added rather than dropped as a
// duplicate.
func (e *Engine) enqueue(ctx context.Context, job Job) (bool, error) {
	select {
	case <-e.closed:
		return false, &PreconditionError{Message: "engine is closed"}
	default:
	}
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = e.now().UTC()
	}
	if !job.valid() {
		return false, fmt.Errorf("%w: job needs a kind and integration", ErrInvalidInput)
	}
	rowKey := ""
	if job.Kind == JobRowSync {
		rowKey = queuedRowKey(job)
		e.queueMu.Lock()
		if _, exists := e.queuedRows[rowKey]; exists {
			e.queueMu.Unlock()
			return false, nil
		}
		e.queuedRows[rowKey] = struct{}{}
		e.queueMu.Unlock()
	}
	if e.jobs.TryEnqueue(job) || e.jobs.Enqueue(ctx, job) {
		return true, nil
	}
	if rowKey != "" {
		e.queueMu.Lock()
		delete(e.queuedRows, rowKey)
		e.queueMu.Unlock()
	}
	return false, fmt.Errorf("enqueue %s job: %w", job.Kind, ErrQueueFull)
}

func queuedRowKey(job Job) string {
	return strconv.FormatInt(job.IntegrationID, 10) + "|" + job.RowKey
}

func (e *Engine) worker() {
	for {
		job, ok := e.jobs.Dequeue(e.ctx)
		if !ok {
			return
		}
		if !e.runJob(e.ctx, job) {
			return
		}
	}
}

// Drain runs the jobs queued at the time of the call on the calling
// goroutine and returns how many ran. Jobs those runs enqueue, retries
// included, stay queued.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	n := e.jobs.Depth()
	for i := 0; i < n; i++ {
		job, ok := e.jobs.Dequeue(ctx)
		if !ok || !e.runJob(ctx, job) {
			return i, ctx.Err()
		}
	}
	return n, nil
}

// runJob reports false when ctx ended before the job finished; the job is
// then left unacked.
func (e *Engine) runJob(ctx context.Context, job Job) bool {
	if job.Kind == JobRowSync {
		e.queueMu.Lock()
		delete(e.queuedRows, queuedRowKey(job))
		e.queueMu.Unlock()
	}
	if job.NotBefore != nil {
		if err := sleepContext(ctx, job.NotBefore.Sub(e.now())); err != nil {
			return false
		}
	}
	release := e.acquireIntegrationSlot(job.IntegrationID)
	err := e.processJob(ctx, job)
	release()
	if ctx.Err() != nil {
		return false
	}
	e.finishJob(job, err)
	return true
}

func (e *Engine) acquireIntegrationSlot(integrationID int64) func() {
	if e.maxPerIntegration <= 0 {
		return func() {}
	}
	e.slotMu.Lock()
	sem, exists := e.slots[integrationID]
	if !exists {
		sem = make(chan struct{}, e.maxPerIntegration)
		e.slots[integrationID] = sem
	}
	e.slotMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() {
			select {
			case <-sem:
			default:
			}
		}
	case <-e.closed:
		return func() {}
	}
}

func (e *Engine) finishJob(job Job, err error) {
	logger := e.logger.With("job_id", job.ID, "kind", job.Kind, "integration_id", job.IntegrationID, "attempt", job.Attempt)
	if err == nil {
		logger.Debug("job finished")
		e.ack(logger, job)
		return
	}
	if !IsRetryable(err) || job.Attempt+1 >= e.maxAttempts {
		logger.Error("job dead-lettered", "error", err, "retryable", IsRetryable(err))
		e.ack(logger, job)
		return
	}
	retry := job
	retry.ID = NewJobID()
	retry.Attempt = job.Attempt + 1
	notBefore := e.now().Add(e.retryDelay * time.Duration(retry.Attempt))
	retry.NotBefore = &notBefore
	logger.Warn("job failed, retrying", "error", err, "retry_job_id", retry.ID, "not_before", notBefore)
	if enqueueErr := e.EnqueueJob(e.ctx, retry); enqueueErr != nil {
		logger.Error("job retry could not be enqueued", "error", enqueueErr)
	}
	e.ack(logger, job)
}

func (e *Engine) ack(logger *slog.Logger, job Job) {
	if err := e.jobs.Ack(job); err != nil {
		logger.Error("job ack failed", "error", err)
	}
}

func (e *Engine) processJob(ctx context.Context, job Job) error {
	sint, err := e.store.Integration(ctx, job.IntegrationID)
	if err != nil {
		return fmt.Errorf("integration %d: %w", job.IntegrationID, err)
	}
	if sint.Deleted() {
		e.logger.Info("skipping job for deleted integration", "job_id", job.ID, "integration_id", sint.ID)
		return nil
	}
	b, err := e.Bind(ctx, sint)
	if err != nil {
		return err
	}
	switch job.Kind {
	case JobWebhook:
		return e.processWebhookJob(ctx, b, job)
	case JobBackfill:
		return e.Backfill(ctx, b, job.Incremental)
	case JobRowSync:
		syncer, ok := b.Replicator.(RowSyncer)
		if !ok {
			return configurationErrorf("%s does not sync rows", sint.ServiceName)
		}
		return syncer.SyncRow(ctx, job.RowKey)
	}
	return configurationErrorf("unknown job kind %q", job.Kind)
}

func (e *Engine) processWebhookJob(ctx context.Context, b Bound, job Job) error {
	payload, err := DecodePayload(job.Body)
	if err != nil {
		return err
	}
	if err := e.ensureTable(ctx, b); err != nil {
		return err
	}
	if handler, ok := b.Replicator.(WebhookHandler); ok {
		return handler.HandleWebhookBody(ctx, payload)
	}
	_, err = UpsertPayload(ctx, b.Env, b.Replicator, payload)
	return err
}

// ensureTable creates the integration's table, or adds declared columns and
// indexes the physical table is missing.
func (e *Engine) ensureTable(ctx context.Context, b Bound) error {
	return b.Env.DB.Admin(ctx, SlowSchema, func(ctx context.Context, q Querier) error {
		return EnsureTable(ctx, q, b.Integration.TableName, b.Replicator.Schema())
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
